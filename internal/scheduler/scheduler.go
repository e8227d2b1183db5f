package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"

	"github.com/macjediwizard/offlinecal/internal/caldav"
	"github.com/macjediwizard/offlinecal/internal/db"
)

const (
	logRetentionDays     = 30
	syncTimeout          = 10 * time.Minute // Maximum time for a single calendar sync
	defaultExpediteDelay = 2 * time.Second
	maintenanceSpec      = "@every 1h"
	dailySpec            = "@daily"
)

// Syncer runs sync cycles and queue maintenance.
type Syncer interface {
	SyncCalendar(ctx context.Context, calendarID int64, opts caldav.SyncOptions) (*caldav.SyncResult, error)
	Maintain(ctx context.Context) (caldav.MaintenanceResult, error)
}

// WindowExtender grows the materialized occurrence window.
type WindowExtender interface {
	Window() (time.Time, time.Time)
	ExtendWindows(ctx context.Context, newEnd time.Time) (int, error)
}

// Job represents a scheduled sync job for one account.
type Job struct {
	accountID string
	interval  time.Duration
	ticker    *time.Ticker
	stopCh    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithWindowExtender enables the daily occurrence window extension.
func WithWindowExtender(w WindowExtender) Option {
	return func(s *Scheduler) {
		s.windows = w
	}
}

// WithExpediteDelay sets how long Expedite waits for further local changes
// before it syncs.
func WithExpediteDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.expediteDelay = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler manages background sync jobs.
type Scheduler struct {
	db            *db.DB
	syncer        Syncer
	windows       WindowExtender
	logger        *slog.Logger
	now           func() time.Time
	expediteDelay time.Duration
	cron          *cron.Cron

	mu        sync.RWMutex
	jobs      map[string]*Job
	syncLocks map[string]*sync.Mutex // Per-account locks to prevent overlapping runs
	expedite  map[int64]*time.Timer
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// New creates a new scheduler.
func New(database *db.DB, syncer Syncer, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		db:            database,
		syncer:        syncer,
		logger:        slog.Default(),
		now:           time.Now,
		expediteDelay: defaultExpediteDelay,
		jobs:          make(map[string]*Job),
		syncLocks:     make(map[string]*sync.Mutex),
		expedite:      make(map[int64]*time.Timer),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads all enabled remote accounts, starts their sync jobs and the
// maintenance schedule.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	accounts, err := s.db.ListAccounts(s.ctx, true)
	if err != nil {
		return err
	}
	count := 0
	for _, account := range accounts {
		if account.LocalOnly {
			continue
		}
		s.AddJob(account.ID, time.Duration(account.SyncInterval)*time.Second)
		count++
	}

	c := cron.New()
	if _, err := c.AddFunc(maintenanceSpec, func() { s.maintain(s.ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(dailySpec, func() { s.daily(s.ctx) }); err != nil {
		return err
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.logger.Info("scheduler started", "jobs", count)
	return nil
}

// Stop gracefully shuts down all jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	s.cancel()
	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	for _, job := range s.jobs {
		close(job.stopCh)
		job.ticker.Stop()
	}
	s.jobs = make(map[string]*Job)
	for id, timer := range s.expedite {
		timer.Stop()
		delete(s.expedite, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// AddJob adds or replaces the sync job of an account.
func (s *Scheduler) AddJob(accountID string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[accountID]; ok {
		close(existing.stopCh)
		existing.ticker.Stop()
	}
	job := &Job{
		accountID: accountID,
		interval:  interval,
		ticker:    time.NewTicker(interval),
		stopCh:    make(chan struct{}),
	}
	s.jobs[accountID] = job

	s.wg.Add(1)
	go s.runJob(job)

	s.logger.Debug("added sync job", "account_id", accountID, "interval", interval)
}

// RemoveJob removes the sync job of an account.
func (s *Scheduler) RemoveJob(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[accountID]; ok {
		close(job.stopCh)
		job.ticker.Stop()
		delete(s.jobs, accountID)
		s.logger.Debug("removed sync job", "account_id", accountID)
	}
}

// UpdateJobInterval changes the interval of an existing job.
func (s *Scheduler) UpdateJobInterval(accountID string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[accountID]; ok {
		job.interval = interval
		job.ticker.Reset(interval)
		s.logger.Debug("updated sync interval", "account_id", accountID, "interval", interval)
	}
}

// GetJobCount returns the number of active jobs.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// TriggerSync syncs one calendar in the background.
func (s *Scheduler) TriggerSync(calendarID int64, force bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncCalendar(calendarID, caldav.SyncOptions{Force: force})
	}()
}

// Expedite schedules a sync of a calendar shortly after a local change.
// Changes arriving within the delay restart it, so a burst of edits ends in
// one cycle.
func (s *Scheduler) Expedite(calendarID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if timer, ok := s.expedite[calendarID]; ok {
		timer.Reset(s.expediteDelay)
		return
	}
	s.expedite[calendarID] = time.AfterFunc(s.expediteDelay, func() {
		s.mu.Lock()
		delete(s.expedite, calendarID)
		// Stop cancels before it takes the lock, so no Add can race its Wait.
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.syncCalendar(calendarID, caldav.SyncOptions{})
		}()
	})
}

// runJob runs the sync job loop.
func (s *Scheduler) runJob(job *Job) {
	defer s.wg.Done()

	// Run immediately on start
	s.syncAccount(job.accountID)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-job.stopCh:
			return
		case <-job.ticker.C:
			s.syncAccount(job.accountID)
		}
	}
}

// getSyncLock returns the mutex for an account, creating one if needed.
func (s *Scheduler) getSyncLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.syncLocks[accountID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.syncLocks[accountID] = lock
	return lock
}

// syncAccount syncs every remote calendar of an account in turn.
func (s *Scheduler) syncAccount(accountID string) {
	lock := s.getSyncLock(accountID)
	if !lock.TryLock() {
		s.logger.Debug("account sync already running, skipping", "account_id", accountID)
		return
	}
	defer lock.Unlock()

	account, err := s.db.GetAccount(s.ctx, accountID)
	if err != nil {
		s.logger.Error("failed to load account", "account_id", accountID, "error", err)
		return
	}
	if !account.Enabled || account.LocalOnly {
		return
	}
	cals, err := s.db.ListCalendars(s.ctx, accountID)
	if err != nil {
		s.logger.Error("failed to list calendars", "account_id", accountID, "error", err)
		return
	}
	for _, cal := range cals {
		if s.ctx.Err() != nil {
			return
		}
		if cal.LocalOnly {
			continue
		}
		s.syncCalendar(cal.ID, caldav.SyncOptions{})
	}
}

func (s *Scheduler) syncCalendar(calendarID int64, opts caldav.SyncOptions) {
	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	res, err := s.syncer.SyncCalendar(ctx, calendarID, opts)
	switch {
	case err != nil:
		s.logger.Warn("calendar sync failed", "calendar_id", calendarID, "error", err)
	case res.Skipped:
		s.logger.Debug("calendar sync coalesced", "calendar_id", calendarID)
	default:
		s.logger.Debug("calendar sync done", "calendar_id", calendarID, "message", res.Message)
	}
}

// maintain re-enables cooled-down failed operations and abandons expired
// ones.
func (s *Scheduler) maintain(ctx context.Context) {
	if _, err := s.syncer.Maintain(ctx); err != nil {
		s.logger.Error("queue maintenance failed", "error", err)
	}
}

// daily extends recurring series to the end of the current window and
// deletes sync logs older than the retention period.
func (s *Scheduler) daily(ctx context.Context) {
	if s.windows != nil {
		_, end := s.windows.Window()
		added, err := s.windows.ExtendWindows(ctx, end)
		if err != nil {
			s.logger.Error("failed to extend occurrence windows", "error", err)
		} else if added > 0 {
			s.logger.Info("extended occurrence windows", "occurrences", added)
		}
	}

	cutoff := s.now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.db.CleanOldSyncLogs(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to clean old sync logs", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("cleaned old sync logs", "deleted", deleted)
	}
}
