package caldav

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/offlinecal/internal/activity"
	"github.com/macjediwizard/offlinecal/internal/db"
	"github.com/macjediwizard/offlinecal/internal/events"
	"github.com/macjediwizard/offlinecal/internal/notify"
)

// ConflictResolution decides who wins once a conflict ran out of retries.
type ConflictResolution string

const (
	RemoteWins ConflictResolution = "remote_wins"
	LocalWins  ConflictResolution = "local_wins"
	Manual     ConflictResolution = "manual"
)

// ParseConflictResolution validates a configured resolution.
func ParseConflictResolution(s string) (ConflictResolution, error) {
	switch r := ConflictResolution(strings.ToLower(strings.TrimSpace(s))); r {
	case RemoteWins, LocalWins, Manual:
		return r, nil
	case "":
		return RemoteWins, nil
	}
	return "", fmt.Errorf("unknown conflict resolution %q", s)
}

// Policy holds the retry and batching limits of the engine.
type Policy struct {
	MaxAttempts     int
	FailedCooldown  time.Duration
	Lifetime        time.Duration
	ConflictRetries int
	Resolution      ConflictResolution
	BatchSize       int
	Concurrency     int
}

// DefaultPolicy returns the stock limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		FailedCooldown:  24 * time.Hour,
		Lifetime:        30 * 24 * time.Hour,
		ConflictRetries: 3,
		Resolution:      RemoteWins,
		BatchSize:       50,
		Concurrency:     4,
	}
}

// SyncOptions are per-cycle switches.
type SyncOptions struct {
	// Force skips the collection tag check and re-enables failed
	// operations at once.
	Force bool
}

// SyncResult represents the result of one calendar sync cycle.
type SyncResult struct {
	CalendarID int64         `json:"calendar_id"`
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	Added      int           `json:"added"`
	Updated    int           `json:"updated"`
	Deleted    int           `json:"deleted"`
	Conflicts  int           `json:"conflicts"`
	Pushed     int           `json:"pushed"`
	Failed     int           `json:"failed"`
	Abandoned  int           `json:"abandoned"`
	Malformed  int           `json:"malformed"`
	NoChange   bool          `json:"no_change"`
	Skipped    bool          `json:"skipped"`
	Errors     []string      `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (r *SyncResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// TransportFactory builds the transport for an account.
type TransportFactory func(ctx context.Context, account *db.Account) (Transport, error)

// EngineOption configures a SyncEngine.
type EngineOption func(*SyncEngine)

// WithPolicy replaces the default limits.
func WithPolicy(p Policy) EngineOption {
	return func(se *SyncEngine) {
		se.policy = p
	}
}

// WithTracker reports cycle states to t.
func WithTracker(t *activity.Tracker) EngineOption {
	return func(se *SyncEngine) {
		se.tracker = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(se *SyncEngine) {
		se.logger = logger
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(se *SyncEngine) {
		se.now = now
	}
}

// SyncEngine orchestrates calendar synchronization.
type SyncEngine struct {
	db       *db.DB
	events   *events.Service
	factory  TransportFactory
	notifier notify.Notifier
	tracker  *activity.Tracker
	logger   *slog.Logger
	now      func() time.Time
	policy   Policy

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewSyncEngine creates a new sync engine.
func NewSyncEngine(database *db.DB, svc *events.Service, factory TransportFactory, notifier notify.Notifier, opts ...EngineOption) *SyncEngine {
	se := &SyncEngine{
		db:       database,
		events:   svc,
		factory:  factory,
		notifier: notifier,
		tracker:  activity.NewTracker(),
		logger:   slog.Default(),
		now:      time.Now,
		policy:   DefaultPolicy(),
		locks:    make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(se)
	}
	if se.notifier == nil {
		se.notifier = notify.Nop{}
	}
	if se.policy.BatchSize <= 0 {
		se.policy.BatchSize = DefaultPolicy().BatchSize
	}
	if se.policy.Concurrency <= 0 {
		se.policy.Concurrency = 1
	}
	return se
}

// Tracker returns the activity tracker the engine reports to.
func (se *SyncEngine) Tracker() *activity.Tracker {
	return se.tracker
}

// Policy returns the engine's limits.
func (se *SyncEngine) Policy() Policy {
	return se.policy
}

func (se *SyncEngine) calendarLock(id int64) *sync.Mutex {
	se.mu.Lock()
	defer se.mu.Unlock()
	l, ok := se.locks[id]
	if !ok {
		l = &sync.Mutex{}
		se.locks[id] = l
	}
	return l
}

// cycle carries the state of one calendar sync.
type cycle struct {
	cal        *db.Calendar
	account    *db.Account
	transport  Transport
	res        *SyncResult
	opts       SyncOptions
	transports map[string]Transport
	// conflicted holds events that hit a conflict this cycle; they are not
	// pushed again until the next one.
	conflicted map[int64]bool
}

// SyncCalendar runs one sync cycle for a calendar. A cycle already running
// for the same calendar makes this call return at once with Skipped set.
// The returned error reports a cycle-level failure; per-resource and
// per-operation failures are only listed in the result.
func (se *SyncEngine) SyncCalendar(ctx context.Context, calendarID int64, opts SyncOptions) (*SyncResult, error) {
	res := &SyncResult{CalendarID: calendarID}
	lock := se.calendarLock(calendarID)
	if !lock.TryLock() {
		se.logger.Debug("sync already running, skipping", "calendar_id", calendarID)
		res.Skipped = true
		res.Success = true
		res.Message = "Sync already in progress"
		return res, nil
	}
	defer lock.Unlock()

	start := se.now()
	cal, err := se.db.GetCalendar(ctx, calendarID)
	if err != nil {
		return res, fmt.Errorf("failed to load calendar %d: %w", calendarID, err)
	}
	if cal.LocalOnly {
		res.Success = true
		res.NoChange = true
		res.Message = "Local-only calendar"
		return res, nil
	}
	account, err := se.db.GetAccount(ctx, cal.AccountID)
	if err != nil {
		return res, fmt.Errorf("failed to load account for calendar %d: %w", calendarID, err)
	}

	se.tracker.StartSync(cal.ID, cal.Name)
	c := &cycle{
		cal:        cal,
		account:    account,
		res:        res,
		opts:       opts,
		transports: make(map[string]Transport),
		conflicted: make(map[int64]bool),
	}
	err = se.run(ctx, c)
	res.Duration = se.now().Sub(start)
	se.finish(ctx, c, err)
	return res, err
}

func (se *SyncEngine) run(ctx context.Context, c *cycle) error {
	t, err := se.transportFor(ctx, c, c.account)
	if err != nil {
		return err
	}
	c.transport = t

	if c.opts.Force {
		n, err := se.db.ReenableFailedOperations(ctx, c.cal.ID, time.Time{})
		if err != nil {
			return err
		}
		if n > 0 {
			se.logger.Info("re-enabled failed operations", "calendar_id", c.cal.ID, "count", n)
		}
	}
	if err := se.abandonExpired(ctx, c.cal.ID, c.res); err != nil {
		return err
	}
	if c.res.Abandoned > 0 {
		// Abandonment flags the calendar; pick that up for this pull.
		if c.cal, err = se.db.GetCalendar(ctx, c.cal.ID); err != nil {
			return err
		}
	}

	if err := se.pull(ctx, c); err != nil {
		return err
	}
	return se.push(ctx, c)
}

// transportFor returns the cycle's transport for an account, building it
// on first use.
func (se *SyncEngine) transportFor(ctx context.Context, c *cycle, account *db.Account) (Transport, error) {
	if t, ok := c.transports[account.ID]; ok {
		return t, nil
	}
	t, err := se.factory(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", account.Name, err)
	}
	c.transports[account.ID] = t
	return t, nil
}

// transportForCalendar returns the transport serving another calendar, used
// by the delete phase of a move between accounts.
func (se *SyncEngine) transportForCalendar(ctx context.Context, c *cycle, calendarID int64) (Transport, *db.Calendar, error) {
	if calendarID == c.cal.ID {
		return c.transport, c.cal, nil
	}
	cal, err := se.db.GetCalendar(ctx, calendarID)
	if err != nil {
		return nil, nil, err
	}
	if cal.AccountID == c.account.ID {
		return c.transport, cal, nil
	}
	account, err := se.db.GetAccount(ctx, cal.AccountID)
	if err != nil {
		return nil, nil, err
	}
	t, err := se.transportFor(ctx, c, account)
	return t, cal, err
}

func (se *SyncEngine) state(c *cycle, s activity.State) {
	se.tracker.SetState(c.cal.ID, s)
}

// finish records the cycle outcome: calendar status, sync log, tracker and
// one summary signal.
func (se *SyncEngine) finish(ctx context.Context, c *cycle, cycleErr error) {
	res := c.res
	status := db.SyncLogSuccess
	trackerStatus := "completed"
	switch {
	case cycleErr != nil:
		status = db.SyncLogError
		trackerStatus = "error"
		res.Success = false
		res.addError("%v", cycleErr)
		res.Message = fmt.Sprintf("Sync failed: %v", cycleErr)
	case len(res.Errors) > 0 || res.Failed > 0:
		status = db.SyncLogPartial
		trackerStatus = "partial"
		res.Success = true
		res.Message = fmt.Sprintf("Sync completed with %d errors: %s", len(res.Errors), res.counts())
	case res.NoChange && res.Pushed == 0:
		status = db.SyncLogNoChange
		trackerStatus = "no_change"
		res.Success = true
		res.Message = "No remote changes"
	default:
		res.Success = true
		res.Message = "Synced: " + res.counts()
	}

	// The cycle context may be cancelled; bookkeeping still has to land.
	bg := context.WithoutCancel(ctx)
	if err := se.db.UpdateCalendarSyncStatus(bg, c.cal.ID, status, res.Message); err != nil {
		se.logger.Error("failed to update sync status", "calendar_id", c.cal.ID, "error", err)
	}
	syncLog := &db.SyncLog{
		CalendarID: c.cal.ID,
		Status:     status,
		Message:    res.Message,
		Added:      res.Added,
		Updated:    res.Updated,
		Deleted:    res.Deleted,
		Conflicts:  res.Conflicts,
		Pushed:     res.Pushed,
		Failed:     res.Failed,
		Duration:   res.Duration,
	}
	if len(res.Errors) > 0 {
		syncLog.Details = strings.Join(res.Errors, "\n")
	}
	if err := se.db.CreateSyncLog(bg, syncLog); err != nil {
		se.logger.Error("failed to create sync log", "calendar_id", c.cal.ID, "error", err)
	}

	se.tracker.IncrementProgress(c.cal.ID, res.Added, res.Updated, res.Deleted, res.Pushed, res.Failed)
	se.tracker.FinishSync(c.cal.ID, trackerStatus, res.Message, res.Errors)

	if errors.Is(cycleErr, ErrAuthFailed) {
		se.notifier.Notify(bg, notify.Signal{
			Kind:       notify.KindAuthRequired,
			CalendarID: c.cal.ID,
			Message:    fmt.Sprintf("Sign in again to %s", c.account.Name),
			Details:    cycleErr.Error(),
		})
	}
	se.notifier.Notify(bg, notify.Signal{
		Kind:       notify.KindSyncCompleted,
		CalendarID: c.cal.ID,
		Summary:    c.cal.Name,
		Message:    res.Message,
		Details:    strings.Join(res.Errors, "\n"),
		Error:      cycleErr != nil,
	})

	logArgs := []any{"calendar_id", c.cal.ID, "status", status, "duration", res.Duration,
		"added", res.Added, "updated", res.Updated, "deleted", res.Deleted, "pushed", res.Pushed,
		"conflicts", res.Conflicts, "failed", res.Failed}
	if cycleErr != nil {
		se.logger.Warn("sync cycle failed", append(logArgs, "error", cycleErr)...)
	} else {
		se.logger.Info("sync cycle finished", logArgs...)
	}
}

func (r *SyncResult) counts() string {
	return fmt.Sprintf("%d added, %d updated, %d deleted, %d pushed, %d conflicts, %d failed",
		r.Added, r.Updated, r.Deleted, r.Pushed, r.Conflicts, r.Failed)
}

// SyncAll syncs every remote calendar of every enabled account,
// concurrently up to the policy's limit.
func (se *SyncEngine) SyncAll(ctx context.Context, opts SyncOptions) []*SyncResult {
	accounts, err := se.db.ListAccounts(ctx, true)
	if err != nil {
		se.logger.Error("failed to list accounts", "error", err)
		return nil
	}
	var cals []*db.Calendar
	for _, a := range accounts {
		if a.LocalOnly {
			continue
		}
		list, err := se.db.ListCalendars(ctx, a.ID)
		if err != nil {
			se.logger.Error("failed to list calendars", "account_id", a.ID, "error", err)
			continue
		}
		for _, cal := range list {
			if !cal.LocalOnly {
				cals = append(cals, cal)
			}
		}
	}

	results := make([]*SyncResult, len(cals))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(se.policy.Concurrency)
	for i, cal := range cals {
		g.Go(func() error {
			res, err := se.SyncCalendar(gctx, cal.ID, opts)
			if err != nil && res == nil {
				res = &SyncResult{CalendarID: cal.ID}
			}
			results[i] = res
			// One failing calendar must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DiscoverCalendars finds the event calendars of an account and stores any
// that are new. Known calendars get their name, color and access refreshed.
func (se *SyncEngine) DiscoverCalendars(ctx context.Context, accountID string) ([]*db.Calendar, error) {
	account, err := se.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.LocalOnly {
		return nil, fmt.Errorf("account %s is local-only", account.Name)
	}
	t, err := se.factory(ctx, account)
	if err != nil {
		return nil, err
	}

	principal, err := t.DiscoverPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal: %w", err)
	}
	homes, err := t.DiscoverCollectionHome(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to find home set: %w", err)
	}

	var out []*db.Calendar
	seen := make(map[string]bool)
	for _, home := range homes {
		collections, err := t.ListCollections(ctx, home)
		if err != nil {
			return nil, fmt.Errorf("failed to list calendars in %s: %w", home, err)
		}
		for _, col := range collections {
			if seen[col.Href] {
				continue
			}
			seen[col.Href] = true
			cal, err := se.storeCollection(ctx, account, col)
			if err != nil {
				return nil, err
			}
			out = append(out, cal)
		}
	}
	se.logger.Info("discovered calendars", "account_id", account.ID, "count", len(out), "homes", len(homes))
	return out, nil
}

func (se *SyncEngine) storeCollection(ctx context.Context, account *db.Account, col Collection) (*db.Calendar, error) {
	cal, err := se.db.GetCalendarByHref(ctx, account.ID, col.Href)
	if errors.Is(err, db.ErrNotFound) {
		cal = &db.Calendar{
			AccountID: account.ID,
			Href:      col.Href,
			Name:      col.Name,
			Color:     col.Color,
			ReadOnly:  col.ReadOnly,
		}
		if err := se.db.CreateCalendar(ctx, cal); err != nil {
			return nil, err
		}
		return cal, nil
	}
	if err != nil {
		return nil, err
	}
	cal.Name, cal.Color, cal.ReadOnly = col.Name, col.Color, col.ReadOnly
	if err := se.db.UpdateCalendarMeta(ctx, cal); err != nil {
		return nil, err
	}
	return cal, nil
}

// MaintenanceResult reports what Maintain did.
type MaintenanceResult struct {
	Reenabled int64 `json:"reenabled"`
	Abandoned int   `json:"abandoned"`
}

// Maintain re-enables failed operations whose cool-down passed and abandons
// operations that outlived their lifetime.
func (se *SyncEngine) Maintain(ctx context.Context) (MaintenanceResult, error) {
	var out MaintenanceResult
	n, err := se.db.ReenableFailedOperations(ctx, 0, se.now().Add(-se.policy.FailedCooldown))
	if err != nil {
		return out, err
	}
	out.Reenabled = n

	res := &SyncResult{}
	if err := se.abandonExpired(ctx, 0, res); err != nil {
		return out, err
	}
	out.Abandoned = res.Abandoned
	if out.Reenabled > 0 || out.Abandoned > 0 {
		se.logger.Info("queue maintenance", "reenabled", out.Reenabled, "abandoned", out.Abandoned)
	}
	return out, nil
}
