package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"

	"github.com/macjediwizard/offlinecal/internal/caldav"
	"github.com/macjediwizard/offlinecal/internal/config"
	"github.com/macjediwizard/offlinecal/internal/crypto"
	"github.com/macjediwizard/offlinecal/internal/db"
	"github.com/macjediwizard/offlinecal/internal/events"
	"github.com/macjediwizard/offlinecal/internal/logger"
	"github.com/macjediwizard/offlinecal/internal/notify"
	"github.com/macjediwizard/offlinecal/internal/recurrence"
)

// generationLookback is how far back recurring series stay materialized.
const generationLookback = 90 * 24 * time.Hour

// application holds the wired components shared by every command.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *db.DB
	enc     *crypto.Encryptor
	hub     *notify.Hub
	webhook *notify.WebhookSink
	events  *events.Service
	engine  *caldav.SyncEngine

	// expedite is set by serve once the scheduler runs.
	expedite func(calendarID int64)
}

var app *application

var rootCmd = &cobra.Command{
	Use:   "offlinecal",
	Short: "Offline-first calendar sync",
	Long: `offlinecal keeps a local calendar store usable without a network
connection and reconciles it with CalDAV servers when one is available.

Configuration is read from the environment (and an optional .env file).`,
	PersistentPreRunE:  setupApp,
	PersistentPostRunE: closeApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a, err := newApplication(cfg, logger.New(string(cfg.Server.Environment), cfg.Logging.Level))
	if err != nil {
		return err
	}
	app = a

	if cfg.AccountsFile != "" {
		if _, err := app.seedAccounts(cmd.Context(), cfg.AccountsFile); err != nil {
			_ = app.close() //nolint:errcheck // already failing
			return err
		}
	}
	return nil
}

func closeApp(_ *cobra.Command, _ []string) error {
	if app == nil {
		return nil
	}
	return app.close()
}

func newApplication(cfg *config.Config, log *slog.Logger) (*application, error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	enc, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}
	resolution, err := caldav.ParseConflictResolution(cfg.Sync.ConflictResolution)
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &application{cfg: cfg, logger: log, db: database, enc: enc}

	a.hub = notify.NewHub(notify.NewLogSink(log))
	if cfg.Webhook.URL != "" {
		if cfg.IsProduction() {
			if err := notify.ValidateWebhookURL(cfg.Webhook.URL); err != nil {
				database.Close()
				return nil, fmt.Errorf("invalid webhook configuration: %w", err)
			}
		}
		a.webhook = notify.NewWebhookSink(notify.WebhookConfig{URL: cfg.Webhook.URL, Cooldown: cfg.Webhook.Cooldown}, log)
		a.hub.Add(a.webhook)
	}

	gen := recurrence.NewGenerator(cfg.Calendar.DisplayTimezone, cfg.Calendar.MaxOccurrences, log)
	a.events = events.NewService(database, gen, a.hub,
		events.WithLogger(log),
		events.WithWindow(cfg.Horizon(), generationLookback),
		events.WithQueueHook(func(calendarID int64) {
			if a.expedite != nil {
				a.expedite(calendarID)
			}
		}),
	)

	factory := caldav.NewTransportFactory(enc, rate.Limit(cfg.RateLimiting.RPS), cfg.RateLimiting.Burst, log)
	a.engine = caldav.NewSyncEngine(database, a.events, factory, a.hub,
		caldav.WithLogger(log),
		caldav.WithPolicy(caldav.Policy{
			MaxAttempts:     cfg.Sync.MaxAttempts,
			FailedCooldown:  cfg.Sync.FailedCooldown,
			Lifetime:        cfg.Sync.OperationLifetime,
			ConflictRetries: cfg.Sync.ConflictRetries,
			Resolution:      resolution,
			BatchSize:       cfg.Sync.BatchSize,
			Concurrency:     cfg.Sync.Concurrency,
		}),
	)
	return a, nil
}

func (a *application) close() error {
	if a.webhook != nil {
		a.webhook.Wait()
	}
	return a.db.Close()
}

// seedAccounts creates the accounts of the seed file that do not exist yet,
// matched by name. Existing accounts are left untouched.
func (a *application) seedAccounts(ctx context.Context, path string) ([]*db.Account, error) {
	seeds, err := config.LoadAccounts(path, a.cfg.IsProduction())
	if err != nil {
		return nil, err
	}
	existing, err := a.db.ListAccounts(ctx, false)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(existing))
	for _, acc := range existing {
		known[strings.ToLower(acc.Name)] = true
	}

	var created []*db.Account
	for _, seed := range seeds {
		if known[strings.ToLower(seed.Name)] {
			continue
		}
		acc, err := a.newAccount(seed)
		if err != nil {
			return nil, err
		}
		if err := a.db.CreateAccount(ctx, acc); err != nil {
			return nil, err
		}
		a.logger.Info("seeded account", "account_id", acc.ID, "name", acc.Name)
		created = append(created, acc)
	}
	return created, nil
}

func (a *application) newAccount(seed config.AccountSeed) (*db.Account, error) {
	secret, err := a.enc.Encrypt(seed.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}
	token, err := a.enc.Encrypt(seed.BearerToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token: %w", err)
	}
	interval := seed.Interval
	if interval == 0 {
		interval = int(a.cfg.Sync.Interval / time.Second)
	}
	acc := &db.Account{
		Name:         seed.Name,
		Username:     seed.Username,
		Secret:       secret,
		BearerToken:  token,
		LocalOnly:    seed.LocalOnly,
		SyncInterval: interval,
		Enabled:      true,
	}
	if !seed.LocalOnly {
		acc.ServerURL = seed.ServerURL
	}
	return acc, nil
}

// findAccount resolves an account by id, falling back to a case-insensitive
// name match.
func (a *application) findAccount(ctx context.Context, ref string) (*db.Account, error) {
	acc, err := a.db.GetAccount(ctx, ref)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	accounts, err := a.db.ListAccounts(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		if strings.EqualFold(acc.Name, ref) {
			return acc, nil
		}
	}
	return nil, fmt.Errorf("account %q: %w", ref, db.ErrNotFound)
}
