package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/macjediwizard/offlinecal/internal/scheduler"
	"github.com/macjediwizard/offlinecal/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run background sync and the control API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, app)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *application) error {
	log := a.logger
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a.discoverNewAccounts(ctx)

	_, end := a.events.Window()
	if added, err := a.events.ExtendWindows(ctx, end); err != nil {
		log.Warn("failed to extend occurrence windows", "error", err)
	} else if added > 0 {
		log.Info("extended occurrence windows", "occurrences", added)
	}

	sched := scheduler.New(a.db, a.engine,
		scheduler.WithLogger(log),
		scheduler.WithWindowExtender(a.events),
	)
	a.expedite = sched.Expedite

	handlers := web.NewHandlers(a.db, sched, a.engine.Tracker(), log)
	router := web.NewRouter(handlers, a.cfg.Server.AllowedOrigins)

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info("shutting down server")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return nil
}

// discoverNewAccounts looks up the calendars of remote accounts that have
// none yet, such as freshly seeded ones. Failures are logged; the next run
// retries.
func (a *application) discoverNewAccounts(ctx context.Context) {
	accounts, err := a.db.ListAccounts(ctx, true)
	if err != nil {
		a.logger.Error("failed to list accounts", "error", err)
		return
	}
	for _, acc := range accounts {
		if acc.LocalOnly {
			continue
		}
		cals, err := a.db.ListCalendars(ctx, acc.ID)
		if err != nil || len(cals) > 0 {
			continue
		}
		if _, err := a.engine.DiscoverCalendars(ctx, acc.ID); err != nil {
			a.logger.Warn("calendar discovery failed", "account_id", acc.ID, "error", err)
		}
	}
}
