package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/macjediwizard/offlinecal/internal/caldav"
	"github.com/macjediwizard/offlinecal/internal/db"
)

var (
	syncCalendarID int64
	syncForce      bool
	discoverRef    string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long: `Run one sync cycle for a calendar, or for every remote calendar of
every enabled account when --calendar is not given.

--force skips the change-tag check and retries failed operations.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := caldav.SyncOptions{Force: syncForce}
		if syncCalendarID != 0 {
			res, err := app.engine.SyncCalendar(cmd.Context(), syncCalendarID, opts)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			printSyncResults(cmd.OutOrStdout(), []*caldav.SyncResult{res})
			return nil
		}
		results := app.engine.SyncAll(cmd.Context(), opts)
		printSyncResults(cmd.OutOrStdout(), results)
		for _, res := range results {
			if !res.Success {
				return fmt.Errorf("%d calendar(s) failed to sync", countFailed(results))
			}
		}
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find the calendars of an account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		acc, err := app.findAccount(cmd.Context(), discoverRef)
		if err != nil {
			return err
		}
		cals, err := app.engine.DiscoverCalendars(cmd.Context(), acc.ID)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
		printCalendars(cmd.OutOrStdout(), cals)
		return nil
	},
}

func init() {
	syncCmd.Flags().Int64Var(&syncCalendarID, "calendar", 0, "calendar id (default: all)")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "ignore the change tag and retry failed operations")

	discoverCmd.Flags().StringVar(&discoverRef, "account", "", "account id or name")
	_ = discoverCmd.MarkFlagRequired("account") //nolint:errcheck // flag defined above

	rootCmd.AddCommand(syncCmd, discoverCmd)
}

func countFailed(results []*caldav.SyncResult) int {
	n := 0
	for _, res := range results {
		if !res.Success {
			n++
		}
	}
	return n
}

func printSyncResults(w io.Writer, results []*caldav.SyncResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No calendars to sync")
		return
	}
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	for _, res := range results {
		status := ok("ok")
		switch {
		case res.Skipped:
			status = dim("skipped")
		case !res.Success:
			status = bad("failed")
		}
		fmt.Fprintf(w, "calendar %d: %s  %s\n", res.CalendarID, status, res.Message)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "    %s\n", bad(e))
		}
	}
}

func printCalendars(w io.Writer, cals []*db.Calendar) {
	if len(cals) == 0 {
		fmt.Fprintln(w, "No calendars found")
		return
	}
	for _, cal := range cals {
		access := ""
		if cal.ReadOnly {
			access = " (read-only)"
		}
		fmt.Fprintf(w, "%d\t%s%s\t%s\n", cal.ID, cal.Name, access, cal.Href)
	}
}
