package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/macjediwizard/offlinecal/internal/db"
)

var (
	agendaDay         string
	agendaDays        int
	pendingCalendarID int64
)

var agendaCmd = &cobra.Command{
	Use:   "agenda",
	Short: "Show the occurrences of a day",
	RunE: func(cmd *cobra.Command, _ []string) error {
		loc := app.cfg.Calendar.DisplayTimezone
		day := db.DayOf(time.Now(), loc)
		if agendaDay != "" {
			parsed, err := db.ParseDayCode(agendaDay)
			if err != nil {
				return err
			}
			day = parsed
		}
		if agendaDays < 1 {
			agendaDays = 1
		}

		last := day.AddDays(agendaDays - 1)
		occurrences, err := app.db.OccurrencesInRange(cmd.Context(), day, last)
		if err != nil {
			return fmt.Errorf("failed to load occurrences: %w", err)
		}
		names := calendarNames(cmd.Context(), app.db, occurrences)
		printAgenda(cmd.OutOrStdout(), day, last, occurrences, names, loc)
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show the outbound queue of a calendar",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := app.db.GetCalendar(cmd.Context(), pendingCalendarID); err != nil {
			return fmt.Errorf("calendar %d: %w", pendingCalendarID, err)
		}
		ops, err := app.db.ListOperations(cmd.Context(), pendingCalendarID)
		if err != nil {
			return err
		}
		return printPending(cmd.OutOrStdout(), ops)
	},
}

func init() {
	agendaCmd.Flags().StringVar(&agendaDay, "day", "", "first day as YYYY-MM-DD (default: today)")
	agendaCmd.Flags().IntVar(&agendaDays, "days", 1, "number of days to show")

	pendingCmd.Flags().Int64Var(&pendingCalendarID, "calendar", 0, "calendar id")
	_ = pendingCmd.MarkFlagRequired("calendar") //nolint:errcheck // flag defined above

	rootCmd.AddCommand(agendaCmd, pendingCmd)
}

type calendarGetter interface {
	GetCalendar(ctx context.Context, id int64) (*db.Calendar, error)
}

func calendarNames(ctx context.Context, store calendarGetter, occurrences []*db.OccurrenceView) map[int64]string {
	names := make(map[int64]string)
	for _, o := range occurrences {
		if _, ok := names[o.CalendarID]; ok {
			continue
		}
		name := fmt.Sprintf("#%d", o.CalendarID)
		if cal, err := store.GetCalendar(ctx, o.CalendarID); err == nil {
			name = cal.Name
		}
		names[o.CalendarID] = name
	}
	return names
}

// printAgenda lists every day of [first, last] with the occurrences that
// touch it. Multi-day occurrences appear on each of their days.
func printAgenda(w io.Writer, first, last db.DayCode, occurrences []*db.OccurrenceView, names map[int64]string, loc *time.Location) {
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	when := color.New(color.FgYellow).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	for day := first; day <= last; day = day.AddDays(1) {
		fmt.Fprintln(w, header(day.Time(loc).Format("Monday, 2 January 2006")))
		n := 0
		for _, o := range occurrences {
			if o.StartDay > day || o.EndDay < day {
				continue
			}
			n++
			fmt.Fprintf(w, "  %s  %s %s\n", when(timeLabel(o, day, loc)), o.Summary, dim("["+names[o.CalendarID]+"]"))
		}
		if n == 0 {
			fmt.Fprintln(w, dim("  nothing scheduled"))
		}
	}
}

func timeLabel(o *db.OccurrenceView, day db.DayCode, loc *time.Location) string {
	if o.AllDay {
		return "all day    "
	}
	start, end := o.Start.In(loc), o.End.In(loc)
	from, to := start.Format("15:04"), end.Format("15:04")
	if o.StartDay < day {
		from = "..."
	}
	if o.EndDay > day {
		to = "..."
	}
	return fmt.Sprintf("%5s-%-5s", from, to)
}

func printPending(w io.Writer, ops []*db.PendingOperation) error {
	if len(ops) == 0 {
		fmt.Fprintln(w, "Nothing pending")
		return nil
	}
	failed := color.New(color.FgRed).SprintFunc()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tEvent\tKind\tStatus\tAttempts\tQueued\tLast error\t\n")
	for _, op := range ops {
		status := string(op.Status)
		if op.Failed() {
			status = failed(status)
		}
		kind := string(op.Kind)
		if op.Phase != db.PhaseNone {
			kind += "/" + string(op.Phase)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%s\t%s\t\n",
			op.ID, op.EventID, kind, status, op.RetryCount,
			op.CreatedAt.Format("2006-01-02 15:04"), truncate(op.LastError, 40))
	}
	return tw.Flush()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
