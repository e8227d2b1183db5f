package events

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macjediwizard/offlinecal/internal/db"
	"github.com/macjediwizard/offlinecal/internal/notify"
)

const remoteMaster = `BEGIN:VEVENT
UID:planning@example.com
DTSTAMP:20260101T000000Z
DTSTART:20260202T090000Z
DTEND:20260202T100000Z
RRULE:FREQ=WEEKLY;COUNT=3
SUMMARY:Planning
SEQUENCE:2
END:VEVENT
`

const remoteException = `BEGIN:VEVENT
UID:planning@example.com
DTSTAMP:20260101T000000Z
RECURRENCE-ID:20260209T090000Z
DTSTART:20260209T140000Z
DTEND:20260209T150000Z
SUMMARY:Planning (afternoon)
SEQUENCE:2
END:VEVENT
`

func calendarObject(components ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Example//Server//EN\r\n")
	for _, c := range components {
		b.WriteString(strings.ReplaceAll(c, "\n", "\r\n"))
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func feb(day, hour int) time.Time {
	return time.Date(2026, 2, day, hour, 0, 0, 0, time.UTC)
}

func TestApplyRemote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	href := "/dav/work/planning.ics"

	outcome, err := f.svc.ApplyRemote(ctx, f.remote.ID, RemoteResource{
		Href: href, ETag: `"a"`, Payload: calendarObject(remoteMaster, remoteException),
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyAdded, outcome)

	master, err := f.db.FindEventByHref(ctx, f.remote.ID, href)
	require.NoError(t, err)
	assert.Equal(t, "planning@example.com", master.UID)
	assert.Equal(t, db.SyncStatusSynced, master.SyncStatus)
	assert.NotEmpty(t, master.RawPayload)

	excs, err := f.db.ListExceptions(ctx, master.ID)
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Equal(t, master.UID, excs[0].UID)
	assert.True(t, excs[0].OriginalInstanceTime.Equal(feb(9, 9)))

	n, err := f.db.CountOccurrencesAt(ctx, master.ID, feb(9, 9))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	views := f.day(t, 20260209)
	require.Len(t, views, 1)
	assert.Equal(t, "Planning (afternoon)", views[0].Summary)
	assert.True(t, views[0].Start.Equal(feb(9, 14)))

	all, err := f.db.ListAllOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "applying server state must not queue work")

	t.Run("same etag is unchanged", func(t *testing.T) {
		outcome, err := f.svc.ApplyRemote(ctx, f.remote.ID, RemoteResource{
			Href: href, ETag: `"a"`, Payload: calendarObject(remoteMaster, remoteException),
		})
		require.NoError(t, err)
		assert.Equal(t, ApplyUnchanged, outcome)
	})

	t.Run("exceptions missing from the resource are removed", func(t *testing.T) {
		outcome, err := f.svc.ApplyRemote(ctx, f.remote.ID, RemoteResource{
			Href: href, ETag: `"b"`, Payload: calendarObject(remoteMaster),
		})
		require.NoError(t, err)
		assert.Equal(t, ApplyUpdated, outcome)

		excs, err := f.db.ListExceptions(ctx, master.ID)
		require.NoError(t, err)
		assert.Empty(t, excs)
		views := f.day(t, 20260209)
		require.Len(t, views, 1)
		assert.Equal(t, "Planning", views[0].Summary)
		assert.True(t, views[0].Start.Equal(feb(9, 9)))
	})

	t.Run("deletion removes the series", func(t *testing.T) {
		deleted, err := f.svc.ApplyRemoteDeletion(ctx, f.remote.ID, href)
		require.NoError(t, err)
		assert.True(t, deleted)
		_, err = f.db.FindEventByHref(ctx, f.remote.ID, href)
		assert.ErrorIs(t, err, db.ErrNotFound)
		assert.Empty(t, f.day(t, 20260202))

		deleted, err = f.svc.ApplyRemoteDeletion(ctx, f.remote.ID, href)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestApplyRemoteOrphanException(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyRemote(context.Background(), f.remote.ID, RemoteResource{
		Href: "/dav/work/orphan.ics", ETag: `"x"`, Payload: calendarObject(remoteException),
	})
	assert.ErrorIs(t, err, ErrOrphanException)
}

func TestApplyRemoteMatchesPushedEventByUID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	local, err := f.svc.CreateEvent(ctx, &db.Event{
		CalendarID: f.remote.ID, UID: "planning@example.com", Summary: "Draft",
		Start: feb(2, 9), End: feb(2, 10),
	}, true)
	require.NoError(t, err)

	outcome, err := f.svc.ApplyRemote(ctx, f.remote.ID, RemoteResource{
		Href: "/dav/work/planning.ics", ETag: `"a"`, Payload: calendarObject(remoteMaster),
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyUpdated, outcome)

	got := f.event(t, local.ID)
	assert.Equal(t, "Planning", got.Summary)
	assert.Equal(t, "/dav/work/planning.ics", got.RemoteHref)
	assert.Len(t, f.day(t, 20260216), 1)
}

func TestDiscardLocalChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("pushed event returns to server state", func(t *testing.T) {
		f := newFixture(t)
		ev, err := f.svc.CreateEvent(ctx, &db.Event{CalendarID: f.remote.ID, Summary: "Sync", Start: at(21, 9), End: at(21, 10)}, false)
		require.NoError(t, err)
		f.markPushed(t, ev)
		_, err = f.svc.UpdateEvent(ctx, ev.ID, func(e *db.Event) { e.Summary = "Sync (local)" })
		require.NoError(t, err)

		exists, err := f.svc.DiscardLocalChanges(ctx, ev.ID)
		require.NoError(t, err)
		assert.True(t, exists)

		got := f.event(t, ev.ID)
		assert.Equal(t, db.SyncStatusSynced, got.SyncStatus)
		assert.Empty(t, got.ETag, "next pull must fetch the server copy")
		assert.Empty(t, f.ops(t, ev.ID))
	})

	t.Run("never pushed event is removed", func(t *testing.T) {
		f := newFixture(t)
		ev, err := f.svc.CreateEvent(ctx, &db.Event{CalendarID: f.remote.ID, Summary: "New", Start: at(21, 9), End: at(21, 10)}, false)
		require.NoError(t, err)

		exists, err := f.svc.DiscardLocalChanges(ctx, ev.ID)
		require.NoError(t, err)
		assert.False(t, exists)
		_, err = f.db.GetEvent(ctx, ev.ID)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("unfinished move goes back to its source", func(t *testing.T) {
		f := newFixture(t)
		ev, err := f.svc.CreateEvent(ctx, &db.Event{CalendarID: f.remote.ID, Summary: "Move me", Start: at(21, 9), End: at(21, 10)}, false)
		require.NoError(t, err)
		f.markPushed(t, ev)
		require.NoError(t, f.svc.MoveEventToCalendar(ctx, ev.ID, f.remote2.ID))

		exists, err := f.svc.DiscardLocalChanges(ctx, ev.ID)
		require.NoError(t, err)
		assert.True(t, exists)

		got := f.event(t, ev.ID)
		assert.Equal(t, f.remote.ID, got.CalendarID)
		assert.Equal(t, "/dav/work/"+ev.UID+".ics", got.RemoteHref)
		assert.Empty(t, f.ops(t, ev.ID))
	})
}

func TestSignals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	master := f.weekly(t, f.remote)
	require.NoError(t, f.svc.DeleteSingleOccurrence(ctx, master.ID, at(27, 9)))
	require.NoError(t, f.svc.MoveEventToCalendar(ctx, master.ID, f.remote2.ID))

	// create, delete occurrence, and the move touching both calendars
	assert.Equal(t, 4, f.hub.Count(notify.KindEventsChanged))
	assert.Equal(t, 4, f.hub.Count(notify.KindRemindersChanged))

	recent := f.hub.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, master.ID, recent[0].EventID)
}
