package caldav

import (
	"context"
	"errors"
	"fmt"

	"github.com/macjediwizard/offlinecal/internal/activity"
	"github.com/macjediwizard/offlinecal/internal/db"
	"github.com/macjediwizard/offlinecal/internal/events"
	"github.com/macjediwizard/offlinecal/internal/ics"
)

// pullState is what the local store knows about a calendar's hrefs.
type pullState struct {
	// known maps remote hrefs to the masters stored for them.
	known map[string]*db.Event
	// claims maps hrefs whose event moved away but whose delete is still
	// queued.
	claims map[string]*db.PendingOperation
}

func (p *pullState) eventFor(href string) int64 {
	if ev, ok := p.known[href]; ok {
		return ev.ID
	}
	if op, ok := p.claims[href]; ok {
		return op.EventID
	}
	return 0
}

// unchanged reports whether the stored copy of href already is etag.
func (p *pullState) unchanged(href, etag string) bool {
	if etag == "" {
		return false
	}
	if ev, ok := p.known[href]; ok {
		return ev.ETag == etag
	}
	if op, ok := p.claims[href]; ok {
		return op.SourceETag == etag
	}
	return false
}

// pull brings remote changes into the local store. The collection tag
// short-circuits the cycle when nothing changed. Sync state is saved only
// after every change was applied, so an interrupted pull starts over from
// the same token.
func (se *SyncEngine) pull(ctx context.Context, c *cycle) error {
	se.state(c, activity.StateCheckingTag)
	ctag, err := c.transport.GetCollectionTag(ctx, c.cal.Href)
	if err != nil {
		return fmt.Errorf("failed to read collection tag: %w", err)
	}
	if !c.opts.Force && !c.cal.NeedsFullResync && ctag != "" && ctag == c.cal.CTag {
		se.logger.Debug("collection tag unchanged", "calendar_id", c.cal.ID)
		c.res.NoChange = true
		se.state(c, activity.StateNoChange)
		return nil
	}

	se.state(c, activity.StatePulling)
	token := c.cal.SyncToken
	if c.cal.NeedsFullResync {
		token = ""
	}
	changes, full, err := se.fetchChanges(ctx, c, token)
	if err != nil {
		return err
	}

	se.state(c, activity.StateMerging)
	state, err := se.loadPullState(ctx, c.cal.ID)
	if err != nil {
		return err
	}

	incomplete := false
	batch := se.policy.BatchSize
	for start := 0; start < len(changes.Changed); start += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batch, len(changes.Changed))
		for _, r := range changes.Changed[start:end] {
			if err := se.pullResource(ctx, c, state, r); err != nil {
				if stop := se.pullFailed(c, r.Href, err); stop != nil {
					return stop
				}
				incomplete = true
			}
		}
	}

	deleted := changes.Deleted
	if full {
		if changes.Parsed {
			deleted = append(deleted, missingHrefs(state, changes)...)
		} else {
			se.logger.Warn("full listing unreadable, keeping local events", "calendar_id", c.cal.ID)
			incomplete = true
		}
	}
	for _, href := range deleted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := se.pullDeletion(ctx, c, state, href); err != nil {
			if stop := se.pullFailed(c, href, err); stop != nil {
				return stop
			}
			incomplete = true
		}
	}

	if incomplete {
		se.logger.Warn("pull incomplete, sync state not advanced", "calendar_id", c.cal.ID)
		return nil
	}
	if err := se.db.UpdateCalendarSyncState(ctx, c.cal.ID, ctag, changes.SyncToken); err != nil {
		return err
	}
	c.cal.CTag, c.cal.SyncToken, c.cal.NeedsFullResync = ctag, changes.SyncToken, false
	return nil
}

// pullFailed records a per-resource failure. It returns the error when the
// cycle cannot go on.
func (se *SyncEngine) pullFailed(c *cycle, href string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAuthFailed) {
		return err
	}
	se.logger.Warn("failed to apply remote change", "calendar_id", c.cal.ID, "href", href, "error", err)
	c.res.addError("%s: %v", href, err)
	return nil
}

// fetchChanges returns the changes since token and whether they are a full
// listing. A rejected token falls back to a full sync-collection; a server
// without sync-collection is listed with PROPFIND.
func (se *SyncEngine) fetchChanges(ctx context.Context, c *cycle, token string) (*ChangeSet, bool, error) {
	body, err := c.transport.FetchChanges(ctx, c.cal.Href, token)
	switch {
	case err == nil:
		return ParseChanges(body), token == "", nil
	case errors.Is(err, ErrInvalidSyncToken) && token != "":
		se.logger.Info("sync token rejected, falling back to full sync", "calendar_id", c.cal.ID)
		return se.fetchChanges(ctx, c, "")
	case errors.Is(err, ErrSyncUnsupported):
		se.logger.Debug("sync-collection unsupported, listing collection", "calendar_id", c.cal.ID)
		body, err := c.transport.ListResources(ctx, c.cal.Href)
		if err != nil {
			return nil, false, fmt.Errorf("failed to list calendar: %w", err)
		}
		return ParseListing(body), true, nil
	}
	return nil, false, fmt.Errorf("failed to fetch changes: %w", err)
}

func (se *SyncEngine) loadPullState(ctx context.Context, calendarID int64) (*pullState, error) {
	known, err := se.db.ListRemoteEvents(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	ops, err := se.db.ListAllOperations(ctx)
	if err != nil {
		return nil, err
	}
	claims := make(map[string]*db.PendingOperation)
	for _, op := range ops {
		if op.SourceCalendarID != calendarID || op.SourceHref == "" {
			continue
		}
		if deletesSource(op) {
			if _, stored := known[op.SourceHref]; !stored {
				claims[op.SourceHref] = op
			}
		}
	}
	return &pullState{known: known, claims: claims}, nil
}

func missingHrefs(state *pullState, changes *ChangeSet) []string {
	listed := make(map[string]bool, len(changes.Changed)+len(changes.Deleted))
	for _, r := range changes.Changed {
		listed[r.Href] = true
	}
	for _, href := range changes.Deleted {
		listed[href] = true
	}
	var out []string
	for href := range state.known {
		if !listed[href] {
			out = append(out, href)
		}
	}
	for href := range state.claims {
		if !listed[href] {
			out = append(out, href)
		}
	}
	return out
}

func (se *SyncEngine) pullResource(ctx context.Context, c *cycle, state *pullState, r Resource) error {
	if state.unchanged(r.Href, r.ETag) {
		return nil
	}

	remote := events.RemoteResource{Href: r.Href, ETag: r.ETag, Payload: r.Data}
	if remote.Payload == "" {
		etag, payload, err := c.transport.FetchResource(ctx, r.Href)
		if errors.Is(err, ErrNotFound) {
			return se.pullDeletion(ctx, c, state, r.Href)
		}
		if err != nil {
			return err
		}
		remote.Payload = payload
		if etag != "" {
			remote.ETag = etag
		}
	}

	obj, err := ics.Decode(remote.Payload)
	if err != nil {
		c.res.Malformed++
		se.logger.Warn("skipping malformed resource", "calendar_id", c.cal.ID, "href", r.Href, "error", err)
		return nil
	}

	eventID := state.eventFor(r.Href)
	if eventID == 0 && obj.UID() != "" {
		master, err := se.db.FindMasterByUID(ctx, c.cal.ID, obj.UID())
		switch {
		case err == nil:
			eventID = master.ID
		case !errors.Is(err, db.ErrNotFound):
			return err
		}
	}
	if eventID != 0 {
		ops, err := se.db.OperationsForEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if len(ops) > 0 {
			return se.conflict(ctx, c, eventID, remoteVersion{
				calendarID: c.cal.ID,
				href:       r.Href,
				resource:   &remote,
			})
		}
	}

	outcome, err := se.events.ApplyRemote(ctx, c.cal.ID, remote)
	if errors.Is(err, events.ErrOrphanException) || errors.Is(err, ics.ErrMalformedPayload) {
		c.res.Malformed++
		se.logger.Warn("skipping unusable resource", "calendar_id", c.cal.ID, "href", r.Href, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	c.res.count(outcome)
	return nil
}

func (r *SyncResult) count(outcome events.ApplyOutcome) {
	switch outcome {
	case events.ApplyAdded:
		r.Added++
	case events.ApplyUpdated:
		r.Updated++
	}
}

func (se *SyncEngine) pullDeletion(ctx context.Context, c *cycle, state *pullState, href string) error {
	eventID := state.eventFor(href)
	if eventID != 0 {
		ops, err := se.db.OperationsForEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if len(ops) > 0 {
			if onlyDeletes(ops, href) {
				// The server already has what the queue wants.
				for _, op := range ops {
					if err := se.sourceGone(ctx, op); err != nil {
						return err
					}
				}
				c.res.Deleted++
				return nil
			}
			return se.conflict(ctx, c, eventID, remoteVersion{
				calendarID: c.cal.ID,
				href:       href,
				deleted:    true,
			})
		}
	}

	ok, err := se.events.ApplyRemoteDeletion(ctx, c.cal.ID, href)
	if err != nil {
		return err
	}
	if ok {
		c.res.Deleted++
	}
	return nil
}

// onlyDeletes reports whether every operation is waiting to remove href.
func onlyDeletes(ops []*db.PendingOperation, href string) bool {
	for _, op := range ops {
		if !deletesSource(op) || op.SourceHref != href {
			return false
		}
	}
	return true
}

// deletesSource reports whether op still has to remove a remote copy.
func deletesSource(op *db.PendingOperation) bool {
	return op.Kind == db.OpDelete || (op.Kind == db.OpMove && op.Phase == db.PhaseDelete)
}
