// Package notify carries outbound signals from the sync core to whoever
// presents them: the log, a webhook, the control API.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

// Kind identifies what a signal reports.
type Kind string

const (
	KindEventsChanged          Kind = "events_changed"
	KindRemindersChanged       Kind = "reminders_changed"
	KindSyncCompleted          Kind = "sync_completed"
	KindOperationAbandoned     Kind = "operation_abandoned"
	KindLocalChangeDiscarded   Kind = "local_change_discarded"
	KindConflictNeedsAttention Kind = "conflict_needs_attention"
	KindAuthRequired           Kind = "auth_required"
)

// Signal is one outbound notification.
type Signal struct {
	Kind       Kind      `json:"kind"`
	CalendarID int64     `json:"calendar_id,omitempty"`
	EventID    int64     `json:"event_id,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	Error      bool      `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// IsAlert reports whether the signal needs the user's attention, as opposed
// to a refresh hint for views.
func (s Signal) IsAlert() bool {
	switch s.Kind {
	case KindOperationAbandoned, KindLocalChangeDiscarded, KindConflictNeedsAttention, KindAuthRequired:
		return true
	case KindSyncCompleted:
		return s.Error
	}
	return false
}

// Notifier receives signals. Implementations must not block the caller for
// long; slow delivery belongs in a goroutine.
type Notifier interface {
	Notify(ctx context.Context, sig Signal)
}

// Nop discards every signal.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Signal) {}

const defaultHistory = 200

// Hub fans signals out to its sinks and keeps a bounded history of the most
// recent ones.
type Hub struct {
	mu      sync.RWMutex
	sinks   []Notifier
	history []Signal
	limit   int
	now     func() time.Time
}

// NewHub creates a hub delivering to sinks.
func NewHub(sinks ...Notifier) *Hub {
	return &Hub{sinks: sinks, limit: defaultHistory, now: time.Now}
}

// Add registers another sink.
func (h *Hub) Add(sink Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, sink)
}

// Notify records sig and passes it to every sink.
func (h *Hub) Notify(ctx context.Context, sig Signal) {
	if sig.At.IsZero() {
		sig.At = h.now()
	}

	h.mu.Lock()
	h.history = append(h.history, sig)
	if len(h.history) > h.limit {
		h.history = h.history[len(h.history)-h.limit:]
	}
	sinks := append([]Notifier(nil), h.sinks...)
	h.mu.Unlock()

	for _, s := range sinks {
		s.Notify(ctx, sig)
	}
}

// Recent returns up to n of the latest signals, newest last. n <= 0 returns
// the whole history.
func (h *Hub) Recent(n int) []Signal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	return append([]Signal(nil), h.history[len(h.history)-n:]...)
}

// Count returns how many signals of kind are in the history.
func (h *Hub) Count(kind Kind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.history {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// LogSink writes signals to a structured logger. Alerts log at warn level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify implements Notifier.
func (l *LogSink) Notify(ctx context.Context, sig Signal) {
	attrs := []any{"kind", sig.Kind, "calendar_id", sig.CalendarID}
	if sig.EventID != 0 {
		attrs = append(attrs, "event_id", sig.EventID)
	}
	if sig.Details != "" {
		attrs = append(attrs, "details", sig.Details)
	}
	if sig.IsAlert() {
		l.logger.Warn(sig.Message, attrs...)
		return
	}
	l.logger.Debug(sig.Message, attrs...)
}
