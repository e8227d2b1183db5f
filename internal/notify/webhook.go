package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

// DefaultCooldown is how long an alert for the same calendar and kind is
// suppressed after one was delivered.
const DefaultCooldown = 15 * time.Minute

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	URL      string
	Cooldown time.Duration
	Timeout  time.Duration
}

// WebhookSink posts alert signals as JSON to a webhook. Refresh hints are
// not forwarded. Repeated alerts for the same calendar and kind within the
// cooldown are dropped.
type WebhookSink struct {
	cfg        WebhookConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	now            func() time.Time
	wg             sync.WaitGroup
}

// NewWebhookSink creates a webhook sink. The URL is not validated here;
// callers validate user supplied URLs with ValidateWebhookURL.
func NewWebhookSink(cfg WebhookConfig, logger *slog.Logger) *WebhookSink {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		logger:         logger,
		lastAlertTimes: make(map[string]time.Time),
		now:            time.Now,
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	Kind       string `json:"kind"`
	CalendarID int64  `json:"calendar_id,omitempty"`
	EventID    int64  `json:"event_id,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Timestamp  string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

// Notify implements Notifier. Delivery happens in the background.
func (w *WebhookSink) Notify(ctx context.Context, sig Signal) {
	if w.cfg.URL == "" || !sig.IsAlert() {
		return
	}
	if !w.claim(sig) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.send(context.WithoutCancel(ctx), sig); err != nil {
			w.logger.Warn("webhook delivery failed", "kind", sig.Kind, "error", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (w *WebhookSink) Wait() {
	w.wg.Wait()
}

// claim reports whether sig is outside the cooldown and records it.
func (w *WebhookSink) claim(sig Signal) bool {
	key := string(sig.Kind) + ":" + strconv.FormatInt(sig.CalendarID, 10)
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if last, ok := w.lastAlertTimes[key]; ok && now.Sub(last) < w.cfg.Cooldown {
		return false
	}
	w.lastAlertTimes[key] = now
	return true
}

// ClearCooldown forgets delivery history for a calendar, e.g. after it
// recovered or was removed.
func (w *WebhookSink) ClearCooldown(calendarID int64) {
	suffix := ":" + strconv.FormatInt(calendarID, 10)
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.lastAlertTimes {
		if strings.HasSuffix(key, suffix) {
			delete(w.lastAlertTimes, key)
		}
	}
}

func (w *WebhookSink) send(ctx context.Context, sig Signal) error {
	emoji := ":warning:"
	if sig.Kind == KindAuthRequired || sig.Error {
		emoji = ":x:"
	}

	payload := WebhookPayload{
		Kind:       string(sig.Kind),
		CalendarID: sig.CalendarID,
		EventID:    sig.EventID,
		Message:    sig.Message,
		Details:    sig.Details,
		Timestamp:  sig.At.Format(time.RFC3339),
		Text:       fmt.Sprintf("%s *%s*\n%s", emoji, sig.Message, sig.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Info("webhook sent", "kind", sig.Kind, "calendar_id", sig.CalendarID)
	return nil
}

// ValidateWebhookURL checks that a webhook URL is safe to call: HTTPS only,
// and never a loopback, link-local, private or internal host.
func ValidateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	if host == "localhost" {
		return fmt.Errorf("webhook URL cannot point to localhost")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return fmt.Errorf("webhook URL cannot point to localhost")
		}
		if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("webhook URL cannot point to private IP addresses")
		}
	}
	return nil
}
