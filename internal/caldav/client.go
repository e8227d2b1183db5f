package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"golang.org/x/exp/slog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/macjediwizard/offlinecal/internal/crypto"
	"github.com/macjediwizard/offlinecal/internal/db"
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
	maxBodyBytes   = 16 << 20

	// DefaultRateLimit bounds requests per second to one server.
	DefaultRateLimit = 5
	DefaultBurst     = 10
)

// Transport is the server boundary consumed by the sync engine. Every call
// returns nil or an error that Classify sorts into retryable, conflict or
// fatal.
type Transport interface {
	DiscoverPrincipal(ctx context.Context) (string, error)
	DiscoverCollectionHome(ctx context.Context, principalURL string) ([]string, error)
	ListCollections(ctx context.Context, homeURL string) ([]Collection, error)
	GetCollectionTag(ctx context.Context, collectionURL string) (string, error)
	GetChangeToken(ctx context.Context, collectionURL string) (string, error)
	// FetchChanges returns the raw sync-collection report. An empty token
	// asks for a full listing.
	FetchChanges(ctx context.Context, collectionURL, token string) ([]byte, error)
	// ListResources returns a raw Depth: 1 PROPFIND of the collection, for
	// servers without sync-collection.
	ListResources(ctx context.Context, collectionURL string) ([]byte, error)
	FetchResource(ctx context.Context, href string) (etag, payload string, err error)
	// PutResource writes payload. An empty expectedETag sends
	// If-None-Match: * so an existing resource is never overwritten.
	PutResource(ctx context.Context, href, payload, expectedETag string) (newETag string, err error)
	DeleteResource(ctx context.Context, href, expectedETag string) error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	ServerURL   string
	Username    string
	Password    string
	BearerToken string
	RateLimit   rate.Limit
	Burst       int
	Timeout     time.Duration
	Logger      *slog.Logger
	// HTTPClient replaces the default TLS client. Tests use it to talk to
	// httptest servers.
	HTTPClient *http.Client
}

// Client provides CalDAV operations against one server.
type Client struct {
	baseURL *url.URL
	http    webdav.HTTPClient
	dav     *caldav.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Transport = (*Client)(nil)

// NewClient creates a new CalDAV client. A bearer token takes precedence
// over basic credentials.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	base, err := url.Parse(cfg.ServerURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrConnectionFailed, cfg.ServerURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: minTLSVersion,
				},
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	var doer webdav.HTTPClient
	if cfg.BearerToken != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		bearer := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.BearerToken,
			TokenType:   "Bearer",
		}))
		bearer.Timeout = httpClient.Timeout
		doer = bearer
	} else {
		doer = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}

	davClient, err := caldav.NewClient(doer, cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL: base,
		http:    doer,
		dav:     davClient,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		logger:  cfg.Logger,
	}, nil
}

// NewTransportFactory returns a factory that builds a Client from an
// account, decrypting its stored secrets with enc.
func NewTransportFactory(enc *crypto.Encryptor, limit rate.Limit, burst int, logger *slog.Logger) TransportFactory {
	return func(_ context.Context, account *db.Account) (Transport, error) {
		password, err := enc.Decrypt(account.Secret)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt account secret", ErrAuthFailed)
		}
		token, err := enc.Decrypt(account.BearerToken)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt account token", ErrAuthFailed)
		}
		return NewClient(ClientConfig{
			ServerURL:   account.ServerURL,
			Username:    account.Username,
			Password:    password,
			BearerToken: token,
			RateLimit:   limit,
			Burst:       burst,
			Logger:      logger,
		})
	}
}

// TestConnection checks that the server answers principal discovery.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.DiscoverPrincipal(ctx)
	return err
}

const propfindPrincipal = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:current-user-principal/>
  </D:prop>
</D:propfind>`

// DiscoverPrincipal returns the principal URL of the authenticated user.
func (c *Client) DiscoverPrincipal(ctx context.Context) (string, error) {
	body, err := c.propfind(ctx, "", "0", propfindPrincipal)
	if err != nil {
		return "", err
	}
	if principal := ParsePrincipal(body); principal != "" {
		return principal, nil
	}

	// Fall back to go-webdav's discovery.
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	principal, err := c.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to find principal: %w", ErrInvalidResponse, err)
	}
	return principal, nil
}

const propfindHomeSet = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <C:calendar-home-set/>
  </D:prop>
</D:propfind>`

// DiscoverCollectionHome returns the calendar home sets of a principal.
// The protocol allows more than one.
func (c *Client) DiscoverCollectionHome(ctx context.Context, principalURL string) ([]string, error) {
	body, err := c.propfind(ctx, principalURL, "0", propfindHomeSet)
	if err != nil {
		return nil, err
	}
	homes := ParseHomeSets(body)
	if len(homes) == 0 {
		return nil, fmt.Errorf("%w: no calendar home set for %s", ErrInvalidResponse, principalURL)
	}
	return homes, nil
}

const propfindCollections = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:CS="http://calendarserver.org/ns/" xmlns:A="http://apple.com/ns/ical/">
  <D:prop>
    <D:resourcetype/>
    <D:displayname/>
    <D:sync-token/>
    <D:current-user-privilege-set/>
    <CS:getctag/>
    <A:calendar-color/>
    <C:supported-calendar-component-set/>
  </D:prop>
</D:propfind>`

// ListCollections returns the event calendars below a home set.
func (c *Client) ListCollections(ctx context.Context, homeURL string) ([]Collection, error) {
	body, err := c.propfind(ctx, homeURL, "1", propfindCollections)
	if err != nil {
		return nil, err
	}
	return ParseCollections(body), nil
}

const propfindCTag = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:prop>
    <CS:getctag/>
  </D:prop>
</D:propfind>`

// GetCollectionTag returns the collection's ctag, or "" when the server
// does not publish one.
func (c *Client) GetCollectionTag(ctx context.Context, collectionURL string) (string, error) {
	body, err := c.propfind(ctx, collectionURL, "0", propfindCTag)
	if err != nil {
		return "", err
	}
	return ParseCollectionTag(body), nil
}

const propfindSyncToken = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:sync-token/>
  </D:prop>
</D:propfind>`

// GetChangeToken returns the collection's current sync token.
func (c *Client) GetChangeToken(ctx context.Context, collectionURL string) (string, error) {
	body, err := c.propfind(ctx, collectionURL, "0", propfindSyncToken)
	if err != nil {
		return "", err
	}
	return ParseSyncTokenProp(body), nil
}

// FetchChanges issues a sync-collection REPORT (RFC 6578).
func (c *Client) FetchChanges(ctx context.Context, collectionURL, token string) ([]byte, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/xml; charset=utf-8")
	headers.Set("Depth", "1")
	_, body, err := c.do(ctx, "REPORT", collectionURL, buildSyncCollectionRequest(token), headers, false)
	if err != nil {
		return nil, err
	}
	return body, nil
}

const propfindListing = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:resourcetype/>
    <D:getetag/>
    <D:getcontenttype/>
  </D:prop>
</D:propfind>`

// ListResources lists the objects of a collection with their entity tags.
func (c *Client) ListResources(ctx context.Context, collectionURL string) ([]byte, error) {
	return c.propfind(ctx, collectionURL, "1", propfindListing)
}

// FetchResource retrieves one calendar object.
func (c *Client) FetchResource(ctx context.Context, href string) (string, string, error) {
	resp, body, err := c.do(ctx, http.MethodGet, href, "", nil, false)
	if err != nil {
		return "", "", err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", "", fmt.Errorf("%w: empty iCalendar data at %s", ErrMalformedContent, href)
	}
	return resp.Header.Get("ETag"), string(body), nil
}

// PutResource creates or replaces a calendar object.
func (c *Client) PutResource(ctx context.Context, href, payload, expectedETag string) (string, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "text/calendar; charset=utf-8")
	if expectedETag != "" {
		headers.Set("If-Match", expectedETag)
	} else {
		headers.Set("If-None-Match", "*")
	}
	resp, _, err := c.do(ctx, http.MethodPut, href, payload, headers, true)
	if err != nil {
		return "", err
	}
	return resp.Header.Get("ETag"), nil
}

// DeleteResource removes a calendar object. A missing resource reports
// ErrNotFound.
func (c *Client) DeleteResource(ctx context.Context, href, expectedETag string) error {
	headers := http.Header{}
	conditional := expectedETag != ""
	if conditional {
		headers.Set("If-Match", expectedETag)
	}
	_, _, err := c.do(ctx, http.MethodDelete, href, "", headers, conditional)
	return err
}

func (c *Client) propfind(ctx context.Context, href, depth, body string) ([]byte, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/xml; charset=utf-8")
	headers.Set("Depth", depth)
	_, out, err := c.do(ctx, "PROPFIND", href, body, headers, false)
	return out, err
}

// do sends one rate-limited request and reads the whole response body.
// Non-2xx statuses come back as *StatusError.
func (c *Client) do(ctx context.Context, method, href, body string, headers http.Header, conditional bool) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	target := c.buildURL(href)
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, networkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, networkError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("caldav request failed", "method", method, "path", req.URL.Path, "status", resp.StatusCode)
		return resp, data, statusError(method, href, resp.StatusCode, data, conditional)
	}
	return resp, data, nil
}

// buildURL resolves an href against the base URL. Hrefs are stored
// unescaped, so a path-only href is escaped here.
func (c *Client) buildURL(href string) string {
	if href == "" {
		return c.baseURL.String()
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		if u, err := url.Parse(href); err == nil {
			return u.String()
		}
		return href
	}
	if !strings.HasPrefix(href, "/") {
		base := *c.baseURL
		base.Path = strings.TrimSuffix(base.Path, "/") + "/" + href
		base.RawPath = ""
		return base.String()
	}
	return c.baseURL.ResolveReference(&url.URL{Path: href}).String()
}

// ResourceHref returns the href a new object with uid gets in a collection.
func ResourceHref(collectionHref, uid string) string {
	return strings.TrimSuffix(collectionHref, "/") + "/" + safeName(uid) + ".ics"
}

func safeName(uid string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '?', '#', '%':
			return '-'
		}
		return r
	}, uid)
}

func buildSyncCollectionRequest(syncToken string) string {
	tokenElement := "<D:sync-token/>"
	if syncToken != "" {
		tokenElement = fmt.Sprintf("<D:sync-token>%s</D:sync-token>", xmlEscape(syncToken))
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  %s
  <D:sync-level>1</D:sync-level>
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
</D:sync-collection>`, tokenElement)
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
