package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrHTTPSRequired    = errors.New("HTTPS is required")
	ErrPrivateIP        = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotCalDAV        = errors.New("server does not offer calendar access")
)

const (
	maxRedirects   = 3
	defaultTimeout = 10 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Validator checks account server URLs before they are stored.
type Validator struct {
	client          *http.Client
	allowPrivateIPs bool
	timeout         time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs allows servers on loopback and private networks, as
// used by self-hosted calendar servers on the same machine.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// WithTimeout overrides the probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		v.timeout = d
	}
}

// New creates a new Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(v)
	}
	v.client = v.createHTTPClient()
	return v
}

func (v *Validator) createHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   v.timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if err := v.checkHost(ctx, addr); err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   v.timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

func (v *Validator) checkHost(ctx context.Context, addr string) error {
	if v.allowPrivateIPs {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return ErrPrivateIP
		}
	}
	return nil
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}
	if parsed.User != nil {
		return fmt.Errorf("%w: credentials must not be part of the URL", ErrInvalidURL)
	}
	return nil
}

// ValidateServer checks that a server answers OPTIONS with a DAV header
// that advertises calendar-access.
func (v *Validator) ValidateServer(ctx context.Context, serverURL string, requireHTTPS bool) error {
	if err := v.ValidateURL(serverURL, requireHTTPS); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, serverURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrConnectionFailed, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	// Servers return 401 to OPTIONS without credentials but still send DAV.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: OPTIONS returned status %d", ErrConnectionFailed, resp.StatusCode)
	}
	if !hasCalendarAccess(resp.Header.Values("DAV")) {
		return ErrNotCalDAV
	}
	return nil
}

func hasCalendarAccess(values []string) bool {
	for _, value := range values {
		for _, class := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(class), "calendar-access") {
				return true
			}
		}
	}
	return false
}
