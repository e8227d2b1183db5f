package caldav

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		ServerURL: server.URL + "/dav/",
		Username:  "user",
		Password:  "pass",
		RateLimit: 1000,
		Burst:     100,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	testCases := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid https", "https://caldav.example.com/dav/", false},
		{"valid http", "http://localhost:5232", false},
		{"empty", "", true},
		{"no scheme", "caldav.example.com", true},
		{"no host", "https://", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient(ClientConfig{ServerURL: tc.url, Username: "u", Password: "p"})
			if (err != nil) != tc.wantErr {
				t.Errorf("expected error %v, got %v", tc.wantErr, err)
			}
			if err != nil && !errors.Is(err, ErrConnectionFailed) {
				t.Errorf("expected ErrConnectionFailed, got %v", err)
			}
		})
	}
}

func TestClientBuildURL(t *testing.T) {
	client, err := NewClient(ClientConfig{ServerURL: "https://caldav.example.com/dav/", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	testCases := []struct {
		name     string
		href     string
		expected string
	}{
		{"empty href uses base", "", "https://caldav.example.com/dav/"},
		{"absolute path", "/dav/work/event.ics", "https://caldav.example.com/dav/work/event.ics"},
		{"relative path", "work/event.ics", "https://caldav.example.com/dav/work/event.ics"},
		{"full URL", "https://other.example.com/cal/", "https://other.example.com/cal/"},
		{"unescaped space", "/dav/work/team standup.ics", "https://caldav.example.com/dav/work/team%20standup.ics"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := client.buildURL(tc.href); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestResourceHref(t *testing.T) {
	testCases := []struct {
		collection string
		uid        string
		expected   string
	}{
		{"/dav/work/", "abc-123", "/dav/work/abc-123.ics"},
		{"/dav/work", "abc-123", "/dav/work/abc-123.ics"},
		{"/dav/work/", "a/b?c#d%e", "/dav/work/a-b-c-d-e.ics"},
	}
	for _, tc := range testCases {
		if got := ResourceHref(tc.collection, tc.uid); got != tc.expected {
			t.Errorf("ResourceHref(%q, %q) = %q, want %q", tc.collection, tc.uid, got, tc.expected)
		}
	}
}

func TestBuildSyncCollectionRequest(t *testing.T) {
	t.Run("initial sync sends empty token", func(t *testing.T) {
		body := buildSyncCollectionRequest("")
		if !strings.Contains(body, "<D:sync-token/>") {
			t.Errorf("expected empty sync-token element, got %s", body)
		}
		if !strings.Contains(body, "<C:calendar-data/>") {
			t.Error("expected calendar-data to be requested")
		}
	})

	t.Run("token is escaped", func(t *testing.T) {
		body := buildSyncCollectionRequest("http://example.com/sync?a=1&b=<2>")
		if !strings.Contains(body, "<D:sync-token>http://example.com/sync?a=1&amp;b=&lt;2&gt;</D:sync-token>") {
			t.Errorf("token not escaped: %s", body)
		}
	})
}

const principalResponse = `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/dav/</d:href>
    <d:propstat>
      <d:prop><d:current-user-principal><d:href>/dav/principals/user/</d:href></d:current-user-principal></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

func TestDiscoverPrincipal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			t.Errorf("expected PROPFIND, got %s", r.Method)
		}
		if r.Header.Get("Depth") != "0" {
			t.Errorf("expected Depth 0, got %q", r.Header.Get("Depth"))
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			t.Error("expected basic auth credentials")
		}
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, principalResponse)
	})

	principal, err := client.DiscoverPrincipal(context.Background())
	if err != nil {
		t.Fatalf("DiscoverPrincipal() error = %v", err)
	}
	if principal != "/dav/principals/user/" {
		t.Errorf("expected principal /dav/principals/user/, got %q", principal)
	}
}

func TestBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("expected bearer authorization, got %q", got)
		}
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, principalResponse)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{ServerURL: server.URL, BearerToken: "secret-token"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection() error = %v", err)
	}
}

func TestTestConnectionErrors(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuthFailed},
		{"server error", http.StatusInternalServerError, ErrTransient},
		{"forbidden", http.StatusForbidden, ErrRejected},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			err := client.TestConnection(context.Background())
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestDiscoverCollectionHomeRequiresHomeSet(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, `<d:multistatus xmlns:d="DAV:"><d:response><d:href>/p/</d:href></d:response></d:multistatus>`)
	})
	_, err := client.DiscoverCollectionHome(context.Background(), "/p/")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestFetchChanges(t *testing.T) {
	t.Run("sends report with token", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "REPORT" {
				t.Errorf("expected REPORT, got %s", r.Method)
			}
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), "<D:sync-token>tok-1</D:sync-token>") {
				t.Errorf("expected token in body, got %s", body)
			}
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = io.WriteString(w, `<d:multistatus xmlns:d="DAV:"><d:sync-token>tok-2</d:sync-token></d:multistatus>`)
		})
		body, err := client.FetchChanges(context.Background(), "/dav/work/", "tok-1")
		if err != nil {
			t.Fatalf("FetchChanges() error = %v", err)
		}
		if cs := ParseChanges(body); cs.SyncToken != "tok-2" {
			t.Errorf("expected token tok-2, got %q", cs.SyncToken)
		}
	})

	testCases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"invalid token precondition", http.StatusForbidden, `<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`, ErrInvalidSyncToken},
		{"invalid token conflict", http.StatusConflict, `<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`, ErrInvalidSyncToken},
		{"token gone", http.StatusGone, "", ErrInvalidSyncToken},
		{"report unsupported", http.StatusNotImplemented, "", ErrSyncUnsupported},
		{"plain forbidden", http.StatusForbidden, "", ErrRejected},
		{"rate limited", http.StatusTooManyRequests, "", ErrTransient},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := client.FetchChanges(context.Background(), "/dav/work/", "tok")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.Code != tc.status {
				t.Errorf("expected StatusError with code %d, got %v", tc.status, err)
			}
		})
	}
}

func TestFetchResource(t *testing.T) {
	t.Run("returns payload and etag", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/dav/work/a%20b.ics" && r.URL.EscapedPath() != "/dav/work/a%20b.ics" {
				t.Errorf("unexpected path %q", r.URL.EscapedPath())
			}
			w.Header().Set("ETag", `"v3"`)
			_, _ = io.WriteString(w, "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")
		})
		etag, payload, err := client.FetchResource(context.Background(), "/dav/work/a b.ics")
		if err != nil {
			t.Fatalf("FetchResource() error = %v", err)
		}
		if etag != `"v3"` {
			t.Errorf("expected etag \"v3\", got %q", etag)
		}
		if !strings.HasPrefix(payload, "BEGIN:VCALENDAR") {
			t.Errorf("unexpected payload %q", payload)
		}
	})

	t.Run("empty body is malformed", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		_, _, err := client.FetchResource(context.Background(), "/dav/work/x.ics")
		if !errors.Is(err, ErrMalformedContent) {
			t.Errorf("expected ErrMalformedContent, got %v", err)
		}
	})

	t.Run("missing resource", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		_, _, err := client.FetchResource(context.Background(), "/dav/work/x.ics")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPutResource(t *testing.T) {
	t.Run("create uses If-None-Match", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPut {
				t.Errorf("expected PUT, got %s", r.Method)
			}
			if r.Header.Get("If-None-Match") != "*" {
				t.Errorf("expected If-None-Match: *, got %q", r.Header.Get("If-None-Match"))
			}
			if r.Header.Get("If-Match") != "" {
				t.Error("unexpected If-Match on create")
			}
			if !strings.HasPrefix(r.Header.Get("Content-Type"), "text/calendar") {
				t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
			}
			w.Header().Set("ETag", `"new"`)
			w.WriteHeader(http.StatusCreated)
		})
		etag, err := client.PutResource(context.Background(), "/dav/work/a.ics", "BEGIN:VCALENDAR", "")
		if err != nil {
			t.Fatalf("PutResource() error = %v", err)
		}
		if etag != `"new"` {
			t.Errorf("expected etag \"new\", got %q", etag)
		}
	})

	t.Run("update uses If-Match", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-Match") != `"v1"` {
				t.Errorf("expected If-Match \"v1\", got %q", r.Header.Get("If-Match"))
			}
			w.WriteHeader(http.StatusNoContent)
		})
		etag, err := client.PutResource(context.Background(), "/dav/work/a.ics", "BEGIN:VCALENDAR", `"v1"`)
		if err != nil {
			t.Fatalf("PutResource() error = %v", err)
		}
		if etag != "" {
			t.Errorf("expected no etag, got %q", etag)
		}
	})

	for _, code := range []int{http.StatusPreconditionFailed, http.StatusConflict} {
		t.Run(http.StatusText(code)+" is a conflict", func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			})
			_, err := client.PutResource(context.Background(), "/dav/work/a.ics", "BEGIN:VCALENDAR", `"v1"`)
			if !errors.Is(err, ErrConflict) {
				t.Errorf("expected ErrConflict, got %v", err)
			}
			if Classify(err) != OutcomeConflict {
				t.Errorf("expected conflict outcome, got %s", Classify(err))
			}
		})
	}
}

func TestDeleteResource(t *testing.T) {
	t.Run("sends If-Match when an etag is known", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete {
				t.Errorf("expected DELETE, got %s", r.Method)
			}
			if r.Header.Get("If-Match") != `"v2"` {
				t.Errorf("expected If-Match \"v2\", got %q", r.Header.Get("If-Match"))
			}
			w.WriteHeader(http.StatusNoContent)
		})
		if err := client.DeleteResource(context.Background(), "/dav/work/a.ics", `"v2"`); err != nil {
			t.Errorf("DeleteResource() error = %v", err)
		}
	})

	t.Run("unconditional without etag", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-Match") != "" {
				t.Error("unexpected If-Match")
			}
			w.WriteHeader(http.StatusOK)
		})
		if err := client.DeleteResource(context.Background(), "/dav/work/a.ics", ""); err != nil {
			t.Errorf("DeleteResource() error = %v", err)
		}
	})

	t.Run("missing resource reports not found", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		err := client.DeleteResource(context.Background(), "/dav/work/a.ics", `"v2"`)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestContextCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetCollectionTag(ctx, "/dav/work/")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
