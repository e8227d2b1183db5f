package caldav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestStatusErrorOutcome(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		code        int
		body        string
		conditional bool
		wantErr     error
		outcome     Outcome
	}{
		{"unauthorized", "PROPFIND", 401, "", false, ErrAuthFailed, OutcomeFatal},
		{"proxy auth", "GET", 407, "", false, ErrAuthFailed, OutcomeFatal},
		{"not found", "GET", 404, "", false, ErrNotFound, OutcomeRetryable},
		{"precondition failed", "PUT", 412, "", true, ErrConflict, OutcomeConflict},
		{"conditional conflict", "DELETE", 409, "", true, ErrConflict, OutcomeConflict},
		{"unconditional conflict", "MKCOL", 409, "", false, ErrRejected, OutcomeFatal},
		{"sync token rejected", "REPORT", 403, "<valid-sync-token/>", false, ErrInvalidSyncToken, OutcomeRetryable},
		{"forbidden", "PUT", 403, "", true, ErrRejected, OutcomeFatal},
		{"gone", "REPORT", 410, "", false, ErrInvalidSyncToken, OutcomeRetryable},
		{"unsupported report", "REPORT", 501, "", false, ErrSyncUnsupported, OutcomeRetryable},
		{"unsupported put", "PUT", 501, "", true, ErrTransient, OutcomeRetryable},
		{"timeout", "GET", 408, "", false, ErrTransient, OutcomeRetryable},
		{"too many requests", "GET", 429, "", false, ErrTransient, OutcomeRetryable},
		{"bad gateway", "PUT", 502, "", true, ErrTransient, OutcomeRetryable},
		{"unsupported media", "PUT", 415, "", true, ErrRejected, OutcomeFatal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := statusError(tc.method, "/dav/work/a.ics", tc.code, []byte(tc.body), tc.conditional)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
			if got := Classify(err); got != tc.outcome {
				t.Errorf("expected outcome %s, got %s", tc.outcome, got)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		outcome Outcome
	}{
		{"nil", nil, OutcomeSuccess},
		{"wrapped conflict", fmt.Errorf("push: %w", ErrConflict), OutcomeConflict},
		{"wrapped auth", fmt.Errorf("connect: %w", ErrAuthFailed), OutcomeFatal},
		{"unknown", errors.New("something odd"), OutcomeRetryable},
		{"malformed content", ErrMalformedContent, OutcomeRetryable},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.outcome {
				t.Errorf("expected %s, got %s", tc.outcome, got)
			}
		})
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := statusError("PUT", "/dav/work/a.ics", 412, nil, true)
	want := "resource changed on server: PUT /dav/work/a.ics returned 412"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestNetworkError(t *testing.T) {
	t.Run("net errors are transient", func(t *testing.T) {
		err := networkError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
		if !errors.Is(err, ErrTransient) || !errors.Is(err, ErrConnectionFailed) {
			t.Errorf("expected transient connection failure, got %v", err)
		}
		if Classify(err) != OutcomeRetryable {
			t.Errorf("expected retryable, got %s", Classify(err))
		}
	})

	t.Run("deadline is transient", func(t *testing.T) {
		if err := networkError(context.DeadlineExceeded); !errors.Is(err, ErrTransient) {
			t.Errorf("expected ErrTransient, got %v", err)
		}
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		if err := networkError(context.Canceled); err != context.Canceled {
			t.Errorf("expected context.Canceled unchanged, got %v", err)
		}
	})
}
