// Package retry classifies transport and application failures and drives the
// bounded retry policy shared by every remote call site.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Outcome is the classification of a failed call.
type Outcome int

const (
	// RetrySame retries the identical request: timeouts, connection
	// failures, 5xx responses.
	RetrySame Outcome = iota
	// RetryAfterRefresh refreshes the token, then retries the original call
	// exactly once: 401 or a token-invalid marker in the body.
	RetryAfterRefresh
	// FatalNeedsLogin means the refresh itself was rejected; only a full
	// re-login can recover.
	FatalNeedsLogin
	// FatalAbort is surfaced to the caller with no retry: 4xx business
	// errors and anything unclassified.
	FatalAbort
)

func (o Outcome) String() string {
	switch o {
	case RetrySame:
		return "retry-same"
	case RetryAfterRefresh:
		return "retry-after-refresh"
	case FatalNeedsLogin:
		return "fatal-needs-login"
	default:
		return "fatal-abort"
	}
}

// ErrNeedsLogin is returned when the stored credential has been rejected by
// the remote and the whole auth lifecycle must be restarted.
var ErrNeedsLogin = errors.New("credential rejected, login required")

// HTTPError is a non-200 response from the remote.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, body)
}

// tokenInvalidMarkers are body substrings the remote uses to reject a token
// regardless of status code.
var tokenInvalidMarkers = []string{"token is illegal", "unauthorized"}

// TokenRejected reports whether a response body carries a token-invalid marker.
func TokenRejected(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range tokenInvalidMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Classify maps an error from a remote call to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return FatalAbort
	}
	if errors.Is(err, ErrNeedsLogin) {
		return FatalNeedsLogin
	}

	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.Status == 401 || TokenRejected(he.Body):
			return RetryAfterRefresh
		case he.Status >= 500:
			return RetrySame
		default:
			return FatalAbort
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return RetrySame
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return RetrySame
	}
	// Unknown transport-level failure: dial errors and friends wrap net
	// errors, everything else is not worth repeating.
	return FatalAbort
}

// Refresher refreshes the access token. A FatalNeedsLogin condition is
// reported by returning an error wrapping ErrNeedsLogin.
type Refresher interface {
	RefreshToken(ctx context.Context, force bool) error
}

const (
	// maxSameRetries bounds identical retries of one call.
	maxSameRetries = 3
	// retryBackoff is the linear backoff unit between identical retries.
	retryBackoff = 500 * time.Millisecond
)

// Do runs fn under the shared retry policy: transient failures are retried up
// to maxSameRetries with linear backoff, a token rejection triggers one
// refresh followed by exactly one retry of the call, and fatal outcomes are
// returned as-is. r may be nil for unauthenticated calls.
func Do(ctx context.Context, log *slog.Logger, r Refresher, fn func(context.Context) error) error {
	var (
		err       error
		refreshed bool
	)
	for attempt := 0; attempt < maxSameRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		switch outcome := Classify(err); outcome {
		case RetrySame:
			log.Warn("transient failure, retrying", "attempt", attempt+1, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * retryBackoff):
			}
		case RetryAfterRefresh:
			if refreshed || r == nil {
				return err
			}
			refreshed = true
			log.Warn("token rejected, refreshing and retrying once", "error", err)
			if rerr := r.RefreshToken(ctx, false); rerr != nil {
				if errors.Is(rerr, ErrNeedsLogin) {
					return rerr
				}
				// Transient refresh failure: the old token stays in use,
				// but this call has already been rejected with it.
				return err
			}
		default:
			log.Debug("fatal outcome, not retrying", "outcome", outcome.String(), "error", err)
			return err
		}
	}
	return err
}

// Breaker trips after a run of consecutive hard failures and demands a
// session reset, independent of which call failed.
type Breaker struct {
	threshold   int
	consecutive int
}

// NewBreaker returns a breaker tripping at threshold consecutive failures.
func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// Record notes one call result. It returns true when the failure run reaches
// the threshold; the counter resets so the reset fires once per run.
func (b *Breaker) Record(failed bool) bool {
	if !failed {
		b.consecutive = 0
		return false
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.consecutive = 0
		return true
	}
	return false
}
