package completion

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

// Backoff returns how long to wait after failed attempt n (1-indexed)
// before trying again: floor(4.5*1.94^(n-1) - 3) seconds, i.e.
// 1s, 5s, 13s, 29s, 60s, 120s, ...
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	secs := math.Floor(4.5*math.Pow(1.94, float64(n-1)) - 3)
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs) * time.Second
}

// retrier runs a request until it succeeds, fails permanently or runs out
// of attempts.
type retrier struct {
	provider   string
	maxRetries int
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func newRetrier(provider string, cfg EndpointConfig) retrier {
	return retrier{
		provider:   provider,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.logger(),
		sleep:      sleepWithContext,
	}
}

// do calls fn until it returns nil. fn must classify its failures: a
// *domain.BackendError is final, anything else is retried. The error
// returned is always a *domain.BackendError.
func (r retrier) do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return &domain.BackendError{Provider: r.provider, Message: "request cancelled", Err: ctxErr}
		}

		var backendErr *domain.BackendError
		if errors.As(err, &backendErr) {
			return err
		}

		if r.maxRetries > 0 && attempt >= r.maxRetries {
			return &domain.BackendError{Provider: r.provider, Err: err}
		}

		if attempt == 1 {
			var transient *domain.TransientError
			if errors.As(err, &transient) && transient.RateLimit {
				r.logger.Warn("encountered rate limit, retrying", "provider", r.provider)
			} else {
				r.logger.Warn("encountered unknown error, retrying", "provider", r.provider, "err", err)
			}
		}

		if sleepErr := r.sleep(ctx, Backoff(attempt)); sleepErr != nil {
			return &domain.BackendError{Provider: r.provider, Message: "request cancelled", Err: sleepErr}
		}
	}
}

// classifyStatus maps an HTTP status on a failed call to a retry decision.
// Status 0 means the request never got a response.
func classifyStatus(provider string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &domain.TransientError{Provider: provider, RateLimit: true, Err: err}
	case status == 0, status == http.StatusRequestTimeout, status >= 500:
		return &domain.TransientError{Provider: provider, Err: err}
	default:
		return &domain.BackendError{Provider: provider, Err: err}
	}
}

// sleepWithContext sleeps for d but returns immediately if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
