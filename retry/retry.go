package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"
)

// ErrRateLimitExhausted is returned after every allowed attempt failed with
// a rate-limit signal. The last upstream error is wrapped and reachable
// through errors.Unwrap.
var ErrRateLimitExhausted = errors.New("rate limit exhausted")

// RateLimitError is the upstream "slow down" signal. RetryAfter is the
// delay suggested by the service, zero when it didn't suggest one.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// AsRateLimit maps errors from the upstream clients into a *RateLimitError.
// OpenAI reports quota pressure as an APIError with HTTP 429.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Err: err}, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Err: err}, true
	}
	return nil, false
}

const DefaultMaxAttempts = 3

// Policy retries rate-limited calls with exponential backoff. The zero
// value is not usable; construct with New. A Policy is stateless apart
// from its configuration, so one instance may serve any number of
// concurrent callers, each call keeping its own attempt counter.
type Policy struct {
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
	log         *log.Logger
}

func New(maxAttempts int, logger *log.Logger) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Policy{
		maxAttempts: maxAttempts,
		sleep:       sleepCtx,
		log:         logger,
	}
}

// WithSleep substitutes the sleep function, for tests.
func (p *Policy) WithSleep(
	sleep func(ctx context.Context, d time.Duration) error,
) *Policy {
	p.sleep = sleep
	return p
}

// Do runs fn, retrying only on rate-limit errors. The delay before attempt
// n is 2^n seconds, or the upstream-suggested delay when that is larger.
// Any other error propagates immediately.
func (p *Policy) Do(
	ctx context.Context,
	name string,
	fn func(ctx context.Context) error,
) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				p.log.Info("call recovered", "call", name, "attempts", attempt)
			}
			return nil
		}

		rle, ok := AsRateLimit(err)
		if !ok {
			return err
		}
		lastErr = err

		if attempt == p.maxAttempts {
			break
		}

		delay := Backoff(attempt)
		if rle.RetryAfter > delay {
			delay = rle.RetryAfter
		}

		p.log.Warn("rate limited, backing off",
			"call", name,
			"attempt", attempt,
			"max", p.maxAttempts,
			"delay", delay,
		)

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%s after %d attempts: %w: %w",
		name, p.maxAttempts, ErrRateLimitExhausted, lastErr)
}

// Backoff is the base delay before the retry following attempt n: 2^n
// seconds (2s, 4s, 8s, ...).
func Backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
