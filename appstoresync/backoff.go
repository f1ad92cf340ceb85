package appstoresync

import (
	"context"
	"time"
)

// retryPolicy is the single knob set for how one API call handles failures:
// how many attempts, the base delay doubled per attempt, which status codes
// are worth retrying, and which non-2xx codes the caller wants back as-is.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	retryOn     []int
	acceptOn    []int
}

func (p retryPolicy) delay(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return p.baseDelay << uint(attempt)
}

func (p retryPolicy) retryable(status int) bool {
	for _, s := range p.retryOn {
		if s == status {
			return true
		}
	}
	return false
}

func (p retryPolicy) accepted(status int) bool {
	for _, s := range p.acceptOn {
		if s == status {
			return true
		}
	}
	return false
}

// defaultRetryPolicy backs off 5s, 10s, 20s on 429 before giving up.
func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxAttempts: 4,
		baseDelay:   5 * time.Second,
		retryOn:     []int{429},
	}
}

// verifyRetryPolicy is used when checking an existing request id: a 429
// there means the id could not be disproven, so it is passed through to the
// caller instead of burning the retry budget.
func verifyRetryPolicy() retryPolicy {
	return retryPolicy{
		maxAttempts: 1,
		baseDelay:   5 * time.Second,
		acceptOn:    []int{429},
	}
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
