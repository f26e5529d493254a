package governor

import (
	"math/rand"
	"time"

	verrors "github.com/louisbranch/vigil/internal/errors"
)

// Class partitions analysis failures by retry eligibility.
type Class string

const (
	// ClassRetryable failures drive pattern-executor fallback or caller backoff.
	ClassRetryable Class = "retryable"
	// ClassPermanent failures must surface to operators.
	ClassPermanent Class = "permanent"
)

// Classify maps an analysis error to its retry class. Unknown errors are
// treated as retryable so transient provider faults degrade instead of halt.
func Classify(err error) Class {
	switch verrors.GetCode(err) {
	case verrors.CodeLLMAuthFailed, verrors.CodeBudgetExceeded:
		return ClassPermanent
	default:
		return ClassRetryable
	}
}

// Backoff computes the retry delay for attempt n:
//
//	delay = min(2^n × base, max) × (1 + up to 25% jitter)
//
// jitter yields a value in [0, 1); pass nil to use the package-level source.
func Backoff(attempt int, base, max time.Duration, jitter func() float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay < 0 {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	factor := 1 + 0.25*jitter()
	return time.Duration(float64(delay) * factor)
}
