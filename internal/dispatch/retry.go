package dispatch

import (
	"time"

	"github.com/example/campaign-engine/internal/sender"
)

// DefaultCooldown is the floor applied before a transiently failed
// recipient becomes eligible for re-selection. It exists to avoid
// hot-looping a consistently failing provider.
const DefaultCooldown = 5 * time.Minute

// RetryPolicy decides retryability for a failed send. Only transient
// transport failures are retryable; hard bounces, complaints and invalid
// addresses are terminal on first sight.
type RetryPolicy struct {
	Cooldown time.Duration
}

// NewRetryPolicy returns a policy with the given cool-down, defaulting to
// DefaultCooldown when non-positive.
func NewRetryPolicy(cooldown time.Duration) RetryPolicy {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return RetryPolicy{Cooldown: cooldown}
}

// ShouldRetry reports whether a failure of the given kind may be retried
// for a recipient with the given retry bookkeeping.
func (p RetryPolicy) ShouldRetry(kind sender.FailureKind, retryCount, maxRetries int) bool {
	return kind.Retryable() && retryCount < maxRetries
}

// NextEligibleAt returns the earliest instant at which a retried recipient
// may be selected again.
func (p RetryPolicy) NextEligibleAt(now time.Time) time.Time {
	return now.Add(p.Cooldown)
}
