// Package dunning drives the failed-payment retry and suspension
// policy. The schedule math is pure; the engine applies it.
package dunning

import "time"

// DefaultRetryDelays is the stock escalation schedule in days.
var DefaultRetryDelays = []int{3, 7, 14, 30}

// EscalationLevel names the tone of the notice sent at each stage.
type EscalationLevel string

const (
	EscalationFriendly   EscalationLevel = "friendly"
	EscalationUrgent     EscalationLevel = "urgent"
	EscalationFinal      EscalationLevel = "final"
	EscalationSuspension EscalationLevel = "suspension"
)

// RetryDelayDays returns the wait before the next charge attempt.
// Counts beyond the schedule repeat the last entry.
func RetryDelayDays(retryCount int, delays []int) int {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[retryCount]
}

// NextRetryDate schedules the next attempt relative to now.
func NextRetryDate(now time.Time, retryCount int, delays []int) time.Time {
	return now.AddDate(0, 0, RetryDelayDays(retryCount, delays))
}

// Escalation maps a retry count to the notice level.
func Escalation(retryCount int) EscalationLevel {
	switch {
	case retryCount <= 1:
		return EscalationFriendly
	case retryCount == 2:
		return EscalationUrgent
	case retryCount == 3:
		return EscalationFinal
	default:
		return EscalationSuspension
	}
}

// ShouldSuspend reports whether retries are exhausted. A maxRetries of
// zero suspends on the first failure, which disables dunning for the
// tenant.
func ShouldSuspend(retryCount, maxRetries int) bool {
	return retryCount >= maxRetries
}
