package client

import "time"

// RetryPolicy selects how the wait between chunk retry attempts grows.
type RetryPolicy int

const (
	// PolicyConstant always waits base.
	PolicyConstant RetryPolicy = iota
	// PolicyLinear waits base * (attempt + 1).
	PolicyLinear
	// PolicyExponential waits base * 2^attempt.
	PolicyExponential
)

func (p RetryPolicy) String() string {
	switch p {
	case PolicyConstant:
		return "constant"
	case PolicyLinear:
		return "linear"
	case PolicyExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// interval computes the wait duration before retrying the given zero-based
// attempt, with base as the configured retry interval. This is a pure
// function: no jitter, no clamping, no state. The exact closed-form
// sequences it produces are part of this package's tested contract, which
// is why it is hand-rolled instead of delegating to a general-purpose
// backoff library (see DESIGN.md).
func (p RetryPolicy) interval(attempt int, base time.Duration) time.Duration {
	switch p {
	case PolicyLinear:
		return base * time.Duration(attempt+1)
	case PolicyExponential:
		return base * time.Duration(1<<uint(attempt))
	case PolicyConstant:
		fallthrough
	default:
		return base
	}
}
