package call

import "time"

// TimeProvider is an interface for getting the current time.
// This allows injecting a mock time provider for deterministic testing
// of timestamps such as startedAt and lastActivityAt.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// DefaultTimeProvider implements TimeProvider using the actual system time.
type DefaultTimeProvider struct{}

// Now returns the current system time.
func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}

// getTimeProvider returns the provided TimeProvider if non-nil,
// otherwise the system clock.
func getTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return DefaultTimeProvider{}
}
