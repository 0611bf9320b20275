// Package progress computes download percentages and decides which samples
// are worth acting on.
package progress

// DefaultThreshold is the minimum increase, in percentage points, between two
// acted-upon samples.
const DefaultThreshold = 1.0

// Percent returns written/total as a percentage clamped to [0, 100]. An
// unknown total (<= 0) yields 0.
func Percent(written, total int64) float64 {
	if total <= 0 || written <= 0 {
		return 0
	}

	if written >= total {
		return 100
	}

	return float64(written) / float64(total) * 100
}

// Throttle filters progress samples. A sample passes when it has moved more
// than the threshold past the last passed sample, or when it reaches 100.
// Completion therefore always passes.
type Throttle struct {
	threshold float64
	last      float64
}

// NewThrottle returns a Throttle starting from 0. A non-positive threshold
// falls back to DefaultThreshold.
func NewThrottle(threshold float64) *Throttle {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	return &Throttle{threshold: threshold}
}

// Sample reports whether p should be acted upon and records it if so.
func (t *Throttle) Sample(p float64) bool {
	if p < 100 && p-t.last <= t.threshold {
		return false
	}

	t.last = p

	return true
}

// Last returns the most recent sample that passed.
func (t *Throttle) Last() float64 {
	return t.last
}
