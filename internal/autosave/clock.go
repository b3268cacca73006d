package autosave

import "time"

// Clock abstracts wall time and timers so debounce, failsafe, and retry
// scheduling can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (or, for test clocks, inline)
	// once d has elapsed. The returned Timer cancels the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call created by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the call from firing. It reports whether the call was
	// stopped before it fired.
	Stop() bool
}

// SystemClock returns the real-time Clock.
func SystemClock() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
