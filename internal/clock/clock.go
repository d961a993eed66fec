package clock

import "time"

// Clock abstracts time so the state machine and scheduler can be tested
// against a fixed instant.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
