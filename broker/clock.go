package broker

import "time"

// Clock is the broker's time source. Everything that stamps or compares
// instants goes through it, so tests can drive retention and replay
// deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock backed Clock used in production.
func SystemClock() Clock { return systemClock{} }
