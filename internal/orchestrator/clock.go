package orchestrator

import "time"

// Timer is a pending callback created by a Clock.
type Timer interface {
	Stop() bool
}

// Clock schedules the tick and idle callbacks of sessions.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// stopTimer stops t if set and clears it.
func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
