package state

import (
	"sync"
	"time"
)

// Alarm is a resettable one-shot wake-up used by the controller to schedule
// hibernation checks. Setting a new deadline replaces any pending one.
type Alarm struct {
	mu    sync.Mutex
	timer *time.Timer
	ch    chan time.Time
}

// NewAlarm creates an Alarm with no deadline scheduled.
func NewAlarm() *Alarm {
	return &Alarm{ch: make(chan time.Time, 1)}
}

// Set schedules the alarm to fire at the given time, replacing any
// previously scheduled deadline. Times in the past fire immediately.
func (a *Alarm) Set(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, func() {
		select {
		case a.ch <- time.Now():
		default:
		}
	})
}

// Cancel stops any pending deadline.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// C is the channel the alarm fires on. At most one firing is buffered.
func (a *Alarm) C() <-chan time.Time {
	return a.ch
}
