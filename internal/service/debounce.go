package service

import (
	"sync"
	"time"

	"github.com/smartcity/intersection/internal/timeutil"
)

// Debouncer coalesces bursts of triggers into one call issued after the
// burst has been quiet for the configured delay. Every trigger opens a new
// generation; work started under an older generation is stale.
type Debouncer struct {
	clock timeutil.Clock
	delay time.Duration

	mu         sync.Mutex
	timer      timeutil.Timer
	generation uint64
}

// NewDebouncer creates a debouncer firing delay after the last trigger
func NewDebouncer(clock timeutil.Clock, delay time.Duration) *Debouncer {
	return &Debouncer{clock: clock, delay: delay}
}

// Trigger cancels any pending call and schedules f. f receives the
// generation it was scheduled under. The new generation is returned.
func (d *Debouncer) Trigger(f func(generation uint64)) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	gen := d.generation
	d.timer = d.clock.AfterFunc(d.delay, func() { f(gen) })
	return gen
}

// Cancel drops the pending call, if any, and invalidates the current
// generation so that in-flight work is discarded.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++
}

// IsCurrent reports whether generation is still the latest one.
func (d *Debouncer) IsCurrent(generation uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return generation == d.generation
}
