// Package presentation batches display updates for streamed responses.
package presentation

import (
	"sync"
	"time"
)

const DefaultDebounceInterval = 150 * time.Millisecond

// Debouncer coalesces Notify calls into at most one emit per interval.
// Emits run on the timer goroutine, or on the caller's goroutine for Flush.
type Debouncer struct {
	interval time.Duration
	emit     func()

	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	lastEmit time.Time
	seq      uint64
}

func NewDebouncer(interval time.Duration, emit func()) *Debouncer {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	if emit == nil {
		emit = func() {}
	}
	return &Debouncer{interval: interval, emit: emit}
}

// Notify schedules a refresh no sooner than interval after the previous one.
func (d *Debouncer) Notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		return
	}
	d.pending = true
	wait := d.interval - time.Since(d.lastEmit)
	if wait < 0 {
		wait = 0
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(wait, func() { d.fire(seq) })
}

// Flush cancels any pending refresh and emits immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	d.cancelLocked()
	d.lastEmit = time.Now()
	d.mu.Unlock()
	d.emit()
}

// Stop cancels any pending refresh without emitting.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.cancelLocked()
	d.mu.Unlock()
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if !d.pending || seq != d.seq {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.lastEmit = time.Now()
	d.mu.Unlock()
	d.emit()
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
	d.seq++
}
