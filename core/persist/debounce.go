package persist

import (
	"time"

	"AudioDeck/core/loop"
)

// Debouncer runs fn once delay has passed without another Trigger.
// Only used on the loop.
type Debouncer struct {
	sched loop.Scheduler
	delay time.Duration
	fn    func()
	timer loop.Timer
}

// NewDebouncer 创建防抖器
func NewDebouncer(sched loop.Scheduler, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{sched: sched, delay: delay, fn: fn}
}

// Trigger 取消挂起的调用并重新计时
func (d *Debouncer) Trigger() {
	if d.timer != nil {
		d.timer.Stop()
	}
	var t loop.Timer
	t = d.sched.AfterFunc(d.delay, func() {
		if d.timer != t {
			return
		}
		d.timer = nil
		d.fn()
	})
	d.timer = t
}

// Flush runs a pending call immediately.
func (d *Debouncer) Flush() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.fn()
	return true
}

// Stop drops a pending call.
func (d *Debouncer) Stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	return d.timer != nil
}
