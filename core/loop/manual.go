package loop

import (
	"context"
	"sort"
	"time"
)

// Manual is a Scheduler driven by hand. Nothing runs until Flush or Advance is
// called, which makes timer-heavy code deterministic under test.
type Manual struct {
	now    time.Time
	posted []func()
	timers []*manualTimer
	seq    int
}

// NewManual 创建虚拟时钟
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	when    time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Post queues fn until the next Flush.
func (m *Manual) Post(fn func()) {
	m.posted = append(m.posted, fn)
}

// AfterFunc registers fn to run once the virtual clock passes now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{when: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	return m.now
}

// Do runs fn immediately and then drains posted tasks.
func (m *Manual) Do(_ context.Context, fn func()) error {
	fn()
	m.Flush()
	return nil
}

// Flush runs posted tasks, including ones posted while flushing.
func (m *Manual) Flush() {
	for len(m.posted) > 0 {
		fn := m.posted[0]
		m.posted = m.posted[1:]
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in order.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		m.Flush()
		next := m.nextDue(target)
		if next == nil {
			break
		}
		if next.when.After(m.now) {
			m.now = next.when
		}
		next.fired = true
		next.fn()
	}
	m.now = target
	m.Flush()
}

// Pending reports the number of armed timers.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	if len(m.timers) == 0 || m.timers[0].when.After(target) {
		return nil
	}
	return m.timers[0]
}
