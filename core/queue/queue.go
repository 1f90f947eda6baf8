// Package queue schedules delayed SFX triggers and tracks their lifecycle.
package queue

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"AudioDeck/core/loop"
	"AudioDeck/logger"
	"AudioDeck/model"
)

type item struct {
	entry model.QueueEntry
	seq   int
	timer loop.Timer
}

// SoundQueue 延迟播放队列，只在事件循环中使用
type SoundQueue struct {
	sched   loop.Scheduler
	log     *zap.Logger
	items   map[string]*item
	counter int

	onUpdate func()
	onStatus func(queueID string, status model.QueueStatus)
}

// New 创建队列
func New(sched loop.Scheduler) *SoundQueue {
	return &SoundQueue{
		sched: sched,
		log:   logger.Named("queue"),
		items: make(map[string]*item),
	}
}

// AddToQueue records a pending entry without arming a timer.
func (q *SoundQueue) AddToQueue(sfxID string, delay time.Duration) string {
	if delay < 0 {
		delay = 0
	}
	id := fmt.Sprintf("queue-%d", q.counter)
	q.counter++
	q.items[id] = &item{
		seq: q.counter,
		entry: model.QueueEntry{
			ID:        id,
			SfxID:     sfxID,
			DelayMs:   delay.Milliseconds(),
			CreatedAt: q.sched.Now(),
			Status:    model.QueuePending,
		},
	}
	q.notify()
	return id
}

// ScheduleSound adds an entry and calls onPlay once delay elapses, unless the
// entry was removed first. A panic in onPlay is logged and swallowed.
func (q *SoundQueue) ScheduleSound(sfxID string, delay time.Duration, onPlay func()) string {
	id := q.AddToQueue(sfxID, delay)
	it := q.items[id]
	it.timer = q.sched.AfterFunc(delay, func() {
		cur, ok := q.items[id]
		if !ok || cur != it {
			return
		}
		it.timer = nil
		q.updateStatus(id, model.QueuePlaying)
		q.invoke(id, sfxID, onPlay)
	})
	return id
}

func (q *SoundQueue) invoke(queueID, sfxID string, onPlay func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("onPlay 回调异常",
				logger.String("queue", queueID),
				logger.String("sfx", sfxID),
				logger.Any("panic", r))
		}
	}()
	if onPlay != nil {
		onPlay()
	}
}

// MarkCompleted moves a playing entry to completed.
func (q *SoundQueue) MarkCompleted(queueID string) bool {
	it, ok := q.items[queueID]
	if !ok || it.entry.Status != model.QueuePlaying {
		return false
	}
	if it.timer != nil {
		it.timer.Stop()
		it.timer = nil
	}
	q.updateStatus(queueID, model.QueueCompleted)
	return true
}

// CompleteSound marks every playing entry of sfxID completed and returns how many moved.
func (q *SoundQueue) CompleteSound(sfxID string) int {
	n := 0
	for _, e := range q.GetQueue() {
		if e.SfxID == sfxID && e.Status == model.QueuePlaying {
			if q.MarkCompleted(e.ID) {
				n++
			}
		}
	}
	return n
}

// RemoveFromQueue cancels a pending entry. Entries that already started, and
// unknown ids, are left alone and false is returned.
func (q *SoundQueue) RemoveFromQueue(queueID string) bool {
	it, ok := q.items[queueID]
	if !ok || it.entry.Status != model.QueuePending {
		return false
	}
	if it.timer != nil {
		it.timer.Stop()
	}
	delete(q.items, queueID)
	q.notify()
	return true
}

// RemoveSound drops every entry of a deleted SFX.
func (q *SoundQueue) RemoveSound(sfxID string) {
	removed := false
	for id, it := range q.items {
		if it.entry.SfxID != sfxID {
			continue
		}
		if it.timer != nil {
			it.timer.Stop()
		}
		delete(q.items, id)
		removed = true
	}
	if removed {
		q.notify()
	}
}

// ClearQueue 取消所有定时器并清空队列
func (q *SoundQueue) ClearQueue() {
	for _, it := range q.items {
		if it.timer != nil {
			it.timer.Stop()
		}
	}
	q.items = make(map[string]*item)
	q.notify()
}

// GetStats counts entries by status from the live queue.
func (q *SoundQueue) GetStats() model.QueueStats {
	stats := model.QueueStats{Total: len(q.items)}
	for _, it := range q.items {
		switch it.entry.Status {
		case model.QueuePending:
			stats.Pending++
		case model.QueuePlaying:
			stats.Playing++
		case model.QueueCompleted:
			stats.Completed++
		}
	}
	return stats
}

// GetQueue returns the entries oldest first.
func (q *SoundQueue) GetQueue() []model.QueueEntry {
	items := make([]*item, 0, len(q.items))
	for _, it := range q.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
			return a.seq < b.seq
		}
		return a.entry.CreatedAt.Before(b.entry.CreatedAt)
	})
	out := make([]model.QueueEntry, len(items))
	for i, it := range items {
		out[i] = it.entry
	}
	return out
}

// Entry 查询单个条目
func (q *SoundQueue) Entry(queueID string) (model.QueueEntry, bool) {
	it, ok := q.items[queueID]
	if !ok {
		return model.QueueEntry{}, false
	}
	return it.entry, true
}

func (q *SoundQueue) updateStatus(queueID string, status model.QueueStatus) {
	it, ok := q.items[queueID]
	if !ok {
		return
	}
	it.entry.Status = status
	if q.onStatus != nil {
		q.onStatus(queueID, status)
	}
	q.notify()
}

// OnUpdate sets the queue listener. Last registration wins.
func (q *SoundQueue) OnUpdate(fn func()) {
	q.onUpdate = fn
}

// OnStatusUpdate sets the status listener. Last registration wins.
func (q *SoundQueue) OnStatusUpdate(fn func(queueID string, status model.QueueStatus)) {
	q.onStatus = fn
}

func (q *SoundQueue) notify() {
	if q.onUpdate != nil {
		q.onUpdate()
	}
}

// Dispose clears the queue and drops listeners.
func (q *SoundQueue) Dispose() {
	q.ClearQueue()
	q.onUpdate = nil
	q.onStatus = nil
}
