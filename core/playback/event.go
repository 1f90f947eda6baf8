package playback

import "AudioDeck/model"

// EventKind 音轨事件类型
type EventKind int

const (
	EventStarted   EventKind = iota + 1 // play issued, start pending
	EventConfirmed                      // resource reported a successful start
	EventPaused
	EventStopped
	EventPreempted // stopped because another exclusive line started
	EventEnded
	EventFailed
	EventProgress
	EventAdded
	EventChanged
	EventReplaced
	EventRemoved
)

var eventNames = map[EventKind]string{
	EventStarted:   "started",
	EventConfirmed: "confirmed",
	EventPaused:    "paused",
	EventStopped:   "stopped",
	EventPreempted: "preempted",
	EventEnded:     "ended",
	EventFailed:    "failed",
	EventProgress:  "progress",
	EventAdded:     "added",
	EventChanged:   "changed",
	EventReplaced:  "replaced",
	EventRemoved:   "removed",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is dispatched synchronously to every reactor after the engine state changed.
type Event struct {
	Kind     EventKind
	Category model.Category
	TrackID  string
	Token    uint64
	Err      error
}

// Reactor 订阅音轨事件
type Reactor interface {
	OnTrackEvent(ev Event)
}

// ReactorFunc adapts a function to Reactor.
type ReactorFunc func(ev Event)

func (f ReactorFunc) OnTrackEvent(ev Event) { f(ev) }
