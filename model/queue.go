package model

import "time"

// QueueStatus 队列条目状态
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueuePlaying   QueueStatus = "playing"
	QueueCompleted QueueStatus = "completed"
)

// QueueEntry is one delayed playback request.
type QueueEntry struct {
	ID        string      `json:"id"`
	SfxID     string      `json:"sfxId"`
	DelayMs   int64       `json:"delay"`
	CreatedAt time.Time   `json:"timestamp"`
	Status    QueueStatus `json:"status"`
}

// QueueStats 队列统计
type QueueStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Playing   int `json:"playing"`
	Completed int `json:"completed"`
}
