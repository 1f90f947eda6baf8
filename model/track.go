package model

import "time"

// Category 资源类别
type Category string

const (
	CategoryBGM   Category = "bgm"
	CategoryWin   Category = "win"
	CategorySFX   Category = "sfx"
	CategoryImage Category = "image"
)

// ParseCategory 解析路由或目录名中的类别
func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryBGM, CategoryWin, CategorySFX, CategoryImage:
		return Category(s), true
	case "winDialogue", "win-dialogue":
		return CategoryWin, true
	}
	return "", false
}

// IsAudio reports whether tracks of this category are playable.
func (c Category) IsAudio() bool {
	return c == CategoryBGM || c == CategoryWin || c == CategorySFX
}

// AssetMeta is the immutable metadata captured when a file is uploaded.
type AssetMeta struct {
	ID           string    `json:"id"`
	Category     Category  `json:"category"`
	FileName     string    `json:"fileName"`
	URL          string    `json:"url"`
	Duration     float64   `json:"duration"` // seconds
	SampleRate   int       `json:"sampleRate,omitempty"`
	ChannelCount int       `json:"channels,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	FileSize     int64     `json:"fileSize"`
	FileType     string    `json:"fileType"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Track 一条可播放的音轨（BGM、胜利台词、音效共用）
type Track struct {
	AssetMeta
	Volume      float64 `json:"volume"`
	Loop        bool    `json:"loop"`
	IsPlaying   bool    `json:"isPlaying"`
	CurrentTime float64 `json:"currentTime"`
}

// NewTrack creates a stopped track at full volume for the given asset.
func NewTrack(meta AssetMeta) *Track {
	return &Track{AssetMeta: meta, Volume: 1}
}

// ClampTime 把位置限制在 [0, duration]
func (t *Track) ClampTime(sec float64) float64 {
	if sec < 0 || sec != sec {
		return 0
	}
	if t.Duration > 0 && sec > t.Duration {
		return t.Duration
	}
	return sec
}

// ClampVolume 把音量限制在 [0, 1]
func ClampVolume(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
