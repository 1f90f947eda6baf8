package model

// FadeState BGM 音量渐变状态
type FadeState string

const (
	FadeNormal    FadeState = "normal"
	FadeFadingOut FadeState = "fading-out"
	FadeFaded     FadeState = "faded"
	FadeFadingIn  FadeState = "fading-in"
)

// ImageFitMode 参考图显示方式
type ImageFitMode string

const (
	FitContain ImageFitMode = "contain"
	FitCover   ImageFitMode = "cover"
)

// PersistedTrack holds the per-track settings kept in the snapshot.
type PersistedTrack struct {
	ID          string  `json:"id"`
	Volume      float64 `json:"volume"`
	Loop        bool    `json:"loop"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
}

// PersistedSnapshot 小状态快照，不含二进制数据
type PersistedSnapshot struct {
	HasBGM            bool             `json:"hasBgm"`
	BGMVolume         float64          `json:"bgmVolume"`
	BGMLoop           bool             `json:"bgmLoop"`
	BGMCurrentTime    float64          `json:"bgmCurrentTime"`
	BGMPlaying        bool             `json:"bgmPlaying"`
	SFXTracks         []PersistedTrack `json:"sfxTracks"`
	WinDialogueTracks []PersistedTrack `json:"winDialogueTracks"`
	HasImage          bool             `json:"hasImage"`
	ImageFitMode      ImageFitMode     `json:"imageFitMode"`
	ImageOpacity      float64          `json:"imageOpacity"`
	MasterVolume      float64          `json:"masterVolume"`
	Timestamp         int64            `json:"timestamp"` // unix 毫秒
}

// BGMState BGM 以及渐变控制器的当前状态
type BGMState struct {
	Track            *Track    `json:"track"`
	FadeState        FadeState `json:"fadeState"`
	EffectiveVolume  float64   `json:"effectiveVolume"`
	OriginalVolume   float64   `json:"originalVolume"`
	DisplayedPercent int       `json:"displayedPercent"`
}

// Meter 输出电平
type Meter struct {
	Peak    float64 `json:"peak"`
	Clipped bool    `json:"clipped"`
}

// ConsoleState is the read-only view pushed to clients.
type ConsoleState struct {
	BGM            BGMState     `json:"bgm"`
	WinDialogue    []Track      `json:"winDialogue"`
	SFX            []Track      `json:"sfx"`
	Image          *AssetMeta   `json:"image"`
	ImageFitMode   ImageFitMode `json:"imageFitMode"`
	ImageOpacity   float64      `json:"imageOpacity"`
	MasterVolume   float64      `json:"masterVolume"`
	ActiveSFX      int          `json:"activeSfx"`
	PolyphonyLimit int          `json:"polyphonyLimit"`
	WinCapacity    int          `json:"winCapacity"`
	Queue          []QueueEntry `json:"queue"`
	QueueStats     QueueStats   `json:"queueStats"`
	Meter          Meter        `json:"meter"`
}

// IngestResult 批量上传结果，超出容量的文件计入 Rejected
type IngestResult struct {
	Accepted []AssetMeta `json:"accepted"`
	Rejected int         `json:"rejected"`
	Failed   []string    `json:"failed,omitempty"`
}
