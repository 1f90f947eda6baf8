// Package console is the mixing console: three playback engines, the BGM
// ducking controller, the sound queue and session persistence, all driven
// from one loop.
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"AudioDeck/core/asset"
	"AudioDeck/core/ducking"
	"AudioDeck/core/loop"
	"AudioDeck/core/persist"
	"AudioDeck/core/playback"
	"AudioDeck/core/queue"
	"AudioDeck/core/store"
	"AudioDeck/logger"
	"AudioDeck/model"
)

const (
	BGMID   = persist.BGMBlobID
	ImageID = persist.ImageBlobID

	// WinCapacity 胜利台词最多同时加载的条数
	WinCapacity = 8
	// DefaultPolyphony 同时播放音效数的参考上限，仅用于显示
	DefaultPolyphony = 32
	// PlayAllStagger 全部播放时相邻音效的间隔
	PlayAllStagger = 10 * time.Millisecond
	// DefaultRestoreDelay 恢复会话后延迟创建播放资源
	DefaultRestoreDelay = 100 * time.Millisecond
)

var (
	ErrNoBGM           = errors.New("no bgm loaded")
	ErrNoImage         = errors.New("no image loaded")
	ErrBankFull        = errors.New("win dialogue bank is full")
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidFitMode  = errors.New("invalid image fit mode")
)

// Executor runs work on the console loop.
type Executor interface {
	loop.Scheduler
	loop.Runner
}

// MeterSource reports the output level, usually the mixer.
type MeterSource interface {
	Meter() model.Meter
}

// Config 控制台配置
type Config struct {
	Exec    Executor
	Factory playback.Factory
	Assets  *asset.Service
	Store   *store.Durable
	Meter   MeterSource

	PolyphonyLimit int
	WinCapacity    int
	SaveDebounce   time.Duration
	SnapshotMaxAge time.Duration
	RestoreDelay   time.Duration
	// SyncSaves 在循环内同步写入，测试使用
	SyncSaves bool
}

// Upload is one incoming file.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Console is the facade used by the HTTP server, the drop folder and the CLI.
// Exported methods are safe for concurrent use; they hop onto the loop.
type Console struct {
	exec   Executor
	assets *asset.Service
	meter  MeterSource
	log    *zap.Logger

	bgm     *playback.Engine
	win     *playback.Engine
	sfx     *playback.Engine
	duck    *ducking.Controller
	queue   *queue.SoundQueue
	persist *persist.Controller

	// 以下字段只在循环中访问
	image        *asset.Handle
	fitMode      model.ImageFitMode
	opacity      float64
	master       float64
	polyphony    int
	winCapacity  int
	restoreDelay time.Duration
	prewarm      loop.Timer

	subMu     sync.Mutex
	subs      map[int]func()
	nextSubID int
}

// New wires the engines and controllers. The caller runs the loop.
func New(ctx context.Context, cfg Config) *Console {
	if cfg.PolyphonyLimit <= 0 {
		cfg.PolyphonyLimit = DefaultPolyphony
	}
	if cfg.WinCapacity <= 0 {
		cfg.WinCapacity = WinCapacity
	}
	if cfg.RestoreDelay <= 0 {
		cfg.RestoreDelay = DefaultRestoreDelay
	}
	if cfg.Assets == nil {
		cfg.Assets = asset.NewService(asset.Options{})
	}

	c := &Console{
		exec:         cfg.Exec,
		assets:       cfg.Assets,
		meter:        cfg.Meter,
		log:          logger.Named("console"),
		fitMode:      model.FitContain,
		opacity:      1,
		master:       1,
		polyphony:    cfg.PolyphonyLimit,
		winCapacity:  cfg.WinCapacity,
		restoreDelay: cfg.RestoreDelay,
		subs:         make(map[int]func()),
	}

	c.bgm = playback.NewEngine(playback.Config{Category: model.CategoryBGM, Scheduler: cfg.Exec, Factory: cfg.Factory})
	c.win = playback.NewEngine(playback.Config{Category: model.CategoryWin, Exclusive: true, Scheduler: cfg.Exec, Factory: cfg.Factory})
	c.sfx = playback.NewEngine(playback.Config{Category: model.CategorySFX, Scheduler: cfg.Exec, Factory: cfg.Factory})

	c.duck = ducking.New(cfg.Exec, c.bgm, BGMID)
	c.duck.OnChange(c.notify)
	c.queue = queue.New(cfg.Exec)
	c.queue.OnUpdate(c.notify)

	c.persist = persist.New(ctx, cfg.Exec, cfg.Store, persist.Options{
		Debounce: cfg.SaveDebounce,
		MaxAge:   cfg.SnapshotMaxAge,
		Sync:     cfg.SyncSaves,
	})
	c.persist.SetSource(c.capture)

	// 订阅顺序：先闪避，再持久化，最后控制台自身（队列与通知）
	c.bgm.Subscribe(c.duck)
	c.win.Subscribe(c.duck)
	for _, e := range []*playback.Engine{c.bgm, c.win, c.sfx} {
		e.Subscribe(c.persist)
		e.Subscribe(playback.ReactorFunc(c.onTrackEvent))
	}
	return c
}

func (c *Console) onTrackEvent(ev playback.Event) {
	if ev.Category == model.CategorySFX {
		switch ev.Kind {
		case playback.EventStarted:
			if n := c.sfx.ActiveCount(); n > c.polyphony {
				c.log.Warn("同时播放的音效超过上限",
					logger.Int("active", n),
					logger.Int("limit", c.polyphony))
			}
		case playback.EventEnded, playback.EventStopped, playback.EventPaused, playback.EventFailed:
			c.queue.CompleteSound(ev.TrackID)
		case playback.EventRemoved:
			c.queue.CompleteSound(ev.TrackID)
			c.queue.RemoveSound(ev.TrackID)
		}
	}
	if ev.Kind == playback.EventFailed {
		c.log.Warn("播放失败",
			logger.String("category", string(ev.Category)),
			logger.String("track", ev.TrackID),
			logger.ErrorField(ev.Err))
	}
	c.notify()
}

// Subscribe registers fn to be called on the loop after every state change.
// fn must not block or call back into the console.
func (c *Console) Subscribe(fn func()) (cancel func()) {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Console) notify() {
	c.subMu.Lock()
	fns := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// changed marks a scalar setting change: persist and tell subscribers.
func (c *Console) changed() {
	c.persist.MarkDirty()
	c.notify()
}

func (c *Console) do(ctx context.Context, fn func() error) error {
	var err error
	if derr := c.exec.Do(ctx, func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

func (c *Console) engine(cat model.Category) (*playback.Engine, error) {
	switch cat {
	case model.CategoryBGM:
		return c.bgm, nil
	case model.CategoryWin:
		return c.win, nil
	case model.CategorySFX:
		return c.sfx, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, cat)
}

// Assets exposes the asset registry for the media route.
func (c *Console) Assets() *asset.Service { return c.assets }

// State returns a consistent view of the whole console.
func (c *Console) State(ctx context.Context) (model.ConsoleState, error) {
	var st model.ConsoleState
	err := c.exec.Do(ctx, func() { st = c.state() })
	return st, err
}

func (c *Console) tracks(e *playback.Engine) []model.Track {
	tracks := e.Tracks()
	for i := range tracks {
		tracks[i].CurrentTime = e.Position(tracks[i].ID)
	}
	return tracks
}

func (c *Console) state() model.ConsoleState {
	st := model.ConsoleState{
		BGM:            c.duck.Snapshot(),
		WinDialogue:    c.tracks(c.win),
		SFX:            c.tracks(c.sfx),
		ImageFitMode:   c.fitMode,
		ImageOpacity:   c.opacity,
		MasterVolume:   c.master,
		ActiveSFX:      c.sfx.ActiveCount(),
		PolyphonyLimit: c.polyphony,
		WinCapacity:    c.winCapacity,
		Queue:          c.queue.GetQueue(),
		QueueStats:     c.queue.GetStats(),
	}
	if tr, ok := c.bgm.Track(BGMID); ok {
		tr.CurrentTime = c.bgm.Position(BGMID)
		st.BGM.Track = &tr
	}
	if c.image != nil {
		meta := c.image.Meta()
		st.Image = &meta
	}
	if c.meter != nil {
		st.Meter = c.meter.Meter()
	}
	return st
}
