package playback

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"AudioDeck/core/loop"
	"AudioDeck/logger"
	"AudioDeck/model"
)

var (
	ErrTrackNotFound = errors.New("track not found")
	ErrTrackExists   = errors.New("track already exists")
)

// Config 引擎配置
type Config struct {
	Category model.Category
	// Exclusive 为 true 时同一时刻最多只有一条音轨在播放（胜利台词）
	Exclusive bool
	Scheduler loop.Scheduler
	Factory   Factory
	Logger    *zap.Logger
}

// entry 每条音轨独占的记录：状态、资源、令牌
type entry struct {
	track *model.Track
	asset Asset
	res   Resource
	token uint64
	// level 不为 nil 时代替 track.Volume 参与计算（BGM 渐变）
	level *float64
}

// Engine owns the tracks of one category and their resources.
// All methods must be called on the console loop.
type Engine struct {
	category  model.Category
	exclusive bool
	sched     loop.Scheduler
	factory   Factory
	log       *zap.Logger

	entries  map[string]*entry
	order    []string
	master   float64
	reactors []Reactor
}

// NewEngine 创建播放引擎
func NewEngine(cfg Config) *Engine {
	l := cfg.Logger
	if l == nil {
		l = logger.Named("playback." + string(cfg.Category))
	}
	return &Engine{
		category:  cfg.Category,
		exclusive: cfg.Exclusive,
		sched:     cfg.Scheduler,
		factory:   cfg.Factory,
		log:       l,
		entries:   make(map[string]*entry),
		master:    1,
	}
}

// Category returns the category this engine serves.
func (e *Engine) Category() model.Category { return e.category }

// Subscribe 注册事件订阅者，按注册顺序同步分发
func (e *Engine) Subscribe(r Reactor) {
	e.reactors = append(e.reactors, r)
}

func (e *Engine) emit(kind EventKind, ent *entry, err error) {
	ev := Event{Kind: kind, Category: e.category, TrackID: ent.track.ID, Token: ent.token, Err: err}
	for _, r := range e.reactors {
		r.OnTrackEvent(ev)
	}
}

// Add binds a freshly uploaded asset to a new stopped track.
func (e *Engine) Add(a Asset) (model.Track, error) {
	return e.Insert(model.NewTrack(a.Meta()), a)
}

// Insert adds a track with explicit settings, used when restoring a session.
func (e *Engine) Insert(t *model.Track, a Asset) (model.Track, error) {
	if _, ok := e.entries[t.ID]; ok {
		return model.Track{}, fmt.Errorf("%w: %s", ErrTrackExists, t.ID)
	}
	t.Category = e.category
	t.Volume = model.ClampVolume(t.Volume)
	t.CurrentTime = t.ClampTime(t.CurrentTime)
	ent := &entry{track: t, asset: a}
	e.entries[t.ID] = ent
	e.order = append(e.order, t.ID)
	e.emit(EventAdded, ent, nil)
	return *t, nil
}

func (e *Engine) get(id string) (*entry, error) {
	ent, ok := e.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTrackNotFound, e.category, id)
	}
	return ent, nil
}

// ensure 资源不存在时创建并注册观察者，之后一直复用
func (e *Engine) ensure(ent *entry) (Resource, error) {
	if ent.res != nil {
		return ent.res, nil
	}
	if e.factory == nil {
		return nil, errors.New("no resource factory configured")
	}
	res, err := e.factory.NewResource(ent.asset)
	if err != nil {
		return nil, err
	}
	id := ent.track.ID
	res.Observe(Observer{
		OnEnded:    func() { e.resourceEnded(id, res) },
		OnProgress: func(sec float64) { e.resourceProgress(id, res, sec) },
		OnError:    func(err error) { e.resourceFailed(id, res, err) },
	})
	ent.res = res
	e.applyVolume(ent)
	res.SetLoop(ent.track.Loop)
	res.Seek(ent.track.CurrentTime)
	return res, nil
}

// Prepare creates the resource for id ahead of the first play.
func (e *Engine) Prepare(id string) error {
	ent, err := e.get(id)
	if err != nil {
		return err
	}
	if _, err := e.ensure(ent); err != nil {
		e.log.Warn("预创建音频资源失败", logger.String("track", id), logger.ErrorField(err))
		return err
	}
	return nil
}

// Play always starts id from the beginning. A start still in flight from an
// earlier call is invalidated by the token bump.
func (e *Engine) Play(id string) error {
	ent, err := e.get(id)
	if err != nil {
		return err
	}
	if e.exclusive {
		e.preemptOthers(id)
	}

	ent.token++
	token := ent.token

	res, err := e.ensure(ent)
	if err != nil {
		e.log.Error("创建音频资源失败", logger.String("track", id), logger.ErrorField(err))
		ent.track.IsPlaying = false
		e.emit(EventFailed, ent, err)
		return nil
	}

	res.Pause()
	res.Seek(0)
	e.applyVolume(ent)
	res.SetLoop(ent.track.Loop)

	ent.track.IsPlaying = true
	ent.track.CurrentTime = 0
	e.emit(EventStarted, ent, nil)

	res.Play(func(err error) {
		e.sched.Post(func() { e.settle(id, res, token, err) })
	})
	return nil
}

// Restart is Play: it always rewinds.
func (e *Engine) Restart(id string) error {
	return e.Play(id)
}

// Toggle pauses a playing track and plays a stopped one.
func (e *Engine) Toggle(id string) error {
	ent, err := e.get(id)
	if err != nil {
		return err
	}
	if ent.track.IsPlaying {
		return e.Pause(id)
	}
	return e.Play(id)
}

// settle 处理异步启动的结果，只有令牌匹配的结果才会生效
func (e *Engine) settle(id string, res Resource, token uint64, err error) {
	ent, ok := e.entries[id]
	if !ok || ent.res != res {
		// 音轨已删除或已替换，旧资源已经关闭
		return
	}
	if err != nil {
		e.log.Warn("播放启动失败",
			logger.String("category", string(e.category)),
			logger.String("track", id),
			logger.Uint64("token", token),
			logger.Uint64("current", ent.token),
			logger.ErrorField(err))
		if token == ent.token {
			ent.track.IsPlaying = false
			e.emit(EventFailed, ent, err)
		}
		return
	}
	if token != ent.token {
		// 过期的启动：如果后来的调用已经停下了音轨，就把资源拉回去
		if !ent.track.IsPlaying {
			res.Pause()
			res.Seek(ent.track.CurrentTime)
		}
		e.log.Debug("丢弃过期的播放启动",
			logger.String("track", id),
			logger.Uint64("token", token),
			logger.Uint64("current", ent.token))
		return
	}
	e.emit(EventConfirmed, ent, nil)
}

func (e *Engine) preemptOthers(id string) {
	for _, otherID := range e.order {
		if otherID == id {
			continue
		}
		other := e.entries[otherID]
		if !other.track.IsPlaying {
			continue
		}
		other.token++
		if other.res != nil {
			other.res.Pause()
			other.res.Seek(0)
		}
		other.track.IsPlaying = false
		other.track.CurrentTime = 0
		e.emit(EventPreempted, other, nil)
	}
}

// Pause stops id where it is.
func (e *Engine) Pause(id string) error {
	ent, err := e.get(id)
	if err != nil {
		return err
	}
	ent.token++
	wasPlaying := ent.track.IsPlaying
	if ent.res != nil {
		ent.res.Pause()
		ent.track.CurrentTime = ent.track.ClampTime(ent.res.Position())
	}
	ent.track.IsPlaying = false
	if wasPlaying {
		e.emit(EventPaused, ent, nil)
	}
	return nil
}

// Stop pauses and rewinds id. Volume and loop are left alone.
func (e *Engine) Stop(id string) error {
	ent, err := e.get(id)
	if err != nil {
		return err
	}
	ent.token++
	if ent.res != nil {
		ent.res.Pause()
		ent.res.Seek(0)
	}
	ent.track.IsPlaying = false
	ent.track.CurrentTime = 0
	e.emit(EventStopped, ent, nil)
	return nil
}

// StopAll hard-stops every playing track.
func (e *Engine) StopAll() {
	for _, id := range append([]string(nil), e.order...) {
		if ent, ok := e.entries[id]; ok && ent.track.IsPlaying {
			_ = e.Stop(id)
		}
	}
}

// Seek clamps sec to [0, duration] and moves the playhead.
func (e *Engine) Seek(id string, sec float64) error {
	ent, err := e.get(id)
	if err != nil {
		return err
	}
	sec = ent.track.ClampTime(sec)
	if ent.res != nil {
		ent.res.Seek(sec)
	}
	ent.track.CurrentTime = sec
	e.emit(EventChanged, ent, nil)
	return nil
}

// SetVolume 同时更新音轨设置和资源
func (e *Engine) SetVolume(id string, v float64) error {
	ent, err := e.get(id)
	if err != nil {
		return err
	}
	ent.track.Volume = model.ClampVolume(v)
	e.applyVolume(ent)
	e.emit(EventChanged, ent, nil)
	return nil
}

// SetLoop 同时更新音轨设置和资源
func (e *Engine) SetLoop(id string, loop bool) error {
	ent, err := e.get(id)
	if err != nil {
		return err
	}
	ent.track.Loop = loop
	if ent.res != nil {
		ent.res.SetLoop(loop)
	}
	e.emit(EventChanged, ent, nil)
	return nil
}

// SetMasterVolume rescales every live resource.
func (e *Engine) SetMasterVolume(v float64) {
	e.master = model.ClampVolume(v)
	for _, ent := range e.entries {
		e.applyVolume(ent)
	}
}

// SetLevel overrides the track volume on the resource without touching the
// stored setting. Used by the BGM fade ramps.
func (e *Engine) SetLevel(id string, level float64) {
	ent, ok := e.entries[id]
	if !ok {
		return
	}
	level = model.ClampVolume(level)
	ent.level = &level
	e.applyVolume(ent)
}

// ClearLevel 恢复使用音轨自身的音量
func (e *Engine) ClearLevel(id string) {
	ent, ok := e.entries[id]
	if !ok {
		return
	}
	ent.level = nil
	e.applyVolume(ent)
}

func (e *Engine) applyVolume(ent *entry) {
	if ent.res == nil {
		return
	}
	level := ent.track.Volume
	if ent.level != nil {
		level = *ent.level
	}
	ent.res.SetVolume(level * e.master)
}

// Delete stops id, closes its resource and releases its asset.
func (e *Engine) Delete(id string) error {
	ent, err := e.get(id)
	if err != nil {
		return err
	}
	if ent.track.IsPlaying {
		_ = e.Stop(id)
	}
	ent.token++
	e.retire(ent)
	delete(e.entries, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.emit(EventRemoved, ent, nil)
	return nil
}

// Replace binds a new asset to an existing id. Settings survive, position and
// play state are reset.
func (e *Engine) Replace(id string, a Asset) (model.Track, error) {
	ent, err := e.get(id)
	if err != nil {
		return model.Track{}, err
	}
	if ent.track.IsPlaying {
		_ = e.Stop(id)
	}
	ent.token++
	e.retire(ent)

	meta := a.Meta()
	meta.ID = id
	meta.Category = e.category
	ent.track.AssetMeta = meta
	ent.track.CurrentTime = 0
	ent.track.IsPlaying = false
	ent.asset = a
	ent.level = nil
	e.emit(EventReplaced, ent, nil)
	return *ent.track, nil
}

// retire 关闭资源并释放句柄，每个句柄只释放一次
func (e *Engine) retire(ent *entry) {
	if ent.res != nil {
		if err := ent.res.Close(); err != nil {
			e.log.Warn("关闭音频资源失败", logger.String("track", ent.track.ID), logger.ErrorField(err))
		}
		ent.res = nil
	}
	if ent.asset != nil {
		if err := ent.asset.Release(); err != nil {
			e.log.Warn("释放资源句柄失败", logger.String("track", ent.track.ID), logger.ErrorField(err))
		}
		ent.asset = nil
	}
}

// Clear drops every track, used when the session is wiped.
func (e *Engine) Clear() {
	for _, id := range append([]string(nil), e.order...) {
		_ = e.Delete(id)
	}
}

func (e *Engine) resourceEnded(id string, res Resource) {
	ent, ok := e.entries[id]
	if !ok || ent.res != res || !ent.track.IsPlaying {
		return
	}
	ent.track.IsPlaying = false
	ent.track.CurrentTime = 0
	e.emit(EventEnded, ent, nil)
}

func (e *Engine) resourceProgress(id string, res Resource, sec float64) {
	ent, ok := e.entries[id]
	if !ok || ent.res != res || !ent.track.IsPlaying {
		return
	}
	ent.track.CurrentTime = ent.track.ClampTime(sec)
	e.emit(EventProgress, ent, nil)
}

func (e *Engine) resourceFailed(id string, res Resource, err error) {
	ent, ok := e.entries[id]
	if !ok || ent.res != res {
		return
	}
	e.log.Error("音频资源错误",
		logger.String("category", string(e.category)),
		logger.String("track", id),
		logger.ErrorField(err))
	if !ent.track.IsPlaying {
		return
	}
	ent.token++
	ent.track.IsPlaying = false
	e.emit(EventFailed, ent, err)
}

// Track 返回音轨副本
func (e *Engine) Track(id string) (model.Track, bool) {
	ent, ok := e.entries[id]
	if !ok {
		return model.Track{}, false
	}
	return *ent.track, true
}

// Tracks returns copies of all tracks in insertion order.
func (e *Engine) Tracks() []model.Track {
	out := make([]model.Track, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.entries[id].track)
	}
	return out
}

// Asset returns the handle currently bound to id.
func (e *Engine) Asset(id string) (Asset, bool) {
	ent, ok := e.entries[id]
	if !ok || ent.asset == nil {
		return nil, false
	}
	return ent.asset, true
}

// Position 返回资源的实时位置，没有资源时返回记录的位置
func (e *Engine) Position(id string) float64 {
	ent, ok := e.entries[id]
	if !ok {
		return 0
	}
	if ent.res != nil && ent.track.IsPlaying {
		return ent.track.ClampTime(ent.res.Position())
	}
	return ent.track.CurrentTime
}

// Len returns the number of tracks.
func (e *Engine) Len() int { return len(e.order) }

// ActiveCount 正在播放的音轨数
func (e *Engine) ActiveCount() int {
	n := 0
	for _, ent := range e.entries {
		if ent.track.IsPlaying {
			n++
		}
	}
	return n
}

// Token exposes the current token of id, mainly for diagnostics.
func (e *Engine) Token(id string) uint64 {
	if ent, ok := e.entries[id]; ok {
		return ent.token
	}
	return 0
}
