// Package persist saves the console session to the durable store and brings it
// back on startup.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"AudioDeck/core/loop"
	"AudioDeck/core/playback"
	"AudioDeck/core/store"
	"AudioDeck/logger"
	"AudioDeck/model"
)

const (
	// DefaultDebounce 状态变化后等待多久再保存
	DefaultDebounce = 500 * time.Millisecond
	// DefaultMaxAge 超过这个年龄的快照视为不存在
	DefaultMaxAge = 24 * time.Hour

	BGMBlobID   = "bgm"
	ImageBlobID = "image"
)

var (
	ErrAlreadyLoaded = errors.New("session already loaded")
	ErrNoSource      = errors.New("no capture source configured")
)

// Opener is anything whose bytes can be read for saving.
type Opener interface {
	Open() (io.ReadCloser, error)
}

// Blob is one binary payload captured for a save.
type Blob struct {
	ID     string
	Meta   model.AssetMeta
	Source Opener
}

// Capture is everything a save writes, taken on the loop in one go.
type Capture struct {
	Snapshot model.PersistedSnapshot
	Blobs    []Blob

	epoch uint64
	// seq 捕获顺序，0 表示未编号（手工构造的 Capture）
	seq uint64
}

// RestoredBlob 从存储中读回的二进制数据
type RestoredBlob struct {
	Meta model.AssetMeta
	Data []byte
}

// RestoredTrack pairs a blob with its snapshot settings.
type RestoredTrack struct {
	Settings model.PersistedTrack
	Blob     RestoredBlob
}

// Restored is a loaded session with transient fields already reset.
type Restored struct {
	Snapshot model.PersistedSnapshot
	BGM      *RestoredBlob
	Image    *RestoredBlob
	SFX      []RestoredTrack
	Win      []RestoredTrack
}

// Options 持久化控制器配置
type Options struct {
	Debounce time.Duration
	MaxAge   time.Duration
	// Sync 为 true 时在循环内直接写入，测试使用
	Sync bool
}

// Controller debounces saves and performs load / clear.
type Controller struct {
	sched loop.Scheduler
	store *store.Durable
	opts  Options
	log   *zap.Logger

	ctx      context.Context
	capture  func() Capture
	debounce *Debouncer
	muted    bool

	writeMu sync.Mutex
	epoch   atomic.Uint64 // Clear 之后，之前捕获的快照不再写入
	seq     atomic.Uint64
	written uint64 // 已写入的最新捕获序号，受 writeMu 保护
	digests map[string][blake2b.Size256]byte
	wg      sync.WaitGroup
	saves   int

	loadMu sync.Mutex
	loaded bool

	onSaved func(err error)
}

// New 创建控制器。ctx 用于后台写入，取消后挂起的写入会失败
func New(ctx context.Context, sched loop.Scheduler, durable *store.Durable, opts Options) *Controller {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	c := &Controller{
		sched:   sched,
		store:   durable,
		opts:    opts,
		log:     logger.Named("persist"),
		ctx:     ctx,
		digests: make(map[string][blake2b.Size256]byte),
	}
	c.debounce = NewDebouncer(sched, opts.Debounce, c.saveFromLoop)
	return c
}

// SetSource sets the function that captures the session on the loop.
func (c *Controller) SetSource(capture func() Capture) {
	c.capture = capture
}

// OnSaved sets a listener for completed background saves.
func (c *Controller) OnSaved(fn func(err error)) {
	c.onSaved = fn
}

// OnTrackEvent marks the session dirty on every state-changing event.
func (c *Controller) OnTrackEvent(ev playback.Event) {
	switch ev.Kind {
	case playback.EventProgress, playback.EventConfirmed:
		return
	}
	c.MarkDirty()
}

// MarkDirty schedules a save after the debounce window. Call on the loop.
func (c *Controller) MarkDirty() {
	if c.muted {
		return
	}
	c.debounce.Trigger()
}

// Mute runs fn without scheduling saves, used while applying a restore.
func (c *Controller) Mute(fn func()) {
	prev := c.muted
	c.muted = true
	defer func() { c.muted = prev }()
	fn()
}

// Pending reports whether a debounced save is waiting.
func (c *Controller) Pending() bool {
	return c.debounce.Pending()
}

// FlushPending runs a pending debounced save now. Call on the loop.
func (c *Controller) FlushPending() bool {
	return c.debounce.Flush()
}

// Stop cancels a pending save.
func (c *Controller) Stop() {
	c.debounce.Stop()
}

// Wait blocks until background writes have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Capture takes the session state. Call on the loop.
func (c *Controller) Capture() (Capture, error) {
	if c.capture == nil {
		return Capture{}, ErrNoSource
	}
	cp := c.capture()
	cp.Snapshot.Timestamp = c.sched.Now().UnixMilli()
	cp.epoch = c.epoch.Load()
	cp.seq = c.seq.Add(1)
	return cp, nil
}

func (c *Controller) saveFromLoop() {
	cp, err := c.Capture()
	if err != nil {
		c.log.Warn("跳过保存", logger.ErrorField(err))
		return
	}
	if c.opts.Sync {
		c.finish(c.Write(c.ctx, cp))
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.Write(c.ctx, cp)
		c.sched.Post(func() { c.finish(err) })
	}()
}

func (c *Controller) finish(err error) {
	if err != nil {
		// 内存中的会话不受影响，下一次变化会重试
		c.log.Error("保存会话失败", logger.ErrorField(err))
	}
	if c.onSaved != nil {
		c.onSaved(err)
	}
}

// Write persists a capture. Safe to call from any goroutine; writes are serialized.
func (c *Controller) Write(ctx context.Context, cp Capture) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if cp.epoch != c.epoch.Load() {
		c.log.Debug("会话已清空，丢弃旧的保存")
		return nil
	}
	if cp.seq != 0 && cp.seq <= c.written {
		// 更新的捕获已经写过，旧的后台写入不能覆盖它
		c.log.Debug("丢弃过期的保存", logger.Uint64("seq", cp.seq), logger.Uint64("written", c.written))
		return nil
	}

	var firstErr error
	keep := make(map[string]bool, len(cp.Blobs))
	for _, b := range cp.Blobs {
		keep[b.ID] = true
		if err := c.writeBlob(ctx, b); err != nil {
			c.log.Warn("写入二进制失败", logger.String("id", b.ID), logger.ErrorField(err))
			delete(c.digests, b.ID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for id := range c.digests {
		if keep[id] {
			continue
		}
		if err := c.store.DeleteBinary(ctx, id); err != nil {
			c.log.Warn("删除过期二进制失败", logger.String("id", id), logger.ErrorField(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(c.digests, id)
	}

	raw, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.store.PutSnapshot(ctx, raw); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	if cp.seq > c.written {
		c.written = cp.seq
	}
	c.saves++
	if firstErr != nil {
		return fmt.Errorf("save blobs: %w", firstErr)
	}
	c.log.Debug("会话已保存",
		logger.Int("blobs", len(cp.Blobs)),
		logger.Int("sfx", len(cp.Snapshot.SFXTracks)),
		logger.Int("win", len(cp.Snapshot.WinDialogueTracks)))
	return nil
}

func (c *Controller) writeBlob(ctx context.Context, b Blob) error {
	rc, err := b.Source.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", b.ID, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", b.ID, err)
	}

	sum := digest(b.Meta, data)
	if prev, ok := c.digests[b.ID]; ok && prev == sum {
		return nil
	}
	if err := c.store.PutBinary(ctx, b.ID, b.Meta, data); err != nil {
		return err
	}
	c.digests[b.ID] = sum
	return nil
}

func digest(meta model.AssetMeta, data []byte) [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(meta.ID))
	h.Write([]byte(meta.FileName))
	h.Write([]byte(meta.FileType))
	h.Write(data)
	var sum [blake2b.Size256]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Saves counts completed snapshot writes.
func (c *Controller) Saves() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.saves
}

// Load reads the session once. It returns (nil, nil) when there is nothing to
// restore. On a read failure the snapshot is discarded and the error returned
// so the caller can start empty.
func (c *Controller) Load(ctx context.Context, now time.Time) (*Restored, error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return nil, ErrAlreadyLoaded
	}
	c.loaded = true

	restored, err := c.load(ctx, now)
	if err != nil {
		c.log.Error("恢复会话失败，丢弃快照", logger.ErrorField(err))
		if derr := c.store.DeleteSnapshot(ctx); derr != nil {
			c.log.Warn("删除快照失败", logger.ErrorField(derr))
		}
		return nil, err
	}
	return restored, nil
}

func (c *Controller) load(ctx context.Context, now time.Time) (*Restored, error) {
	raw, err := c.store.GetSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		c.log.Info("没有保存的会话")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap model.PersistedSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	age := now.Sub(time.UnixMilli(snap.Timestamp))
	if age > c.opts.MaxAge {
		c.log.Info("快照已过期，删除", logger.Duration("age", age))
		if err := c.store.DeleteSnapshot(ctx); err != nil {
			c.log.Warn("删除过期快照失败", logger.ErrorField(err))
		}
		return nil, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	r := &Restored{Snapshot: snap}
	r.Snapshot.BGMPlaying = false

	if snap.HasBGM {
		blob, err := c.readBlob(ctx, BGMBlobID)
		if err != nil {
			return nil, err
		}
		r.BGM = blob
	}
	if snap.HasImage {
		blob, err := c.readBlob(ctx, ImageBlobID)
		if err != nil {
			return nil, err
		}
		r.Image = blob
	}

	r.SFX, err = c.readTracks(ctx, snap.SFXTracks)
	if err != nil {
		return nil, err
	}
	r.Win, err = c.readTracks(ctx, snap.WinDialogueTracks)
	if err != nil {
		return nil, err
	}

	c.log.Info("会话已恢复",
		logger.Bool("bgm", r.BGM != nil),
		logger.Bool("image", r.Image != nil),
		logger.Int("sfx", len(r.SFX)),
		logger.Int("win", len(r.Win)),
		logger.Duration("age", age))
	return r, nil
}

// readBlob returns nil for a missing blob so one lost file does not sink the session.
func (c *Controller) readBlob(ctx context.Context, id string) (*RestoredBlob, error) {
	meta, data, err := c.store.GetBinary(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.log.Warn("快照引用的二进制不存在", logger.String("id", id))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", id, err)
	}
	meta.ID = id
	c.digests[id] = digest(meta, data)
	return &RestoredBlob{Meta: meta, Data: data}, nil
}

func (c *Controller) readTracks(ctx context.Context, settings []model.PersistedTrack) ([]RestoredTrack, error) {
	var out []RestoredTrack
	for _, s := range settings {
		blob, err := c.readBlob(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			continue
		}
		s.IsPlaying = false
		s.CurrentTime = 0
		out = append(out, RestoredTrack{Settings: s, Blob: *blob})
	}
	return out, nil
}

// Clear wipes blobs and snapshot. In-memory state is reset by the caller.
func (c *Controller) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.epoch.Add(1)

	var errs []error
	if err := c.store.ClearAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear blobs: %w", err))
	}
	if err := c.store.DeleteSnapshot(ctx); err != nil {
		errs = append(errs, fmt.Errorf("delete snapshot: %w", err))
	}
	c.digests = make(map[string][blake2b.Size256]byte)
	return errors.Join(errs...)
}
