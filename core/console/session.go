package console

import (
	"bytes"
	"context"
	"errors"
	"io"

	"AudioDeck/core/asset"
	"AudioDeck/core/loop"
	"AudioDeck/core/persist"
	"AudioDeck/core/playback"
	"AudioDeck/logger"
	"AudioDeck/model"
)

type rawBlob []byte

func (b rawBlob) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// blobSource reads handle bytes at capture time, so a release between capture
// and the background write does not lose the data.
func blobSource(a playback.Asset) persist.Opener {
	if b, ok := a.(interface{ Bytes() []byte }); ok {
		return rawBlob(b.Bytes())
	}
	return a
}

// capture runs on the loop.
func (c *Console) capture() persist.Capture {
	snap := model.PersistedSnapshot{
		ImageFitMode: c.fitMode,
		ImageOpacity: c.opacity,
		MasterVolume: c.master,
	}
	var blobs []persist.Blob

	if tr, ok := c.bgm.Track(BGMID); ok {
		snap.HasBGM = true
		snap.BGMVolume = tr.Volume
		snap.BGMLoop = tr.Loop
		snap.BGMCurrentTime = c.bgm.Position(BGMID)
		snap.BGMPlaying = tr.IsPlaying
		if a, ok := c.bgm.Asset(BGMID); ok {
			blobs = append(blobs, persist.Blob{ID: persist.BGMBlobID, Meta: a.Meta(), Source: blobSource(a)})
		}
	}

	settings := func(e *playback.Engine) []model.PersistedTrack {
		out := make([]model.PersistedTrack, 0, e.Len())
		for _, tr := range e.Tracks() {
			out = append(out, model.PersistedTrack{
				ID:          tr.ID,
				Volume:      tr.Volume,
				Loop:        tr.Loop,
				CurrentTime: e.Position(tr.ID),
				IsPlaying:   tr.IsPlaying,
			})
			if a, ok := e.Asset(tr.ID); ok {
				blobs = append(blobs, persist.Blob{ID: tr.ID, Meta: a.Meta(), Source: blobSource(a)})
			}
		}
		return out
	}
	snap.SFXTracks = settings(c.sfx)
	snap.WinDialogueTracks = settings(c.win)

	if c.image != nil {
		snap.HasImage = true
		blobs = append(blobs, persist.Blob{ID: persist.ImageBlobID, Meta: c.image.Meta(), Source: rawBlob(c.image.Bytes())})
	}
	return persist.Capture{Snapshot: snap, Blobs: blobs}
}

// OnSaved sets a listener for finished background saves.
func (c *Console) OnSaved(fn func(err error)) {
	c.persist.OnSaved(fn)
}

// SavePending reports whether a debounced save is waiting.
func (c *Console) SavePending(ctx context.Context) (bool, error) {
	var pending bool
	err := c.exec.Do(ctx, func() { pending = c.persist.Pending() })
	return pending, err
}

// Save writes the session now, cancelling any pending debounced save.
func (c *Console) Save(ctx context.Context) error {
	var cp persist.Capture
	err := c.do(ctx, func() error {
		c.persist.Stop()
		var err error
		cp, err = c.persist.Capture()
		return err
	})
	if err != nil {
		return err
	}
	return c.persist.Write(ctx, cp)
}

// Restore loads the saved session once. A missing or expired snapshot leaves
// the console empty; a broken one is discarded and its error returned.
func (c *Console) Restore(ctx context.Context) error {
	r, err := c.persist.Load(ctx, c.exec.Now())
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}

	// 句柄在循环外注册，台账写入可能较慢
	restoreHandle := func(id string, b persist.RestoredBlob) *asset.Handle {
		return c.assets.Restore(ctx, id, b.Meta, b.Data)
	}
	var bgm, image *asset.Handle
	if r.BGM != nil {
		bgm = restoreHandle(BGMID, *r.BGM)
	}
	if r.Image != nil {
		image = restoreHandle(ImageID, *r.Image)
	}
	restoreTracks := func(tracks []persist.RestoredTrack) []*asset.Handle {
		hs := make([]*asset.Handle, len(tracks))
		for i, rt := range tracks {
			hs[i] = restoreHandle(rt.Settings.ID, rt.Blob)
		}
		return hs
	}
	sfx := restoreTracks(r.SFX)
	win := restoreTracks(r.Win)

	return c.do(ctx, func() error {
		c.persist.Mute(func() {
			snap := r.Snapshot
			if bgm != nil {
				t := model.NewTrack(bgm.Meta())
				t.Volume = snap.BGMVolume
				t.Loop = snap.BGMLoop
				t.CurrentTime = snap.BGMCurrentTime
				c.insert(c.bgm, t, bgm)
			}
			for i, h := range sfx {
				c.insert(c.sfx, settingsTrack(h, r.SFX[i].Settings), h)
			}
			for i, h := range win {
				if c.win.Len() >= c.winCapacity {
					h.Release()
					continue
				}
				c.insert(c.win, settingsTrack(h, r.Win[i].Settings), h)
			}
			if image != nil {
				if c.image != nil {
					c.image.Release()
				}
				c.image = image
			}
			if snap.ImageFitMode == model.FitContain || snap.ImageFitMode == model.FitCover {
				c.fitMode = snap.ImageFitMode
			}
			c.opacity = model.ClampVolume(snap.ImageOpacity)
			c.setMaster(snap.MasterVolume)
		})
		c.schedulePrewarm()
		c.notify()
		return nil
	})
}

func settingsTrack(h *asset.Handle, s model.PersistedTrack) *model.Track {
	t := model.NewTrack(h.Meta())
	t.Volume = s.Volume
	t.Loop = s.Loop
	return t
}

func (c *Console) insert(e *playback.Engine, t *model.Track, h *asset.Handle) {
	if _, err := e.Insert(t, h); err != nil {
		c.log.Warn("恢复音轨失败", logger.String("track", t.ID), logger.ErrorField(err))
		h.Release()
	}
}

// schedulePrewarm creates the restored resources shortly after the state is
// in place, so the first play does not pay for it.
func (c *Console) schedulePrewarm() {
	if c.prewarm != nil {
		c.prewarm.Stop()
	}
	c.prewarm = c.exec.AfterFunc(c.restoreDelay, func() {
		c.prewarm = nil
		for _, e := range []*playback.Engine{c.bgm, c.win, c.sfx} {
			for _, tr := range e.Tracks() {
				_ = e.Prepare(tr.ID)
			}
		}
	})
}

// Clear wipes storage and resets the console to its defaults.
func (c *Console) Clear(ctx context.Context) error {
	err := c.do(ctx, func() error {
		c.persist.Mute(func() {
			if c.prewarm != nil {
				c.prewarm.Stop()
				c.prewarm = nil
			}
			c.persist.Stop()
			c.queue.ClearQueue()
			c.bgm.Clear()
			c.win.Clear()
			c.sfx.Clear()
			if c.image != nil {
				c.image.Release()
				c.image = nil
			}
			c.fitMode = model.FitContain
			c.opacity = 1
			c.setMaster(1)
		})
		c.notify()
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.persist.Clear(ctx); err != nil {
		c.log.Error("清空存储失败", logger.ErrorField(err))
		return err
	}
	c.log.Info("会话已清空")
	return nil
}

// Shutdown flushes a pending save and waits for background writes.
func (c *Console) Shutdown(ctx context.Context) error {
	err := c.exec.Do(ctx, func() { c.persist.FlushPending() })
	c.persist.Wait()
	if errors.Is(err, loop.ErrStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
