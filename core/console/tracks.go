package console

import (
	"context"
	"fmt"
	"time"

	"AudioDeck/core/asset"
	"AudioDeck/core/playback"
	"AudioDeck/logger"
	"AudioDeck/model"
)

// UploadBGM loads the BGM, replacing the current one if present.
func (c *Console) UploadBGM(ctx context.Context, up Upload) (model.Track, error) {
	h, err := c.assets.Upload(ctx, up.Name, up.ContentType, up.Data, model.CategoryBGM)
	if err != nil {
		return model.Track{}, fmt.Errorf("upload bgm: %w", err)
	}
	var tr model.Track
	err = c.do(ctx, func() error {
		var err error
		if _, ok := c.bgm.Track(BGMID); ok {
			tr, err = c.bgm.Replace(BGMID, h)
		} else {
			tr, err = c.bgm.Add(h)
		}
		return err
	})
	if err != nil {
		h.Release()
		return model.Track{}, err
	}
	c.log.Info("BGM 已加载", logger.String("file", tr.FileName), logger.Float64("duration", tr.Duration))
	return tr, nil
}

// UploadTracks adds a batch of win-dialogue or SFX files. Win-dialogue uploads
// past the bank capacity are dropped and counted in Rejected; files that fail
// to decode are listed in Failed.
func (c *Console) UploadTracks(ctx context.Context, cat model.Category, ups []Upload) (model.IngestResult, error) {
	if cat == model.CategoryBGM {
		if len(ups) == 0 {
			return model.IngestResult{}, nil
		}
		tr, err := c.UploadBGM(ctx, ups[len(ups)-1])
		if err != nil {
			return model.IngestResult{Failed: []string{ups[len(ups)-1].Name}}, err
		}
		return model.IngestResult{Accepted: []model.AssetMeta{tr.AssetMeta}, Rejected: len(ups) - 1}, nil
	}
	e, err := c.engine(cat)
	if err != nil {
		return model.IngestResult{}, err
	}

	var res model.IngestResult
	accept := len(ups)
	if cat == model.CategoryWin {
		var loaded int
		if err := c.exec.Do(ctx, func() { loaded = c.win.Len() }); err != nil {
			return res, err
		}
		accept, res.Rejected = asset.Truncate(len(ups), loaded, c.winCapacity)
		if res.Rejected > 0 {
			c.log.Warn("胜利台词超出容量，部分文件被丢弃",
				logger.Int("loaded", loaded),
				logger.Int("accepted", accept),
				logger.Int("rejected", res.Rejected))
		}
	}

	handles := make([]*asset.Handle, 0, accept)
	for _, up := range ups[:accept] {
		h, err := c.assets.Upload(ctx, up.Name, up.ContentType, up.Data, cat)
		if err != nil {
			res.Failed = append(res.Failed, up.Name)
			continue
		}
		handles = append(handles, h)
	}

	err = c.do(ctx, func() error {
		for _, h := range handles {
			// 并发上传时容量可能已经被占用
			if cat == model.CategoryWin && c.win.Len() >= c.winCapacity {
				h.Release()
				res.Rejected++
				continue
			}
			tr, err := e.Add(h)
			if err != nil {
				h.Release()
				res.Failed = append(res.Failed, h.Meta().FileName)
				continue
			}
			res.Accepted = append(res.Accepted, tr.AssetMeta)
		}
		return nil
	})
	return res, err
}

// Replace swaps the audio of an existing track, keeping its id and settings.
func (c *Console) Replace(ctx context.Context, cat model.Category, id string, up Upload) (model.Track, error) {
	e, err := c.engine(cat)
	if err != nil {
		return model.Track{}, err
	}
	var exists bool
	if err := c.exec.Do(ctx, func() { _, exists = e.Track(id) }); err != nil {
		return model.Track{}, err
	}
	if !exists {
		return model.Track{}, fmt.Errorf("%w: %s/%s", playback.ErrTrackNotFound, cat, id)
	}

	h, err := c.assets.Replace(ctx, id, up.Name, up.ContentType, up.Data, cat)
	if err != nil {
		return model.Track{}, fmt.Errorf("replace %s: %w", id, err)
	}
	var tr model.Track
	err = c.do(ctx, func() error {
		var err error
		tr, err = e.Replace(id, h)
		return err
	})
	if err != nil {
		h.Release()
		return model.Track{}, err
	}
	return tr, nil
}

// Delete removes a track and releases its audio.
func (c *Console) Delete(ctx context.Context, cat model.Category, id string) error {
	e, err := c.engine(cat)
	if err != nil {
		return err
	}
	return c.do(ctx, func() error { return e.Delete(id) })
}

// Play starts a track from the beginning.
func (c *Console) Play(ctx context.Context, cat model.Category, id string) error {
	return c.trackOp(ctx, cat, func(e *playback.Engine) error { return e.Play(id) })
}

// Pause stops a track where it is.
func (c *Console) Pause(ctx context.Context, cat model.Category, id string) error {
	return c.trackOp(ctx, cat, func(e *playback.Engine) error { return e.Pause(id) })
}

// Stop pauses and rewinds a track.
func (c *Console) Stop(ctx context.Context, cat model.Category, id string) error {
	return c.trackOp(ctx, cat, func(e *playback.Engine) error { return e.Stop(id) })
}

// Restart is Play.
func (c *Console) Restart(ctx context.Context, cat model.Category, id string) error {
	return c.trackOp(ctx, cat, func(e *playback.Engine) error { return e.Restart(id) })
}

// Toggle plays a stopped track and pauses a playing one.
func (c *Console) Toggle(ctx context.Context, cat model.Category, id string) error {
	return c.trackOp(ctx, cat, func(e *playback.Engine) error { return e.Toggle(id) })
}

// Seek moves the playhead; the time is clamped to the track duration.
func (c *Console) Seek(ctx context.Context, cat model.Category, id string, sec float64) error {
	return c.trackOp(ctx, cat, func(e *playback.Engine) error { return e.Seek(id, sec) })
}

// SetVolume sets a track volume in [0,1].
func (c *Console) SetVolume(ctx context.Context, cat model.Category, id string, v float64) error {
	return c.trackOp(ctx, cat, func(e *playback.Engine) error { return e.SetVolume(id, v) })
}

// SetLoop sets the loop flag of a track.
func (c *Console) SetLoop(ctx context.Context, cat model.Category, id string, loop bool) error {
	return c.trackOp(ctx, cat, func(e *playback.Engine) error { return e.SetLoop(id, loop) })
}

func (c *Console) trackOp(ctx context.Context, cat model.Category, op func(e *playback.Engine) error) error {
	e, err := c.engine(cat)
	if err != nil {
		return err
	}
	return c.do(ctx, func() error { return op(e) })
}

// FadeBGM runs the plain one second BGM fade.
func (c *Console) FadeBGM(ctx context.Context, in bool) error {
	return c.do(ctx, func() error {
		if _, ok := c.bgm.Track(BGMID); !ok {
			return ErrNoBGM
		}
		if in {
			c.duck.FadeIn()
		} else {
			c.duck.FadeOut()
		}
		return nil
	})
}

// SetMasterVolume scales every track.
func (c *Console) SetMasterVolume(ctx context.Context, v float64) error {
	return c.do(ctx, func() error {
		c.setMaster(v)
		c.changed()
		return nil
	})
}

func (c *Console) setMaster(v float64) {
	c.master = model.ClampVolume(v)
	for _, e := range []*playback.Engine{c.bgm, c.win, c.sfx} {
		e.SetMasterVolume(c.master)
	}
}

// PlayAllSFX triggers every SFX through the queue, PlayAllStagger apart.
func (c *Console) PlayAllSFX(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.do(ctx, func() error {
		for i, tr := range c.sfx.Tracks() {
			ids = append(ids, c.scheduleSFX(tr.ID, time.Duration(i)*PlayAllStagger))
		}
		return nil
	})
	return ids, err
}

// StopAllSFX hard-stops every playing SFX.
func (c *Console) StopAllSFX(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.sfx.StopAll()
		return nil
	})
}

// ScheduleSFX plays an SFX after delay and returns the queue id.
func (c *Console) ScheduleSFX(ctx context.Context, id string, delay time.Duration) (string, error) {
	var queueID string
	err := c.do(ctx, func() error {
		if _, ok := c.sfx.Track(id); !ok {
			return fmt.Errorf("%w: sfx/%s", playback.ErrTrackNotFound, id)
		}
		queueID = c.scheduleSFX(id, delay)
		return nil
	})
	return queueID, err
}

func (c *Console) scheduleSFX(id string, delay time.Duration) string {
	return c.queue.ScheduleSound(id, delay, func() {
		if err := c.sfx.Play(id); err != nil {
			c.log.Warn("队列中的音效已不存在", logger.String("sfx", id), logger.ErrorField(err))
		}
	})
}

// CancelQueued removes a pending queue entry. It reports false when the entry
// already started or is unknown.
func (c *Console) CancelQueued(ctx context.Context, queueID string) (bool, error) {
	var ok bool
	err := c.exec.Do(ctx, func() { ok = c.queue.RemoveFromQueue(queueID) })
	return ok, err
}

// ClearQueue cancels every pending entry and empties the queue.
func (c *Console) ClearQueue(ctx context.Context) error {
	return c.exec.Do(ctx, c.queue.ClearQueue)
}

// QueueStats returns counts by status.
func (c *Console) QueueStats(ctx context.Context) (model.QueueStats, error) {
	var st model.QueueStats
	err := c.exec.Do(ctx, func() { st = c.queue.GetStats() })
	return st, err
}
