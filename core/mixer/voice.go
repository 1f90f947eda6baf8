package mixer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"AudioDeck/core/asset"
	"AudioDeck/core/playback"
	"AudioDeck/logger"
)

var ErrVoiceClosed = errors.New("voice closed")

// source reads a decoded buffer from pos, wrapping when loop is set.
type source struct {
	buf    *beep.Buffer
	pos    int
	loop   bool
	ended  bool
	closed bool
}

func (s *source) Stream(samples [][2]float64) (int, bool) {
	if s.closed || s.ended {
		return 0, false
	}
	n := 0
	for n < len(samples) {
		if s.pos >= s.buf.Len() {
			if !s.loop || s.buf.Len() == 0 {
				break
			}
			s.pos = 0
		}
		k, _ := s.buf.Streamer(s.pos, s.buf.Len()).Stream(samples[n:])
		if k == 0 {
			break
		}
		s.pos += k
		n += k
	}
	if n < len(samples) {
		s.ended = true
	}
	return n, n > 0
}

func (s *source) Err() error { return nil }

// tap is one attachment of a voice to the mixer. A dead tap drains and is
// dropped by the mixer, so a voice is never mixed twice.
type tap struct {
	s    beep.Streamer
	dead bool
}

func (t *tap) Stream(samples [][2]float64) (int, bool) {
	if t.dead {
		return 0, false
	}
	return t.s.Stream(samples)
}

func (t *tap) Err() error { return nil }

// Voice is the playback.Resource of one track:
// source -> Resample -> Gain -> Ctrl -> mixer.
type Voice struct {
	m     *Mixer
	asset playback.Asset
	obs   playback.Observer

	// 以下字段受 m.mu 保护
	format   beep.Format
	src      *source
	gainFx   *effects.Gain
	ctrl     *beep.Ctrl
	tap      *tap
	gain     float64
	loop     bool
	attached bool
	decoding bool
	waiters  []func(error)
	closed   bool
	// wantPlay 由 Play 置位，Pause/Close 清除；解码完成时据此决定是否接入混音
	wantPlay bool
	// seekSec 解码完成前的定位请求，源格式未知，只能按秒保存
	seekSec       float64
	sinceProgress int
}

// Play decodes the asset on first use, then attaches the voice unpaused.
func (v *Voice) Play(done func(err error)) {
	v.m.mu.Lock()
	if v.closed {
		v.m.mu.Unlock()
		done(ErrVoiceClosed)
		return
	}
	v.wantPlay = true
	if v.src == nil {
		v.waiters = append(v.waiters, done)
		if !v.decoding {
			v.decoding = true
			go v.decode()
		}
		v.m.mu.Unlock()
		return
	}
	v.startLocked()
	v.m.mu.Unlock()
	done(nil)
}

func (v *Voice) decode() {
	buf, format, err := v.load()

	v.m.mu.Lock()
	waiters := v.waiters
	v.waiters = nil
	v.decoding = false
	switch {
	case v.closed:
		err = ErrVoiceClosed
	case err == nil:
		v.format = format
		pos := format.SampleRate.N(secDuration(v.seekSec))
		if pos > buf.Len() {
			pos = buf.Len()
		}
		v.src = &source{buf: buf, loop: v.loop, pos: pos}
		v.gainFx = &effects.Gain{Gain: v.gain - 1}
		v.ctrl = &beep.Ctrl{Streamer: v.gainFx, Paused: true}
		v.rewireLocked()
		// 解码期间被暂停或抢占的声部保持静默，不接入混音
		if v.wantPlay {
			v.startLocked()
		}
	}
	v.m.mu.Unlock()

	if err != nil {
		v.m.log.Warn("音频解码失败", logger.String("track", v.asset.Meta().ID), logger.ErrorField(err))
	}
	for _, done := range waiters {
		done(err)
	}
}

func (v *Voice) load() (*beep.Buffer, beep.Format, error) {
	meta := v.asset.Meta()
	rc, err := v.asset.Open()
	if err != nil {
		return nil, beep.Format{}, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("read %s: %w", meta.ID, err)
	}
	stream, format, err := asset.Decode(meta.FileName, meta.FileType, data)
	if err != nil {
		return nil, beep.Format{}, err
	}
	defer stream.Close()

	buf := beep.NewBuffer(format)
	buf.Append(stream)
	if err := stream.Err(); err != nil {
		return nil, beep.Format{}, fmt.Errorf("decode %s: %w", meta.ID, err)
	}
	return buf, format, nil
}

// rewireLocked rebuilds the resampler so no stale samples survive a seek.
func (v *Voice) rewireLocked() {
	var s beep.Streamer = v.src
	if v.format.SampleRate != v.m.rate {
		s = beep.Resample(4, v.format.SampleRate, v.m.rate, v.src)
	}
	v.gainFx.Streamer = s
}

func (v *Voice) startLocked() {
	v.ctrl.Paused = false
	if v.src.ended {
		// 播完的声部已经被混音器移除
		v.src.ended = false
		v.detachLocked()
		if v.src.pos >= v.src.buf.Len() {
			v.src.pos = 0
		}
		v.rewireLocked()
	}
	if v.attached {
		return
	}
	v.sinceProgress = 0
	v.attached = true
	v.tap = &tap{s: v.ctrl}
	v.m.mixer.Add(v.tap)
}

func (v *Voice) detachLocked() {
	if v.tap != nil {
		v.tap.dead = true
		v.tap = nil
	}
	v.attached = false
}

// Pause keeps the voice attached but silent.
func (v *Voice) Pause() {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	v.wantPlay = false
	if v.ctrl != nil {
		v.ctrl.Paused = true
	}
}

// Seek moves the read position, in seconds.
func (v *Voice) Seek(sec float64) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if v.src == nil {
		v.seekSec = math.Max(sec, 0)
		return
	}
	frame := v.format.SampleRate.N(secDuration(sec))
	if frame < 0 {
		frame = 0
	}
	if frame > v.src.buf.Len() {
		frame = v.src.buf.Len()
	}
	v.src.pos = frame
	v.rewireLocked()
	if v.src.ended {
		v.src.ended = false
		v.detachLocked()
		if !v.ctrl.Paused {
			v.startLocked()
		}
	}
}

func secDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// Position returns the read position in seconds.
func (v *Voice) Position() float64 {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	return v.positionLocked()
}

func (v *Voice) positionLocked() float64 {
	if v.src == nil {
		return v.seekSec
	}
	return v.format.SampleRate.D(v.src.pos).Seconds()
}

// SetVolume 线性音量，1 为原始音量
func (v *Voice) SetVolume(vol float64) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	v.gain = vol
	if v.gainFx != nil {
		v.gainFx.Gain = vol - 1
	}
}

func (v *Voice) SetLoop(loop bool) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	v.loop = loop
	if v.src != nil {
		v.src.loop = loop
	}
}

// Observe implements playback.Resource. Callbacks run on the loop.
func (v *Voice) Observe(obs playback.Observer) {
	v.obs = obs
}

func (v *Voice) notify(ended bool, pos float64) {
	if ended {
		if v.obs.OnEnded != nil {
			v.obs.OnEnded()
		}
		return
	}
	if v.obs.OnProgress != nil {
		v.obs.OnProgress(pos)
	}
}

// Close detaches the voice. The asset is released by the engine.
func (v *Voice) Close() error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.wantPlay = false
	if v.src != nil {
		v.src.closed = true
	}
	v.detachLocked()
	delete(v.m.voices, v)
	return nil
}
