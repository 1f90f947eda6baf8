// Package mixer is the headless output stage: every track resource is a voice
// on one beep mixer that a render goroutine pulls in real time.
package mixer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"go.uber.org/zap"

	"AudioDeck/core/loop"
	"AudioDeck/core/playback"
	"AudioDeck/logger"
	"AudioDeck/model"
)

const (
	// BlockDuration 每次渲染的时长
	BlockDuration = 20 * time.Millisecond
	// ProgressInterval 播放进度上报间隔
	ProgressInterval = 250 * time.Millisecond
	// DefaultSampleRate 输出采样率
	DefaultSampleRate = 44100
)

// Mixer owns the voices and the output meter.
type Mixer struct {
	sched loop.Scheduler
	rate  beep.SampleRate
	log   *zap.Logger

	// mu 保护混音图，相当于 speaker.Lock
	mu      sync.Mutex
	mixer   *beep.Mixer
	voices  map[*Voice]struct{}
	peak    float64
	clipped bool
}

// New 创建混音器，sampleRate <= 0 时使用默认值
func New(sched loop.Scheduler, sampleRate int) *Mixer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Mixer{
		sched:  sched,
		rate:   beep.SampleRate(sampleRate),
		log:    logger.Named("mixer"),
		mixer:  &beep.Mixer{},
		voices: make(map[*Voice]struct{}),
	}
}

// SampleRate returns the output rate.
func (m *Mixer) SampleRate() beep.SampleRate { return m.rate }

// NewResource implements playback.Factory.
func (m *Mixer) NewResource(a playback.Asset) (playback.Resource, error) {
	v := &Voice{m: m, asset: a, gain: 1}
	m.mu.Lock()
	m.voices[v] = struct{}{}
	m.mu.Unlock()
	return v, nil
}

// Run renders blocks until ctx is cancelled.
func (m *Mixer) Run(ctx context.Context) error {
	ticker := time.NewTicker(BlockDuration)
	defer ticker.Stop()
	block := make([][2]float64, m.rate.N(BlockDuration))

	m.log.Info("混音器启动", logger.Int("sampleRate", int(m.rate)), logger.Int("block", len(block)))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("混音器停止")
			return ctx.Err()
		case <-ticker.C:
			m.Render(block)
		}
	}
}

type voiceEvent struct {
	v     *Voice
	ended bool
	pos   float64
}

// Render mixes one block into samples and dispatches voice notifications to
// the loop.
func (m *Mixer) Render(samples [][2]float64) {
	var events []voiceEvent

	m.mu.Lock()
	for i := range samples {
		samples[i] = [2]float64{}
	}
	m.mixer.Stream(samples)

	peak := 0.0
	for _, s := range samples {
		peak = math.Max(peak, math.Max(math.Abs(s[0]), math.Abs(s[1])))
	}
	m.peak = peak
	if peak > 1 {
		m.clipped = true
	}

	every := m.rate.N(ProgressInterval)
	for v := range m.voices {
		if !v.attached {
			continue
		}
		if v.src.ended {
			v.detachLocked()
			events = append(events, voiceEvent{v: v, ended: true})
			continue
		}
		if v.ctrl.Paused {
			continue
		}
		v.sinceProgress += len(samples)
		if v.sinceProgress >= every {
			v.sinceProgress = 0
			events = append(events, voiceEvent{v: v, pos: v.positionLocked()})
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		ev := ev
		m.sched.Post(func() { ev.v.notify(ev.ended, ev.pos) })
	}
}

// Meter returns the last block peak and whether the output ever clipped.
func (m *Mixer) Meter() model.Meter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Meter{Peak: m.peak, Clipped: m.clipped}
}

// ResetClip 清除削波标记
func (m *Mixer) ResetClip() {
	m.mu.Lock()
	m.clipped = false
	m.mu.Unlock()
}

// Voices counts open voices.
func (m *Mixer) Voices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Attached counts voices currently in the mix graph.
func (m *Mixer) Attached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for v := range m.voices {
		if v.attached {
			n++
		}
	}
	return n
}
