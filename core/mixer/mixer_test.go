package mixer

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"

	"AudioDeck/core/loop"
	"AudioDeck/core/playback"
	"AudioDeck/model"
)

const rate = 44100

type wavAsset struct {
	meta model.AssetMeta
	data []byte
}

func (a *wavAsset) Meta() model.AssetMeta        { return a.meta }
func (a *wavAsset) Open() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(a.data)), nil }
func (a *wavAsset) Release() error               { return nil }

// tone is a constant-level mono-compatible WAV of the given length.
func tone(t *testing.T, id string, level float64, d time.Duration) *wavAsset {
	t.Helper()
	return toneAt(t, id, rate, level, d)
}

func toneAt(t *testing.T, id string, sr beep.SampleRate, level float64, d time.Duration) *wavAsset {
	t.Helper()
	format := beep.Format{SampleRate: sr, NumChannels: 2, Precision: 2}
	constant := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			samples[i] = [2]float64{level, level}
		}
		return len(samples), true
	})
	path := filepath.Join(t.TempDir(), id+".wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := wav.Encode(f, beep.Take(format.SampleRate.N(d), constant), format); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return &wavAsset{
		meta: model.AssetMeta{ID: id, FileName: id + ".wav", FileType: "audio/wav", Duration: d.Seconds()},
		data: data,
	}
}

func start(t *testing.T, m *Mixer, a playback.Asset) *Voice {
	t.Helper()
	res, err := m.NewResource(a)
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	v := res.(*Voice)
	done := make(chan error, 1)
	v.Play(func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("decode did not finish")
	}
	return v
}

func near(a, b float64) bool { return math.Abs(a-b) < 0.01 }

func TestVoicePlaysAndEnds(t *testing.T) {
	clock := loop.NewManual(time.Unix(0, 0))
	m := New(clock, rate)
	v := start(t, m, tone(t, "sfx-1", 0.5, 100*time.Millisecond))
	ended := 0
	v.Observe(playback.Observer{OnEnded: func() { ended++ }})

	block := make([][2]float64, m.SampleRate().N(BlockDuration))
	m.Render(block)
	if !near(m.Meter().Peak, 0.5) {
		t.Fatalf("peak = %v, want 0.5", m.Meter().Peak)
	}
	for i := 0; i < 6; i++ {
		m.Render(block)
	}
	clock.Flush()
	if ended != 1 {
		t.Fatalf("ended = %d, want 1", ended)
	}
	if m.Attached() != 0 {
		t.Fatalf("finished voice still attached")
	}
	m.Render(block)
	if m.Meter().Peak != 0 {
		t.Fatalf("peak after end = %v", m.Meter().Peak)
	}

	// replay reuses the decoded buffer and starts from zero
	done := make(chan error, 1)
	v.Play(func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("replay: %v", err)
	}
	if v.Position() != 0 || m.Attached() != 1 {
		t.Fatalf("replay position %v attached %d", v.Position(), m.Attached())
	}
}

func TestVolumeAndClipping(t *testing.T) {
	clock := loop.NewManual(time.Unix(0, 0))
	m := New(clock, rate)
	a := start(t, m, tone(t, "a", 0.6, time.Second))
	b := start(t, m, tone(t, "b", 0.6, time.Second))
	block := make([][2]float64, m.SampleRate().N(BlockDuration))

	m.Render(block)
	if meter := m.Meter(); !near(meter.Peak, 1.2) || !meter.Clipped {
		t.Fatalf("meter = %+v, want clipped 1.2", meter)
	}

	a.SetVolume(0.5)
	b.SetVolume(0.5)
	m.ResetClip()
	m.Render(block)
	if meter := m.Meter(); !near(meter.Peak, 0.6) || meter.Clipped {
		t.Fatalf("meter = %+v, want 0.6 unclipped", meter)
	}
}

func TestPauseSeekLoop(t *testing.T) {
	clock := loop.NewManual(time.Unix(0, 0))
	m := New(clock, rate)
	v := start(t, m, tone(t, "bgm", 0.5, 100*time.Millisecond))
	ended := 0
	v.Observe(playback.Observer{OnEnded: func() { ended++ }})
	block := make([][2]float64, m.SampleRate().N(BlockDuration))

	m.Render(block)
	v.Pause()
	pos := v.Position()
	m.Render(block)
	if m.Meter().Peak != 0 || v.Position() != pos {
		t.Fatalf("paused voice advanced: peak %v pos %v -> %v", m.Meter().Peak, pos, v.Position())
	}

	v.Seek(0.05)
	if !near(v.Position(), 0.05) {
		t.Fatalf("position = %v, want 0.05", v.Position())
	}
	v.Seek(10)
	if !near(v.Position(), 0.1) {
		t.Fatalf("position = %v, want clamp to 0.1", v.Position())
	}

	v.SetLoop(true)
	v.Seek(0)
	v.Play(func(error) {})
	for i := 0; i < 20; i++ {
		m.Render(block)
	}
	clock.Flush()
	if ended != 0 || m.Attached() != 1 {
		t.Fatalf("looping voice ended=%d attached=%d", ended, m.Attached())
	}
}

func TestProgressThrottled(t *testing.T) {
	clock := loop.NewManual(time.Unix(0, 0))
	m := New(clock, rate)
	v := start(t, m, tone(t, "sfx", 0.1, time.Second))
	var progress []float64
	v.Observe(playback.Observer{OnProgress: func(sec float64) { progress = append(progress, sec) }})

	block := make([][2]float64, m.SampleRate().N(BlockDuration))
	for i := 0; i < 26; i++ {
		m.Render(block)
	}
	clock.Flush()
	if len(progress) != 2 {
		t.Fatalf("progress updates = %v, want 2", progress)
	}
	if !near(progress[0], 0.26) {
		t.Fatalf("first progress = %v", progress[0])
	}
}

func TestCloseDetaches(t *testing.T) {
	clock := loop.NewManual(time.Unix(0, 0))
	m := New(clock, rate)
	v := start(t, m, tone(t, "win", 0.5, time.Second))
	v.Pause()
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	block := make([][2]float64, m.SampleRate().N(BlockDuration))
	m.Render(block)
	if m.Voices() != 0 || m.Meter().Peak != 0 {
		t.Fatalf("closed voice still mixed")
	}
	done := make(chan error, 1)
	v.Play(func(err error) { done <- err })
	if err := <-done; err != ErrVoiceClosed {
		t.Fatalf("Play after Close = %v", err)
	}
}

// The mixer is a real playback.Factory for the engine.
func TestEngineOnMixer(t *testing.T) {
	lp := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lp.Run(ctx)

	m := New(lp, rate)
	engine := playback.NewEngine(playback.Config{Category: model.CategorySFX, Scheduler: lp, Factory: m})
	confirmed := make(chan struct{}, 1)
	engine.Subscribe(playback.ReactorFunc(func(ev playback.Event) {
		if ev.Kind == playback.EventConfirmed {
			confirmed <- struct{}{}
		}
	}))

	a := tone(t, "sfx-x", 0.5, 200*time.Millisecond)
	lp.Do(ctx, func() {
		engine.Add(a)
		engine.Play("sfx-x")
	})
	select {
	case <-confirmed:
	case <-time.After(5 * time.Second):
		t.Fatalf("start never confirmed")
	}
	var playing bool
	lp.Do(ctx, func() {
		tr, _ := engine.Track("sfx-x")
		playing = tr.IsPlaying
	})
	if !playing || m.Attached() != 1 {
		t.Fatalf("playing=%v attached=%d", playing, m.Attached())
	}
}

// gatedAsset holds Open until the gate is closed, so a test controls when
// decoding finishes.
type gatedAsset struct {
	*wavAsset
	gate chan struct{}
}

func gated(a *wavAsset) *gatedAsset {
	return &gatedAsset{wavAsset: a, gate: make(chan struct{})}
}

func (a *gatedAsset) Open() (io.ReadCloser, error) {
	<-a.gate
	return a.wavAsset.Open()
}

func playAsync(v *Voice) chan error {
	done := make(chan error, 1)
	v.Play(func(err error) { done <- err })
	return done
}

func wait(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("decode did not finish")
	}
}

func TestPausedDuringDecodeStaysSilent(t *testing.T) {
	clock := loop.NewManual(time.Unix(0, 0))
	m := New(clock, rate)
	a := gated(tone(t, "win-a", 0.3, time.Second))
	b := gated(tone(t, "win-b", 0.3, time.Second))
	ra, _ := m.NewResource(a)
	rb, _ := m.NewResource(b)
	va, vb := ra.(*Voice), rb.(*Voice)

	// A 开始解码后立即被 B 抢占
	doneA := playAsync(va)
	va.Pause()
	va.Seek(0)
	doneB := playAsync(vb)
	close(a.gate)
	close(b.gate)
	wait(t, doneA)
	wait(t, doneB)

	block := make([][2]float64, m.SampleRate().N(BlockDuration))
	m.Render(block)
	if m.Attached() != 1 || !near(m.Meter().Peak, 0.3) {
		t.Fatalf("attached=%d peak=%v, want only win-b audible", m.Attached(), m.Meter().Peak)
	}

	// 之后再播放 A 会正常接入
	wait(t, playAsync(va))
	vb.Pause()
	m.Render(block)
	if m.Attached() != 2 || !near(m.Meter().Peak, 0.3) {
		t.Fatalf("attached=%d peak=%v after replaying win-a", m.Attached(), m.Meter().Peak)
	}
}

func TestClosedDuringDecode(t *testing.T) {
	clock := loop.NewManual(time.Unix(0, 0))
	m := New(clock, rate)
	a := gated(tone(t, "sfx-a", 0.5, time.Second))
	res, _ := m.NewResource(a)
	v := res.(*Voice)
	done := playAsync(v)
	v.Close()
	close(a.gate)
	select {
	case err := <-done:
		if err != ErrVoiceClosed {
			t.Fatalf("Play = %v, want ErrVoiceClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("decode did not finish")
	}
	m.Render(make([][2]float64, m.SampleRate().N(BlockDuration)))
	if m.Attached() != 0 || m.Meter().Peak != 0 {
		t.Fatalf("closed voice mixed")
	}
}

func TestSeekBeforeDecodeUsesSourceRate(t *testing.T) {
	tests := []struct {
		name string
		sr   beep.SampleRate
	}{
		{"same rate", rate},
		{"lower source rate", 22050},
		{"higher source rate", 48000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := loop.NewManual(time.Unix(0, 0))
			m := New(clock, rate)
			res, _ := m.NewResource(toneAt(t, "bgm", tt.sr, 0.2, time.Second))
			v := res.(*Voice)
			v.Seek(0.5)
			if !near(v.Position(), 0.5) {
				t.Fatalf("position before decode = %v", v.Position())
			}
			wait(t, playAsync(v))
			if !near(v.Position(), 0.5) {
				t.Fatalf("position after decode = %v, want 0.5", v.Position())
			}
		})
	}
}
