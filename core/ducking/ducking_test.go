package ducking_test

import (
	"errors"
	"testing"
	"time"

	"AudioDeck/core/ducking"
	"AudioDeck/core/loop"
	"AudioDeck/core/playback"
	"AudioDeck/core/playback/playbacktest"
	"AudioDeck/model"
)

type rig struct {
	clock   *loop.Manual
	bgm     *playback.Engine
	win     *playback.Engine
	factory *playbacktest.Factory
	ctrl    *ducking.Controller
}

func newRig(t *testing.T, bgmVolume float64) *rig {
	t.Helper()
	r := &rig{
		clock:   loop.NewManual(time.Unix(1700000000, 0)),
		factory: playbacktest.NewFactory(),
	}
	r.bgm = playback.NewEngine(playback.Config{Category: model.CategoryBGM, Scheduler: r.clock, Factory: r.factory})
	r.win = playback.NewEngine(playback.Config{Category: model.CategoryWin, Exclusive: true, Scheduler: r.clock, Factory: r.factory})
	r.ctrl = ducking.New(r.clock, r.bgm, "bgm")
	r.bgm.Subscribe(r.ctrl)
	r.win.Subscribe(r.ctrl)

	if _, err := r.bgm.Add(playbacktest.NewAsset("bgm", model.CategoryBGM, 120)); err != nil {
		t.Fatalf("add bgm: %v", err)
	}
	for _, id := range []string{"win-a", "win-b"} {
		if _, err := r.win.Add(playbacktest.NewAsset(id, model.CategoryWin, 3)); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	r.bgm.SetVolume("bgm", bgmVolume)
	r.bgm.Play("bgm")
	r.factory.Resources["bgm"].ResolveAll()
	r.clock.Flush()
	return r
}

func (r *rig) expect(t *testing.T, state model.FadeState, effective float64) {
	t.Helper()
	if got := r.ctrl.State(); got != state {
		t.Fatalf("state = %s, want %s", got, state)
	}
	if got := r.ctrl.Effective(); got != effective {
		t.Fatalf("effective = %v, want %v", got, effective)
	}
}

func TestDuckingRoundTrip(t *testing.T) {
	r := newRig(t, 0.8)
	r.expect(t, model.FadeNormal, 0.8)

	r.win.Play("win-a")
	if r.ctrl.State() != model.FadeFadingOut {
		t.Fatalf("state after win start = %s", r.ctrl.State())
	}

	r.clock.Advance(ducking.DuckDuration / 2)
	if r.ctrl.State() != model.FadeFadingOut {
		t.Fatalf("state mid ramp = %s", r.ctrl.State())
	}
	if eff := r.ctrl.Effective(); eff <= 0.4 || eff >= 0.8 {
		t.Fatalf("effective mid ramp = %v", eff)
	}

	r.clock.Advance(ducking.DuckDuration / 2)
	r.expect(t, model.FadeFaded, 0.4)
	if got := r.factory.Resources["bgm"].Volume; got != 0.4 {
		t.Fatalf("bgm resource volume = %v, want 0.4", got)
	}
	if r.ctrl.DisplayPercent() != 40 {
		t.Fatalf("DisplayPercent = %d, want 40", r.ctrl.DisplayPercent())
	}

	r.win.Stop("win-a")
	if r.ctrl.State() != model.FadeFadingIn {
		t.Fatalf("state after stop = %s", r.ctrl.State())
	}
	r.clock.Advance(ducking.DuckDuration)
	r.expect(t, model.FadeNormal, 0.8)
	if r.ctrl.Original() != 0 {
		t.Fatalf("original not reset: %v", r.ctrl.Original())
	}
	if got := r.factory.Resources["bgm"].Volume; got != 0.8 {
		t.Fatalf("bgm resource volume = %v, want 0.8", got)
	}
	if tr, _ := r.bgm.Track("bgm"); tr.Volume != 0.8 {
		t.Fatalf("stored bgm volume changed to %v", tr.Volume)
	}
}

func TestRestoreTriggers(t *testing.T) {
	tests := []struct {
		name string
		end  func(r *rig)
	}{
		{name: "natural end", end: func(r *rig) { r.factory.Resources["win-a"].End() }},
		{name: "pause", end: func(r *rig) { r.win.Pause("win-a") }},
		{name: "delete", end: func(r *rig) { r.win.Delete("win-a") }},
		{name: "start failure", end: func(r *rig) {
			r.factory.Resources["win-a"].Resolve(0, errors.New("blocked"))
			r.clock.Flush()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, 0.8)
			r.win.Play("win-a")
			r.clock.Advance(ducking.DuckDuration)
			r.expect(t, model.FadeFaded, 0.4)

			tt.end(r)
			if r.ctrl.State() != model.FadeFadingIn {
				t.Fatalf("state = %s, want fading-in", r.ctrl.State())
			}
			r.clock.Advance(ducking.DuckDuration)
			r.expect(t, model.FadeNormal, 0.8)
		})
	}
}

func TestPreemptedLineDoesNotRestore(t *testing.T) {
	r := newRig(t, 0.8)
	r.win.Play("win-a")
	r.clock.Advance(ducking.DuckDuration)

	r.win.Play("win-b")
	r.expect(t, model.FadeFaded, 0.4)
	if r.ctrl.Ramping() {
		t.Fatalf("hand-off started a ramp")
	}
	if r.ctrl.ActiveWin() != "win-b" {
		t.Fatalf("active line = %q, want win-b", r.ctrl.ActiveWin())
	}

	// the preempted line finishing late is not the active line
	r.factory.Resources["win-a"].End()
	r.expect(t, model.FadeFaded, 0.4)

	r.win.Stop("win-b")
	r.clock.Advance(ducking.DuckDuration)
	r.expect(t, model.FadeNormal, 0.8)
}

func TestPreemptDuringFadeOutKeepsDucking(t *testing.T) {
	r := newRig(t, 0.8)
	r.win.Play("win-a")
	r.clock.Advance(time.Second)
	r.win.Play("win-b")
	if r.ctrl.State() != model.FadeFadingOut {
		t.Fatalf("state = %s, want fading-out", r.ctrl.State())
	}
	r.clock.Advance(ducking.DuckDuration)
	r.expect(t, model.FadeFaded, 0.4)
}

func TestRestoreSkippedNearOriginal(t *testing.T) {
	r := newRig(t, 0.8)
	r.win.Play("win-a")
	r.clock.Advance(300 * time.Millisecond)

	r.win.Stop("win-a")
	r.expect(t, model.FadeNormal, 0.8)
	if r.ctrl.Ramping() {
		t.Fatalf("restore ramp started although volume was within 90%%")
	}
}

func TestRestoreSnapsWhenBGMStopped(t *testing.T) {
	r := newRig(t, 0.8)
	r.win.Play("win-a")
	r.clock.Advance(ducking.DuckDuration)
	r.bgm.Pause("bgm")

	r.win.Stop("win-a")
	r.expect(t, model.FadeNormal, 0.8)
}

func TestSingleRampSlot(t *testing.T) {
	r := newRig(t, 0.8)
	r.win.Play("win-a")
	r.clock.Advance(time.Second)
	if r.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", r.clock.Pending())
	}
	r.ctrl.FadeOut()
	if r.clock.Pending() != 1 {
		t.Fatalf("pending timers after FadeOut = %d, want 1", r.clock.Pending())
	}
	r.clock.Advance(ducking.FadeDuration)
	r.expect(t, model.FadeFaded, 0)
	if r.clock.Pending() != 0 {
		t.Fatalf("pending timers after fade = %d", r.clock.Pending())
	}
}

func TestManualFade(t *testing.T) {
	r := newRig(t, 0.8)

	r.ctrl.FadeOut()
	r.clock.Advance(ducking.FadeDuration)
	r.expect(t, model.FadeNormal, 0)
	if r.ctrl.DisplayPercent() != 0 {
		t.Fatalf("DisplayPercent = %d, want 0", r.ctrl.DisplayPercent())
	}
	if got := r.factory.Resources["bgm"].Volume; got != 0 {
		t.Fatalf("bgm resource volume = %v, want 0", got)
	}

	r.ctrl.FadeIn()
	r.clock.Advance(ducking.FadeDuration / 2)
	if eff := r.ctrl.Effective(); eff <= 0 || eff >= 0.8 {
		t.Fatalf("effective mid fade-in = %v", eff)
	}
	r.clock.Advance(ducking.FadeDuration / 2)
	r.expect(t, model.FadeNormal, 0.8)
	if got := r.factory.Resources["bgm"].Volume; got != 0.8 {
		t.Fatalf("bgm resource volume = %v, want 0.8", got)
	}
}

func TestVolumeChangeWhileDucked(t *testing.T) {
	r := newRig(t, 0.8)
	r.win.Play("win-a")
	r.clock.Advance(ducking.DuckDuration)

	r.bgm.SetVolume("bgm", 0.6)
	r.expect(t, model.FadeFaded, 0.3)
	if r.ctrl.Original() != 0.6 {
		t.Fatalf("original = %v, want 0.6", r.ctrl.Original())
	}

	r.win.Stop("win-a")
	r.clock.Advance(ducking.DuckDuration)
	r.expect(t, model.FadeNormal, 0.6)
}

func TestNoDuckWithoutBGM(t *testing.T) {
	r := newRig(t, 0.8)
	r.bgm.Delete("bgm")
	r.win.Play("win-a")
	r.expect(t, model.FadeNormal, 0)
	if r.ctrl.Ramping() {
		t.Fatalf("ramp running without a BGM")
	}
}

func TestFadeOutThenReplay(t *testing.T) {
	tests := []struct {
		name  string
		after func(r *rig)
	}{
		{name: "stop then play", after: func(r *rig) {
			r.bgm.Stop("bgm")
			r.bgm.Play("bgm")
		}},
		{name: "restart", after: func(r *rig) { r.bgm.Restart("bgm") }},
		{name: "stop mid fade", after: func(r *rig) {
			r.bgm.Stop("bgm")
			r.clock.Advance(ducking.FadeDuration)
			r.bgm.Play("bgm")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, 0.8)
			r.ctrl.FadeOut()
			if tt.name != "stop mid fade" {
				r.clock.Advance(ducking.FadeDuration)
				r.expect(t, model.FadeNormal, 0)
			} else {
				r.clock.Advance(ducking.FadeDuration / 2)
			}
			tt.after(r)
			r.expect(t, model.FadeNormal, 0.8)
			if r.ctrl.Ramping() {
				t.Fatalf("fade ramp still armed")
			}
			if got := r.factory.Resources["bgm"].Volume; got != 0.8 {
				t.Fatalf("bgm resource volume = %v, want 0.8", got)
			}
		})
	}
}

func TestReplayWhileDuckedKeepsDuckLevel(t *testing.T) {
	r := newRig(t, 0.8)
	r.win.Play("win-a")
	r.clock.Advance(ducking.DuckDuration)
	r.ctrl.FadeOut()
	r.clock.Advance(ducking.FadeDuration)
	r.expect(t, model.FadeFaded, 0)

	r.bgm.Stop("bgm")
	r.bgm.Play("bgm")
	r.expect(t, model.FadeFaded, 0.4)
	if got := r.factory.Resources["bgm"].Volume; got != 0.4 {
		t.Fatalf("bgm resource volume = %v, want 0.4", got)
	}
}

func TestManualFadeTakesOverDuckRamp(t *testing.T) {
	r := newRig(t, 0.8)
	r.win.Play("win-a")
	r.clock.Advance(time.Second)

	r.ctrl.FadeOut()
	if r.ctrl.State() != model.FadeFaded {
		t.Fatalf("state after taking over duck = %s, want faded", r.ctrl.State())
	}
	r.clock.Advance(ducking.FadeDuration)
	r.expect(t, model.FadeFaded, 0)
	if r.ctrl.Ramping() {
		t.Fatalf("ramp armed after fade-out finished")
	}

	// the line ending still restores to the original volume
	r.win.Stop("win-a")
	if r.ctrl.State() != model.FadeFadingIn {
		t.Fatalf("state after line stop = %s, want fading-in", r.ctrl.State())
	}
	r.clock.Advance(ducking.DuckDuration)
	r.expect(t, model.FadeNormal, 0.8)
}

func TestManualFadeTakesOverRestoreRamp(t *testing.T) {
	r := newRig(t, 0.8)
	r.win.Play("win-a")
	r.clock.Advance(ducking.DuckDuration)
	r.win.Stop("win-a")
	r.clock.Advance(time.Second)

	r.ctrl.FadeIn()
	if r.ctrl.State() != model.FadeNormal || r.ctrl.Original() != 0 {
		t.Fatalf("state after taking over restore = %s original %v", r.ctrl.State(), r.ctrl.Original())
	}
	r.clock.Advance(ducking.FadeDuration)
	r.expect(t, model.FadeNormal, 0.8)
	if got := r.factory.Resources["bgm"].Volume; got != 0.8 {
		t.Fatalf("bgm resource volume = %v, want 0.8", got)
	}
}
