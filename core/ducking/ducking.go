// Package ducking attenuates the BGM while a win-dialogue line plays and
// restores it afterwards. It also runs the plain BGM fade in/out, which shares
// the same single ramp slot.
package ducking

import (
	"math"
	"time"

	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"
	"go.uber.org/zap"

	"AudioDeck/core/loop"
	"AudioDeck/core/playback"
	"AudioDeck/logger"
	"AudioDeck/model"
)

const (
	DuckDuration     = 5000 * time.Millisecond
	DuckSteps        = 50
	DuckRatio        = 0.5
	RestoreThreshold = 0.9

	FadeDuration = 1000 * time.Millisecond
	FadeSteps    = 20
)

// BGM is the part of the BGM engine the controller drives.
type BGM interface {
	Track(id string) (model.Track, bool)
	SetLevel(id string, level float64)
	ClearLevel(id string)
}

// Controller BGM 闪避/渐变状态机，只在事件循环中使用
type Controller struct {
	sched loop.Scheduler
	bgm   BGM
	bgmID string
	log   *zap.Logger

	state     model.FadeState
	effective float64
	original  float64
	captured  bool
	activeWin string
	volume    float64 // 最近一次看到的 BGM 音量设置

	ramp     *ramp
	onChange func()
}

type ramp struct {
	kind  string
	tween *gween.Tween
	to    float64
	every time.Duration
	timer loop.Timer
}

// New 创建控制器
func New(sched loop.Scheduler, bgm BGM, bgmID string) *Controller {
	return &Controller{
		sched: sched,
		bgm:   bgm,
		bgmID: bgmID,
		log:   logger.Named("ducking"),
		state: model.FadeNormal,
	}
}

// OnChange sets the single listener called whenever effective volume or state moves.
func (c *Controller) OnChange(fn func()) {
	c.onChange = fn
}

func (c *Controller) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

// OnTrackEvent reacts to win-dialogue and BGM events.
func (c *Controller) OnTrackEvent(ev playback.Event) {
	switch ev.Category {
	case model.CategoryWin:
		c.onWinEvent(ev)
	case model.CategoryBGM:
		c.onBGMEvent(ev)
	}
}

func (c *Controller) onWinEvent(ev playback.Event) {
	switch ev.Kind {
	case playback.EventStarted:
		c.activeWin = ev.TrackID
		c.duck()
	case playback.EventPaused, playback.EventStopped, playback.EventEnded, playback.EventFailed, playback.EventRemoved:
		if ev.TrackID != c.activeWin {
			return
		}
		c.activeWin = ""
		c.restore()
	case playback.EventPreempted:
		// 被另一条台词顶掉，紧接着的 Started 会继续保持闪避
	}
}

func (c *Controller) onBGMEvent(ev playback.Event) {
	switch ev.Kind {
	case playback.EventAdded, playback.EventReplaced:
		c.reset()
	case playback.EventRemoved:
		c.cancelRamp()
		c.state = model.FadeNormal
		c.captured = false
		c.original = 0
		c.effective = 0
		c.changed()
	case playback.EventChanged:
		c.syncVolume()
	case playback.EventStarted, playback.EventStopped:
		c.endManualFade()
	}
}

func (r *ramp) manual() bool {
	return r.kind == "fade-out" || r.kind == "fade-in"
}

// endManualFade drops a manual fade when the BGM is started or stopped, so
// the next playback uses the level of the current fade state.
func (c *Controller) endManualFade() {
	if c.ramp != nil {
		if !c.ramp.manual() {
			return
		}
		c.cancelRamp()
	}
	tr, ok := c.bgm.Track(c.bgmID)
	if !ok {
		return
	}
	switch {
	case !c.captured || c.state == model.FadeNormal:
		c.state = model.FadeNormal
		c.captured = false
		c.original = 0
		c.effective = tr.Volume
		c.bgm.ClearLevel(c.bgmID)
	case c.state == model.FadeFadingIn:
		c.finishRestore()
		return
	default:
		c.state = model.FadeFaded
		c.setEffective(c.original * DuckRatio)
	}
	c.changed()
}

// takeOverRamp settles a duck or restore ramp that a manual fade is about to
// replace: an interrupted duck counts as faded, an interrupted restore as normal.
func (c *Controller) takeOverRamp() {
	if c.ramp == nil || c.ramp.manual() {
		return
	}
	switch c.ramp.kind {
	case "duck":
		c.state = model.FadeFaded
	case "restore":
		c.state = model.FadeNormal
		c.captured = false
		c.original = 0
	}
	c.cancelRamp()
}

// reset 回到 normal，音量跟随 BGM 自身设置
func (c *Controller) reset() {
	c.cancelRamp()
	c.state = model.FadeNormal
	c.captured = false
	c.original = 0
	c.effective = 0
	c.volume = 0
	if tr, ok := c.bgm.Track(c.bgmID); ok {
		c.effective = tr.Volume
		c.volume = tr.Volume
	}
	c.bgm.ClearLevel(c.bgmID)
	c.changed()
}

// syncVolume handles a user volume change on the BGM.
func (c *Controller) syncVolume() {
	tr, ok := c.bgm.Track(c.bgmID)
	if !ok || tr.Volume == c.volume {
		return
	}
	c.volume = tr.Volume
	if c.state == model.FadeNormal {
		if c.ramp == nil {
			c.effective = tr.Volume
			c.bgm.ClearLevel(c.bgmID)
			c.changed()
		}
		return
	}
	if !c.captured {
		return
	}
	c.original = tr.Volume
	switch c.state {
	case model.FadeFaded:
		c.setEffective(c.original * DuckRatio)
	case model.FadeFadingOut:
		c.duck()
	case model.FadeFadingIn:
		c.restore()
	}
}

func (c *Controller) duck() {
	tr, ok := c.bgm.Track(c.bgmID)
	if !ok {
		return
	}
	if !c.captured {
		if tr.Volume == 0 {
			return
		}
		c.original = tr.Volume
		c.captured = true
		if c.state == model.FadeNormal && c.ramp == nil {
			c.effective = tr.Volume
		}
	}
	target := c.original * DuckRatio
	c.cancelRamp()
	if math.Abs(c.effective-target) < 1e-9 {
		c.setEffective(target)
		c.state = model.FadeFaded
		c.changed()
		return
	}
	c.state = model.FadeFadingOut
	c.log.Debug("BGM 开始闪避",
		logger.String("win", c.activeWin),
		logger.Float64("from", c.effective),
		logger.Float64("to", target))
	c.startRamp("duck", c.effective, target, DuckDuration, DuckSteps, func() {
		c.state = model.FadeFaded
	})
	c.changed()
}

func (c *Controller) restore() {
	c.cancelRamp()
	tr, ok := c.bgm.Track(c.bgmID)
	if !ok || !c.captured {
		c.state = model.FadeNormal
		c.changed()
		return
	}
	target := c.original
	if !tr.IsPlaying || c.effective >= target*RestoreThreshold {
		c.finishRestore()
		return
	}
	c.state = model.FadeFadingIn
	c.log.Debug("BGM 开始恢复", logger.Float64("from", c.effective), logger.Float64("to", target))
	c.startRamp("restore", c.effective, target, DuckDuration, DuckSteps, c.finishRestore)
	c.changed()
}

func (c *Controller) finishRestore() {
	c.state = model.FadeNormal
	c.captured = false
	c.original = 0
	if tr, ok := c.bgm.Track(c.bgmID); ok {
		c.effective = tr.Volume
	}
	c.bgm.ClearLevel(c.bgmID)
	c.changed()
}

// FadeOut ramps the BGM to silence over FadeDuration. The level holds until
// the BGM is started or stopped again.
func (c *Controller) FadeOut() {
	if _, ok := c.bgm.Track(c.bgmID); !ok || c.effective == 0 {
		return
	}
	c.takeOverRamp()
	c.startRamp("fade-out", c.effective, 0, FadeDuration, FadeSteps, nil)
	c.changed()
}

// FadeIn ramps the BGM from silence back to its level. Only runs while the BGM plays.
func (c *Controller) FadeIn() {
	tr, ok := c.bgm.Track(c.bgmID)
	if !ok || !tr.IsPlaying {
		return
	}
	c.takeOverRamp()
	target := tr.Volume
	if c.captured && c.state != model.FadeNormal {
		target = c.original * DuckRatio
	}
	c.startRamp("fade-in", 0, target, FadeDuration, FadeSteps, func() {
		if c.state == model.FadeNormal && target == tr.Volume {
			c.bgm.ClearLevel(c.bgmID)
		}
	})
	c.changed()
}

func (c *Controller) startRamp(kind string, from, to float64, d time.Duration, steps int, done func()) {
	c.cancelRamp()
	r := &ramp{
		kind:  kind,
		tween: gween.New(float32(from), float32(to), float32(steps), ease.Linear),
		to:    to,
		every: d / time.Duration(steps),
	}
	c.ramp = r
	c.setEffective(from)

	var tick func()
	tick = func() {
		if c.ramp != r {
			return
		}
		cur, finished := r.tween.Update(1)
		if finished {
			c.ramp = nil
			c.setEffective(r.to)
			if done != nil {
				done()
			}
			c.changed()
			return
		}
		c.setEffective(float64(cur))
		c.changed()
		r.timer = c.sched.AfterFunc(r.every, tick)
	}
	r.timer = c.sched.AfterFunc(r.every, tick)
}

// cancelRamp 清掉唯一的渐变定时器
func (c *Controller) cancelRamp() {
	if c.ramp == nil {
		return
	}
	if c.ramp.timer != nil {
		c.ramp.timer.Stop()
	}
	c.log.Debug("取消渐变", logger.String("kind", c.ramp.kind))
	c.ramp = nil
}

func (c *Controller) setEffective(v float64) {
	c.effective = model.ClampVolume(v)
	c.bgm.SetLevel(c.bgmID, c.effective)
}

// State returns the fade state.
func (c *Controller) State() model.FadeState { return c.state }

// Effective 当前实际音量（未乘主音量）
func (c *Controller) Effective() float64 { return c.effective }

// Original returns the captured pre-duck volume, 0 when nothing is captured.
func (c *Controller) Original() float64 { return c.original }

// ActiveWin returns the win-dialogue line currently holding the duck.
func (c *Controller) ActiveWin() string { return c.activeWin }

// Ramping reports whether a ramp timer is armed.
func (c *Controller) Ramping() bool { return c.ramp != nil }

// DisplayPercent is the percentage shown next to the BGM slider.
func (c *Controller) DisplayPercent() int {
	return int(math.Round(c.effective * 100))
}

// Snapshot fills the fade fields of a BGM state view.
func (c *Controller) Snapshot() model.BGMState {
	return model.BGMState{
		FadeState:        c.state,
		EffectiveVolume:  c.effective,
		OriginalVolume:   c.original,
		DisplayedPercent: c.DisplayPercent(),
	}
}
