// Package playbacktest provides in-memory resources and assets for testing
// code built on the playback engine.
package playbacktest

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"AudioDeck/core/playback"
	"AudioDeck/model"
)

// ErrReleased is returned by Asset.Release on the second call.
var ErrReleased = errors.New("asset already released")

// Asset is a fake handle that counts releases.
type Asset struct {
	mu       sync.Mutex
	meta     model.AssetMeta
	data     []byte
	releases int
}

// NewAsset creates an audio asset of the given duration in seconds.
func NewAsset(id string, category model.Category, duration float64) *Asset {
	return &Asset{
		meta: model.AssetMeta{
			ID:           id,
			Category:     category,
			FileName:     id + ".wav",
			Duration:     duration,
			SampleRate:   44100,
			ChannelCount: 2,
			FileSize:     int64(len(id)),
			FileType:     "audio/wav",
			CreatedAt:    time.Unix(1700000000, 0),
		},
		data: []byte(id),
	}
}

func (a *Asset) Meta() model.AssetMeta { return a.meta }

func (a *Asset) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

func (a *Asset) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releases++
	if a.releases > 1 {
		return ErrReleased
	}
	return nil
}

// Releases reports how many times Release was called.
func (a *Asset) Releases() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releases
}

// Resource records every call and holds Play completions until the test
// resolves them.
type Resource struct {
	ID       string
	Playing  bool
	Pos      float64
	Volume   float64
	Loop     bool
	Closed   bool
	Plays    int
	Observed int

	obs     playback.Observer
	pending []func(error)
}

func (r *Resource) Play(done func(error)) {
	r.Plays++
	r.Playing = true
	r.pending = append(r.pending, done)
}

func (r *Resource) Pause() { r.Playing = false }
func (r *Resource) Seek(sec float64) { r.Pos = sec }
func (r *Resource) Position() float64 { return r.Pos }
func (r *Resource) SetVolume(v float64) { r.Volume = v }
func (r *Resource) SetLoop(loop bool) { r.Loop = loop }
func (r *Resource) Observe(o playback.Observer) { r.obs = o; r.Observed++ }

func (r *Resource) Close() error {
	r.Closed = true
	r.Playing = false
	return nil
}

// Pending reports unresolved Play calls.
func (r *Resource) Pending() int { return len(r.pending) }

// Resolve completes the i-th Play call (in call order) with err.
func (r *Resource) Resolve(i int, err error) {
	done := r.pending[i]
	r.pending[i] = func(error) {}
	if err != nil {
		r.Playing = false
	}
	done(err)
}

// ResolveAll completes every outstanding Play call successfully, oldest first.
func (r *Resource) ResolveAll() {
	for i := range r.pending {
		r.Resolve(i, nil)
	}
	r.pending = nil
}

// End simulates natural completion.
func (r *Resource) End() {
	r.Playing = false
	if r.obs.OnEnded != nil {
		r.obs.OnEnded()
	}
}

// Progress simulates a position update.
func (r *Resource) Progress(sec float64) {
	r.Pos = sec
	if r.obs.OnProgress != nil {
		r.obs.OnProgress(sec)
	}
}

// Fail simulates a decode or device error.
func (r *Resource) Fail(err error) {
	r.Playing = false
	if r.obs.OnError != nil {
		r.obs.OnError(err)
	}
}

// Factory hands out Resources and remembers them by track id.
type Factory struct {
	Resources map[string]*Resource
	Created   int
	Err       error
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{Resources: make(map[string]*Resource)}
}

func (f *Factory) NewResource(a playback.Asset) (playback.Resource, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.Created++
	r := &Resource{ID: a.Meta().ID, Volume: -1}
	f.Resources[r.ID] = r
	return r, nil
}

// Recorder collects engine events.
type Recorder struct {
	Events []playback.Event
}

func (r *Recorder) OnTrackEvent(ev playback.Event) {
	r.Events = append(r.Events, ev)
}

// Kinds returns the recorded kinds for one track.
func (r *Recorder) Kinds(trackID string) []playback.EventKind {
	var out []playback.EventKind
	for _, ev := range r.Events {
		if ev.TrackID == trackID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() { r.Events = nil }
