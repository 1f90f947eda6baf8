package playback

import (
	"io"

	"AudioDeck/model"
)

// Observer receives resource notifications. Implementations must deliver them
// on the console loop.
type Observer struct {
	OnEnded    func()
	OnProgress func(sec float64)
	OnError    func(err error)
}

// Resource 一个可播放的音频资源，由某条音轨独占
type Resource interface {
	// Play starts playback asynchronously. done is called exactly once, from
	// any goroutine, with nil on success.
	Play(done func(err error))
	Pause()
	Seek(sec float64)
	Position() float64
	SetVolume(v float64)
	SetLoop(loop bool)
	// Observe registers the observer set. Called once per resource.
	Observe(obs Observer)
	Close() error
}

// Asset is an uploaded, reference counted audio handle.
type Asset interface {
	Meta() model.AssetMeta
	Open() (io.ReadCloser, error)
	Release() error
}

// Factory creates the resource backing a track.
type Factory interface {
	NewResource(a Asset) (Resource, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(a Asset) (Resource, error)

func (f FactoryFunc) NewResource(a Asset) (Resource, error) { return f(a) }
