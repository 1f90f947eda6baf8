package console

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"

	"AudioDeck/cache"
	"AudioDeck/core/asset"
	"AudioDeck/core/ducking"
	"AudioDeck/core/loop"
	"AudioDeck/core/persist"
	"AudioDeck/core/playback"
	"AudioDeck/core/playback/playbacktest"
	"AudioDeck/core/store"
	"AudioDeck/model"
	"AudioDeck/storage"
)

var silence []byte

func wavUpload(t *testing.T, name string) Upload {
	t.Helper()
	if silence == nil {
		format := beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2}
		path := filepath.Join(t.TempDir(), "silence.wav")
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := wav.Encode(f, beep.Silence(format.SampleRate.N(2*time.Second)), format); err != nil {
			t.Fatalf("encode: %v", err)
		}
		f.Close()
		if silence, err = os.ReadFile(path); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	return Upload{Name: name, ContentType: "audio/wav", Data: silence}
}

// 1x1 PNG
var pixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

type rig struct {
	ctx     context.Context
	clock   *loop.Manual
	factory *playbacktest.Factory
	blobs   *storage.MemoryStore
	snaps   *cache.MemorySnapshotStore
	assets  *asset.Service
	c       *Console
}

func newRig(t *testing.T) *rig {
	return newRigWithStore(t, storage.NewMemoryStore(), cache.NewMemorySnapshotStore())
}

func newRigWithStore(t *testing.T, blobs *storage.MemoryStore, snaps *cache.MemorySnapshotStore) *rig {
	t.Helper()
	r := &rig{
		ctx:     context.Background(),
		clock:   loop.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
		factory: playbacktest.NewFactory(),
		blobs:   blobs,
		snaps:   snaps,
	}
	r.assets = asset.NewService(asset.Options{Now: r.clock.Now})
	r.c = New(r.ctx, Config{
		Exec:      r.clock,
		Factory:   r.factory,
		Assets:    r.assets,
		Store:     &store.Durable{Blobs: blobs, Snapshots: snaps},
		SyncSaves: true,
	})
	return r
}

func (r *rig) state(t *testing.T) model.ConsoleState {
	t.Helper()
	st, err := r.c.State(r.ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return st
}

func (r *rig) upload(t *testing.T, cat model.Category, n int) []model.AssetMeta {
	t.Helper()
	ups := make([]Upload, n)
	for i := range ups {
		ups[i] = wavUpload(t, fmt.Sprintf("%s-%d.wav", cat, i))
	}
	res, err := r.c.UploadTracks(r.ctx, cat, ups)
	if err != nil {
		t.Fatalf("UploadTracks: %v", err)
	}
	return res.Accepted
}

func (r *rig) start(t *testing.T, cat model.Category, id string) {
	t.Helper()
	if err := r.c.Play(r.ctx, cat, id); err != nil {
		t.Fatalf("Play %s: %v", id, err)
	}
	r.factory.Resources[id].ResolveAll()
	r.clock.Flush()
}

func findTrack(tracks []model.Track, id string) model.Track {
	for _, tr := range tracks {
		if tr.ID == id {
			return tr
		}
	}
	return model.Track{}
}

func TestWinCapacityTruncation(t *testing.T) {
	r := newRig(t)
	r.upload(t, model.CategoryWin, 3)

	ups := make([]Upload, 10)
	for i := range ups {
		ups[i] = wavUpload(t, fmt.Sprintf("drop-%d.wav", i))
	}
	res, err := r.c.UploadTracks(r.ctx, model.CategoryWin, ups)
	if err != nil {
		t.Fatalf("UploadTracks: %v", err)
	}
	if len(res.Accepted) != 5 || res.Rejected != 5 {
		t.Fatalf("accepted %d rejected %d, want 5/5", len(res.Accepted), res.Rejected)
	}
	if got := len(r.state(t).WinDialogue); got != WinCapacity {
		t.Fatalf("loaded %d lines, want %d", got, WinCapacity)
	}
	if r.assets.Live() != WinCapacity {
		t.Fatalf("live handles = %d, rejected files must not be registered", r.assets.Live())
	}
}

func TestUploadFailureLeavesCollection(t *testing.T) {
	r := newRig(t)
	res, err := r.c.UploadTracks(r.ctx, model.CategorySFX, []Upload{
		wavUpload(t, "ok.wav"),
		{Name: "broken.wav", ContentType: "audio/wav", Data: []byte("nope")},
	})
	if err != nil {
		t.Fatalf("UploadTracks: %v", err)
	}
	if len(res.Accepted) != 1 || len(res.Failed) != 1 || res.Failed[0] != "broken.wav" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := r.c.UploadBGM(r.ctx, Upload{Name: "bad.wav", Data: []byte("x")}); !errors.Is(err, asset.ErrDecodeFailed) {
		t.Fatalf("UploadBGM err = %v", err)
	}
	if r.state(t).BGM.Track != nil {
		t.Fatalf("failed BGM upload left a track")
	}
}

func TestExclusiveWinDialogueWithDucking(t *testing.T) {
	r := newRig(t)
	if _, err := r.c.UploadBGM(r.ctx, wavUpload(t, "theme.wav")); err != nil {
		t.Fatalf("UploadBGM: %v", err)
	}
	lines := r.upload(t, model.CategoryWin, 2)
	a, b := lines[0].ID, lines[1].ID

	r.c.SetVolume(r.ctx, model.CategoryBGM, BGMID, 0.8)
	r.start(t, model.CategoryBGM, BGMID)
	r.start(t, model.CategoryWin, a)
	r.clock.Advance(ducking.DuckDuration)

	st := r.state(t)
	if st.BGM.FadeState != model.FadeFaded || st.BGM.EffectiveVolume != 0.4 || st.BGM.DisplayedPercent != 40 {
		t.Fatalf("bgm = %+v", st.BGM)
	}

	r.factory.Resources[a].Pos = 1.2
	if err := r.c.Play(r.ctx, model.CategoryWin, b); err != nil {
		t.Fatalf("Play b: %v", err)
	}
	st = r.state(t)
	ta, tb := findTrack(st.WinDialogue, a), findTrack(st.WinDialogue, b)
	if ta.IsPlaying || ta.CurrentTime != 0 || !tb.IsPlaying {
		t.Fatalf("a=%+v b=%+v", ta, tb)
	}
	if st.BGM.FadeState != model.FadeFaded {
		t.Fatalf("hand-off changed fade state to %s", st.BGM.FadeState)
	}

	r.c.Stop(r.ctx, model.CategoryWin, b)
	r.clock.Advance(ducking.DuckDuration)
	st = r.state(t)
	if st.BGM.FadeState != model.FadeNormal || st.BGM.EffectiveVolume != 0.8 {
		t.Fatalf("bgm after restore = %+v", st.BGM)
	}
}

func TestPlayAllStaggeredThroughQueue(t *testing.T) {
	r := newRig(t)
	sfx := r.upload(t, model.CategorySFX, 3)

	ids, err := r.c.PlayAllSFX(r.ctx)
	if err != nil || len(ids) != 3 {
		t.Fatalf("PlayAllSFX = %v, %v", ids, err)
	}
	r.clock.Advance(0)
	if st := r.state(t); st.ActiveSFX != 1 || st.QueueStats.Pending != 2 {
		t.Fatalf("after 0ms active=%d stats=%+v", st.ActiveSFX, st.QueueStats)
	}
	r.clock.Advance(PlayAllStagger)
	r.clock.Advance(PlayAllStagger)
	st := r.state(t)
	if st.ActiveSFX != 3 || st.QueueStats.Playing != 3 {
		t.Fatalf("after stagger active=%d stats=%+v", st.ActiveSFX, st.QueueStats)
	}

	for _, m := range sfx {
		r.factory.Resources[m.ID].ResolveAll()
	}
	r.clock.Flush()
	r.factory.Resources[sfx[0].ID].End()
	r.c.StopAllSFX(r.ctx)
	st = r.state(t)
	if st.ActiveSFX != 0 || st.QueueStats.Completed != 3 || st.QueueStats.Total != 3 {
		t.Fatalf("after end/stop active=%d stats=%+v", st.ActiveSFX, st.QueueStats)
	}
}

func TestScheduleAndCancel(t *testing.T) {
	r := newRig(t)
	sfx := r.upload(t, model.CategorySFX, 1)
	id := sfx[0].ID

	if _, err := r.c.ScheduleSFX(r.ctx, "sfx-missing", time.Second); !errors.Is(err, playback.ErrTrackNotFound) {
		t.Fatalf("ScheduleSFX unknown = %v", err)
	}
	q1, _ := r.c.ScheduleSFX(r.ctx, id, time.Second)
	q2, _ := r.c.ScheduleSFX(r.ctx, id, 2*time.Second)
	if ok, _ := r.c.CancelQueued(r.ctx, q1); !ok {
		t.Fatalf("cancel pending entry failed")
	}
	r.clock.Advance(2 * time.Second)
	if ok, _ := r.c.CancelQueued(r.ctx, q2); ok {
		t.Fatalf("cancelled an entry that already started")
	}
	if r.factory.Resources[id].Plays != 1 {
		t.Fatalf("plays = %d, want 1", r.factory.Resources[id].Plays)
	}

	// deleting the sfx drops its pending entries
	r.c.ScheduleSFX(r.ctx, id, time.Minute)
	if err := r.c.Delete(r.ctx, model.CategorySFX, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if st, _ := r.c.QueueStats(r.ctx); st.Pending != 0 {
		t.Fatalf("pending after delete = %d", st.Pending)
	}
}

func TestReplaceKeepsIdentity(t *testing.T) {
	r := newRig(t)
	id := r.upload(t, model.CategorySFX, 1)[0].ID
	r.c.SetVolume(r.ctx, model.CategorySFX, id, 0.25)
	r.start(t, model.CategorySFX, id)
	old := r.factory.Resources[id]

	tr, err := r.c.Replace(r.ctx, model.CategorySFX, id, wavUpload(t, "new.wav"))
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if tr.ID != id || tr.FileName != "new.wav" || tr.IsPlaying || tr.Volume != 0.25 {
		t.Fatalf("replaced track = %+v", tr)
	}
	if !old.Closed {
		t.Fatalf("old resource not closed")
	}
	if r.assets.Live() != 1 {
		t.Fatalf("live handles = %d, want 1", r.assets.Live())
	}
	if _, err := r.c.Replace(r.ctx, model.CategorySFX, "sfx-nope", wavUpload(t, "x.wav")); !errors.Is(err, playback.ErrTrackNotFound) {
		t.Fatalf("Replace unknown = %v", err)
	}
}

func TestSaveAndRestore(t *testing.T) {
	r := newRig(t)
	if _, err := r.c.UploadBGM(r.ctx, wavUpload(t, "theme.wav")); err != nil {
		t.Fatalf("UploadBGM: %v", err)
	}
	sfx := r.upload(t, model.CategorySFX, 2)
	win := r.upload(t, model.CategoryWin, 1)
	if _, err := r.c.UploadImage(r.ctx, Upload{Name: "ref.png", Data: pixel}); err != nil {
		t.Fatalf("UploadImage: %v", err)
	}
	r.c.SetVolume(r.ctx, model.CategorySFX, sfx[1].ID, 0.3)
	r.c.SetLoop(r.ctx, model.CategorySFX, sfx[1].ID, true)
	r.c.SetVolume(r.ctx, model.CategoryBGM, BGMID, 0.6)
	r.c.SetMasterVolume(r.ctx, 0.7)
	r.c.SetImageFit(r.ctx, model.FitCover)
	r.start(t, model.CategoryBGM, BGMID)
	r.factory.Resources[BGMID].Pos = 1.5
	r.start(t, model.CategorySFX, sfx[0].ID)

	r.clock.Advance(persist.DefaultDebounce)
	if len(r.blobs.IDs()) != 5 {
		t.Fatalf("stored blobs = %v, want 5", r.blobs.IDs())
	}

	r2 := newRigWithStore(t, r.blobs, r.snaps)
	if err := r2.c.Restore(r2.ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	st := r2.state(t)
	if st.BGM.Track == nil || st.BGM.Track.IsPlaying || st.BGM.Track.Volume != 0.6 {
		t.Fatalf("bgm = %+v", st.BGM.Track)
	}
	if st.BGM.Track.CurrentTime != 1.5 {
		t.Fatalf("bgm position = %v, want 1.5", st.BGM.Track.CurrentTime)
	}
	if len(st.SFX) != 2 || len(st.WinDialogue) != 1 || st.WinDialogue[0].ID != win[0].ID {
		t.Fatalf("sfx=%d win=%d", len(st.SFX), len(st.WinDialogue))
	}
	s0, s1 := findTrack(st.SFX, sfx[0].ID), findTrack(st.SFX, sfx[1].ID)
	if s0.IsPlaying || s0.CurrentTime != 0 || s1.Volume != 0.3 || !s1.Loop {
		t.Fatalf("sfx = %+v / %+v", s0, s1)
	}
	if st.Image == nil || st.ImageFitMode != model.FitCover || st.MasterVolume != 0.7 {
		t.Fatalf("image=%v fit=%s master=%v", st.Image, st.ImageFitMode, st.MasterVolume)
	}
	if pending, _ := r2.c.SavePending(r2.ctx); pending {
		t.Fatalf("restore scheduled a save")
	}

	if r2.factory.Created != 0 {
		t.Fatalf("resources created before the restore delay")
	}
	r2.clock.Advance(DefaultRestoreDelay)
	if r2.factory.Created != 4 {
		t.Fatalf("prewarmed %d resources, want 4", r2.factory.Created)
	}
	if got := r2.factory.Resources[BGMID].Volume; got != 0.6*0.7 {
		t.Fatalf("restored bgm applied volume = %v", got)
	}
	if err := r2.c.Restore(r2.ctx); err == nil {
		t.Fatalf("second Restore succeeded")
	}
}

func TestExpiredSessionStartsEmpty(t *testing.T) {
	r := newRig(t)
	r.upload(t, model.CategorySFX, 1)
	r.clock.Advance(persist.DefaultDebounce)

	r2 := newRigWithStore(t, r.blobs, r.snaps)
	r2.clock.Advance(25 * time.Hour)
	if err := r2.c.Restore(r2.ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if st := r2.state(t); len(st.SFX) != 0 {
		t.Fatalf("expired session restored %d sfx", len(st.SFX))
	}
	if _, err := r.snaps.GetSnapshot(r.ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired snapshot kept")
	}
}

func TestClear(t *testing.T) {
	r := newRig(t)
	r.c.UploadBGM(r.ctx, wavUpload(t, "theme.wav"))
	r.upload(t, model.CategorySFX, 2)
	r.c.UploadImage(r.ctx, Upload{Name: "ref.png", ContentType: "image/png", Data: pixel})
	r.c.SetMasterVolume(r.ctx, 0.2)
	r.clock.Advance(persist.DefaultDebounce)

	if err := r.c.Clear(r.ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st := r.state(t)
	if st.BGM.Track != nil || len(st.SFX) != 0 || st.Image != nil || st.MasterVolume != 1 || st.ImageOpacity != 1 {
		t.Fatalf("state after clear = %+v", st)
	}
	if len(r.blobs.IDs()) != 0 {
		t.Fatalf("blobs after clear: %v", r.blobs.IDs())
	}
	if _, err := r.snaps.GetSnapshot(r.ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("snapshot after clear")
	}
	if r.assets.Live() != 0 {
		t.Fatalf("live handles after clear = %d", r.assets.Live())
	}
	if pending, _ := r.c.SavePending(r.ctx); pending {
		t.Fatalf("clear scheduled a save")
	}
}

func TestSubscribeAndErrors(t *testing.T) {
	r := newRig(t)
	calls := 0
	cancel := r.c.Subscribe(func() { calls++ })
	r.c.SetImageOpacity(r.ctx, 0.5)
	if calls == 0 {
		t.Fatalf("subscriber not notified")
	}
	cancel()
	before := calls
	r.c.SetImageOpacity(r.ctx, 0.6)
	if calls != before {
		t.Fatalf("cancelled subscriber notified")
	}

	if err := r.c.FadeBGM(r.ctx, false); !errors.Is(err, ErrNoBGM) {
		t.Fatalf("FadeBGM without bgm = %v", err)
	}
	if err := r.c.DeleteImage(r.ctx); !errors.Is(err, ErrNoImage) {
		t.Fatalf("DeleteImage without image = %v", err)
	}
	if err := r.c.SetImageFit(r.ctx, "stretch"); !errors.Is(err, ErrInvalidFitMode) {
		t.Fatalf("SetImageFit = %v", err)
	}
	if err := r.c.Play(r.ctx, model.CategoryImage, "image"); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("Play image = %v", err)
	}
	if err := r.c.Stop(r.ctx, model.CategorySFX, "sfx-ghost"); !errors.Is(err, playback.ErrTrackNotFound) {
		t.Fatalf("Stop unknown = %v", err)
	}
}
