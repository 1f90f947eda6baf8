package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"

	"AudioDeck/cache"
	"AudioDeck/config"
	"AudioDeck/core/asset"
	"AudioDeck/core/auth"
	"AudioDeck/core/console"
	"AudioDeck/core/loop"
	"AudioDeck/core/playback/playbacktest"
	"AudioDeck/core/store"
	"AudioDeck/model"
	"AudioDeck/storage"
)

func wavBytes(t *testing.T) []byte {
	t.Helper()
	format := beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2}
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := wav.Encode(f, beep.Silence(format.SampleRate.N(time.Second)), format); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func newTestServer(t *testing.T, authn *auth.Authenticator) (*Server, *console.Console) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	lp := loop.New()
	go lp.Run(ctx)
	t.Cleanup(cancel)

	c := console.New(ctx, console.Config{
		Exec:      lp,
		Factory:   playbacktest.NewFactory(),
		Assets:    asset.NewService(asset.Options{}),
		Store:     &store.Durable{Blobs: storage.NewMemoryStore(), Snapshots: cache.NewMemorySnapshotStore()},
		SyncSaves: true,
	})
	return New(&config.Config{}, c, authn), c
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(data)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	case *bytes.Buffer:
		rd = bytes.NewReader(b.Bytes())
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func uploadSFX(t *testing.T, h http.Handler, names ...string) model.IngestResult {
	t.Helper()
	data := wavBytes(t)
	files := make(map[string][]byte)
	for _, n := range names {
		files[n] = data
	}
	body, ct := multipartBody(t, files)
	rec := do(t, h, http.MethodPost, "/api/sfx/upload", body, http.Header{"Content-Type": {ct}})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body.String())
	}
	var res model.IngestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res
}

func TestUploadAndState(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	res := uploadSFX(t, h, "a.wav", "b.wav")
	if len(res.Accepted) != 2 {
		t.Fatalf("accepted = %+v", res)
	}

	rec := do(t, h, http.MethodGet, "/api/state", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state status %d", rec.Code)
	}
	var st model.ConsoleState
	json.Unmarshal(rec.Body.Bytes(), &st)
	if len(st.SFX) != 2 || st.MasterVolume != 1 || st.WinCapacity != console.WinCapacity {
		t.Fatalf("state = %+v", st)
	}
}

func TestTrackActions(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	id := uploadSFX(t, h, "hit.wav").Accepted[0].ID

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"play", http.MethodPost, "/api/sfx/" + id + "/play", "", http.StatusOK},
		{"volume", http.MethodPost, "/api/sfx/" + id + "/volume", `{"volume":0.4}`, http.StatusOK},
		{"volume missing", http.MethodPost, "/api/sfx/" + id + "/volume", `{}`, http.StatusBadRequest},
		{"seek bad json", http.MethodPost, "/api/sfx/" + id + "/seek", `{`, http.StatusBadRequest},
		{"unknown action", http.MethodPost, "/api/sfx/" + id + "/explode", "", http.StatusNotFound},
		{"unknown track", http.MethodPost, "/api/sfx/sfx-nope/play", "", http.StatusNotFound},
		{"unknown category", http.MethodPost, "/api/drums/" + id + "/play", "", http.StatusNotFound},
		{"fade without bgm", http.MethodPost, "/api/bgm/fade/out", "", http.StatusNotFound},
		{"fade bad dir", http.MethodPost, "/api/bgm/fade/sideways", "", http.StatusNotFound},
		{"master", http.MethodPut, "/api/master", `{"volume":0.5}`, http.StatusOK},
		{"fit invalid", http.MethodPut, "/api/image/fit", `{"mode":"stretch"}`, http.StatusBadRequest},
		{"delete missing image", http.MethodDelete, "/api/image", "", http.StatusNotFound},
		{"schedule", http.MethodPost, "/api/queue/schedule", `{"sfxId":"` + id + `","delay":1000}`, http.StatusOK},
		{"schedule unknown", http.MethodPost, "/api/queue/schedule", `{"sfxId":"sfx-x","delay":10}`, http.StatusNotFound},
		{"delete", http.MethodDelete, "/api/sfx/" + id, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body interface{}
			if tt.body != "" {
				body = tt.body
			}
			rec := do(t, h, tt.method, tt.path, body, http.Header{"Content-Type": {"application/json"}})
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	var st model.ConsoleState
	json.Unmarshal(do(t, h, http.MethodGet, "/api/state", nil, nil).Body.Bytes(), &st)
	if st.MasterVolume != 0.5 || len(st.SFX) != 0 || st.QueueStats.Pending != 0 {
		t.Fatalf("state after actions = %+v", st)
	}
}

func TestMediaRoute(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	meta := uploadSFX(t, h, "clip.wav").Accepted[0]
	if meta.URL != "/media/"+meta.ID {
		t.Fatalf("url = %q", meta.URL)
	}

	rec := do(t, h, http.MethodGet, meta.URL, nil, http.Header{"Range": {"bytes=0-3"}})
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "RIFF" {
		t.Fatalf("range status %d body %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "wav") {
		t.Fatalf("content type %q", ct)
	}
	if rec := do(t, h, http.MethodGet, "/media/sfx-missing", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing media status %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	hash, err := auth.HashPassword("letmein")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	s, _ := newTestServer(t, auth.New("secret", hash, time.Hour))
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/api/state", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/auth/login", `{"password":"nope"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/auth/login", `{"operator":"booth","password":"letmein"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d", rec.Code)
	}
	var resp struct {
		Token string `json:"token"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)

	bearer := http.Header{"Authorization": {"Bearer " + resp.Token}}
	if rec := do(t, h, http.MethodGet, "/api/state", nil, bearer); rec.Code != http.StatusOK {
		t.Fatalf("with token status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/state", nil, http.Header{"Authorization": {"Token abc"}}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("malformed header status %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodOptions, "/api/sfx/x/play", nil, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight status %d headers %v", rec.Code, rec.Header())
	}
}

type countingSource struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSource) State(context.Context) (model.ConsoleState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return model.ConsoleState{MasterVolume: 1}, nil
}

func (c *countingSource) Subscribe(func()) func() { return func() {} }

func (c *countingSource) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestHubCoalescesPushes(t *testing.T) {
	src := &countingSource{}
	hub := NewStateHub(src, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{Hub: hub, Send: make(chan []byte, 16)}
	if !hub.Register(ctx, client) {
		t.Fatalf("register failed")
	}
	recv := func() WSMessage {
		select {
		case data := <-client.Send:
			var msg WSMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("decode: %v", err)
			}
			return msg
		case <-time.After(2 * time.Second):
			t.Fatalf("no push")
		}
		return WSMessage{}
	}
	if msg := recv(); msg.Type != MsgTypeState || msg.State == nil {
		t.Fatalf("initial push = %+v", msg)
	}

	for i := 0; i < 20; i++ {
		hub.Notify()
	}
	recv()
	time.Sleep(150 * time.Millisecond)
	if got := src.Calls(); got != 2 {
		t.Fatalf("state reads = %d, want 2", got)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("client count = %d", hub.ClientCount())
	}
}
