// Package asset turns uploaded files into reference counted handles with
// probed metadata, and serves their bytes to the media route.
package asset

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/webp"
	"golang.org/x/text/unicode/norm"

	"AudioDeck/logger"
	"AudioDeck/model"
)

var (
	ErrInvalidFormat    = errors.New("invalid image format")
	ErrDecodeFailed     = errors.New("failed to decode file")
	ErrAlreadyReleased  = errors.New("handle already released")
	ErrUnknownCategory  = errors.New("unknown category")
	ErrHandleNotFound   = errors.New("asset not found")
	allowedImageFormats = map[string]bool{
		"image/png":  true,
		"image/jpeg": true,
		"image/webp": true,
	}
)

// Ledger 记录句柄的生命周期，可选
type Ledger interface {
	RecordUpload(ctx context.Context, rec *model.AssetRecord) error
	RecordRelease(ctx context.Context, handleID string, at time.Time) error
}

// Handle is one uploaded file. It must be released exactly once.
type Handle struct {
	id       string
	meta     model.AssetMeta
	data     []byte
	svc      *Service
	released atomic.Bool
}

// ID is the handle id, distinct from the track id it is bound to.
func (h *Handle) ID() string { return h.id }

// Meta 返回上传时提取的元数据
func (h *Handle) Meta() model.AssetMeta { return h.meta }

// Open returns a reader over the file bytes.
func (h *Handle) Open() (io.ReadCloser, error) {
	if h.released.Load() {
		return nil, fmt.Errorf("%s: %w", h.meta.ID, ErrAlreadyReleased)
	}
	return io.NopCloser(bytes.NewReader(h.data)), nil
}

// Bytes returns the raw file. Callers must not modify it.
func (h *Handle) Bytes() []byte { return h.data }

// Released reports whether Release was called.
func (h *Handle) Released() bool { return h.released.Load() }

// Release frees the handle. A second call returns ErrAlreadyReleased.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", h.meta.ID, ErrAlreadyReleased)
	}
	h.svc.unregister(h)
	return nil
}

// Options 资源服务配置
type Options struct {
	// BaseURL 媒体路由前缀，默认 /media
	BaseURL string
	Ledger  Ledger
	Now     func() time.Time
}

// Service uploads and probes files and keeps the id -> handle registry.
type Service struct {
	baseURL string
	ledger  Ledger
	now     func() time.Time
	log     *zap.Logger

	mu       sync.RWMutex
	registry map[string]*Handle
}

// NewService 创建资源服务
func NewService(opts Options) *Service {
	if opts.BaseURL == "" {
		opts.BaseURL = "/media"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		ledger:   opts.Ledger,
		now:      opts.Now,
		log:      logger.Named("asset"),
		registry: make(map[string]*Handle),
	}
}

// NewID returns the track id for a new upload. BGM and image use fixed ids
// since there is at most one of each.
func NewID(cat model.Category) string {
	switch cat {
	case model.CategoryBGM:
		return "bgm"
	case model.CategoryImage:
		return "image"
	}
	return string(cat) + "-" + uuid.New().String()
}

// Upload probes data and returns a handle under a fresh id.
func (s *Service) Upload(ctx context.Context, name, contentType string, data []byte, cat model.Category) (*Handle, error) {
	return s.UploadWithID(ctx, NewID(cat), name, contentType, data, cat)
}

// Replace uploads data under existingID. The caller releases the old handle.
func (s *Service) Replace(ctx context.Context, existingID, name, contentType string, data []byte, cat model.Category) (*Handle, error) {
	h, err := s.UploadWithID(ctx, existingID, name, contentType, data, cat)
	if err != nil {
		return nil, err
	}
	s.log.Info("资源已替换", logger.String("id", existingID), logger.String("file", h.meta.FileName))
	return h, nil
}

// UploadWithID probes data and registers it under id.
func (s *Service) UploadWithID(ctx context.Context, id, name, contentType string, data []byte, cat model.Category) (*Handle, error) {
	name = norm.NFC.String(filepath.Base(name))
	meta := model.AssetMeta{
		ID:        id,
		Category:  cat,
		FileName:  name,
		FileSize:  int64(len(data)),
		CreatedAt: s.now(),
	}

	switch {
	case cat.IsAudio():
		if err := probeAudio(&meta, name, contentType, data); err != nil {
			s.log.Warn("音频解析失败", logger.String("file", name), logger.ErrorField(err))
			return nil, err
		}
	case cat == model.CategoryImage:
		if err := probeImage(&meta, name, contentType, data); err != nil {
			s.log.Warn("图片解析失败", logger.String("file", name), logger.ErrorField(err))
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
	}

	return s.register(ctx, meta, data), nil
}

// Restore re-registers a blob read back from durable storage. The stored
// metadata is trusted; only the URL and id are refreshed.
func (s *Service) Restore(ctx context.Context, id string, meta model.AssetMeta, data []byte) *Handle {
	meta.ID = id
	meta.FileSize = int64(len(data))
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now()
	}
	return s.register(ctx, meta, data)
}

func (s *Service) register(ctx context.Context, meta model.AssetMeta, data []byte) *Handle {
	h := &Handle{id: uuid.New().String(), data: data, svc: s}
	meta.URL = s.baseURL + "/" + meta.ID
	h.meta = meta

	s.mu.Lock()
	s.registry[meta.ID] = h
	s.mu.Unlock()

	if s.ledger != nil {
		sum := blake2b.Sum256(data)
		rec := &model.AssetRecord{
			HandleID:  h.id,
			TrackID:   meta.ID,
			Category:  meta.Category,
			FileName:  meta.FileName,
			FileType:  meta.FileType,
			FileSize:  meta.FileSize,
			Digest:    hex.EncodeToString(sum[:]),
			CreatedAt: meta.CreatedAt,
		}
		if err := s.ledger.RecordUpload(ctx, rec); err != nil {
			s.log.Warn("记录资源台账失败", logger.String("id", meta.ID), logger.ErrorField(err))
		}
	}
	return h
}

func (s *Service) unregister(h *Handle) {
	s.mu.Lock()
	if cur, ok := s.registry[h.meta.ID]; ok && cur == h {
		delete(s.registry, h.meta.ID)
	}
	s.mu.Unlock()

	if s.ledger != nil {
		if err := s.ledger.RecordRelease(context.Background(), h.id, s.now()); err != nil {
			s.log.Warn("记录资源释放失败", logger.String("id", h.meta.ID), logger.ErrorField(err))
		}
	}
}

// Lookup returns the live handle registered under a track id.
func (s *Service) Lookup(id string) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandleNotFound, id)
	}
	return h, nil
}

// Live counts registered handles.
func (s *Service) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.registry)
}

// declaredType drops content types that say nothing about the format.
func declaredType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil && mt == "application/octet-stream" {
		return ""
	}
	return ct
}

func probeAudio(meta *model.AssetMeta, name, contentType string, data []byte) error {
	contentType = declaredType(contentType)
	stream, format, err := Decode(name, contentType, data)
	if err != nil {
		return err
	}
	defer stream.Close()

	meta.SampleRate = int(format.SampleRate)
	meta.ChannelCount = format.NumChannels
	if format.SampleRate > 0 {
		meta.Duration = format.SampleRate.D(stream.Len()).Seconds()
	}
	meta.FileType = contentType
	if meta.FileType == "" {
		meta.FileType = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	}
	if meta.FileType == "" {
		meta.FileType = "audio/" + guessCodec(name, "")
	}
	return nil
}

func imageType(name, contentType string, data []byte) string {
	ct := declaredType(contentType)
	if ct == "" {
		ct = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	}
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	return strings.ToLower(ct)
}

func probeImage(meta *model.AssetMeta, name, contentType string, data []byte) error {
	ct := imageType(name, contentType, data)
	if !allowedImageFormats[ct] {
		return fmt.Errorf("%w: %s (%s)", ErrInvalidFormat, name, ct)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecodeFailed, name, err)
	}
	meta.Width = cfg.Width
	meta.Height = cfg.Height
	meta.FileType = ct
	return nil
}
