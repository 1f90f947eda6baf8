package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"AudioDeck/core/asset"
	"AudioDeck/core/auth"
	"AudioDeck/core/console"
	"AudioDeck/core/loop"
	"AudioDeck/core/persist"
	"AudioDeck/core/playback"
	"AudioDeck/logger"
)

const (
	// MaxUploadSize 单次上传请求体上限
	MaxUploadSize = 512 << 20
	// 超过这个大小的表单部分写入临时文件
	multipartMemory = 32 << 20
	requestTimeout  = 30 * time.Second
)

// APIHandler 处理所有API请求
type APIHandler struct {
	console *console.Console
	auth    *auth.Authenticator
	hub     *StateHub
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(c *console.Console, authn *auth.Authenticator, hub *StateHub) *APIHandler {
	return &APIHandler{console: c, auth: authn, hub: hub}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", logger.ErrorField(err))
	}
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// statusOf maps a console error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, playback.ErrTrackNotFound),
		errors.Is(err, asset.ErrHandleNotFound),
		errors.Is(err, console.ErrNoBGM),
		errors.Is(err, console.ErrNoImage):
		return http.StatusNotFound
	case errors.Is(err, console.ErrInvalidCategory),
		errors.Is(err, console.ErrInvalidFitMode),
		errors.Is(err, asset.ErrInvalidFormat),
		errors.Is(err, asset.ErrDecodeFailed),
		errors.Is(err, asset.ErrUnknownCategory):
		return http.StatusBadRequest
	case errors.Is(err, persist.ErrAlreadyLoaded):
		return http.StatusConflict
	case errors.Is(err, loop.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Error("请求处理失败",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return false
	}
	return true
}

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

// readUploads collects the files of a multipart form. Both "file" and
// "files" fields are accepted.
func readUploads(w http.ResponseWriter, r *http.Request) ([]console.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	var headers []*multipart.FileHeader
	for _, field := range []string{"files", "file"} {
		headers = append(headers, r.MultipartForm.File[field]...)
	}
	ups := make([]console.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		ups = append(ups, console.Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return ups, nil
}

// StateHandler returns the whole console state.
func (h *APIHandler) StateHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	st, err := h.console.State(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SaveSessionHandler writes the session now.
func (h *APIHandler) SaveSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.Save(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

// ClearSessionHandler wipes storage and resets the console.
func (h *APIHandler) ClearSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.Clear(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	logger.Info("[Session] 会话已通过 API 清空")
	writeOK(w)
}

// QueueHandler lists queue entries.
func (h *APIHandler) QueueHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	st, err := h.console.State(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue": st.Queue,
		"stats": st.QueueStats,
	})
}

func (h *APIHandler) QueueStatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	st, err := h.console.QueueStats(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *APIHandler) ClearQueueHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.ClearQueue(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

// PlayAllHandler triggers every SFX through the queue.
func (h *APIHandler) PlayAllHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	ids, err := h.console.PlayAllSFX(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queueIds": ids})
}

func (h *APIHandler) StopAllHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.StopAllSFX(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

// ScheduleHandler queues one SFX after a delay.
func (h *APIHandler) ScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SfxID   string `json:"sfxId"`
		DelayMs int64  `json:"delay"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SfxID == "" || req.DelayMs < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sfxId and a non-negative delay are required"})
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	id, err := h.console.ScheduleSFX(ctx, req.SfxID, time.Duration(req.DelayMs)*time.Millisecond)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queueId": id})
}
