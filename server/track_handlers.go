package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"AudioDeck/logger"
	"AudioDeck/model"
)

func categoryVar(w http.ResponseWriter, r *http.Request) (model.Category, bool) {
	cat, ok := model.ParseCategory(mux.Vars(r)["category"])
	if !ok || !cat.IsAudio() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown category"})
		return "", false
	}
	return cat, true
}

// UploadHandler loads one or more files into a category.
func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["category"] == string(model.CategoryImage) {
		h.UploadImageHandler(w, r)
		return
	}
	cat, ok := categoryVar(w, r)
	if !ok {
		return
	}
	ups, err := readUploads(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(ups) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no files"})
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	res, err := h.console.UploadTracks(ctx, cat, ups)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.Info("[Upload] 上传完成",
		logger.String("category", string(cat)),
		logger.Int("accepted", len(res.Accepted)),
		logger.Int("rejected", res.Rejected),
		logger.Int("failed", len(res.Failed)))
	writeJSON(w, http.StatusOK, res)
}

// ReplaceHandler swaps the audio of an existing track.
func (h *APIHandler) ReplaceHandler(w http.ResponseWriter, r *http.Request) {
	cat, ok := categoryVar(w, r)
	if !ok {
		return
	}
	ups, err := readUploads(w, r)
	if err != nil || len(ups) != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exactly one file is required"})
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	tr, err := h.console.Replace(ctx, cat, mux.Vars(r)["id"], ups[0])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// DeleteTrackHandler removes a track.
func (h *APIHandler) DeleteTrackHandler(w http.ResponseWriter, r *http.Request) {
	cat, ok := categoryVar(w, r)
	if !ok {
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.Delete(ctx, cat, mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

type trackActionRequest struct {
	Time   *float64 `json:"time"`
	Volume *float64 `json:"volume"`
	Loop   *bool    `json:"loop"`
}

// TrackActionHandler runs play/pause/stop/restart/toggle/seek/volume/loop.
func (h *APIHandler) TrackActionHandler(w http.ResponseWriter, r *http.Request) {
	cat, ok := categoryVar(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]

	var req trackActionRequest
	switch action {
	case "seek", "volume", "loop":
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	c := h.console

	var err error
	switch action {
	case "play":
		err = c.Play(ctx, cat, id)
	case "pause":
		err = c.Pause(ctx, cat, id)
	case "stop":
		err = c.Stop(ctx, cat, id)
	case "restart":
		err = c.Restart(ctx, cat, id)
	case "toggle":
		err = c.Toggle(ctx, cat, id)
	case "seek":
		if req.Time == nil {
			err = missingField("time")
			break
		}
		err = c.Seek(ctx, cat, id, *req.Time)
	case "volume":
		if req.Volume == nil {
			err = missingField("volume")
			break
		}
		err = c.SetVolume(ctx, cat, id, *req.Volume)
	case "loop":
		if req.Loop == nil {
			err = missingField("loop")
			break
		}
		err = c.SetLoop(ctx, cat, id, *req.Loop)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action " + action})
		return
	}
	if err != nil {
		if _, ok := err.(fieldError); ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

type fieldError string

func (e fieldError) Error() string { return string(e) }

func missingField(name string) error {
	return fieldError(fmt.Sprintf("%s is required", name))
}

// FadeHandler runs the plain BGM fade.
func (h *APIHandler) FadeHandler(w http.ResponseWriter, r *http.Request) {
	var in bool
	switch mux.Vars(r)["dir"] {
	case "in":
		in = true
	case "out":
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "fade direction must be in or out"})
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.FadeBGM(ctx, in); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

// MasterVolumeHandler sets the master volume.
func (h *APIHandler) MasterVolumeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume *float64 `json:"volume"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Volume == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "volume is required"})
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.SetMasterVolume(ctx, *req.Volume); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

// CancelQueuedHandler removes a pending queue entry.
func (h *APIHandler) CancelQueuedHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	ok, err := h.console.CancelQueued(ctx, mux.Vars(r)["queueId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": ok})
}

// UploadImageHandler sets or replaces the reference image.
func (h *APIHandler) UploadImageHandler(w http.ResponseWriter, r *http.Request) {
	ups, err := readUploads(w, r)
	if err != nil || len(ups) != 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exactly one file is required"})
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	meta, err := h.console.UploadImage(ctx, ups[0])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *APIHandler) DeleteImageHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.DeleteImage(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (h *APIHandler) ImageFitHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode model.ImageFitMode `json:"mode"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.SetImageFit(ctx, req.Mode); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (h *APIHandler) ImageOpacityHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Opacity *float64 `json:"opacity"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Opacity == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "opacity is required"})
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := h.console.SetImageOpacity(ctx, *req.Opacity); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}
