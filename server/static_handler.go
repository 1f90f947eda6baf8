package server

import (
	"bytes"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"AudioDeck/core/asset"
	"AudioDeck/logger"
)

// MediaHandler 提供已上传资源的字节流，支持 Range
type MediaHandler struct {
	assets *asset.Service
}

// NewMediaHandler 创建 MediaHandler 实例
func NewMediaHandler(assets *asset.Service) *MediaHandler {
	return &MediaHandler{assets: assets}
}

// ServeHTTP 实现 http.Handler 接口
func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	handle, err := h.assets.Lookup(id)
	if err != nil {
		if !errors.Is(err, asset.ErrHandleNotFound) {
			logger.Error("查找资源失败", logger.String("id", id), logger.ErrorField(err))
		}
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	meta := handle.Meta()
	w.Header().Set("Content-Type", detectContentType(meta.FileName, meta.FileType))
	// 同一 id 替换后内容会变，不能长期缓存
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, meta.FileName, meta.CreatedAt, bytes.NewReader(handle.Bytes()))
}

// detectContentType 优先使用上传时记录的类型，其次按扩展名
func detectContentType(name, declared string) string {
	if declared != "" {
		return declared
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
