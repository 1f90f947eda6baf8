// Package watcher turns a folder on disk into an upload source: files dropped
// into <root>/bgm, <root>/sfx or <root>/win are loaded into that category.
package watcher

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"AudioDeck/core/asset"
	"AudioDeck/core/console"
	"AudioDeck/logger"
	"AudioDeck/model"
)

// DefaultSettle 最后一个文件事件之后等待多久再上传
const DefaultSettle = 500 * time.Millisecond

var categories = []model.Category{model.CategoryBGM, model.CategorySFX, model.CategoryWin}

// Uploader is the console side of the drop folder.
type Uploader interface {
	UploadTracks(ctx context.Context, cat model.Category, ups []console.Upload) (model.IngestResult, error)
}

// DropFolder watches the category folders under root.
type DropFolder struct {
	root     string
	settle   time.Duration
	uploader Uploader
	watcher  *fsnotify.Watcher
	log      *zap.Logger

	mu      sync.Mutex
	pending map[model.Category]map[string]struct{}
	seen    map[string]time.Time // path -> 已上传文件的修改时间
	once    sync.Once
}

// New creates the category folders and starts watching them.
func New(root string, uploader Uploader, settle time.Duration) (*DropFolder, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	d := &DropFolder{
		root:     root,
		settle:   settle,
		uploader: uploader,
		watcher:  w,
		log:      logger.Named("dropfolder"),
		pending:  make(map[model.Category]map[string]struct{}),
		seen:     make(map[string]time.Time),
	}
	for _, cat := range categories {
		dir := filepath.Join(root, string(cat))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.Close()
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return d, nil
}

// Close stops watching.
func (d *DropFolder) Close() error {
	var err error
	d.once.Do(func() { err = d.watcher.Close() })
	return err
}

// Run processes file events until ctx is done.
func (d *DropFolder) Run(ctx context.Context) error {
	defer d.Close()
	d.log.Info("拖放目录已启动", logger.String("root", d.root))

	settle := time.NewTimer(d.settle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if d.track(event.Name) {
				settle.Reset(d.settle)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("文件监听错误", logger.ErrorField(err))
		case <-settle.C:
			d.flush(ctx)
		}
	}
}

// track records a changed path. New sub-directories are watched and queued
// whole, since files may land in them before the watch is added.
func (d *DropFolder) track(path string) bool {
	cat, ok := d.categoryOf(path)
	if !ok || strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		// Rename 的源路径已经不存在
		return false
	}
	if info.IsDir() {
		if err := d.watcher.Add(path); err != nil {
			d.log.Warn("监听子目录失败", logger.String("dir", path), logger.ErrorField(err))
		}
	} else if !asset.IsAudio(path, "") {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[cat] == nil {
		d.pending[cat] = make(map[string]struct{})
	}
	d.pending[cat][path] = struct{}{}
	return true
}

func (d *DropFolder) categoryOf(path string) (model.Category, bool) {
	rel, err := filepath.Rel(d.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	cat, ok := model.ParseCategory(first)
	if !ok || !cat.IsAudio() || rel == first {
		return "", false
	}
	return cat, true
}

func (d *DropFolder) flush(ctx context.Context) {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[model.Category]map[string]struct{})
	d.mu.Unlock()

	for _, cat := range categories {
		paths := make([]string, 0, len(batch[cat]))
		for p := range batch[cat] {
			paths = append(paths, p)
		}
		if len(paths) == 0 {
			continue
		}
		d.upload(ctx, cat, paths)
	}
}

func (d *DropFolder) upload(ctx context.Context, cat model.Category, paths []string) {
	files, err := asset.CollectAudioFiles(paths)
	if err != nil {
		d.log.Warn("收集音频文件失败", logger.String("category", string(cat)), logger.ErrorField(err))
	}

	var ups []console.Upload
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if mt, ok := d.seen[f]; ok && mt.Equal(info.ModTime()) {
			continue
		}
		data, err := os.ReadFile(f)
		if err != nil {
			d.log.Warn("读取文件失败", logger.String("file", f), logger.ErrorField(err))
			continue
		}
		d.seen[f] = info.ModTime()
		ups = append(ups, console.Upload{
			Name:        filepath.Base(f),
			ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(f))),
			Data:        data,
		})
	}
	if len(ups) == 0 {
		return
	}

	res, err := d.uploader.UploadTracks(ctx, cat, ups)
	if err != nil {
		d.log.Error("拖放上传失败", logger.String("category", string(cat)), logger.ErrorField(err))
		return
	}
	d.log.Info("拖放上传完成",
		logger.String("category", string(cat)),
		logger.Int("accepted", len(res.Accepted)),
		logger.Int("rejected", res.Rejected),
		logger.Int("failed", len(res.Failed)))
}
