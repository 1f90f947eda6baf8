package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"AudioDeck/model"
)

// ErrRecordNotFound 台账中没有这个句柄
var ErrRecordNotFound = errors.New("asset record not found")

// AssetRepository 资源台账数据访问接口，同时满足 asset.Ledger
type AssetRepository interface {
	RecordUpload(ctx context.Context, rec *model.AssetRecord) error
	RecordRelease(ctx context.Context, handleID string, at time.Time) error

	GetByHandle(ctx context.Context, handleID string) (*model.AssetRecord, error)
	ListByTrack(ctx context.Context, trackID string) ([]*model.AssetRecord, error)
	// Unreleased 返回还没释放的句柄
	Unreleased(ctx context.Context) ([]*model.AssetRecord, error)
	// Overreleased 返回释放次数大于一次的句柄，正常情况下应为空
	Overreleased(ctx context.Context) ([]*model.AssetRecord, error)
}

// gormAssetRepository GORM 实现
type gormAssetRepository struct {
	db *gorm.DB
}

// NewGormAssetRepository 创建 GORM 资源台账
func NewGormAssetRepository(db *gorm.DB) AssetRepository {
	return &gormAssetRepository{db: db}
}

// RecordUpload 写入新句柄，同一句柄重复写入时覆盖文件信息
func (r *gormAssetRepository) RecordUpload(ctx context.Context, rec *model.AssetRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "handle_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"file_name", "file_type", "file_size", "digest"}),
	}).Create(rec).Error
}

// RecordRelease 记录一次释放，释放次数累加
func (r *gormAssetRepository) RecordRelease(ctx context.Context, handleID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.AssetRecord{}).
		Where("handle_id = ?", handleID).
		Updates(map[string]interface{}{
			"releases":    gorm.Expr("releases + 1"),
			"released_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, handleID)
	}
	return nil
}

// GetByHandle 根据句柄ID获取台账记录
func (r *gormAssetRepository) GetByHandle(ctx context.Context, handleID string) (*model.AssetRecord, error) {
	var rec model.AssetRecord
	err := r.db.WithContext(ctx).Where("handle_id = ?", handleID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, handleID)
		}
		return nil, err
	}
	return &rec, nil
}

// ListByTrack 某个音轨的全部历史句柄
func (r *gormAssetRepository) ListByTrack(ctx context.Context, trackID string) ([]*model.AssetRecord, error) {
	var recs []*model.AssetRecord
	err := r.db.WithContext(ctx).
		Where("track_id = ?", trackID).
		Order("created_at ASC").
		Find(&recs).Error
	return recs, err
}

func (r *gormAssetRepository) Unreleased(ctx context.Context) ([]*model.AssetRecord, error) {
	var recs []*model.AssetRecord
	err := r.db.WithContext(ctx).
		Where("releases = 0").
		Order("created_at ASC").
		Find(&recs).Error
	return recs, err
}

func (r *gormAssetRepository) Overreleased(ctx context.Context) ([]*model.AssetRecord, error) {
	var recs []*model.AssetRecord
	err := r.db.WithContext(ctx).
		Where("releases > 1").
		Order("created_at ASC").
		Find(&recs).Error
	return recs, err
}

// memoryAssetRepository 内存实现，测试和未启用数据库时使用
type memoryAssetRepository struct {
	mu     sync.Mutex
	nextID int64
	recs   map[string]*model.AssetRecord
}

// NewMemoryAssetRepository 创建内存资源台账
func NewMemoryAssetRepository() AssetRepository {
	return &memoryAssetRepository{recs: make(map[string]*model.AssetRecord)}
}

func (m *memoryAssetRepository) RecordUpload(_ context.Context, rec *model.AssetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.recs[rec.HandleID]; ok {
		cur.FileName, cur.FileType, cur.FileSize, cur.Digest = rec.FileName, rec.FileType, rec.FileSize, rec.Digest
		return nil
	}
	m.nextID++
	cp := *rec
	cp.ID = m.nextID
	rec.ID = cp.ID
	m.recs[rec.HandleID] = &cp
	return nil
}

func (m *memoryAssetRepository) RecordRelease(_ context.Context, handleID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[handleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, handleID)
	}
	rec.Releases++
	rec.ReleasedAt = &at
	return nil
}

func (m *memoryAssetRepository) GetByHandle(_ context.Context, handleID string) (*model.AssetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[handleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, handleID)
	}
	cp := *rec
	return &cp, nil
}

func (m *memoryAssetRepository) ListByTrack(_ context.Context, trackID string) ([]*model.AssetRecord, error) {
	return m.filter(func(r *model.AssetRecord) bool { return r.TrackID == trackID }), nil
}

func (m *memoryAssetRepository) Unreleased(_ context.Context) ([]*model.AssetRecord, error) {
	return m.filter(func(r *model.AssetRecord) bool { return r.Releases == 0 }), nil
}

func (m *memoryAssetRepository) Overreleased(_ context.Context) ([]*model.AssetRecord, error) {
	return m.filter(func(r *model.AssetRecord) bool { return r.Releases > 1 }), nil
}

func (m *memoryAssetRepository) filter(keep func(*model.AssetRecord) bool) []*model.AssetRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AssetRecord
	for _, r := range m.recs {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
