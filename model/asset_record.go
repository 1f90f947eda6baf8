package model

import "time"

// AssetRecord 资源台账，记录每个句柄的上传、替换与释放
type AssetRecord struct {
	ID         int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	HandleID   string     `json:"handleId" gorm:"size:64;uniqueIndex;not null"`
	TrackID    string     `json:"trackId" gorm:"size:64;index;not null"`
	Category   Category   `json:"category" gorm:"size:16;not null"`
	FileName   string     `json:"fileName" gorm:"size:255"`
	FileType   string     `json:"fileType" gorm:"size:100"`
	FileSize   int64      `json:"fileSize"`
	Digest     string     `json:"digest" gorm:"size:64"`
	Releases   int        `json:"releases" gorm:"default:0"`
	CreatedAt  time.Time  `json:"createdAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// TableName 指定表名
func (AssetRecord) TableName() string {
	return "deck_assets"
}
