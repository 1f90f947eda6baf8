package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"AudioDeck/logger"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
	ByType       map[string]int64
}

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// ListObjects 列出前缀下的对象，按 key 排序
func (s *MinioStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, *BucketStats, error) {
	if prefix == "" {
		prefix = s.prefix + "/"
	}
	stats := &BucketStats{ByType: make(map[string]int64)}
	var objects []ObjectInfo

	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		contentType := object.ContentType
		if contentType == "" {
			contentType = object.UserMetadata["content-type"]
		}
		stats.ByType[kindOf(contentType)] += object.Size

		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  contentType,
			ETag:         object.ETag,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, stats, nil
}

func kindOf(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	default:
		return "other"
	}
}

// DeleteDirectory 递归删除前缀下的所有对象，返回删除的数量
func (s *MinioStore) DeleteDirectory(ctx context.Context, prefix string) (int, error) {
	if prefix == "" || prefix == "/" {
		return 0, fmt.Errorf("拒绝删除整个存储桶")
	}
	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var objectsToDelete []minio.ObjectInfo
	for object := range objectCh {
		if object.Err != nil {
			return 0, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		objectsToDelete = append(objectsToDelete, object)
	}
	if len(objectsToDelete) == 0 {
		return 0, nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(objectsToDelete))
	go func() {
		defer close(objectsCh)
		for _, obj := range objectsToDelete {
			objectsCh <- obj
		}
	}()

	errorsCh := s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{})
	for err := range errorsCh {
		if err.Err != nil {
			return 0, fmt.Errorf("删除对象 %s 失败: %w", err.ObjectName, err.Err)
		}
	}

	logger.Info("删除目录完成", logger.String("prefix", prefix), logger.Int("count", len(objectsToDelete)))
	return len(objectsToDelete), nil
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
