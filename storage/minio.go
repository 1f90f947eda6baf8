package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"AudioDeck/config"
	"AudioDeck/core/store"
	"AudioDeck/logger"
	"AudioDeck/model"
)

// metaKey 对象元数据键，最终的请求头为 X-Amz-Meta-Deck-Meta
const metaKey = "Deck-Meta"

// MinioStore keeps track blobs as objects under <prefix>/<id>.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore 连接 MinIO，存储桶不存在时创建
func NewMinioStore(ctx context.Context, cfg *config.Config) (*MinioStore, error) {
	logger.Info("正在连接 MinIO 服务器...",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket),
		logger.String("region", cfg.MinioRegion))

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("成功创建存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	return &MinioStore{
		client: client,
		bucket: cfg.MinioBucket,
		prefix: strings.Trim(path.Join(cfg.MinioPrefix, cfg.SessionID), "/"),
	}, nil
}

func (s *MinioStore) objectName(id string) string {
	return path.Join(s.prefix, id)
}

// Prefix returns the object prefix of this session.
func (s *MinioStore) Prefix() string {
	return s.prefix
}

func encodeMeta(meta model.AssetMeta) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	// 元数据请求头只能是 ASCII，文件名可能包含中文
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeMeta(v string) (model.AssetMeta, error) {
	var meta model.AssetMeta
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(raw, &meta)
	return meta, err
}

// PutBinary 上传音频或图片数据
func (s *MinioStore) PutBinary(ctx context.Context, id string, meta model.AssetMeta, data []byte) error {
	encoded, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("编码元数据失败: %w", err)
	}
	contentType := meta.FileType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.objectName(id), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{metaKey: encoded},
	})
	if err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", id, err)
	}
	return nil
}

// GetBinary 下载数据，对象不存在时返回 store.ErrNotFound
func (s *MinioStore) GetBinary(ctx context.Context, id string) (model.AssetMeta, []byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(id), minio.GetObjectOptions{})
	if err != nil {
		return model.AssetMeta{}, nil, s.wrap(id, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return model.AssetMeta{}, nil, s.wrap(id, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return model.AssetMeta{}, nil, fmt.Errorf("读取对象 %s 失败: %w", id, err)
	}

	meta, err := decodeMeta(info.Metadata.Get("X-Amz-Meta-" + metaKey))
	if err != nil {
		return model.AssetMeta{}, nil, fmt.Errorf("解析对象 %s 元数据失败: %w", id, err)
	}
	return meta, data, nil
}

func (s *MinioStore) wrap(id string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("获取对象 %s 失败: %w", id, err)
}

// DeleteBinary removes one blob. Missing objects are not an error.
func (s *MinioStore) DeleteBinary(ctx context.Context, id string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.objectName(id), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", id, err)
	}
	return nil
}

// ClearAll 删除当前会话前缀下的所有对象
func (s *MinioStore) ClearAll(ctx context.Context) error {
	_, err := s.DeleteDirectory(ctx, s.prefix+"/")
	return err
}

// Ping checks that the bucket is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("bucket " + s.bucket + " does not exist")
	}
	return nil
}
