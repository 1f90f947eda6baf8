package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/quasilyte/gdata"

	"AudioDeck/core/store"
)

// LocalSnapshotStore keeps the snapshot in the per-user data directory, for
// running without redis on a single machine.
type LocalSnapshotStore struct {
	mu      sync.Mutex
	manager *gdata.Manager
	item    string
}

// NewLocalSnapshotStore 打开本地数据目录
func NewLocalSnapshotStore(appName, session string) (*LocalSnapshotStore, error) {
	m, err := gdata.Open(gdata.Config{
		AppName: appName,
	})
	if err != nil {
		return nil, fmt.Errorf("open local data dir: %w", err)
	}
	return &LocalSnapshotStore{manager: m, item: "snapshot_" + session}, nil
}

func (s *LocalSnapshotStore) PutSnapshot(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.manager.SaveItem(s.item, data); err != nil {
		return fmt.Errorf("save local snapshot: %w", err)
	}
	return nil
}

func (s *LocalSnapshotStore) GetSnapshot(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.manager.LoadItem(s.item)
	if err != nil {
		return nil, fmt.Errorf("load local snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, store.ErrNotFound
	}
	return data, nil
}

// DeleteSnapshot 写入空数据表示删除
func (s *LocalSnapshotStore) DeleteSnapshot(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.manager.SaveItem(s.item, nil); err != nil {
		return fmt.Errorf("clear local snapshot: %w", err)
	}
	return nil
}
