package memstore

import (
	"context"
	"sync"

	"github.com/nodeforge/brokercore/pkg/store"
)

// ConfigStore is an in-memory store.ConfigStore holding named archive-group
// definitions.
type ConfigStore struct {
	mu     sync.RWMutex
	groups map[string]store.ArchiveGroupConfig
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{groups: make(map[string]store.ArchiveGroupConfig)}
}

func (s *ConfigStore) SaveArchiveGroup(ctx context.Context, cfg store.ArchiveGroupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[cfg.Name] = cfg
	return nil
}

func (s *ConfigStore) GetArchiveGroup(ctx context.Context, name string) (*store.ArchiveGroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.groups[name]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (s *ConfigStore) DeleteArchiveGroup(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, name)
	return nil
}

func (s *ConfigStore) ListArchiveGroups(ctx context.Context) ([]store.ArchiveGroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.ArchiveGroupConfig, 0, len(s.groups))
	for _, cfg := range s.groups {
		out = append(out, cfg)
	}
	return out, nil
}

var _ store.ConfigStore = (*ConfigStore)(nil)
