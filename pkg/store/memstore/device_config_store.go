package memstore

import (
	"context"
	"sync"

	"github.com/nodeforge/brokercore/pkg/store"
)

// DeviceConfigStore is an in-memory store.DeviceConfigStore, keyed by device
// name.
type DeviceConfigStore struct {
	mu      sync.RWMutex
	devices map[string]store.DeviceConfig
}

func NewDeviceConfigStore() *DeviceConfigStore {
	return &DeviceConfigStore{devices: make(map[string]store.DeviceConfig)}
}

func (s *DeviceConfigStore) SaveDevice(ctx context.Context, cfg store.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[cfg.Name] = cfg
	return nil
}

func (s *DeviceConfigStore) GetDevice(ctx context.Context, name string) (*store.DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.devices[name]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (s *DeviceConfigStore) DeleteDevice(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, name)
	return nil
}

func (s *DeviceConfigStore) GetEnabledDevicesByNode(ctx context.Context, nodeID string) ([]store.DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.DeviceConfig
	for _, cfg := range s.devices {
		if cfg.Enabled && cfg.NodeID == nodeID {
			out = append(out, cfg)
		}
	}
	return out, nil
}

var _ store.DeviceConfigStore = (*DeviceConfigStore)(nil)
