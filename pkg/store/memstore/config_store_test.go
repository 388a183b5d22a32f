package memstore

import (
	"context"
	"testing"

	"github.com/nodeforge/brokercore/pkg/store"
)

func TestDeviceConfigStore_SaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewDeviceConfigStore()

	cfg := store.DeviceConfig{Name: "plc-1", NodeID: "node-a", Enabled: true, Params: map[string]string{"host": "10.0.0.1"}}
	if err := s.SaveDevice(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDevice(ctx, "plc-1")
	if err != nil || got == nil || got.NodeID != "node-a" {
		t.Fatalf("expected saved device, got %+v, err %v", got, err)
	}

	if err := s.DeleteDevice(ctx, "plc-1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetDevice(ctx, "plc-1")
	if err != nil || got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestDeviceConfigStore_GetEnabledDevicesByNode(t *testing.T) {
	ctx := context.Background()
	s := NewDeviceConfigStore()
	_ = s.SaveDevice(ctx, store.DeviceConfig{Name: "d1", NodeID: "node-a", Enabled: true})
	_ = s.SaveDevice(ctx, store.DeviceConfig{Name: "d2", NodeID: "node-a", Enabled: false})
	_ = s.SaveDevice(ctx, store.DeviceConfig{Name: "d3", NodeID: "node-b", Enabled: true})

	got, err := s.GetEnabledDevicesByNode(ctx, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "d1" {
		t.Fatalf("expected only d1, got %+v", got)
	}
}

func TestConfigStore_ArchiveGroups(t *testing.T) {
	ctx := context.Background()
	s := NewConfigStore()
	cfg := store.ArchiveGroupConfig{Name: "grp1", Filters: []string{"sensor/#"}, PayloadFormat: "JSON"}
	if err := s.SaveArchiveGroup(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetArchiveGroup(ctx, "grp1")
	if err != nil || got == nil || got.PayloadFormat != "JSON" {
		t.Fatalf("expected saved group, got %+v, err %v", got, err)
	}
	list, err := s.ListArchiveGroups(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 listed group, got %v, err %v", list, err)
	}
	if err := s.DeleteArchiveGroup(ctx, "grp1"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetArchiveGroup(ctx, "grp1")
	if err != nil || got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}
