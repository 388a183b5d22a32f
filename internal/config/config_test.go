package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nodeforge/brokercore/pkg/broker"
)

const testYAML = `
broker:
  nodeId: node-a
  listen: ":1883"
  cluster: false
  queueCapacity: 5000
  drainBatchSize: 500
stores:
  session:
    kind: memory
  fabric:
    kind: local
  archive:
    - name: sensors
      filters: ["sensors/#"]
      retainedOnly: true
      payloadFormat: JSON
      lastVal:
        kind: memory
      archive:
        kind: memory
`

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ParsesBrokerAndStores(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.NodeID != "node-a" {
		t.Fatalf("expected node-a, got %q", cfg.Broker.NodeID)
	}
	if cfg.Broker.QueueCapacity != 5000 {
		t.Fatalf("expected 5000, got %d", cfg.Broker.QueueCapacity)
	}
	if len(cfg.Stores.Archive) != 1 || cfg.Stores.Archive[0].Name != "sensors" {
		t.Fatalf("expected 1 archive group named sensors, got %+v", cfg.Stores.Archive)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestBuild_WiresMemoryBackedStoresAndArchiveGroup(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	built, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer built.Closers.CloseAll()

	if built.Sessions == nil {
		t.Fatal("expected a SessionStore")
	}
	if built.Fabric == nil || built.Fabric.NodeID() != "node-a" {
		t.Fatal("expected a local Fabric with NodeID node-a")
	}
	if len(built.Archives) != 1 {
		t.Fatalf("expected 1 archive group, got %d", len(built.Archives))
	}
	msg := broker.Message{TopicName: "sensors/t1", Payload: []byte("22.5"), RetainFlag: true}
	if !built.Archives[0].Accept(msg) {
		t.Fatal("expected the configured archive group to accept a retained sensors/# message")
	}
}
