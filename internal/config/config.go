// Package config parses the broker's YAML configuration document and turns
// its declarative store/fabric sections into concrete instances, per
// SPEC_FULL.md §6: a top-level Broker section (node id, cluster flag, queue
// capacities, timeouts) plus Stores sections, each carrying a Kind
// discriminator (memory/sqlite/bbolt/redis/local) and a Params map.
//
// Grounded on the teacher's cmd/goqtt/main.go Config{Name, Version, Server}
// (os.ReadFile + yaml.Unmarshal into a plain struct), generalized from a
// single flat Server.Port field into the nested document this core's
// pluggable storage layer needs, and extended with a factory so
// cmd/brokerd doesn't hand-wire store construction itself.
package config

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/nodeforge/brokercore/pkg/archive"
	"github.com/nodeforge/brokercore/pkg/cluster"
	"github.com/nodeforge/brokercore/pkg/cluster/localfabric"
	"github.com/nodeforge/brokercore/pkg/cluster/redisfabric"
	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/logger"
	"github.com/nodeforge/brokercore/pkg/store"
	"github.com/nodeforge/brokercore/pkg/store/boltstore"
	"github.com/nodeforge/brokercore/pkg/store/memstore"
	"github.com/nodeforge/brokercore/pkg/store/sqlstore"
)

// Config is the root of the YAML document.
type Config struct {
	Broker Broker `yaml:"broker"`
	Stores Stores `yaml:"stores"`
}

// Broker holds node identity and the tunables spec.md §5 names: queue
// capacities, drain batch size, and purge/lock timeouts.
type Broker struct {
	NodeID             string        `yaml:"nodeId"`
	Listen             string        `yaml:"listen"`
	Cluster            bool          `yaml:"cluster"`
	QueueCapacity      int           `yaml:"queueCapacity"`
	DrainBatchSize     int           `yaml:"drainBatchSize"`
	PurgeInterval      time.Duration `yaml:"purgeInterval"`
	LockAcquireTimeout time.Duration `yaml:"lockAcquireTimeout"`
}

// StoreSection is a Kind-discriminated backend declaration.
type StoreSection struct {
	Kind   string            `yaml:"kind"`
	Params map[string]string `yaml:"params"`
}

// ArchiveGroupSection declares one named archive group (spec.md §4.5) and
// the backends its last-value/history writes land in.
type ArchiveGroupSection struct {
	Name             string         `yaml:"name"`
	Filters          []string       `yaml:"filters"`
	RetainedOnly     bool           `yaml:"retainedOnly"`
	PayloadFormat    string         `yaml:"payloadFormat"`
	LastVal          StoreSection   `yaml:"lastVal"`
	Archive          StoreSection   `yaml:"archive"`
	LastValRetention *time.Duration `yaml:"lastValRetention"`
	ArchiveRetention *time.Duration `yaml:"archiveRetention"`
	PurgeInterval    *time.Duration `yaml:"purgeInterval"`
}

// Stores bundles every pluggable backend the broker needs: the session
// store, the retained-message store, the Fabric (absent/"local" when
// clustering is disabled), and zero or more archive groups.
type Stores struct {
	Session  StoreSection          `yaml:"session"`
	Retained StoreSection          `yaml:"retained"`
	Fabric   StoreSection          `yaml:"fabric"`
	Archive  []ArchiveGroupSection `yaml:"archive"`
}

// Load reads and parses path, mirroring the teacher's
// os.ReadFile+yaml.Unmarshal main.go sequence but returning an error instead
// of panicking, since this is now library code rather than the entrypoint.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, brokerer.Wrap(brokerer.StoreUnavailable, "config.Load: read "+path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, brokerer.Wrap(brokerer.StoreUnavailable, "config.Load: parse "+path, err)
	}
	return &cfg, nil
}

// Closers collects every resource a Built set of stores opened, so
// cmd/brokerd can close them all on shutdown regardless of which Kinds were
// configured.
type Closers []func() error

// CloseAll closes every collected resource, returning the first error (if
// any) after attempting the rest.
func (c Closers) CloseAll() error {
	var first error
	for _, close := range c {
		if err := close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Built is everything a parsed Config resolves into: the concrete stores,
// the cluster Fabric, and the archive groups wired against them.
type Built struct {
	Sessions    store.SessionStore
	RetainedMsg store.MessageStore
	Fabric      cluster.Fabric
	Archives    []*archive.Group
	Closers     Closers
}

// Build resolves cfg into concrete store/fabric/archive-group instances.
// log is attached to every archive.Group it constructs; it may be nil.
func Build(ctx context.Context, cfg *Config, log *logger.Logger) (*Built, error) {
	built := &Built{}

	sessions, closeSessions, err := buildSessionStore(ctx, cfg.Stores.Session)
	if err != nil {
		return nil, err
	}
	built.Sessions = sessions
	if closeSessions != nil {
		built.Closers = append(built.Closers, closeSessions)
	}

	fabric, closeFabric, err := buildFabric(cfg.Stores.Fabric, cfg.Broker.NodeID)
	if err != nil {
		built.Closers.CloseAll()
		return nil, err
	}
	built.Fabric = fabric
	if closeFabric != nil {
		built.Closers = append(built.Closers, closeFabric)
	}

	boltDBs := make(map[string]*bolt.DB) // path -> shared handle, one per distinct bbolt file

	retainedMsg, retainedClosers, err := buildMessageStore(cfg.Stores.Retained, boltDBs)
	if err != nil {
		built.Closers.CloseAll()
		return nil, err
	}
	built.RetainedMsg = retainedMsg
	built.Closers = append(built.Closers, retainedClosers...)

	for _, sec := range cfg.Stores.Archive {
		group, closers, err := buildArchiveGroup(sec, fabric, log, boltDBs)
		if err != nil {
			built.Closers.CloseAll()
			return nil, err
		}
		built.Archives = append(built.Archives, group)
		built.Closers = append(built.Closers, closers...)
	}

	return built, nil
}

func buildSessionStore(ctx context.Context, sec StoreSection) (store.SessionStore, func() error, error) {
	switch sec.Kind {
	case "", "memory":
		return memstore.NewSessionStore(), nil, nil
	case "sqlite":
		db, err := sqlstore.Open(ctx, sec.Params["dsn"])
		if err != nil {
			return nil, nil, brokerer.Wrap(brokerer.StoreUnavailable, "buildSessionStore: sqlite", err)
		}
		return sqlstore.NewSessionStore(db), closeSQL(db), nil
	default:
		return nil, nil, brokerer.New(brokerer.StoreUnavailable, "buildSessionStore: unknown kind "+sec.Kind)
	}
}

func closeSQL(db *sql.DB) func() error { return db.Close }

func buildFabric(sec StoreSection, nodeID string) (cluster.Fabric, func() error, error) {
	switch sec.Kind {
	case "", "local":
		return localfabric.New(nodeID), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: sec.Params["addr"], Password: sec.Params["password"]})
		return redisfabric.New(nodeID, client), client.Close, nil
	default:
		return nil, nil, brokerer.New(brokerer.StoreUnavailable, "buildFabric: unknown kind "+sec.Kind)
	}
}

func buildArchiveGroup(sec ArchiveGroupSection, fabric cluster.Fabric, log *logger.Logger, boltDBs map[string]*bolt.DB) (*archive.Group, Closers, error) {
	var closers Closers

	lastVal, lvClosers, err := buildMessageStore(sec.LastVal, boltDBs)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, lvClosers...)

	arch, archClosers, err := buildMessageArchive(sec.Archive, sec.Name, boltDBs)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, archClosers...)

	cfg := store.ArchiveGroupConfig{
		Name:             sec.Name,
		Filters:          sec.Filters,
		RetainedOnly:     sec.RetainedOnly,
		PayloadFormat:    sec.PayloadFormat,
		LastValStoreKind: sec.LastVal.Kind,
		ArchiveStoreKind: sec.Archive.Kind,
		LastValRetention: sec.LastValRetention,
		ArchiveRetention: sec.ArchiveRetention,
		PurgeInterval:    sec.PurgeInterval,
	}
	return archive.NewGroup(cfg, lastVal, arch, fabric, log), closers, nil
}

func buildMessageStore(sec StoreSection, boltDBs map[string]*bolt.DB) (store.MessageStore, Closers, error) {
	switch sec.Kind {
	case "", "memory":
		return memstore.NewMessageStore(), nil, nil
	case "bbolt":
		db, isNew, err := openSharedBolt(sec.Params["path"], boltDBs)
		if err != nil {
			return nil, nil, err
		}
		var closers Closers
		if isNew {
			closers = append(closers, db.Close)
		}
		return boltstore.NewMessageStore(db), closers, nil
	default:
		return nil, nil, brokerer.New(brokerer.StoreUnavailable, "buildMessageStore: unknown kind "+sec.Kind)
	}
}

func buildMessageArchive(sec StoreSection, groupName string, boltDBs map[string]*bolt.DB) (store.MessageArchive, Closers, error) {
	switch sec.Kind {
	case "", "memory":
		maxRows, _ := strconv.Atoi(sec.Params["maxRows"])
		return memstore.NewMessageArchive(maxRows), nil, nil
	case "bbolt":
		db, isNew, err := openSharedBolt(sec.Params["path"], boltDBs)
		if err != nil {
			return nil, nil, err
		}
		var closers Closers
		if isNew {
			closers = append(closers, db.Close)
		}
		return boltstore.NewMessageArchive(db, groupName), closers, nil
	default:
		return nil, nil, brokerer.New(brokerer.StoreUnavailable, "buildMessageArchive: unknown kind "+sec.Kind)
	}
}

// openSharedBolt returns the already-open *bolt.DB for path if one exists
// (bbolt holds an exclusive file lock, so two archive groups pointed at the
// same file must share one handle), opening and caching it otherwise.
func openSharedBolt(path string, boltDBs map[string]*bolt.DB) (db *bolt.DB, isNew bool, err error) {
	if existing, ok := boltDBs[path]; ok {
		return existing, false, nil
	}
	db, err = boltstore.Open(path)
	if err != nil {
		return nil, false, brokerer.Wrap(brokerer.StoreUnavailable, "openSharedBolt: "+path, err)
	}
	boltDBs[path] = db
	return db, true, nil
}
