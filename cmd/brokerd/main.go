// Command brokerd is the broker-core process entrypoint: it loads the YAML
// configuration, builds the configured stores/fabric/archive-groups, wires
// the Session Handler and Delivery State Machine together, and runs until
// signaled.
//
// Grounded on the teacher's cmd/goqtt/main.go (os.ReadFile+yaml.Unmarshal
// config, context+signal.NotifyContext graceful shutdown with a bounded
// drain delay), generalized from a single TCP listener start/stop into this
// core's multi-component lifecycle. The MQTT wire codec and the actual
// client-socket transport are out of scope (spec.md §1: "external
// collaborators, mentioned only by interface") — brokerd runs the broker
// core against a pluggable Transport hook that a wire-codec package
// supplies; this binary ships a logging no-op Transport so the process is
// runnable and observable standalone.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nodeforge/brokercore/internal/config"
	"github.com/nodeforge/brokercore/pkg/broker"
	"github.com/nodeforge/brokercore/pkg/delivery"
	"github.com/nodeforge/brokercore/pkg/logger"
	"github.com/nodeforge/brokercore/pkg/retained"
	"github.com/nodeforge/brokercore/pkg/session"
)

// noopTransport is the placeholder Sender/Online pair until a wire-codec
// package is wired in: every client is reported offline, so QoS 0 publishes
// are silently dropped and QoS >= 1 publishes sit durably PENDING, which is
// the correct degrade (spec.md §4.6) rather than a panic or a fabricated
// socket write.
type noopTransport struct {
	log *logger.Logger
}

func (t noopTransport) online(clientID string) bool { return false }

func (t noopTransport) send(ctx context.Context, clientID string, msg broker.QueuedMessage) error {
	t.log.LogError(nil, "send attempted with no transport configured", slog.String("clientId", clientID))
	return nil
}

func main() {
	configPath := flag.String("config", "config.yml", "path to the broker YAML configuration")
	flag.Parse()

	log := logger.New(logger.Config{
		Level:     logger.LevelInfo,
		Format:    "json",
		Component: "brokerd",
		Service:   "brokercore",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load configuration", slog.String("path", *configPath), slog.String("error", err.Error()))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := config.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to build configured stores", slog.String("error", err.Error()))
		return
	}
	defer func() {
		if err := built.Closers.CloseAll(); err != nil {
			log.LogError(err, "error closing stores during shutdown")
		}
		if built.Fabric != nil {
			_ = built.Fabric.Close()
		}
	}()

	transport := noopTransport{log: log}
	retainedHandler := retained.NewHandler(built.RetainedMsg, nil, cfg.Broker.QueueCapacity, log)
	deliveryMachine := delivery.NewMachine(built.Sessions, transport.send, transport.online, log)

	handler := session.NewHandler(session.Config{
		NodeID:   cfg.Broker.NodeID,
		Sessions: built.Sessions,
		Retained: retainedHandler,
		Archives: built.Archives,
		Delivery: deliveryMachine,
		Fabric:   built.Fabric,
		Local:    transport.online,
		Capacity: cfg.Broker.QueueCapacity,
		Log:      log,
	})

	if err := handler.Rebuild(ctx); err != nil {
		log.Fatal("failed to rebuild session handler routing table", slog.String("error", err.Error()))
		return
	}
	unsubscribeBus, err := handler.Start(ctx)
	if err != nil {
		log.Fatal("failed to start session handler bus subscriptions", slog.String("error", err.Error()))
		return
	}
	defer unsubscribeBus()

	log.Info("brokerd started",
		slog.String("nodeId", cfg.Broker.NodeID),
		slog.Bool("cluster", cfg.Broker.Cluster),
		slog.Int("archiveGroups", len(built.Archives)))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return retainedHandler.Run(egCtx) })
	eg.Go(func() error { return handler.Run(egCtx) })
	eg.Go(func() error { return deliveryMachine.RunPeriodicPurge(egCtx, cfg.Broker.PurgeInterval) })
	for _, group := range built.Archives {
		group := group
		eg.Go(func() error { return group.RunRetentionLoop(egCtx) })
	}

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	time.Sleep(time.Second)

	_ = eg.Wait() // every loop above returns ctx.Err() on cancellation; nothing else to surface
	log.Info("brokerd shutdown complete")
}
