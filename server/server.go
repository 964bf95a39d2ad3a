package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"gridkv/internal/config"
	"gridkv/internal/gridmanager"
	"gridkv/internal/logger"
	"gridkv/internal/topology"
	"gridkv/internal/transport/grpcnode"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func Init() {
	slog.SetDefault(logger.New(config.Config.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	go handleShutdown(cancel)

	if err := Run(ctx, config.Config); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

// Run starts the grid node and its listeners and blocks until ctx is done
// or one of them fails.
func Run(ctx context.Context, cfg *config.GridConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	gm, shutdown, err := startNode(ctx, g, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, cfg.Port))
	if err != nil {
		return fmt.Errorf("listen for commands: %w", err)
	}
	slog.Info("Server started", "host", cfg.Host, "port", cfg.Port, "node", cfg.NodeID)

	g.Go(func() error {
		return NewCommandServer(gm).Serve(ctx, ln)
	})
	return g.Wait()
}

// startNode builds this node. Without peers the whole grid runs in process.
func startNode(ctx context.Context, g *errgroup.Group, cfg *config.GridConfig) (*gridmanager.GridManager, func(), error) {
	if !cfg.Clustered() {
		cluster, err := gridmanager.NewLocalCluster(ctx, cfg.Grid(), cfg.NodeID)
		if err != nil {
			return nil, nil, err
		}
		return cluster.Node(cfg.NodeID), cluster.Close, nil
	}

	holder := topology.NewHolder(nil)
	t := grpcnode.NewTransport(holder)
	gm := gridmanager.NewGridManager(cfg.Grid(), holder, t)

	ln, err := net.Listen("tcp", cfg.GrpcAddr)
	if err != nil {
		_ = t.Close()
		return nil, nil, fmt.Errorf("listen for peers: %w", err)
	}
	srv := grpcnode.NewServer(gm.Handler())
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("node protocol server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.GracefulStop()
		return nil
	})
	slog.Info("Node protocol listening", "addr", cfg.GrpcAddr)

	names := make([]string, 0, len(cfg.Peers))
	for name := range cfg.Peers {
		names = append(names, name)
	}
	slices.Sort(names)
	view, err := topology.RoundRobin(1, cfg.Partitions, names, cfg.Peers)
	if err != nil {
		return nil, nil, err
	}
	if err := gm.InstallTopology(ctx, view); err != nil {
		return nil, nil, err
	}

	shutdown := func() {
		gm.Close()
		if err := t.Close(); err != nil {
			slog.Warn("closing peer connections", "error", err)
		}
	}
	return gm, shutdown, nil
}

func handleShutdown(contextCancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("Received shutdown signal")
	contextCancel()
}
