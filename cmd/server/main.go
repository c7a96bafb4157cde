package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/textsync/pkg/config"
	"github.com/astromechza/textsync/pkg/coordinator"
	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/hub"
	"github.com/astromechza/textsync/pkg/mirror"
	"github.com/astromechza/textsync/pkg/presence"
	"github.com/astromechza/textsync/pkg/redisbus"
	"github.com/astromechza/textsync/pkg/server"
	"github.com/astromechza/textsync/pkg/store/postgres"
	"github.com/astromechza/textsync/pkg/store/sqlite"
	"github.com/astromechza/textsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type closingStore interface {
	history.Store
	io.Closer
}

func openStore(ctx context.Context, cfg config.Store) (history.Store, func() error, error) {
	var s closingStore
	var err error
	switch cfg.Driver {
	case "memory":
		return history.NewMemoryStore(), func() error { return nil }, nil
	case "postgres":
		s, err = postgres.Open(ctx, cfg.URL)
	default:
		s, err = sqlite.Open(cfg.Path)
	}
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func mainInner() error {
	configVar := flag.String("config", "", "an optional yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides server.addr")
	dumpVar := flag.String("dump", "", "a directory to export every document's history to on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))
	if *addrVar != "" {
		cfg.Server.Addr = *addrVar
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening store", "driver", cfg.Store.Driver)
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Error("failed to close store", "err", err)
		}
	}()

	hl, err := history.NewLog(store, cfg.HistoryConfig(slog.Default()))
	if err != nil {
		return err
	}
	h := hub.New(cfg.Server.HubBuffer, slog.Default())

	wg := new(sync.WaitGroup)

	// With redis every process commits to the shared store and hears the others' changes through the bus;
	// Follow catches the local documents up before the change reaches local subscribers.
	var broadcaster coordinator.Broadcaster = h
	var bus *redisbus.Bus
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		bus = redisbus.New(client, slog.Default())
		broadcaster = bus
	}

	coord, err := coordinator.New(coordinator.Config{Log: hl, Broadcaster: broadcaster, Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer coord.Close()

	if bus != nil {
		sub, err := bus.Subscribe(ctx)
		if err != nil {
			return err
		}
		defer sub.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Relay(ctx, coord.Follow(h)); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("redis relay stopped", "err", err)
			}
		}()
		slog.Info("Fanning out through redis", "addr", cfg.Redis.Addr)
	}

	if lister, ok := store.(history.Lister); ok {
		ids, err := lister.Documents(ctx)
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}
		for _, id := range ids {
			if _, err := coord.Open(ctx, id); err != nil {
				slog.Error("failed to restore document", "document", id, "err", err)
			}
		}
		slog.Info("Restored documents", "count", len(coord.Documents()))
	}

	tracker := presence.NewTracker(cfg.Heartbeat.Interval, presence.WithLogger(slog.Default()))
	srv := server.New(coord, h, tracker, server.HeaderIdentifier{}, cfg.ServerConfig(slog.Default()))

	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Run(ctx, cfg.Server.PresenceSweep, srv.ExpirePresence)
	}()

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Router()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()
	srv.Close()
	wg.Wait()

	if *dumpVar != "" {
		dump(context.Background(), store, coord.Documents(), *dumpVar)
	}
	return nil
}

// dump writes each document's history as an automerge file and an svg of its change graph.
func dump(ctx context.Context, store history.Store, ids []string, dir string) {
	for _, id := range ids {
		doc, err := mirror.ExportStore(ctx, store, id)
		if err != nil {
			slog.Error("failed to export", "document", id, "err", err)
			continue
		}
		base := filepath.Join(dir, filepath.Base(id))
		if err := os.WriteFile(base+".automerge", doc.Save(), 0o644); err != nil {
			slog.Error("failed to dump", "document", id, "err", err)
			continue
		}
		if err := viz.RenderToFile(doc, base+".svg"); err != nil {
			slog.Error("failed to render", "document", id, "err", err)
			continue
		}
		slog.Info("dumped", "document", id, "path", "file://"+base+".svg")
	}
}
