package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/astromechza/stock-sync/pkg/config"
	"github.com/astromechza/stock-sync/pkg/coordinator"
	"github.com/astromechza/stock-sync/pkg/server"
	"github.com/astromechza/stock-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return newRootCommand().Execute()
}

type options struct {
	configPath   string
	addr         string
	database     string
	initialStock int64
	redisAddr    string
	dumpOnExit   bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "stock-server",
		Short:         "Serve the shared stock counter",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(opts.configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = opts.addr
			}
			if flags.Changed("db") {
				cfg.Server.Database = opts.database
			}
			if flags.Changed("initial-stock") {
				cfg.Server.InitialStock = opts.initialStock
			}
			if flags.Changed("redis") {
				cfg.Server.RedisAddr = opts.redisAddr
			}
			if flags.Changed("dump") {
				cfg.Server.DumpOnExit = opts.dumpOnExit
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "the address to listen on")
	cmd.Flags().StringVar(&opts.database, "db", "", "path to the sqlite database")
	cmd.Flags().Int64Var(&opts.initialStock, "initial-stock", 0, "stock to seed a new store with")
	cmd.Flags().StringVar(&opts.redisAddr, "redis", "", "redis address for fan-out between instances")
	cmd.Flags().BoolVar(&opts.dumpOnExit, "dump", false, "dump the doc and render its history on exit")
	return cmd
}

func run(cfg config.Config) error {
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database", "path", cfg.Server.Database)
	persist, err := server.OpenPersistence(cfg.Server.Database)
	if err != nil {
		return err
	}
	defer persist.Close()

	instance := uuid.New()
	s, err := server.New(ctx, server.Options{
		StoreID:      cfg.Server.Store,
		Topic:        cfg.Server.Topic,
		InitialStock: cfg.Server.InitialStock,
		ActorID:      hex.EncodeToString(instance[:]),
	}, persist)
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.Server.RedisAddr != "" {
		fanout, err := server.NewRedisFanout(ctx, cfg.Server.RedisAddr, cfg.Server.RedisChannel, instance.String())
		if err != nil {
			return err
		}
		defer fanout.Close()
		s.UseFanout(ctx, fanout)
		slog.Info("fanning out through redis", "addr", cfg.Server.RedisAddr, "channel", cfg.Server.RedisChannel)
	}

	wg := new(sync.WaitGroup)

	if interval := cfg.Server.Backup(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunBackups(ctx, interval)
		}()
	}

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: s.Router()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()
	slog.Info("listening", "addr", cfg.Server.Addr, "topic", cfg.Server.Topic)

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	if cfg.Server.DumpOnExit {
		dump(s, cfg.Server.Store)
	}
	return nil
}

func dump(s *server.Server, storeID string) {
	raw := s.Store().EncodeState()
	tf := filepath.Join(os.TempDir(), s.Store().ActorID()+".automerge")
	if err := os.WriteFile(tf, raw, 0o644); err != nil {
		slog.Error("failed to dump", "store", storeID, "err", err)
		return
	}
	slog.Info("dumped", "store", storeID, "path", tf)

	steps, err := viz.History(raw, coordinator.StockKey)
	if err != nil {
		slog.Error("failed to read history", "store", storeID, "err", err)
		return
	}
	if svgPath, err := viz.RenderToTemp(steps); err != nil {
		slog.Error("failed to render", "store", storeID, "err", err)
	} else {
		slog.Info("rendered", "store", storeID, "path", "file://"+svgPath)
	}
}
