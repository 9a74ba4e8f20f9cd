package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/londonhackspace/acserver/internal/acl"
	"github.com/londonhackspace/acserver/internal/apikey"
	"github.com/londonhackspace/acserver/internal/carddb"
	"github.com/londonhackspace/acserver/internal/config"
	"github.com/londonhackspace/acserver/internal/eventlog"
	"github.com/londonhackspace/acserver/internal/grpcapi"
	"github.com/londonhackspace/acserver/internal/httpapi"
	"github.com/londonhackspace/acserver/internal/migrate"
	"github.com/londonhackspace/acserver/internal/obs"
	"github.com/londonhackspace/acserver/internal/store/pg"
	"github.com/londonhackspace/acserver/internal/stream"
)

var (
	version = "dev"
	commit  = "none"
)

type store interface {
	acl.Store
	acl.Admin
}

func main() {
	configPath := flag.StringP("config", "c", os.Getenv("ACSERVER_CONFIG"), "path to YAML config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("acserver %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acserver: %v\n", err)
		os.Exit(2)
	}

	logger := obs.MustBuildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("acserver stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.CardDB.Path != "" {
		syncer := &carddb.Syncer{
			Path:     cfg.CardDB.Path,
			Admin:    st,
			Interval: cfg.CardDB.Interval,
			Logger:   logger.Named("carddb"),
		}
		go func() { _ = syncer.Run(ctx) }()
	}

	events := eventlog.Open(ctx, cfg.ClickHouseDSN, logger.Named("events"))
	defer events.Close()

	hub := stream.New()
	svc := acl.NewService(st, acl.WithEventSink(acl.Sinks{events, hub}))

	opts := []httpapi.Option{
		httpapi.WithEventStream(hub),
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSecond),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	}
	if cfg.APIKeySecret != "" {
		keys, err := apikey.New(cfg.APIKeySecret)
		if err != nil {
			return err
		}
		opts = append(opts, httpapi.WithAPIKeys(keys))
	} else {
		logger.Warn("no api key secret configured; /api/ endpoints will refuse every request")
	}
	api := httpapi.New(svc, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	var health *grpcapi.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		health = grpcapi.New(svc, logger.Named("grpc"))
		go health.Watch(ctx, 10*time.Second)
		go func() {
			logger.Info("grpc health listening", zap.String("addr", cfg.GRPC.Addr))
			if err := health.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if health != nil {
		health.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Store, logger *zap.Logger) (store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		s, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		mgr := migrate.NewManager(s.DB())
		if cfg.Migrate {
			if err := mgr.Up(ctx); err != nil {
				_ = s.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		if cfg.Seed {
			if err := mgr.Seed(ctx); err != nil {
				_ = s.Close()
				return nil, nil, fmt.Errorf("seed: %w", err)
			}
		}
		logger.Info("store ready", zap.String("driver", "postgres"))
		return s, func() { _ = s.Close() }, nil
	default:
		s := acl.NewInMemory()
		if cfg.Seed {
			if err := acl.SeedReference(ctx, s); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("store ready", zap.String("driver", "memory"), zap.Bool("seeded", cfg.Seed))
		return s, func() {}, nil
	}
}
