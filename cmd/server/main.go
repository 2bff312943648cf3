package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/andy6609/lanchat/internal/chat"
	"github.com/andy6609/lanchat/internal/config"
	"github.com/andy6609/lanchat/internal/directory"
	"github.com/andy6609/lanchat/internal/mirror"
)

func main() {
	configPath := flag.String("config", "", "optional configuration file (json, yaml, toml)")
	host := flag.String("host", "", "chat listen host (overrides config)")
	port := flag.Int("port", 0, "chat listen port (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "metrics listen address, e.g. :9090 (overrides config)")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := directory.Open(ctx, directory.Config{
		Driver:   cfg.Store.Driver,
		Path:     cfg.Store.Path,
		RedisURL: cfg.Store.RedisURL,
	})
	if err != nil {
		return err
	}
	defer dir.Close()

	opts := chat.Options{
		MaxPayload:     cfg.MaxPayload,
		OutboundBuffer: cfg.OutboundBuffer,
		WriteTimeout:   cfg.WriteTimeout,
	}
	if cfg.Mirror.NATSURL != "" {
		m, err := mirror.Connect(cfg.Mirror.NATSURL, cfg.Mirror.SubjectPrefix)
		if err != nil {
			return err
		}
		defer m.Close()
		opts.Mirror = m
		logger.Info("mirroring messages to NATS", "url", cfg.Mirror.NATSURL)
	}

	srv := chat.NewServer(cfg.Addr(), dir, opts, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		srv.Stop()
		return nil
	})

	return g.Wait()
}
