//go:build linux

// Command fileserver serves a directory over HTTP/1.1 with the filenet engine.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/y001j/filenet"
	"github.com/y001j/filenet/config"
)

func main() {
	path := flag.String("config", "filenet.yaml", "path to the YAML configuration")
	flag.Parse()

	if err := run(context.Background(), *path); err != nil {
		log.Fatalln(err)
	}
}

func run(ctx context.Context, path string) (err error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, ignoreSyncErr(flush())) }()

	shutdown, err := setupMetrics(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, shutdown(context.Background())) }()

	s, err := filenet.NewServer(cfg.Options(logger), cfg.ListenOptions())
	if err != nil {
		return err
	}
	logger.Infof("serving %s on %v with %d event loops", cfg.DocRoot, s.Addr(), cfg.Loops)
	return s.Serve(ctx)
}

func newLogger(cfg *config.Config) (logging.Logger, func() error, error) {
	lvl, err := cfg.LogLevel()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Log.File != "" {
		logger, flush, err := logging.CreateLoggerAsLocalFile(cfg.Log.File, lvl)
		return logger, flush, errors.Wrap(err, "create file logger")
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zl, err := zc.Build()
	if err != nil {
		return nil, nil, errors.Wrap(err, "create logger")
	}
	return zl.Sugar(), zl.Sync, nil
}

// ignoreSyncErr drops the error zap reports when syncing a terminal.
func ignoreSyncErr(err error) error {
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}

func setupMetrics(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	if cfg.Metrics.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Metrics.Endpoint)}
	if cfg.Metrics.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create metric exporter")
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
