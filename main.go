package main

import (
	"logkv/config"
	"logkv/server"
	"logkv/storage/wal"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := config.Parse(os.Args[1:])

	if err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(2)
	}

	logger = level.NewFilter(logger, levelOption(cfg.LogLevel))

	if err := run(logger, cfg); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func levelOption(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

func run(logger log.Logger, cfg config.Config) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := wal.Open(log.With(logger, "component", "storage"), registry, cfg.DataDir, cfg.Storage.WalOptions())

	if err != nil {
		return errors.Wrap(err, "open storage")
	}

	store := wal.NewStore(engine)

	defer func() {
		if err := store.Close(); err != nil {
			level.Error(logger).Log("msg", "close storage", "err", err)
		}
	}()

	srv, err := server.New(log.With(logger, "component", "server"), registry, store)

	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

		go func() {
			level.Info(logger).Log("msg", "serving metrics", "addr", cfg.MetricsAddr)

			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				level.Error(logger).Log("msg", "metrics endpoint stopped", "err", err)
			}
		}()
	}

	errc := make(chan error, 1)

	go func() {
		errc <- srv.ListenAndServe(cfg.ListenAddr)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	logger.Log("msg", "app started...", "dataDir", cfg.DataDir)

	select {
	case sig := <-sigs:
		logger.Log("msg", "exiting...", "signal", sig)

		if err := srv.Shutdown(); err != nil {
			level.Warn(logger).Log("msg", "shutdown server", "err", err)
		}

		<-errc

		return nil
	case err := <-errc:
		return err
	}
}
