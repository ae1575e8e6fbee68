// Copyright 2025 Spotherd Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Spotherd maintains a fleet of EC2 spot instances within an hourly
// budget. Each invocation runs one reconciliation: refresh spot pricing,
// charge active requests against the budget, shed or bid as needed, then
// watch new instances through setup before exiting.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spotherd/spotherd/internal/controller"
	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/config"
	"github.com/spotherd/spotherd/pkg/manager"
	"github.com/spotherd/spotherd/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "spotherd.yaml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "spotherd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, flush, err := newLogger(cfg.Debug.Level)
	if err != nil {
		return err
	}
	defer flush()

	// One reconciler per fleet: the lock is scoped to the config file so
	// distinct fleets on one host do not exclude each other.
	lock := flock.New(configPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another spotherd instance is already running for %s", configPath)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := aws.NewRealClient(ctx, aws.ClientConfig{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AWSAccessKeyID,
		SecretAccessKey: cfg.AWS.AWSSecretAccessKey,
		FleetName:       cfg.EC2.Instance.Name,
		Devices:         aws.DefaultDeviceTable(),
	}, log)
	if err != nil {
		return fmt.Errorf("creating AWS client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)
	if cfg.Metrics.BindAddress != "" {
		startMetricsServer(cfg.Metrics.BindAddress, registry, log)
	}

	mgr, err := manager.New(cfg, log)
	if err != nil {
		return err
	}

	store := pricing.NewStore(cfg.PriceFile, log)
	aggregator := pricing.NewAggregator(client, store, cfg, log)
	inventory := fleet.NewInventory(client, cfg.EC2.Instance.Name, log)
	requestRegistry := fleet.NewRegistry()

	reconciler := controller.NewSpotReconciler(
		client, cfg, aggregator, inventory, requestRegistry, mgr, m, log)

	watcherDone := make(chan error, 1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if mgr.SetupRequired() {
		watcher := controller.NewLifecycleWatcher(
			client, cfg, inventory, requestRegistry, mgr, m, reconciler.Done(), log)
		go func() { watcherDone <- watcher.Run(ctx) }()
	} else {
		close(watcherDone)
	}

	if err := reconciler.UpdateSpotRequests(ctx, mgr.RequiredUtility()); err != nil {
		// Recoverable: the next scheduled invocation retries. The
		// watcher is told to stop since nothing new is coming.
		log.Error(err, "Reconciliation failed, will retry next run")
		cancel()
	}

	if err := <-watcherDone; err != nil && err != context.Canceled {
		log.Error(err, "Lifecycle watcher exited with error")
	}
	log.Info("Run complete")
	return nil
}

// newLogger builds a logr.Logger backed by zap at the configured level.
func newLogger(level string) (logr.Logger, func(), error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("parsing debug.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapLevel)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("building logger: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

// startMetricsServer serves the Prometheus endpoint for the duration of
// the run. Failures are logged, never fatal.
func startMetricsServer(addr string, registry *prometheus.Registry, log logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "Metrics server failed", "address", addr)
		}
	}()
	log.Info("Serving metrics", "address", addr)
}
