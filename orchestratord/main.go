// Command orchestratord runs the workflow orchestrator daemon: worker pool,
// resume sweeper, outbox delivery, and the Prometheus endpoint. Stage
// handlers are registered in buildRegistry; deployments embedding the engine
// as a library register their own instead.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/labelsquor/orchestrator/config"
	"github.com/labelsquor/orchestrator/engine"
	"github.com/labelsquor/orchestrator/events"
	"github.com/labelsquor/orchestrator/executor"
	"github.com/labelsquor/orchestrator/store"
	"github.com/labelsquor/orchestrator/workflow"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx := context.Background()
	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("store initialization failed")
	}
	defer closeStore()

	subs, closeSubs, err := buildSubscribers(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("subscriber initialization failed")
	}
	defer closeSubs()

	eng := engine.New(cfg, st, buildRegistry(), subs...)
	eng.Start()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.WithField("addr", cfg.MetricsAddr).Info("metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics endpoint failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("engine shutdown incomplete")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics endpoint shutdown incomplete")
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.PostgresURL == "" {
		log.Warn("no postgres url configured, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func buildSubscribers(ctx context.Context, cfg *config.Config) ([]events.Subscriber, func(), error) {
	if cfg.RedisAddr == "" {
		return nil, func() {}, nil
	}
	pub, err := events.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.EventChannel)
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"addr":    cfg.RedisAddr,
		"channel": cfg.EventChannel,
	}).Info("redis event mirror enabled")
	return []events.Subscriber{pub}, func() { pub.Close() }, nil
}

// buildRegistry wires the pipeline stages. The standalone daemon ships
// pass-through handlers that record stage completion without external calls.
func buildRegistry() *executor.Registry {
	reg := executor.NewRegistry()
	for _, stage := range workflow.Stages {
		st := stage
		reg.RegisterFunc(st, func(_ context.Context, item *store.WorkItem) (workflow.Outcome, error) {
			log.WithFields(log.Fields{
				"item":  item.ID,
				"stage": st,
			}).Debug("pass-through stage")
			return workflow.StageDone(workflow.StageSummary{"handled_by": "passthrough"}), nil
		})
	}
	return reg
}
