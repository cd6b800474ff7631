package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vehicle-blackbox/internal/alert"
	"vehicle-blackbox/internal/auth"
	"vehicle-blackbox/internal/classifier"
	"vehicle-blackbox/internal/config"
	"vehicle-blackbox/internal/geocode"
	"vehicle-blackbox/internal/logger"
	"vehicle-blackbox/internal/notify"
	"vehicle-blackbox/internal/pipeline"
	"vehicle-blackbox/internal/recipients"
	"vehicle-blackbox/internal/store"
	"vehicle-blackbox/internal/trajectory"
	httptransport "vehicle-blackbox/internal/transport/http"
	"vehicle-blackbox/internal/transport/mqtt"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat, "vehicle-blackbox")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	policy, err := classifier.ParsePolicy(cfg.FirePriority)
	if err != nil {
		lg.Fatal("invalid fire priority", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores
	pg, err := store.NewPostgresStore(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("postgres", zap.Error(err))
	}
	defer pg.Close()

	rdb, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		lg.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Pipeline stages
	geocoder := geocode.NewResolver(
		geocode.NewNominatimClient(cfg.GeocodeBaseURL, cfg.GeocodeUserAgent, cfg.GeocodeTimeout),
		cfg.GeocodeBackoff,
		lg,
	)
	alerts := alert.NewDispatcher(
		notify.NewSendGrid(cfg.SendGridAPIKey, cfg.SenderEmail, cfg.SenderName),
		rdb,
		cfg.AlertSendPause,
		lg,
	)
	stateWriter := pipeline.NewStateWriter(cfg.StateChannelSize, rdb, lg)

	orch := pipeline.New(pipeline.Deps{
		Store:      pg,
		Classifier: classifier.New(classifier.DefaultThresholds, policy),
		Tracker:    trajectory.NewDefault(),
		Geocoder:   geocoder,
		Recipients: recipients.NewResolver(cfg.EmergencyContacts, pg, lg),
		Alerts:     alerts,
		State:      stateWriter,
	}, pipeline.Options{
		Workers:         cfg.PipelineWorkers,
		QueueSize:       cfg.PipelineQueueSize,
		GeocodeAttempts: cfg.GeocodeMaxAttempts,
		GeocodeFire:     cfg.GeocodeFire,
	}, lg)

	feed, err := pg.Subscribe(ctx)
	if err != nil {
		lg.Fatal("reading feed", zap.Error(err))
	}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	run(func() { orch.Run(ctx) })
	run(func() { stateWriter.Run(ctx) })
	run(func() { orch.Consume(ctx, feed) })
	run(func() { orch.RunClassificationPasses(ctx, cfg.ClassifyInterval) })

	// Transports
	if cfg.MQTTBroker != "" {
		sub, err := mqtt.NewSubscriber(cfg, orch, lg)
		if err != nil {
			lg.Fatal("mqtt", zap.Error(err))
		}
		defer sub.Close()
	}

	server := httptransport.NewServer(ctx, httptransport.Deps{
		Pipeline: orch,
		Auth:     auth.NewAuthenticator(cfg, rdb, lg),
		Checks:   map[string]httptransport.Pinger{"postgres": pg, "redis": rdb},
		Alerts:   rdb,
		Logger:   lg,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		lg.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
	lg.Info("stopped")
}
