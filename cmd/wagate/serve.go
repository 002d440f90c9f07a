package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ricochet1k/wagate/internal/api"
	"github.com/ricochet1k/wagate/internal/eventsink"
	"github.com/ricochet1k/wagate/internal/logging"
	"github.com/ricochet1k/wagate/internal/protocol/loopback"
	"github.com/ricochet1k/wagate/internal/realtime"
	"github.com/ricochet1k/wagate/internal/service"
	"github.com/ricochet1k/wagate/internal/storage"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session gateway",
	Long:  `Recovers persisted sessions, then serves the REST API and realtime websocket until interrupted.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr, _ = cmd.Flags().GetString("listen")
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	artifacts, err := storage.NewArtifactDir(cfg.CredentialsPath())
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, cfg.DatabasePath(), artifacts, log)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	broadcaster := service.NewEventBroadcaster(cfg.BroadcastBuffer)
	broadcastLevel, err := logrus.ParseLevel(cfg.LogBroadcastLevel)
	if err != nil {
		return fmt.Errorf("log broadcast level: %w", err)
	}
	logger.AddHook(logging.NewBroadcastHook(broadcaster, broadcastLevel))

	adapter := loopback.New(loopback.Config{
		Artifacts:  artifacts,
		QRInterval: cfg.LoopbackQRInterval,
		PairAfter:  cfg.LoopbackPairAfter,
		Log:        log,
	})
	orch := service.NewOrchestrator(service.OrchestratorConfig{
		Adapter:            adapter,
		Storage:            store,
		Artifacts:          artifacts,
		ConnectTimeout:     cfg.ConnectTimeout,
		DisconnectTimeout:  cfg.DisconnectTimeout,
		Backoff:            cfg.Backoff(),
		ReconnectThreshold: cfg.ReconnectThreshold,
		ReconnectCooldown:  cfg.ReconnectCooldown,
		OnEvent:            broadcaster.PublishUpdate,
		Log:                log,
	})
	reconciler := service.NewReconciler(orch, store, cfg.StuckTimeout, log)
	sessions := service.NewSessionService(service.SessionServiceConfig{
		Storage:      store,
		Orchestrator: orch,
		Reconciler:   reconciler,
		Broadcaster:  broadcaster,
		Log:          log,
	})

	hub := realtime.NewHub(log)
	go hub.Run(ctx, broadcaster)

	if cfg.AMQPURL != "" {
		publisher, err := eventsink.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer publisher.Close()
		go eventsink.NewSink(publisher, cfg.AMQPExchange, log).Run(ctx, broadcaster)
	}

	recovery := service.NewRecoveryManager(store, orch, broadcaster.PublishUpdate, log)
	summary, err := recovery.OnStartup(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	log.WithFields(logrus.Fields{
		"imported": len(summary.Imported),
		"resuming": len(summary.Resumed),
		"skipped":  summary.Skipped,
	}).Info("startup recovery launched")

	go reconciler.Run(ctx, cfg.ReconcileInterval)

	watcher := service.NewArtifactWatcher(artifacts.Root(), store, broadcaster, cfg.WatchDebounce, log)
	if err := watcher.Start(); err != nil {
		log.WithError(err).Warn("credentials watcher disabled")
	}
	defer watcher.Stop() //nolint:errcheck

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	api.NewHandler(api.HandlerConfig{
		Sessions:     sessions,
		Orchestrator: orch,
		Hub:          hub,
		Log:          log,
	}).Mount(router)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	hub.CloseAll()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("orchestrator shutdown")
	}
	if err := recovery.Wait(shutdownCtx); err != nil {
		log.WithError(err).Debug("recovery still running at shutdown")
	}
	return nil
}
