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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcapi "radio-transcription-service/internal/api/grpc"
	"radio-transcription-service/internal/app"
	"radio-transcription-service/internal/config"
	"radio-transcription-service/internal/events"
	httpapi "radio-transcription-service/internal/http"
	"radio-transcription-service/internal/ingest/stream"
	"radio-transcription-service/internal/ingest/watcher"
	"radio-transcription-service/internal/observability"
	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/observability/metrics"
	"radio-transcription-service/internal/service/audio"
	"radio-transcription-service/internal/service/calls"
	"radio-transcription-service/internal/service/dispatch"
	"radio-transcription-service/internal/service/reference"
	"radio-transcription-service/internal/service/segment"
	"radio-transcription-service/internal/service/stt"
	googlestt "radio-transcription-service/internal/service/stt/google"
	"radio-transcription-service/internal/service/stt/mock"
	"radio-transcription-service/internal/service/stt/whisper"
	"radio-transcription-service/internal/store"
	"radio-transcription-service/internal/store/memory"
	"radio-transcription-service/internal/store/mongo"
)

func main() {
	cfg := config.Load()

	application := app.New(cfg)
	if err := application.Start(); err != nil {
		application.Logger.Fatal().Err(err).Msg("Startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, application)
	stop()
	if shutdownErr := application.Shutdown(); shutdownErr != nil {
		application.Logger.Warn().Err(shutdownErr).Msg("Shutdown incomplete")
	}
	if err != nil {
		application.Logger.Error().Err(err).Msg("Service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, application *app.Application) error {
	cfg := application.Cfg
	logger := application.Logger

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	application.OnShutdown("store", st.Close)

	tr, closeTr, err := newTranscriber(ctx, cfg.STT)
	if err != nil {
		return err
	}
	application.OnShutdown("transcriber", func(context.Context) error { return closeTr() })

	// Events: local bus, mirrored to Kafka when enabled. Relayed messages
	// carry this process's origin so its own mirror output is skipped.
	origin := uuid.NewString()
	publisher := events.New(&events.Config{
		Enabled:   cfg.Kafka.Enabled,
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.Topic,
		Principal: cfg.Kafka.Principal,
		Origin:    origin,
	})
	application.OnShutdown("kafka publisher", func(context.Context) error { return publisher.Close() })

	var mirror events.Mirror
	if publisher.Enabled() {
		mirror = publisher
	}
	bus := events.NewBus(events.BusConfig{
		SubscriberBuffer:  cfg.Events.SubscriberBuffer,
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
	}, mirror)
	application.OnShutdown("event bus", func(context.Context) error {
		bus.Close()
		return nil
	})

	resolver := reference.New(st)
	callSvc := calls.NewService(st, bus, calls.Config{ReviewThreshold: cfg.Review.ConfidenceThreshold})
	dispatcher := dispatch.New(dispatch.Config{
		Workers:        cfg.Dispatcher.Workers,
		QueueSize:      cfg.Dispatcher.QueueSize,
		MaxAttempts:    cfg.Dispatcher.MaxAttempts,
		AttemptTimeout: cfg.Dispatcher.AttemptTimeout,
		PersistTimeout: cfg.Dispatcher.PersistTimeout,
		BackoffBase:    cfg.Dispatcher.BackoffBase,
		BackoffMax:     cfg.Dispatcher.BackoffMax,
	}, tr, calls.NewPipeline(resolver, callSvc, tr.Name()))
	// Drain queued transcriptions before the bus and store close.
	application.OnShutdown("dispatcher", dispatcher.Close)

	format := segment.Format{
		SampleRate:    cfg.Segmenter.SampleRateHz,
		Channels:      cfg.Segmenter.Channels,
		BitsPerSample: 16,
	}
	ingestor := audio.NewIngestor(audio.Config{
		Segmenter: segment.Config{
			Format:           format,
			MinDuration:      cfg.Segmenter.MinDuration,
			MinSilence:       cfg.Segmenter.MinSilence,
			SilenceThreshold: cfg.Segmenter.SilenceThreshold,
		},
		OutputDir: cfg.Segmenter.OutputDir,
		RunID:     origin[:8],
		Language:  cfg.STT.LanguageCode,
	}, dispatcher, resolver)

	ready := func(ctx context.Context) error {
		tx, err := st.Begin(ctx)
		if err != nil {
			return err
		}
		return tx.Rollback(ctx)
	}

	obs := observability.NewServer(":"+cfg.Observability.MetricsPort, ready)
	if err := obs.Start(); err != nil {
		return err
	}
	application.OnShutdown("observability server", obs.Shutdown)

	// gRPC ingest
	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	grpcapi.Register(grpcServer, ingestor, format, cfg.Ingest.DefaultSystem)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	// HTTP API
	httpServer := &http.Server{
		Addr: ":" + cfg.HTTP.Port,
		Handler: httpapi.NewRouter(httpapi.Deps{
			App:            application,
			Calls:          callSvc,
			Reference:      resolver,
			Files:          ingestor,
			Events:         bus,
			Ready:          ready,
			UploadDir:      cfg.HTTP.UploadDir,
			MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
			DefaultSystem:  cfg.Ingest.DefaultSystem,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC ingest server started")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP API server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	if cfg.Kafka.Enabled && cfg.Kafka.Relay {
		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			// Every process needs the full topic, so each gets its own group.
			groupID = cfg.Kafka.Principal + "-" + origin
		}
		relay := events.NewRelay(events.RelayConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: groupID,
			Origin:  origin,
		}, bus)
		g.Go(func() error { return relay.Run(gctx) })
	}

	if cfg.Ingest.WatchDir != "" {
		w := watcher.New(watcher.Config{
			Dir:           cfg.Ingest.WatchDir,
			SettleDelay:   cfg.Ingest.SettleDelay,
			CatchUp:       cfg.Ingest.CatchUp,
			DefaultSystem: cfg.Ingest.DefaultSystem,
		}, ingestor, callSvc)
		g.Go(func() error { return w.Run(gctx) })
	}

	if cfg.Ingest.StreamURL != "" {
		system := cfg.Ingest.StreamSystem
		if system == "" {
			system = cfg.Ingest.DefaultSystem
		}
		p := stream.New(stream.Config{
			URL:      cfg.Ingest.StreamURL,
			StreamID: "http-" + system,
			Hints:    dispatch.Hints{SystemName: system},
			Format:   format,
		}, ingestor)
		g.Go(func() error { return p.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down servers")
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		stopGRPC(shutdownCtx, grpcServer)
		return nil
	})

	return g.Wait()
}

// stopGRPC waits for open ingest streams to finish, forcing them closed
// when ctx expires.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return memory.New(), nil
	case "mongo":
		return mongo.Connect(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}, logging.WithComponent("mongo"))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newTranscriber builds the configured backend and its cleanup func.
func newTranscriber(ctx context.Context, cfg config.STTConfig) (stt.Transcriber, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Provider {
	case "google":
		gcfg := googlestt.DefaultConfig()
		gcfg.LanguageCode = cfg.LanguageCode
		gcfg.SampleRateHz = cfg.SampleRateHz
		gcfg.AudioEncoding = cfg.AudioEncoding
		if cfg.Model != "" {
			gcfg.Model = cfg.Model
		}
		a, err := googlestt.New(ctx, gcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("google speech client: %w", err)
		}
		return a, a.Close, nil
	case "whisper":
		return whisper.NewClient(whisper.Config{
			BaseURL: cfg.WhisperURL,
			Token:   cfg.WhisperAPIKey,
			Model:   cfg.Model,
		}), noop, nil
	case "mock", "":
		return mock.New(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}
