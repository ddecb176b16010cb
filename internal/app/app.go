// Package app holds process-wide state: configuration, the service logger
// and the ordered list of components to close on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"radio-transcription-service/internal/config"
	"radio-transcription-service/internal/observability/logging"
)

// DefaultShutdownTimeout bounds each shutdown hook.
const DefaultShutdownTimeout = 30 * time.Second

type hook struct {
	name string
	fn   func(context.Context) error
}

// Application holds process-wide state for the service.
type Application struct {
	StartupTime     time.Time
	Logger          zerolog.Logger
	Cfg             *config.Config
	ShutdownTimeout time.Duration

	mu    sync.Mutex
	hooks []hook
	done  bool
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg:             cfg,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	a.setupLogger()

	a.Logger.Info().Str("method", "New").Msg("Radio transcription service application created")
	return a
}

func (a *Application) setupLogger() {
	logCfg := logging.DefaultConfig()
	logCfg.Level = a.Cfg.Observability.LogLevel
	logCfg.Format = a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Env == "dev" {
		logCfg.Format = "console"
	}
	logging.InitWithWriter(logCfg, os.Stdout)

	a.Logger = logging.WithComponent("application").With().
		Str("service", "radio-transcription-service").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start records the startup time and logs the active backends.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("sttProvider", a.Cfg.STT.Provider).
		Str("storage", a.Cfg.Storage.Driver).
		Bool("kafka", a.Cfg.Kafka.Enabled).
		Msg("Radio transcription service starting")
	return nil
}

// OnShutdown registers fn to run during Shutdown. Hooks run in reverse
// registration order, so register a component right after creating it.
func (a *Application) OnShutdown(name string, fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, hook{name: name, fn: fn})
}

// Shutdown runs the registered hooks, each under its own timeout, and
// returns their errors joined. Later calls do nothing.
func (a *Application) Shutdown() error {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return nil
	}
	a.done = true
	hooks := a.hooks
	a.hooks = nil
	a.mu.Unlock()

	log := a.Logger.With().Str("method", "Shutdown").Logger()
	if !a.StartupTime.IsZero() {
		log = log.With().Str("uptime", time.Since(a.StartupTime).Round(time.Second).String()).Logger()
	}
	log.Info().Int("hooks", len(hooks)).Msg("Radio transcription service shutting down")

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
		err := h.fn(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("hook", h.name).Msg("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		log.Debug().Str("hook", h.name).Msg("Shutdown hook completed")
	}
	return errors.Join(errs...)
}
