package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/TimurManjosov/lightfoot/internal/config"
	"github.com/TimurManjosov/lightfoot/internal/fixture"
	"github.com/TimurManjosov/lightfoot/internal/logging"
	"github.com/TimurManjosov/lightfoot/internal/telemetry"
)

func main() {
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("config")
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("config")
	}

	log, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		boot.Fatal().Err(err).Msg("logging")
	}

	telemetry.Init()

	fx, err := fixture.Open(cfg.FixtureFile,
		fixture.WithRateLimit(cfg.RateLimitPerIP),
		fixture.WithLogger(log),
	)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.FixtureFile).Msg("load fixture")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// hot reload
	go func() {
		if err := fx.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("fixture hot reload disabled")
		}
	}()

	srv := &http.Server{
		Addr:         cfg.FixtureAddr,
		Handler:      fx.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           fixture.MetricsRouter(),
		ReadHeaderTimeout: 3 * time.Second,
	}

	for _, s := range []*http.Server{srv, metrics} {
		go func() {
			log.Info().Str("addr", s.Addr).Msg("listening")
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Str("addr", s.Addr).Msg("server")
			}
		}()
	}

	// graceful shutdown
	<-ctx.Done()
	ctxShut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShut)
	_ = metrics.Shutdown(ctxShut)
	log.Info().Msg("stopped")
}
