package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cachegate/internal/cachegate"
)

// set at build time with -ldflags "-X main.version=..."
var version string

func main() {
	var (
		configPath string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", getenvDefault("CACHEGATE_CONFIG", "/cachegate.yaml"), "path to cachegate.yaml")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	if version == "" {
		version = "dev"
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := cachegate.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Level(level)

	backend, err := cachegate.OpenBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("open storage")
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := cachegate.NewEngine(ctx, cfg, cachegate.Options{Version: version, Backend: backend})
	if err != nil {
		log.Fatal().Err(err).Msg("init engine")
	}
	defer engine.Close()

	// requests pass straight through until the install lands
	go func() {
		if err := engine.InstallWithRetry(ctx, time.Second, time.Minute); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("install")
			}
			return
		}
		// with no previous instance in this process there is nobody to wait for
		if engine.State() == cachegate.StateWaiting {
			if err := engine.ReleaseClients(ctx); err != nil {
				log.Error().Err(err).Msg("activate")
			}
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}

	srv := &http.Server{
		Handler:           engine.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Str("origin", cfg.Server.Origin).
			Str("version", engine.Version()).
			Stringer("state", engine.State()).
			Msg("cachegate listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
