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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/VoiceSFU/internal/adapters/http"
	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/app/orch"
	"github.com/dkeye/VoiceSFU/internal/config"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/dkeye/VoiceSFU/internal/engine/local"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	worker, err := local.NewWorker(local.Settings{
		RTCMinPort: cfg.Media.RTCMinPort,
		RTCMaxPort: cfg.Media.RTCMaxPort,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media worker")
	}
	log.Warn().Msg("in-process media engine: ICE and DTLS are not served, browsers cannot send or receive media")
	go app.WatchWorker(ctx, worker, cfg.Media.WorkerDiedGrace, os.Exit)

	rooms := core.NewRoomManager(core.RoomManagerConfig{
		Worker:     worker,
		Codecs:     engine.DefaultCodecs(),
		CloseEmpty: cfg.Rooms.CloseEmpty,
	})
	o := orch.New(rooms, app.SimplePolicy{KickSlow: cfg.KickSlowPeers}, orch.TransportConfig{
		ListenIPs:              cfg.Media.ListenIPs,
		EnableUDP:              cfg.Media.EnableUDP,
		EnableTCP:              cfg.Media.EnableTCP,
		PreferUDP:              cfg.Media.PreferUDP,
		InitialOutgoingBitrate: cfg.Media.InitialOutgoingBitrate,
	})

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Voice SFU started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	for _, sess := range o.Sessions.All() {
		o.Disconnect(sess.ID())
	}
	rooms.Close()
	worker.Close()
	log.Info().Msg("Server exited gracefully")
}
