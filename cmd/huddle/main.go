package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Huddle/internal/adapters/http"
	"github.com/dkeye/Huddle/internal/adapters/identity"
	"github.com/dkeye/Huddle/internal/adapters/rtc"
	"github.com/dkeye/Huddle/internal/adapters/store"
	"github.com/dkeye/Huddle/internal/app/controls"
	"github.com/dkeye/Huddle/internal/app/supervisor"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var user *domain.User
	if cfg.UserID != "" {
		u, err := domain.NewUser(cfg.DisplayName)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid user config")
		}
		u.UID = domain.UserID(cfg.UserID)
		user = u
	}
	mods := make([]domain.UserID, 0, len(cfg.Moderators))
	for _, m := range cfg.Moderators {
		mods = append(mods, domain.UserID(m))
	}
	ident := identity.NewStatic(user, mods)

	var sig core.SignalStore
	switch cfg.StoreBackend {
	case "ws":
		ws, err := store.DialWS(ctx, cfg.GatewayURL)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.GatewayURL).Msg("dial signaling gateway")
		}
		defer ws.Close()
		sig = ws
	default:
		mem := store.NewMemory()
		defer mem.Close()
		sig = mem
	}

	engine, err := rtc.NewEngine(cfg.STUNServers)
	if err != nil {
		log.Fatal().Err(err).Msg("media engine init")
	}

	ctl, err := controls.Open(cfg.DataDir, domain.UserID(cfg.UserID))
	if err != nil {
		log.Fatal().Err(err).Msg("controls store init")
	}
	defer ctl.Close()

	sup := supervisor.New(supervisor.Config{
		ReconnectDelay:   cfg.ReconnectDelay,
		PresenceDebounce: cfg.PresenceDebounce,
	}, sig, engine, ident, ctl)

	r := router.SetupRouter(ctx, cfg, sup)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Huddle coordinator started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	// Leave any active call first so presence converges for the peer.
	sup.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
