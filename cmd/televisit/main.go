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

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/televisit/internal/adapters/api"
	"github.com/dkeye/televisit/internal/adapters/effects"
	router "github.com/dkeye/televisit/internal/adapters/http"
	"github.com/dkeye/televisit/internal/adapters/mediadev"
	"github.com/dkeye/televisit/internal/adapters/rtc"
	"github.com/dkeye/televisit/internal/adapters/storage"
	"github.com/dkeye/televisit/internal/adapters/syncdoc"
	"github.com/dkeye/televisit/internal/app/orch"
	"github.com/dkeye/televisit/internal/config"
	"github.com/dkeye/televisit/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("televisit stopped")
	}
	log.Info().Msg("televisit exited gracefully")
}

func setupLogging(cfg *config.Config) {
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config) error {
	deps, closeStorage, err := storageDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	codecs, err := codecSelector()
	if err != nil {
		return err
	}
	deps.Provider = mediadev.NewProvider(mediadev.Config{
		Codecs: codecs,
		Width:  cfg.Video.Width,
		Height: cfg.Video.Height,
	})
	deps.Effects = effects.NewLoader()
	deps.Backend = api.New(cfg.APIBase, nil)
	deps.Connector = rtc.NewConnector(rtc.Config{
		SignalURL:  cfg.SignalURL,
		ICEServers: cfg.ICEServers,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})

	o := orch.New(deps, orch.Settings{
		ConnectTimeout:     cfg.ConnectTimeout,
		HandLowerDelay:     cfg.HandRaiseLowerDelay,
		HandRaiseLimit:     cfg.HandRaiseLimit,
		HandRaiseWindow:    cfg.HandRaiseWindow,
		StatusPollInterval: cfg.StatusPollInterval,
		TokenTTLMinutes:    cfg.TokenTTLMinutes,
	})
	o.Bind(ctx)

	r := router.SetupRouter(ctx, router.RouterConfig{
		Mode:           cfg.Mode,
		AllowedOrigins: cfg.AllowedOrigins,
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
	}, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("televisit control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := o.Resume(gctx)
		switch {
		case err == nil:
			log.Info().Msg("previous session resumed")
		case errors.Is(err, orch.ErrNothingToResume):
			log.Debug().Msg("no previous session")
		default:
			log.Warn().Err(err).Msg("resume failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		// The session record survives so the next start can resume it.
		if err := o.Conn.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("room disconnect on shutdown")
		}
		return nil
	})
	return g.Wait()
}

// storageDeps builds the key-value backends and, with redis, the shared
// "therapist joined" document.
func storageDeps(ctx context.Context, cfg *config.Config) (orch.Deps, func(), error) {
	if cfg.Storage.Backend != "redis" {
		return orch.Deps{
			SessionKV: storage.NewMemory(),
			LocalKV:   storage.NewMemory(),
		}, func() {}, nil
	}

	rc, err := storage.NewRedisClient(ctx, storage.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Namespace: cfg.Redis.Namespace,
	})
	if err != nil {
		return orch.Deps{}, nil, err
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	return orch.Deps{
		SessionKV: storage.NewRedis(rc, cfg.Redis.Namespace+"session:"),
		LocalKV:   storage.NewRedis(rc, cfg.Redis.Namespace+"local:"),
		Sync:      syncdoc.New(rc, cfg.Redis.Namespace),
	}, closeRedis(rc), nil
}

func closeRedis(rc *redis.Client) func() {
	return func() {
		if err := rc.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
}

func codecSelector() (*mediadevices.CodecSelector, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8.BitRate = 500_000
	vp8.KeyFrameInterval = 60

	op, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	op.BitRate = 32_000

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&op),
	), nil
}

var (
	_ core.Connector      = (*rtc.Connector)(nil)
	_ core.DeviceProvider = (*mediadev.Provider)(nil)
	_ core.EffectLoader   = (*effects.Loader)(nil)
	_ orch.Backend        = (*api.Client)(nil)
	_ orch.SyncDoc        = (*syncdoc.Doc)(nil)
	_ router.Controls     = (*orch.Orchestrator)(nil)
)
