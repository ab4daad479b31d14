package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-tender/breaker"
	"github.com/onnwee/chat-tender/bus"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/crypto"
	"github.com/onnwee/chat-tender/manager"
	"github.com/onnwee/chat-tender/server"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/token"
	"github.com/onnwee/chat-tender/twitchapi"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chat-tender", version)
	if err != nil {
		slog.Error("tracing init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err = crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("bad TOKEN_ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set; credential file stored unencrypted (0600)")
	}

	api := twitchapi.New(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI, cfg.Scopes)
	store := token.NewStore(token.Options{
		API:           api,
		Breaker:       breaker.New("identity", cfg.BreakerThreshold, cfg.BreakerOpenFor),
		Path:          cfg.TokenPath,
		RedirectURI:   cfg.RedirectURI,
		RefreshMargin: cfg.TokenRefreshMargin,
		Encryptor:     enc,
	})
	if err := store.Load(); err != nil {
		slog.Error("credential load failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifyStoredCredential(ctx, store)
	store.StartAutoRefresh(ctx, 0, 0)

	b := bus.New()
	b.Subscribe(func(ev bus.Event) {
		slog.Debug("event", slog.String("type", string(ev.Type)), slog.String("channel", ev.Channel))
	})

	mgr := manager.New(cfg, b, store)
	joinConfiguredChannels(ctx, cfg, mgr)

	srv := server.New(cfg.HTTPAddr, mgr, store)
	if err := srv.Start(ctx, cfg.ShutdownTimeout); err != nil {
		slog.Error("http server failed", slog.Any("err", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown finished with errors", slog.Any("err", err))
	}
	slog.Info("shutdown complete")
}

// verifyStoredCredential validates a persisted credential against the
// identity service before it gets used, rotating it when the remote side
// rejects it. Rotation failure is not fatal here; connects will surface it.
func verifyStoredCredential(ctx context.Context, store *token.Store) {
	if _, ok := store.Current(); !ok {
		return
	}
	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Verify(vctx); err != nil {
		slog.Warn("stored credential failed validation; rotating", slog.Any("err", err))
		if _, rerr := store.Rotate(vctx); rerr != nil {
			slog.Warn("rotation after failed validation also failed", slog.Any("err", rerr))
		}
	}
}

// joinConfiguredChannels opens a session for each TWITCH_CHANNELS entry. A
// missing credential is not fatal: the operator can complete the OAuth flow
// over HTTP and reconnect.
func joinConfiguredChannels(ctx context.Context, cfg *config.Config, mgr *manager.Manager) {
	if len(cfg.Channels) == 0 {
		return
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat not configured; skipping channel join", slog.Any("err", err))
		return
	}
	for _, ch := range cfg.Channels {
		if err := mgr.Connect(ctx, ch); err != nil {
			if errors.Is(err, token.ErrAuthRequired) {
				slog.Warn("no credential yet; visit /auth/twitch/start to authorize", slog.String("channel", ch))
				return
			}
			slog.Error("channel join failed", slog.String("channel", ch), slog.Any("err", err))
			continue
		}
		slog.Info("channel joined", slog.String("channel", ch))
	}
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
