package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rgoodwin/gather-sync/gather"
	"github.com/rgoodwin/gather-sync/internal/auth"
	"github.com/rgoodwin/gather-sync/internal/config"
	"github.com/rgoodwin/gather-sync/internal/logging"
	"github.com/rgoodwin/gather-sync/internal/session"
	"github.com/rgoodwin/gather-sync/internal/state"
)

var Version = "dev"

const statusInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("gather-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("api", cfg.APIBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir, err = config.DefaultStateDir()
		if err != nil {
			return err
		}
	}

	store, err := state.LoadAt(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	client := gather.NewClient(nil, cfg.APIBaseURL)
	client.SetTokenSource(store)

	refresher := auth.NewRefresher(store, client, logger)
	client.SetAuthRecoverer(refresher)

	channel := gather.NewRealtime(gather.RealtimeConfig{
		URL:                  cfg.RealtimeURL,
		Tokens:               store,
		Device:               cfg.DeviceName,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		OnStateChange: func(st gather.ConnState) {
			logger.Info("connection state", slog.String("state", st.String()))
		},
	}, logger)

	sess := session.New(client, store, refresher, channel, logger)
	client.SetOnAuthExpired(sess.Logout)
	sess.SetNotificationHandler(func(n gather.Notification) {
		logger.Info("notification",
			slog.Int64("id", n.ID),
			slog.String("type", n.Type),
			slog.String("message", n.Message),
		)
	})

	if err := startSession(ctx, cfg, store, sess, logger); err != nil {
		return err
	}
	defer sess.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sess.Run(gctx)
	})

	g.Go(func() error {
		statusLoop(gctx, sess, logger)
		return nil
	})

	return g.Wait()
}

// startSession resumes a persisted session when one exists, falling back
// to a fresh login with the configured credentials.
func startSession(ctx context.Context, cfg *config.Config, store *state.Store, sess *session.Session, logger *slog.Logger) error {
	if _, ok := store.TokenPair(); ok {
		err := sess.Resume(ctx)
		if err == nil {
			logger.Info("resumed persisted session")
			return nil
		}

		if !cfg.HasCredentials() {
			return fmt.Errorf("resuming session: %w", err)
		}

		logger.Warn("resume failed, logging in fresh", slog.String("error", err.Error()))
	}

	if !cfg.HasCredentials() {
		return fmt.Errorf("no persisted session and no GATHER_EMAIL/GATHER_PASSWORD configured")
	}

	if err := sess.Login(ctx, cfg.Email, cfg.Password); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	return nil
}

// statusLoop periodically logs the derived session read models.
func statusLoop(ctx context.Context, sess *session.Session, logger *slog.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("status",
				slog.String("connection", sess.ConnectionState().String()),
				slog.Int("unread_total", sess.TotalUnreadCount()),
				slog.Int("unread_conversations", sess.TotalUnreadConversations()),
				slog.Int("unread_notifications", sess.UnreadNotificationCount()),
			)
		}
	}
}
