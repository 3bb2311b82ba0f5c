package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"linkup/internal/call"
	"linkup/internal/chatsync"
	"linkup/internal/config"
	"linkup/internal/constants"
	"linkup/internal/database"
	"linkup/internal/models"
	"linkup/internal/peer"
	"linkup/internal/privacy"
	"linkup/internal/retry"
	"linkup/internal/session"
	"linkup/internal/tracing"
	"linkup/pkg/api"
	"linkup/pkg/signaling"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes ids and message content)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("linkup %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting linkup")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel, *verbose)

	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = Version
	}
	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.WithError(err).Warn("Failed to initialize tracing")
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to shutdown tracing")
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	sess, err := buildSession(cfg, db, logger, *verbose)
	if err != nil {
		return err
	}
	defer sess.Close(context.Background())
	watchSession(sess, logger)

	token := config.Credential()
	rooms, err := sess.Login(ctx, token)
	if err != nil {
		return err
	}
	logger.WithField("rooms", len(rooms)).Info("Session ready")
	openRooms(ctx, sess, cfg.Rooms, logger)

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(c *models.Config) {
		applyLogLevel(logger, c.LogLevel, *verbose)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	var server *Server
	serverErrCh := make(chan error, 1)
	if cfg.Server.Enabled {
		server = NewServer(cfg.Server.ListenAddr, sess, logger)
		go func() {
			if err := server.Start(); err != nil {
				serverErrCh <- fmt.Errorf("debug server error: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to shutdown debug server gracefully")
		}
	}
	if err := sess.Logout(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Logout failed")
	}
	logger.Info("Shutdown completed")
	return nil
}

// applyLogLevel sets the level from config; verbose forces debug
func applyLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("Invalid log level, defaulting to info")
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// openDatabase opens the local cache with backoff. An empty path disables it.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	if cfg.Database.Path == "" {
		logger.Info("Local history cache disabled")
		return nil, nil
	}
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultDatabaseRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(ctx, cfg.Database.Path)
		if initErr != nil {
			logger.WithError(initErr).Warn("Failed to open database")
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

func signalingConfig(cfg *models.Config) signaling.Config {
	s := cfg.Signaling
	return signaling.Config{
		ReconnectInitial: time.Duration(s.ReconnectInitialMs) * time.Millisecond,
		ReconnectMax:     time.Duration(s.ReconnectMaxMs) * time.Millisecond,
		MaxAttempts:      s.ReconnectMaxAttempts,
		OpenTimeout:      time.Duration(s.OpenTimeoutMs) * time.Millisecond,
		WriteTimeout:     time.Duration(s.WriteTimeoutMs) * time.Millisecond,
		SendQueueSize:    s.SendQueueSize,
	}
}

func apiOptions(cfg *models.Config) api.Options {
	a := cfg.API
	return api.Options{
		BaseURL:             a.BaseURL,
		Timeout:             time.Duration(a.TimeoutSec) * time.Second,
		RetryAttempts:       a.RetryAttempts,
		MaxAttachmentSizeMB: a.MaxAttachmentSizeMB,
		BreakerMaxFailures:  a.BreakerMaxFailures,
		BreakerReset:        time.Duration(a.BreakerResetSec) * time.Second,
	}
}

// buildSession wires the real transport, REST client and pion factory
func buildSession(cfg *models.Config, db *database.Database, logger *logrus.Logger, verbose bool) (*session.Session, error) {
	peers, err := peer.NewPionFactory(cfg.Call.ICEServers, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer factory: %w", err)
	}
	channel := signaling.NewChannel(signalingConfig(cfg),
		&signaling.WebsocketDialer{ReadLimit: constants.DefaultReadLimitBytes}, logger)

	deps := session.Deps{
		Channel: channel,
		API:     api.NewClient(apiOptions(cfg), logger),
		Peers:   peers,
		Media:   peer.SampleSource{},
	}
	if db != nil {
		deps.Store = db
	}

	return session.New(session.Config{
		UserID:                cfg.UserID,
		SignalURL:             cfg.Signaling.URL,
		Verbose:               verbose,
		BroadcastJoinWait:     time.Duration(cfg.Broadcast.JoinWaitSec) * time.Second,
		BroadcastChatCapacity: cfg.Broadcast.ChatCapacity,
	}, deps, logger), nil
}

// watchSession logs chat and call activity for the headless client
func watchSession(sess *session.Session, logger *logrus.Logger) {
	sess.Chat().OnUpdate(func(u chatsync.Update) {
		logger.WithFields(logrus.Fields{
			"room_id": u.RoomID,
			"kind":    string(u.Kind),
		}).Debug("Chat updated")
	})
	sess.Calls().OnStateChange(func(st call.State) {
		entry := logger.WithFields(logrus.Fields{
			"state":   st.Name(),
			"call_id": st.CallID(),
		})
		switch s := st.(type) {
		case call.Incoming:
			entry.WithField("caller", privacy.MaskUserID(s.CallerID)).Info("Incoming call")
		case call.Ended:
			entry.WithField("status", string(s.Status)).Info("Call ended")
		default:
			entry.Info("Call state changed")
		}
	})
}

func openRooms(ctx context.Context, sess *session.Session, rooms []string, logger *logrus.Logger) {
	for _, id := range rooms {
		snap, err := sess.Chat().OpenRoom(ctx, id)
		if err != nil {
			logger.WithError(err).WithField("room_id", id).Warn("Failed to open room")
			continue
		}
		logger.WithFields(logrus.Fields{
			"room_id":  id,
			"messages": len(snap.Messages),
			"stale":    snap.Stale,
		}).Info("Room opened")
	}
}
