// Package main provides the plexadaptive service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mdabushayem62/plex-playlists/internal/core"
	"github.com/mdabushayem62/plex-playlists/internal/flood"
	httpserver "github.com/mdabushayem62/plex-playlists/internal/http"
	"github.com/mdabushayem62/plex-playlists/internal/metadata"
	"github.com/mdabushayem62/plex-playlists/internal/plex"
	"github.com/mdabushayem62/plex-playlists/internal/store"
)

const (
	defaultServerHost = "0.0.0.0"

	// recentTrackFalsePositiveRate tunes the oscillation guard's bloom filter
	recentTrackFalsePositiveRate = 0.001
	// sessionPurgeInterval is how often idle sessions are evicted
	sessionPurgeInterval = 10 * time.Minute
	// cacheSweepInterval is how often expired queue discoveries are swept
	cacheSweepInterval = 5 * time.Minute
	// genreCacheCapacity bounds the track genre cache
	genreCacheCapacity = 5000
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "plexadaptive",
	Short: "plexadaptive - adaptive play queue management for Plex",
	Long: `plexadaptive watches playback telemetry from Plex webhooks, detects
skip patterns per device, and conservatively reshapes the active play queue:
removing tracks from averted genres and artists and refilling with sonically
similar material when the queue runs low.`,
	RunE: runPlexAdaptive,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("plex-url", "", "Plex Media Server base URL")
	rootCmd.PersistentFlags().String("plex-token", "", "Plex authentication token")
	rootCmd.PersistentFlags().Int("plex-timeout-secs", 15, "Plex request timeout in seconds")
	rootCmd.PersistentFlags().String("database-path", "./plexadaptive.db", "sqlite database path")
	rootCmd.PersistentFlags().String("server-host", defaultServerHost, "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8484, "HTTP server port")
	rootCmd.PersistentFlags().Bool("adaptive-enabled", true, "Enable adaptive queue management")
	rootCmd.PersistentFlags().Int("skip-window-minutes", 30, "Sliding window for skip pattern detection in minutes")
	rootCmd.PersistentFlags().Int("min-skip-count", 3, "Minimum skips in the window before pattern analysis")
	rootCmd.PersistentFlags().Int("sensitivity", 5, "Pattern detection sensitivity (1-10)")
	rootCmd.PersistentFlags().Int("cooldown-secs", 10, "Minimum seconds between adaptations per device")
	rootCmd.PersistentFlags().Int("session-idle-mins", 60, "Minutes of inactivity before a session is purged")
	rootCmd.PersistentFlags().Int("max-removals", 10, "Maximum queue removals per adaptation cycle")
	rootCmd.PersistentFlags().Int("api-delay-ms", 100, "Delay between consecutive queue mutations in milliseconds")
	rootCmd.PersistentFlags().Int("min-queue-size", 10, "Queue size below which a refill is triggered")
	rootCmd.PersistentFlags().Int("refill-target", 10, "Number of tracks a refill tries to append")
	rootCmd.PersistentFlags().Int("queue-cache-ttl-mins", 30, "Queue discovery cache TTL in minutes")
	rootCmd.PersistentFlags().Int("flood-limit-per-minute", 120, "Maximum telemetry events per device per minute")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	// Load .env file explicitly using gotenv
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		// Don't exit if .env file doesn't exist, just warn
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix("PLEXADAPTIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Plex.URL = strings.TrimRight(viper.GetString("plex-url"), "/")
	cfg.Plex.Token = viper.GetString("plex-token")
	if secs := viper.GetInt("plex-timeout-secs"); secs > 0 {
		cfg.Plex.Timeout = time.Duration(secs) * time.Second
	}

	cfg.Database.Path = viper.GetString("database-path")

	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	cfg.Server.Port = viper.GetInt("server-port")
	cfg.Log.Level = viper.GetString("log-level")

	cfg.Adaptive.Enabled = viper.GetBool("adaptive-enabled")
	if n := viper.GetInt("skip-window-minutes"); n > 0 {
		cfg.Adaptive.WindowMinutes = n
	}
	if n := viper.GetInt("min-skip-count"); n > 0 {
		cfg.Adaptive.MinSkipCount = n
	}
	if n := viper.GetInt("sensitivity"); n >= 1 && n <= 10 {
		cfg.Adaptive.Sensitivity = n
	}
	if n := viper.GetInt("cooldown-secs"); n >= 0 {
		cfg.Adaptive.CooldownSecs = n
	}
	if n := viper.GetInt("session-idle-mins"); n > 0 {
		cfg.Adaptive.SessionIdleMins = n
	}
	if n := viper.GetInt("flood-limit-per-minute"); n > 0 {
		cfg.Adaptive.FloodLimitPerMinute = n
	}

	if n := viper.GetInt("max-removals"); n > 0 {
		cfg.Queue.MaxRemovals = n
	}
	if n := viper.GetInt("api-delay-ms"); n >= 0 {
		cfg.Queue.APIDelayMs = n
	}
	if n := viper.GetInt("min-queue-size"); n > 0 {
		cfg.Queue.MinQueueSize = n
	}
	if n := viper.GetInt("refill-target"); n > 0 {
		cfg.Queue.RefillTarget = n
	}
	if n := viper.GetInt("queue-cache-ttl-mins"); n > 0 {
		cfg.Queue.CacheTTLMins = n
	}

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func validateConfig() error {
	if config.Plex.URL == "" {
		return fmt.Errorf("plex URL is required")
	}
	if config.Plex.Token == "" {
		return fmt.Errorf("plex token is required")
	}
	if config.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}

func runPlexAdaptive(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting plexadaptive",
		zap.String("plex_url", config.Plex.URL),
		zap.Bool("adaptive_enabled", config.Adaptive.Enabled),
		zap.Int("skip_window_minutes", config.Adaptive.WindowMinutes))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	services, err := initializeServices()
	if err != nil {
		return err
	}
	defer services.close()

	return runServices(ctx, services)
}

type services struct {
	db         *store.Store
	gate       *flood.Floodgate
	metrics    *httpserver.Metrics
	tracker    *core.QueueTracker
	sessions   *core.SessionManager
	httpServer *httpserver.Server
}

func (s *services) close() {
	s.gate.Stop()
	if err := s.db.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}
}

func initializeServices() (*services, error) {
	db, err := store.New(config.Database.Path, config.Adaptive.FallbackSettings(),
		logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	plexClient := plex.NewClient(&config.Plex, logger.Named("plex"))
	genreCache := metadata.NewGenreCache(plexClient, genreCacheCapacity,
		time.Duration(config.Queue.CacheTTLMins)*time.Minute, logger.Named("metadata"))
	recentTracks := store.NewRecentTracks(config.Queue.RecentTrackCapacity,
		recentTrackFalsePositiveRate)

	metrics := httpserver.NewMetrics()
	tracker := core.NewQueueTracker(plexClient, db, &config.Queue,
		logger.Named("tracker"), metrics)
	queues := core.NewQueueManager(plexClient, genreCache, db, recentTracks,
		&config.Queue, logger.Named("queues"), metrics)
	sessions := core.NewSessionManager(&config.Adaptive, db, genreCache,
		tracker, queues, logger.Named("sessions"), metrics)

	gate := flood.New(config.Adaptive.FloodLimitPerMinute)
	processor := core.NewWebhookProcessor(sessions, gate, logger.Named("webhook"), metrics)

	httpServer := httpserver.NewServer(&config.Server, logger.Named("http"),
		processor, tracker, sessions, db)

	return &services{
		db:         db,
		gate:       gate,
		metrics:    metrics,
		tracker:    tracker,
		sessions:   sessions,
		httpServer: httpServer,
	}, nil
}

func runServices(ctx context.Context, svcs *services) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svcs.httpServer.Start(gCtx)
	})

	g.Go(func() error {
		return runMaintenance(gCtx, svcs)
	})

	logger.Info("plexadaptive started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("plexadaptive stopped with error", zap.Error(err))
		return err
	}

	logger.Info("plexadaptive stopped gracefully")
	return nil
}

// runMaintenance evicts idle sessions and expired queue discoveries on a
// timer and refreshes the gauges.
func runMaintenance(ctx context.Context, svcs *services) error {
	purgeTicker := time.NewTicker(sessionPurgeInterval)
	defer purgeTicker.Stop()
	sweepTicker := time.NewTicker(cacheSweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-purgeTicker.C:
			if purged := svcs.sessions.PurgeIdleSessions(); purged > 0 {
				logger.Info("Purged idle sessions", zap.Int("count", purged))
			}
			svcs.metrics.SetActiveSessions(svcs.sessions.ActiveSessionCount())
		case <-sweepTicker.C:
			if swept := svcs.tracker.Sweep(); swept > 0 {
				logger.Debug("Swept expired queue discoveries", zap.Int("count", swept))
			}
			svcs.metrics.SetCacheEntries(svcs.tracker.Stats().CacheEntries)
		}
	}
}
