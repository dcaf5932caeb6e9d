package core

import (
	"time"
)

type Config struct {
	Plex     PlexConfig
	Database DatabaseConfig
	Server   ServerConfig
	Log      LogConfig
	Adaptive AdaptiveConfig
	Queue    QueueConfig
}

type PlexConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type DatabaseConfig struct {
	Path string
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// AdaptiveConfig holds the session manager and analyzer tunables. The
// Enabled/Window/MinSkip/Sensitivity/Cooldown values are only the fallback:
// the durable settings table overrides them per cycle.
type AdaptiveConfig struct {
	Enabled             bool
	CompletionThreshold float64
	WindowMinutes       int
	MinSkipCount        int
	Sensitivity         int
	CooldownSecs        int
	SessionIdleMins     int
	HistoryMarginMins   int
	FloodLimitPerMinute int
}

type QueueConfig struct {
	MaxRemovals         int
	APIDelayMs          int
	MinQueueSize        int
	AutoRefillThreshold int
	RefillTarget        int
	SeedLimit           int
	SimilarPerSeed      int
	MaxSimilarDistance  float64
	CacheTTLMins        int
	NarrowProbeWidth    int
	WideProbeWidth      int
	FailureLogSize      int
	RecentTrackCapacity int
}

func DefaultConfig() *Config {
	return &Config{
		Plex: PlexConfig{
			Timeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./plexadaptive.db",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8484,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Adaptive: AdaptiveConfig{
			Enabled:             true,
			CompletionThreshold: 0.90,
			WindowMinutes:       30,
			MinSkipCount:        3,
			Sensitivity:         5,
			CooldownSecs:        10,
			SessionIdleMins:     60,
			HistoryMarginMins:   10,
			FloodLimitPerMinute: 120,
		},
		Queue: QueueConfig{
			MaxRemovals:         10,
			APIDelayMs:          100,
			MinQueueSize:        10,
			AutoRefillThreshold: 5,
			RefillTarget:        10,
			SeedLimit:           5,
			SimilarPerSeed:      10,
			MaxSimilarDistance:  0.25,
			CacheTTLMins:        30,
			NarrowProbeWidth:    50,
			WideProbeWidth:      200,
			FailureLogSize:      100,
			RecentTrackCapacity: 500,
		},
	}
}

// FallbackSettings converts the config defaults into the shape the analyzer
// consumes, used when the settings table cannot be read.
func (c *AdaptiveConfig) FallbackSettings() AdaptiveSettings {
	return AdaptiveSettings{
		Enabled:       c.Enabled,
		WindowMinutes: c.WindowMinutes,
		MinSkipCount:  c.MinSkipCount,
		Sensitivity:   c.Sensitivity,
		CooldownSecs:  c.CooldownSecs,
	}
}
