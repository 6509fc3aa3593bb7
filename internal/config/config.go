// Package config holds the hot-reloadable Config snapshot
// and the key=value loader/watcher ("Configuration source").
package config

import (
	"fmt"
)

// VolumeType selects which closed candles feed the baseline average.
type VolumeType string

const (
	VolumeLong VolumeType = "long"
	VolumeShort VolumeType = "short"
	VolumeAll VolumeType = "all"
)

// Config is the full set of recognised, hot-reloadable options, plus the
// connection settings needed to reach the venue, Postgres, and Redis. A
// Config value is always read by value into a local variable at the start
// of a logical step — never held across a suspension point.
type Config struct {
	// Analysis / detection thresholds.
	AnalysisHours int `yaml:"analysis_hours"`
	OffsetMinutes int `yaml:"offset_minutes"`
	VolumeMultiplier float64 `yaml:"volume_multiplier"`
	MinVolumeUsdt float64 `yaml:"min_volume_usdt"`
	ConsecutiveLongCount int `yaml:"consecutive_long_count"`
	AlertGroupingMinutes int `yaml:"alert_grouping_minutes"`
	DataRetentionHours int `yaml:"data_retention_hours"`
	PairsCheckIntervalMinutes int `yaml:"pairs_check_interval_minutes"`
	PriceHistoryDays int `yaml:"price_history_days"`
	PriceDropPercentage float64 `yaml:"price_drop_percentage"`
	MinGapPercentage float64 `yaml:"min_gap_percentage"`
	MinStrength float64 `yaml:"min_strength"`
	VolumeType VolumeType `yaml:"volume_type"`
	NotifyMaxPerSecond int `yaml:"notify_max_per_second"`

	// Feature flags.
	VolumeEnabled bool `yaml:"volume_enabled"`
	ConsecutiveEnabled bool `yaml:"consecutive_enabled"`
	PriorityEnabled bool `yaml:"priority_enabled"`
	ImbalanceEnabled bool `yaml:"imbalance_enabled"`
	OrderbookEnabled bool `yaml:"orderbook_enabled"`
	OrderbookSnapshotOnAlert bool `yaml:"orderbook_snapshot_on_alert"`
	FvgEnabled bool `yaml:"fvg_enabled"`
	ObEnabled bool `yaml:"ob_enabled"`
	BbEnabled bool `yaml:"bb_enabled"`
	WatchlistAutoUpdate bool `yaml:"watchlist_auto_update"`

	// Connections.
	Postgres PostgresConfig `yaml:"postgres"`
	Redis RedisConfig `yaml:"redis"`
	Bybit BybitConfig `yaml:"bybit"`
	Metrics MetricsConfig `yaml:"metrics"`
	Server ServerConfig `yaml:"server"`
}

// PostgresConfig configures the CandleStore's pgxpool.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
	MaxConns int `yaml:"max_conns"`
}

// RedisConfig configures the notification/client-bus transport.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int `yaml:"port"`
	Password string `yaml:"password"`
	DB int `yaml:"db"`
	PoolSize int `yaml:"pool_size"`
}

// BybitConfig configures the venue endpoints.
type BybitConfig struct {
	WebSocketURL string `yaml:"websocket_url"`
	RestURL string `yaml:"rest_url"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port int `yaml:"port"`
}

// ServerConfig configures the client-facing HTTP/WS surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in defaults, applied before a
// config file is unmarshalled on top so that unset keys keep sane values.
func Default() *Config {
	return &Config{
		AnalysisHours: 1,
		OffsetMinutes: 0,
		VolumeMultiplier: 2.0,
		MinVolumeUsdt: 1000,
		ConsecutiveLongCount: 5,
		AlertGroupingMinutes: 5,
		DataRetentionHours: 2,
		PairsCheckIntervalMinutes: 30,
		PriceHistoryDays: 30,
		PriceDropPercentage: 10.0,
		MinGapPercentage: 0.1,
		MinStrength: 0.5,
		VolumeType: VolumeLong,
		NotifyMaxPerSecond: 1000,

		VolumeEnabled: true,
		ConsecutiveEnabled: true,
		PriorityEnabled: true,
		ImbalanceEnabled: true,
		FvgEnabled: true,
		ObEnabled: true,
		BbEnabled: true,
		WatchlistAutoUpdate: true,

		Postgres: PostgresConfig{MaxConns: 20},
		Redis: RedisConfig{Host: "localhost", Port: 6379, PoolSize: 10},
		Bybit: BybitConfig{
			WebSocketURL: "wss://stream.bybit.com/v5/public/linear",
			RestURL: "https://api.bybit.com",
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
		Server: ServerConfig{Addr: ":8899"},
	}
}

// EffectiveRetentionHours ensures retention is never shorter than the
// analysis window it is meant to outlive, to avoid oscillation between the
// retention delete and the reconciliation backfill.
func (c *Config) EffectiveRetentionHours() int {
	need := c.AnalysisHours + (c.OffsetMinutes+59)/60 // ceil to hours
	if c.DataRetentionHours > need {
		return c.DataRetentionHours
	}
	return need
}

// Validate runs field-level checks so a caller can report a precise error
// and retain the last-known-good value rather than adopting a half-broken
// snapshot.
func (c *Config) Validate() error {
	switch {
	case c.AnalysisHours <= 0:
		return fmt.Errorf("analysis_hours must be positive, got %d", c.AnalysisHours)
	case c.OffsetMinutes < 0:
		return fmt.Errorf("offset_minutes must be non-negative, got %d", c.OffsetMinutes)
	case c.VolumeMultiplier <= 0:
		return fmt.Errorf("volume_multiplier must be positive, got %f", c.VolumeMultiplier)
	case c.MinVolumeUsdt < 0:
		return fmt.Errorf("min_volume_usdt must be non-negative, got %f", c.MinVolumeUsdt)
	case c.ConsecutiveLongCount <= 0:
		return fmt.Errorf("consecutive_long_count must be positive, got %d", c.ConsecutiveLongCount)
	case c.AlertGroupingMinutes <= 0:
		return fmt.Errorf("alert_grouping_minutes must be positive, got %d", c.AlertGroupingMinutes)
	case c.DataRetentionHours <= 0:
		return fmt.Errorf("data_retention_hours must be positive, got %d", c.DataRetentionHours)
	case c.PairsCheckIntervalMinutes <= 0:
		return fmt.Errorf("pairs_check_interval_minutes must be positive, got %d", c.PairsCheckIntervalMinutes)
	case c.PriceHistoryDays <= 0:
		return fmt.Errorf("price_history_days must be positive, got %d", c.PriceHistoryDays)
	case c.MinGapPercentage < 0:
		return fmt.Errorf("min_gap_percentage must be non-negative, got %f", c.MinGapPercentage)
	case c.MinStrength < 0:
		return fmt.Errorf("min_strength must be non-negative, got %f", c.MinStrength)
	case c.VolumeType != VolumeLong && c.VolumeType != VolumeShort && c.VolumeType != VolumeAll:
		return fmt.Errorf("volume_type must be one of long/short/all, got %q", c.VolumeType)
	case c.NotifyMaxPerSecond <= 0:
		return fmt.Errorf("notify_max_per_second must be positive, got %d", c.NotifyMaxPerSecond)
	}
	return nil
}
