package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/maxpert/rowlock/segment"
	"github.com/rs/zerolog/log"
)

// SegmentSuffix is appended to a database path to name its lock segment
const SegmentSuffix = "-rowlock"

// RowLockConfiguration controls the shared lock segment and lock waits
type RowLockConfiguration struct {
	Enabled              bool   `toml:"enabled"`
	MmapRowSize          uint64 `toml:"mmap_row_size"`           // Bytes reserved for row lock records
	MmapTableSize        uint64 `toml:"mmap_table_size"`         // Bytes reserved for table lock records
	MaxHolders           int    `toml:"max_holders"`             // Concurrent connections per segment
	MaxRowidRetry        int    `toml:"max_rowid_retry"`         // Re-runs after a corrupted rowid cache
	BusyTimeoutMS        int    `toml:"busy_timeout_ms"`         // Caller-side wait on busy locks, 0 = fail fast
	BusyBackoffMS        int    `toml:"busy_backoff_ms"`         // First backoff step, doubled per attempt
	HeartbeatIntervalMS  int    `toml:"heartbeat_interval_ms"`   // 0 disables holder heartbeats
	StaleHolderTimeoutMS int    `toml:"stale_holder_timeout_ms"` // Heartbeat age after which a holder is dead, 0 = pid only
	RowidCacheTables     int    `toml:"rowid_cache_tables"`      // Tables remembered by the rowid registry
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled           bool   `toml:"enabled"`
	Address           string `toml:"address"`
	Port              int    `toml:"port"`
	CollectIntervalMS int    `toml:"collect_interval_ms"`
}

// AdminConfiguration for the HTTP admin endpoints
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	// Segment overrides the lock segment path derived from the database path
	Segment string `toml:"segment"`

	RowLock    RowLockConfiguration    `toml:"rowlock"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	SegmentFlag    = flag.String("segment", "", "Lock segment path (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Debug logging (overrides config)")
)

// Default returns the built-in configuration
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./rowlock-data",

		RowLock: RowLockConfiguration{
			Enabled:              true,
			MmapRowSize:          segment.DefaultRowBytes,   // 1 MiB
			MmapTableSize:        segment.DefaultTableBytes, // 128 KiB
			MaxHolders:           segment.DefaultMaxHolders,
			MaxRowidRetry:        50,
			BusyTimeoutMS:        5000,
			BusyBackoffMS:        1,
			HeartbeatIntervalMS:  1000,
			StaleHolderTimeoutMS: 0,
			RowidCacheTables:     1024,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:           false,
			Address:           "127.0.0.1",
			Port:              9091,
			CollectIntervalMS: 5000,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    9090,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *SegmentFlag != "" {
		Config.Segment = *SegmentFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a stable node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("rowlock")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks c for errors
func (c *Configuration) Validate() error {
	rl := c.RowLock

	if rl.MmapRowSize < segment.MinRegionBytes {
		return fmt.Errorf("mmap_row_size must be >= %d bytes", segment.MinRegionBytes)
	}

	if rl.MmapTableSize < segment.MinRegionBytes {
		return fmt.Errorf("mmap_table_size must be >= %d bytes", segment.MinRegionBytes)
	}

	if rl.MaxHolders < 1 {
		return fmt.Errorf("max_holders must be >= 1")
	}

	if rl.MaxRowidRetry < 0 {
		return fmt.Errorf("max_rowid_retry must be >= 0")
	}

	if rl.BusyTimeoutMS < 0 || rl.BusyBackoffMS < 0 {
		return fmt.Errorf("busy timeout and backoff must be >= 0")
	}

	if rl.HeartbeatIntervalMS < 0 || rl.StaleHolderTimeoutMS < 0 {
		return fmt.Errorf("heartbeat interval and stale holder timeout must be >= 0")
	}

	// A stale timeout shorter than the heartbeat would reclaim healthy holders
	if rl.StaleHolderTimeoutMS > 0 {
		if rl.HeartbeatIntervalMS == 0 {
			return fmt.Errorf("stale_holder_timeout_ms requires heartbeat_interval_ms")
		}
		if rl.StaleHolderTimeoutMS < 2*rl.HeartbeatIntervalMS {
			return fmt.Errorf("stale_holder_timeout_ms must be >= 2 * heartbeat_interval_ms")
		}
	}

	if rl.RowidCacheTables < 1 {
		return fmt.Errorf("rowid_cache_tables must be >= 1")
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	if c.Prometheus.Enabled && (c.Prometheus.Port < 1 || c.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid Prometheus port: %d", c.Prometheus.Port)
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	return nil
}

// SegmentConfig converts the [rowlock] section into a segment configuration
func (rl RowLockConfiguration) SegmentConfig() segment.Config {
	return segment.Config{
		RowBytes:           rl.MmapRowSize,
		TableBytes:         rl.MmapTableSize,
		MaxHolders:         rl.MaxHolders,
		HeartbeatInterval:  time.Duration(rl.HeartbeatIntervalMS) * time.Millisecond,
		StaleHolderTimeout: time.Duration(rl.StaleHolderTimeoutMS) * time.Millisecond,
	}
}

// BusyTimeout returns the caller-side wait on busy locks
func (rl RowLockConfiguration) BusyTimeout() time.Duration {
	return time.Duration(rl.BusyTimeoutMS) * time.Millisecond
}

// BusyBackoff returns the first backoff step of a busy wait
func (rl RowLockConfiguration) BusyBackoff() time.Duration {
	return time.Duration(rl.BusyBackoffMS) * time.Millisecond
}

// SegmentPath returns the lock segment path of the database at dbPath
func (c *Configuration) SegmentPath(dbPath string) string {
	if c.Segment != "" {
		return c.Segment
	}
	return dbPath + SegmentSuffix
}

// DatabasePath resolves name inside the data directory unless it is already a path
func (c *Configuration) DatabasePath(name string) string {
	if filepath.IsAbs(name) || filepath.Dir(name) != "." {
		return name
	}
	return filepath.Join(c.DataDir, name)
}
