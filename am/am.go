package am

// Config represents the cellsync node configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Sync     SyncConfig     `mapstructure:"sync" toml:"sync"`
}

// DatabaseConfig configures the record store
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP and WebSocket listener
type ServerConfig struct {
	Port           *int     `mapstructure:"port" toml:"port,omitempty"`                       // nil = DefaultServerPort
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins,omitempty"` // WebSocket origin allow-list
}

// SyncConfig configures the sync coordinator and the periodic sync ticker.
//
// Peer names are map keys and therefore lowercased by viper.
type SyncConfig struct {
	Name            string            `mapstructure:"name" toml:"name,omitempty"`       // Announced in Hello (default: hostname)
	NodeID          string            `mapstructure:"node_id" toml:"node_id,omitempty"` // HLC node id (default: generated once, stored in the database)
	IntervalSeconds int               `mapstructure:"interval_seconds" toml:"interval_seconds"`
	Peers           map[string]string `mapstructure:"peers" toml:"peers,omitempty"`   // name -> ws:// or http:// base URL
	Groups          []string          `mapstructure:"groups" toml:"groups,omitempty"` // empty = every group in the store

	LeafThreshold             int     `mapstructure:"leaf_threshold" toml:"leaf_threshold"`
	CheckpointEvery           int     `mapstructure:"checkpoint_every" toml:"checkpoint_every"`
	RoundTripTimeoutSeconds   int     `mapstructure:"round_trip_timeout_seconds" toml:"round_trip_timeout_seconds"`
	SessionIdleTimeoutSeconds int     `mapstructure:"session_idle_timeout_seconds" toml:"session_idle_timeout_seconds"` // 0 = twice the round-trip timeout
	MaxRecordAttempts         int     `mapstructure:"max_record_attempts" toml:"max_record_attempts"`
	RetryBackoffMs            int     `mapstructure:"retry_backoff_ms" toml:"retry_backoff_ms"`
	MaxRecordsPerSecond       float64 `mapstructure:"max_records_per_second" toml:"max_records_per_second"` // 0 = unlimited
	MaxConcurrentGroups       int     `mapstructure:"max_concurrent_groups" toml:"max_concurrent_groups"`
	IndexCacheSize            int     `mapstructure:"index_cache_size" toml:"index_cache_size"`
	BusyPolicy                string  `mapstructure:"busy_policy" toml:"busy_policy"` // reject | queue
	VerifyOnLoad              bool    `mapstructure:"verify_on_load" toml:"verify_on_load"`
}

// DefaultServerPort is used when server.port is not configured
const DefaultServerPort = 877

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
