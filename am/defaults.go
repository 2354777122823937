package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "cellsync.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Sync defaults mirror sync.DefaultConfig
	v.SetDefault("sync.interval_seconds", 30)
	v.SetDefault("sync.leaf_threshold", 64)
	v.SetDefault("sync.checkpoint_every", 256)
	v.SetDefault("sync.round_trip_timeout_seconds", 30)
	v.SetDefault("sync.session_idle_timeout_seconds", 0)
	v.SetDefault("sync.max_record_attempts", 3)
	v.SetDefault("sync.retry_backoff_ms", 200)
	v.SetDefault("sync.max_records_per_second", 0)
	v.SetDefault("sync.max_concurrent_groups", 4)
	v.SetDefault("sync.index_cache_size", 128)
	v.SetDefault("sync.busy_policy", "reject")
	v.SetDefault("sync.verify_on_load", false)
}

// BindSensitiveEnvVars explicitly binds settings commonly overridden per deployment
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "CELLSYNC_DATABASE_PATH")
	v.BindEnv("sync.node_id", "CELLSYNC_NODE_ID")
	v.BindEnv("server.port", "CELLSYNC_PORT")
}

// GetServerPort returns the configured port, or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "cellsync.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed WebSocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d}, Sync: {Name: %s, Peers: %d, Interval: %ds}}",
		c.GetDatabasePath(), c.GetServerPort(), c.Sync.Name, len(c.Sync.Peers), c.Sync.IntervalSeconds)
}
