package am

import (
	"net/url"

	"github.com/teranos/cellsync/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be in 1..65535, got %d", *c.Server.Port)
	}

	// Sync interval: 0 = no periodic sync, negative = invalid
	if c.Sync.IntervalSeconds < 0 {
		return errors.Newf("sync.interval_seconds must be >= 0, got %d", c.Sync.IntervalSeconds)
	}
	if c.Sync.NodeID != "" && len(c.Sync.NodeID) > 16 {
		return errors.Newf("sync.node_id must be at most 16 characters, got %q", c.Sync.NodeID)
	}

	if err := c.validatePeers(); err != nil {
		return err
	}

	if c.Sync.SessionIdleTimeoutSeconds < 0 {
		return errors.Newf("sync.session_idle_timeout_seconds must be >= 0, got %d", c.Sync.SessionIdleTimeoutSeconds)
	}
	if c.Sync.RetryBackoffMs < 0 {
		return errors.Newf("sync.retry_backoff_ms must be >= 0, got %d", c.Sync.RetryBackoffMs)
	}

	// The remaining sync tunables are checked by the coordinator's own validation
	cfg, err := c.CoordinatorConfig()
	if err != nil {
		return err
	}
	return errors.Wrap(cfg.Validate(), "sync")
}

// validatePeers checks every peer URL is an absolute ws, wss, http or https URL
func (c *Config) validatePeers() error {
	for name, raw := range c.Sync.Peers {
		u, err := url.Parse(raw)
		if err != nil {
			return errors.Wrapf(err, "sync.peers.%s", name)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return errors.Newf("sync.peers.%s: unsupported scheme %q in %s", name, u.Scheme, raw)
		}
		if u.Host == "" {
			return errors.Newf("sync.peers.%s: missing host in %s", name, raw)
		}
	}

	return nil
}
