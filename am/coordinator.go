package am

import (
	"os"
	"time"

	"github.com/teranos/cellsync/sync"
)

// CoordinatorConfig maps the [sync] section onto sync.Config.
// An empty name falls back to the hostname.
func (c *Config) CoordinatorConfig() (sync.Config, error) {
	s := c.Sync
	policy, err := sync.ParseBusyPolicy(s.BusyPolicy)
	if err != nil {
		return sync.Config{}, err
	}

	name := s.Name
	if name == "" {
		name, _ = os.Hostname()
	}

	return sync.Config{
		Name:                name,
		LeafThreshold:       s.LeafThreshold,
		CheckpointEvery:     s.CheckpointEvery,
		RoundTripTimeout:    time.Duration(s.RoundTripTimeoutSeconds) * time.Second,
		SessionIdleTimeout:  time.Duration(s.SessionIdleTimeoutSeconds) * time.Second,
		MaxRecordAttempts:   s.MaxRecordAttempts,
		RetryBackoff:        time.Duration(s.RetryBackoffMs) * time.Millisecond,
		MaxRecordsPerSecond: s.MaxRecordsPerSecond,
		MaxConcurrentGroups: s.MaxConcurrentGroups,
		IndexCacheSize:      s.IndexCacheSize,
		BusyPolicy:          policy,
		VerifyOnLoad:        s.VerifyOnLoad,
	}, nil
}

// SyncInterval returns the ticker period; zero disables periodic sync
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}
