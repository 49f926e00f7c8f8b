// Package cache stores tokenized analysis results keyed by a hash of the
// sanitized text, so identical sanitized input is never billed twice.
// Keys and values never contain raw document text.
package cache

import (
	"time"
)

// Entry is a cached analysis result. Analysis still contains tokens.
type Entry struct {
	Analysis map[string]any `json:"analysis"`
	Model    string         `json:"model"`
	CachedAt time.Time      `json:"cached_at"`
}

// Stats represents cache performance statistics
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	RedisURL  string
	PoolSize  int
	TTL       time.Duration
	KeyPrefix string
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
