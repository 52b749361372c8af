package engine

import (
	"time"

	"alertd/internal/alert"
)

// RateLimit caps sends per channel and priority. Zero means unlimited.
type RateLimit struct {
	MaxPerHour   int
	MaxPerMinute int
}

func (r RateLimit) IsZero() bool { return r.MaxPerHour <= 0 && r.MaxPerMinute <= 0 }

// Config controls the dispatch pipeline.
type Config struct {
	Workers         int
	QueueSize       int
	DedupWindow     time.Duration // <=0 disables duplicate suppression
	DedupMaxEntries int
	MaxHistory      int
	SendTimeout     time.Duration
	RetryMax        int
	RetryBase       time.Duration
	DrainOnStop     bool
	StopTimeout     time.Duration

	RateLimits      map[string]map[alert.Priority]RateLimit
	DefaultChannels map[alert.Priority][]string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         3,
		QueueSize:       1024,
		DedupWindow:     5 * time.Minute,
		DedupMaxEntries: 10000,
		MaxHistory:      1000,
		SendTimeout:     10 * time.Second,
		RetryMax:        3,
		RetryBase:       time.Second,
		DrainOnStop:     true,
		StopTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = d.DedupMaxEntries
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = d.MaxHistory
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// retryDelay is RetryBase * 2^retryCount.
func (c Config) retryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}
	return c.RetryBase * time.Duration(1<<uint(retryCount))
}
