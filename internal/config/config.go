// Package config holds the process-wide volatile tunables: a single
// struct of atomically readable fields, constructed once after
// environment parsing and never torn down. Each field is individually
// atomic; no multi-field atomicity is promised.
package config

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Config is the process-wide tunable set. Reads are lock-free; every
// field may be updated independently and concurrently with reads.
type Config struct {
	OriginConnectTimeout atomic.Int64 // nanoseconds
	OriginTransferTimeout atomic.Int64

	PeerConnectTimeout  atomic.Int64
	PeerTransferTimeout atomic.Int64

	MaxRedirects atomic.Int32

	MaintenanceInterval atomic.Int64

	MulticastTimestampSkew atomic.Int64 // nanoseconds, the "wide window"
	NarrowReplayWindow     atomic.Int64 // optional secondary window, nanoseconds; 0 disables

	EvictHighWaterBytes atomic.Int64

	DangerousNoAbsentOnShutdown atomic.Bool

	MulticastLoop atomic.Bool

	LoadShedThreshold atomic.Int64 // in-flight request count above which Present is skipped
}

// New constructs a Config from environment variables, falling back to
// the documented defaults for anything unset or unparsable.
func New() *Config {
	c := &Config{}
	c.OriginConnectTimeout.Store(int64(5 * time.Second))
	c.OriginTransferTimeout.Store(int64(30 * time.Second))
	c.PeerConnectTimeout.Store(int64(envSeconds("Fs123PeerConnectTimeout", 2)))
	c.PeerTransferTimeout.Store(int64(envSeconds("Fs123PeerTransferTimeout", 5)))
	c.MaxRedirects.Store(10)
	c.MaintenanceInterval.Store(int64(30 * time.Second))
	c.MulticastTimestampSkew.Store(int64(envSeconds("Fs123MulticastTimestampSkew", 60)))
	c.NarrowReplayWindow.Store(0)
	c.EvictHighWaterBytes.Store(1 << 30)
	c.DangerousNoAbsentOnShutdown.Store(envBool("Fs123DangerousNoDistribCacheAbsentOnShutdown"))
	c.MulticastLoop.Store(envBool("Fs123DistribCacheMulticastLoop"))
	c.LoadShedThreshold.Store(0) // 0 == never shed

	return c
}

func envSeconds(name string, def int) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(def) * time.Second
}

func envBool(name string) bool {
	v := os.Getenv(name)
	return v != "" && v != "0" && v != "false"
}

// Reflector returns the configured multicast group or unicast repeater
// address, e.g. "239.1.2.3:9123" or "repeater.local:9123".
func Reflector() string {
	return os.Getenv("Fs123DistribCacheReflector")
}
