package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseTTLBroadcast     = 5
	defaultMaxTTL               = 7
	defaultAdaptiveTTLLow       = 2
	defaultAdaptiveTTLHigh      = 3
	defaultAdaptiveTTLThreshold = 3
	defaultRedundancy           = 3
	defaultJitterMin            = 50 * time.Millisecond
	defaultJitterMax            = 200 * time.Millisecond

	defaultSeenTTL   = 60 * time.Second
	defaultSeenCap   = 1000
	defaultSeenSweep = 30 * time.Second

	defaultNeighborExpiry = 30 * time.Second
	defaultNeighborCap    = 100
	defaultNeighborSweep  = 10 * time.Second
	defaultNotifyThrottle = 500 * time.Millisecond

	defaultQueueTick        = 15 * time.Second
	defaultPointToPointCap  = 200
	defaultBroadcastCap     = 100
	defaultMaxAttempts      = 5
	defaultP2PBackoff       = 5 * time.Second
	defaultBroadcastBackoff = 5 * time.Second
	defaultEmergencyBackoff = 2 * time.Second
	defaultMaxBackoff       = 60 * time.Second

	// MaxPayload is the application payload cap carried by one packet.
	MaxPayload = 500

	maxTTLCeiling    = 16
	maxRedundancy    = 8
	maxCapCeiling    = 1 << 16
	maxAttemptsLimit = 64
)

// Config holds every routing, cache and retry tunable of a node.
type Config struct {
	BaseTTLBroadcast     int
	MaxTTL               int
	AdaptiveTTLLow       int
	AdaptiveTTLHigh      int
	AdaptiveTTLThreshold int
	RedundancyCount      int
	JitterMin            time.Duration
	JitterMax            time.Duration
	MaxPayload           int

	SeenTTL   time.Duration
	SeenCap   int
	SeenSweep time.Duration

	NeighborExpiry time.Duration
	NeighborCap    int
	NeighborSweep  time.Duration
	NotifyThrottle time.Duration

	QueueTick           time.Duration
	PointToPointCap     int
	BroadcastCap        int
	MaxAttempts         int
	PointToPointBackoff time.Duration
	BroadcastBackoff    time.Duration
	EmergencyBackoff    time.Duration
	MaxBackoff          time.Duration
}

func Default() Config {
	return Config{
		BaseTTLBroadcast:     defaultBaseTTLBroadcast,
		MaxTTL:               defaultMaxTTL,
		AdaptiveTTLLow:       defaultAdaptiveTTLLow,
		AdaptiveTTLHigh:      defaultAdaptiveTTLHigh,
		AdaptiveTTLThreshold: defaultAdaptiveTTLThreshold,
		RedundancyCount:      defaultRedundancy,
		JitterMin:            defaultJitterMin,
		JitterMax:            defaultJitterMax,
		MaxPayload:           MaxPayload,
		SeenTTL:              defaultSeenTTL,
		SeenCap:              defaultSeenCap,
		SeenSweep:            defaultSeenSweep,
		NeighborExpiry:       defaultNeighborExpiry,
		NeighborCap:          defaultNeighborCap,
		NeighborSweep:        defaultNeighborSweep,
		NotifyThrottle:       defaultNotifyThrottle,
		QueueTick:            defaultQueueTick,
		PointToPointCap:      defaultPointToPointCap,
		BroadcastCap:         defaultBroadcastCap,
		MaxAttempts:          defaultMaxAttempts,
		PointToPointBackoff:  defaultP2PBackoff,
		BroadcastBackoff:     defaultBroadcastBackoff,
		EmergencyBackoff:     defaultEmergencyBackoff,
		MaxBackoff:           defaultMaxBackoff,
	}
}

// FromEnv overlays MESH_* environment knobs on Default. Unparseable or
// non-positive values are ignored; hop and size knobs are clamped.
func FromEnv() Config {
	c := Default()
	if v, ok := envInt("MESH_BASE_TTL_BROADCAST"); ok && v > 0 {
		c.BaseTTLBroadcast = clampInt(v, maxTTLCeiling)
	}
	if v, ok := envInt("MESH_MAX_TTL"); ok && v > 0 {
		c.MaxTTL = clampInt(v, maxTTLCeiling)
	}
	if v, ok := envInt("MESH_ADAPTIVE_TTL_LOW"); ok && v > 0 {
		c.AdaptiveTTLLow = clampInt(v, maxTTLCeiling)
	}
	if v, ok := envInt("MESH_ADAPTIVE_TTL_HIGH"); ok && v > 0 {
		c.AdaptiveTTLHigh = clampInt(v, maxTTLCeiling)
	}
	if v, ok := envInt("MESH_ADAPTIVE_TTL_THRESHOLD"); ok && v > 0 {
		c.AdaptiveTTLThreshold = v
	}
	if v, ok := envInt("MESH_REDUNDANCY"); ok && v > 0 {
		c.RedundancyCount = clampInt(v, maxRedundancy)
	}
	envDuration("MESH_JITTER_MIN_MS", &c.JitterMin)
	envDuration("MESH_JITTER_MAX_MS", &c.JitterMax)
	envDuration("MESH_SEEN_TTL_MS", &c.SeenTTL)
	if v, ok := envInt("MESH_SEEN_CAP"); ok && v > 0 {
		c.SeenCap = clampInt(v, maxCapCeiling)
	}
	envDuration("MESH_SEEN_SWEEP_MS", &c.SeenSweep)
	envDuration("MESH_NEIGHBOR_EXPIRY_MS", &c.NeighborExpiry)
	if v, ok := envInt("MESH_NEIGHBOR_CAP"); ok && v > 0 {
		c.NeighborCap = clampInt(v, maxCapCeiling)
	}
	envDuration("MESH_NEIGHBOR_SWEEP_MS", &c.NeighborSweep)
	envDuration("MESH_NOTIFY_THROTTLE_MS", &c.NotifyThrottle)
	envDuration("MESH_QUEUE_TICK_MS", &c.QueueTick)
	if v, ok := envInt("MESH_P2P_QUEUE_CAP"); ok && v > 0 {
		c.PointToPointCap = clampInt(v, maxCapCeiling)
	}
	if v, ok := envInt("MESH_BROADCAST_QUEUE_CAP"); ok && v > 0 {
		c.BroadcastCap = clampInt(v, maxCapCeiling)
	}
	if v, ok := envInt("MESH_MAX_ATTEMPTS"); ok && v > 0 {
		c.MaxAttempts = clampInt(v, maxAttemptsLimit)
	}
	envDuration("MESH_P2P_BACKOFF_MS", &c.PointToPointBackoff)
	envDuration("MESH_BROADCAST_BACKOFF_MS", &c.BroadcastBackoff)
	envDuration("MESH_EMERGENCY_BACKOFF_MS", &c.EmergencyBackoff)
	envDuration("MESH_MAX_BACKOFF_MS", &c.MaxBackoff)
	return c
}

func (c Config) Validate() error {
	switch {
	case c.BaseTTLBroadcast <= 0 || c.MaxTTL <= 0:
		return fmt.Errorf("ttl bounds must be positive")
	case c.AdaptiveTTLLow <= 0 || c.AdaptiveTTLHigh < c.AdaptiveTTLLow:
		return fmt.Errorf("adaptive ttl low=%d high=%d invalid", c.AdaptiveTTLLow, c.AdaptiveTTLHigh)
	case c.RedundancyCount <= 0:
		return fmt.Errorf("redundancy must be positive")
	case c.JitterMin < 0 || c.JitterMax < c.JitterMin:
		return fmt.Errorf("jitter window [%s,%s] invalid", c.JitterMin, c.JitterMax)
	case c.MaxPayload <= 0 || c.MaxPayload > MaxPayload:
		return fmt.Errorf("max payload %d out of range", c.MaxPayload)
	case c.SeenTTL <= 0 || c.SeenCap <= 0:
		return fmt.Errorf("seen cache ttl and cap must be positive")
	case c.NeighborExpiry <= 0 || c.NeighborCap <= 0:
		return fmt.Errorf("neighbor expiry and cap must be positive")
	case c.PointToPointCap <= 0 || c.BroadcastCap <= 0:
		return fmt.Errorf("queue caps must be positive")
	case c.MaxAttempts <= 0:
		return fmt.Errorf("max attempts must be positive")
	case c.MaxBackoff <= 0:
		return fmt.Errorf("max backoff must be positive")
	}
	return nil
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := envInt(key); ok && v > 0 {
		*dst = time.Duration(v) * time.Millisecond
	}
}

func clampInt(v, max int) int {
	if v > max {
		return max
	}
	return v
}
