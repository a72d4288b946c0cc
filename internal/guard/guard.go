package guard

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// Config holds static resource ceilings. Static limits over auto-tuning:
// behavior stays predictable under load.
type Config struct {
	// Emergency brakes, percent of allocated CPU
	CPURejectThreshold float64
	CPUPauseThreshold  float64

	// Memory ceiling in bytes; 0 means detect from cgroup, falling back to
	// unlimited.
	MemoryLimit int64

	MaxGoroutines int

	// Rate ceilings for upstream ingest and room broadcasts
	MaxIngestPerSec     int
	MaxBroadcastsPerSec int

	SampleInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.CPURejectThreshold <= 0 {
		c.CPURejectThreshold = 75
	}
	if c.CPUPauseThreshold <= 0 {
		c.CPUPauseThreshold = 80
	}
	if c.MemoryLimit <= 0 {
		if detected, err := DetectMemoryLimit(); err == nil && detected > 0 {
			c.MemoryLimit = detected
		}
	}
	if c.MaxGoroutines <= 0 {
		c.MaxGoroutines = 10000
	}
	if c.MaxIngestPerSec <= 0 {
		c.MaxIngestPerSec = 1000
	}
	if c.MaxBroadcastsPerSec <= 0 {
		c.MaxBroadcastsPerSec = 500
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 15 * time.Second
	}
}

// Guard enforces the configured ceilings: admission control for new
// connections, rate limiting for ingest and broadcasts, and emergency brakes
// on CPU and memory pressure.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	ingestLimiter    *rate.Limiter
	broadcastLimiter *rate.Limiter

	// CPU cores allotted by the container quota; 0 means uncontainerized,
	// thresholds then apply to host-wide usage.
	cpuQuota float64

	currentCPU    atomic.Value // float64
	currentMemory atomic.Int64
}

func New(cfg Config, logger zerolog.Logger) *Guard {
	cfg.applyDefaults()
	g := &Guard{
		cfg:              cfg,
		logger:           logger.With().Str("component", "guard").Logger(),
		ingestLimiter:    rate.NewLimiter(rate.Limit(cfg.MaxIngestPerSec), cfg.MaxIngestPerSec*2),
		broadcastLimiter: rate.NewLimiter(rate.Limit(cfg.MaxBroadcastsPerSec), cfg.MaxBroadcastsPerSec*2),
	}
	g.currentCPU.Store(0.0)
	if quota, err := DetectCPULimit(); err == nil && quota > 0 {
		g.cpuQuota = quota
	}

	g.logger.Info().
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Float64("cpu_pause_threshold", cfg.CPUPauseThreshold).
		Float64("cpu_quota_cores", g.cpuQuota).
		Int64("memory_limit", cfg.MemoryLimit).
		Int("max_goroutines", cfg.MaxGoroutines).
		Int("max_ingest_per_sec", cfg.MaxIngestPerSec).
		Int("max_broadcasts_per_sec", cfg.MaxBroadcastsPerSec).
		Msg("Resource guard initialized")
	return g
}

// ShouldAcceptConnection applies the emergency brakes ahead of the hub's own
// connection count check.
func (g *Guard) ShouldAcceptConnection() (bool, string) {
	cpuPct := g.currentCPU.Load().(float64)
	if cpuPct > g.cfg.CPURejectThreshold {
		return false, "cpu overload"
	}
	if g.cfg.MemoryLimit > 0 && g.currentMemory.Load() > g.cfg.MemoryLimit {
		return false, "memory limit exceeded"
	}
	if runtime.NumGoroutine() > g.cfg.MaxGoroutines {
		return false, "goroutine limit exceeded"
	}
	return true, "ok"
}

// ShouldPauseIngest reports whether upstream consumption should back off
// until CPU pressure clears.
func (g *Guard) ShouldPauseIngest() bool {
	return g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// AllowIngest checks the ingest rate limit without consuming a token on
// denial. Returns the wait before the next message would be admitted.
func (g *Guard) AllowIngest() (bool, time.Duration) {
	r := g.ingestLimiter.Reserve()
	if !r.OK() {
		return false, 0
	}
	delay := r.Delay()
	if delay == 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}

// AllowBroadcast checks the broadcast rate limit.
func (g *Guard) AllowBroadcast() bool {
	return g.broadcastLimiter.Allow()
}

// Start launches the periodic resource sampler; returns immediately.
func (g *Guard) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

func (g *Guard) sample() {
	// Non-blocking sample; interval 0 reuses the delta since the last call.
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		pct := g.normalizeCPU(pcts[0])
		g.currentCPU.Store(pct)
		cpuUsagePercent.Set(pct)
	} else if err != nil {
		g.logger.Debug().Err(err).Msg("CPU sample failed")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))
	memoryUsedBytes.Set(float64(mem.Alloc))
	goroutinesCurrent.Set(float64(runtime.NumGoroutine()))

	g.logger.Debug().
		Float64("cpu_percent", g.currentCPU.Load().(float64)).
		Int64("memory_mb", g.currentMemory.Load()/(1024*1024)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("Resource sample")
}

// normalizeCPU rescales host-wide usage to percent of the container's CPU
// quota, so the thresholds mean the same thing inside a 2-core cgroup on a
// 16-core host as on bare metal.
func (g *Guard) normalizeCPU(hostPct float64) float64 {
	if g.cpuQuota <= 0 {
		return hostPct
	}
	return hostPct * float64(runtime.NumCPU()) / g.cpuQuota
}

// Snapshot reports the guard's view of resource usage for /healthz.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   int64   `json:"memory_bytes"`
	MemoryLimit   int64   `json:"memory_limit"`
	Goroutines    int     `json:"goroutines"`
	MaxGoroutines int     `json:"max_goroutines"`
	IngestPaused  bool    `json:"ingest_paused"`
}

func (g *Guard) Stats() Snapshot {
	return Snapshot{
		CPUPercent:    g.currentCPU.Load().(float64),
		MemoryBytes:   g.currentMemory.Load(),
		MemoryLimit:   g.cfg.MemoryLimit,
		Goroutines:    runtime.NumGoroutine(),
		MaxGoroutines: g.cfg.MaxGoroutines,
		IngestPaused:  g.ShouldPauseIngest(),
	}
}
