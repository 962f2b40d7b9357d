package limits

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceGuardConfig sets the admission thresholds. Zero disables a check.
type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // percent
	MaxMemoryBytes     int64
	MaxGoroutines      int
}

// ResourceGuard decides whether new connections are admitted, based on the
// live connection count and periodically sampled CPU and memory usage.
type ResourceGuard struct {
	config       ResourceGuardConfig
	currentConns func() int64
	logger       zerolog.Logger
	metrics      *monitoring.Metrics

	proc *process.Process

	cpuBits     atomic.Uint64 // float64 bits
	memoryBytes atomic.Int64

	wg sync.WaitGroup
}

// NewResourceGuard creates a guard. currentConns reports the number of
// open connections.
func NewResourceGuard(config ResourceGuardConfig, currentConns func() int64, logger zerolog.Logger, metrics *monitoring.Metrics) *ResourceGuard {
	rg := &ResourceGuard{
		config:       config,
		currentConns: currentConns,
		logger:       logger.With().Str("component", "resource_guard").Logger(),
		metrics:      metrics,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		rg.logger.Warn().Err(err).Msg("Process stats unavailable, falling back to host stats")
	} else {
		rg.proc = proc
	}

	rg.logger.Info().
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Int64("max_memory_bytes", config.MaxMemoryBytes).
		Int("max_goroutines", config.MaxGoroutines).
		Msg("ResourceGuard initialized")
	return rg
}

// ShouldAcceptConnection checks, in order: connection limit, CPU, memory
// and goroutines. The reason is empty when the connection is accepted.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	if rg.config.MaxConnections > 0 {
		if n := rg.currentConns(); n >= int64(rg.config.MaxConnections) {
			return false, fmt.Sprintf("at max connections (%d)", rg.config.MaxConnections)
		}
	}
	if rg.config.CPURejectThreshold > 0 {
		if c := rg.CPUPercent(); c > rg.config.CPURejectThreshold {
			return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", c, rg.config.CPURejectThreshold)
		}
	}
	if rg.config.MaxMemoryBytes > 0 && rg.memoryBytes.Load() > rg.config.MaxMemoryBytes {
		return false, "memory limit exceeded"
	}
	if rg.config.MaxGoroutines > 0 {
		if g := runtime.NumGoroutine(); g > rg.config.MaxGoroutines {
			return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", g, rg.config.MaxGoroutines)
		}
	}
	return true, ""
}

// CPUPercent returns the last sampled CPU usage.
func (rg *ResourceGuard) CPUPercent() float64 {
	return math.Float64frombits(rg.cpuBits.Load())
}

// MemoryBytes returns the last sampled resident memory.
func (rg *ResourceGuard) MemoryBytes() int64 {
	return rg.memoryBytes.Load()
}

// Sample refreshes CPU and memory usage.
func (rg *ResourceGuard) Sample(ctx context.Context) {
	var cpuPercent float64
	var memBytes int64

	if rg.proc != nil {
		if c, err := rg.proc.PercentWithContext(ctx, 0); err == nil {
			cpuPercent = c / float64(runtime.NumCPU())
		}
		if m, err := rg.proc.MemoryInfoWithContext(ctx); err == nil {
			memBytes = int64(m.RSS)
		}
	} else {
		if c, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(c) > 0 {
			cpuPercent = c[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			memBytes = int64(vm.Used)
		}
	}

	rg.cpuBits.Store(math.Float64bits(cpuPercent))
	rg.memoryBytes.Store(memBytes)
	if rg.metrics != nil {
		rg.metrics.CPUPercent.Set(cpuPercent)
		rg.metrics.MemoryBytes.Set(float64(memBytes))
	}

	rg.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Int64("memory_mb", memBytes/(1024*1024)).
		Int64("connections", rg.currentConns()).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("Resource state updated")
}

// StartMonitoring samples every interval until ctx is done.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	rg.wg.Add(1)
	go func() {
		defer rg.wg.Done()
		defer monitoring.RecoverPanic(rg.logger, "resourceGuard.monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		rg.Sample(ctx)
		for {
			select {
			case <-ticker.C:
				rg.Sample(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the monitoring goroutine has exited.
func (rg *ResourceGuard) Wait() {
	rg.wg.Wait()
}
