package limits

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestConnectionRateLimiterPerIP(t *testing.T) {
	defer goleak.VerifyNone(t)

	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     2,
		IPRate:      0.001,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	ok, _ := crl.Allow("10.0.0.1")
	require.True(t, ok)
	ok, _ = crl.Allow("10.0.0.1")
	require.True(t, ok)
	ok, reason := crl.Allow("10.0.0.1")
	require.False(t, ok)
	require.Equal(t, "ip_rate", reason)

	ok, _ = crl.Allow("10.0.0.2")
	require.True(t, ok)
	require.Equal(t, 2, crl.TrackedIPs())
}

func TestConnectionRateLimiterPerIPOffByDefault(t *testing.T) {
	defer goleak.VerifyNone(t)

	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		GlobalBurst: 5000,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	for i := 0; i < 1000; i++ {
		ok, reason := crl.Allow("127.0.0.1")
		require.True(t, ok, "connection %d refused: %s", i, reason)
	}
	require.Zero(t, crl.TrackedIPs())
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	defer goleak.VerifyNone(t)

	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     10,
		GlobalBurst: 1,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	ok, _ := crl.Allow("a")
	require.True(t, ok)
	ok, reason := crl.Allow("b")
	require.False(t, ok)
	require.Equal(t, "global_rate", reason)
}

func TestConnectionRateLimiterCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{IPBurst: 10, IPRate: 1, IPTTL: time.Minute, Logger: zerolog.Nop()})
	defer crl.Stop()

	now := time.Now()
	crl.now = func() time.Time { return now }
	crl.Allow("a")
	crl.Allow("b")

	now = now.Add(30 * time.Second)
	crl.Allow("b")
	now = now.Add(45 * time.Second)

	require.Equal(t, 1, crl.cleanup())
	require.Equal(t, 1, crl.TrackedIPs())
}

func TestResourceGuardConnectionLimit(t *testing.T) {
	var conns atomic.Int64
	rg := NewResourceGuard(ResourceGuardConfig{MaxConnections: 2}, conns.Load, zerolog.Nop(), nil)

	ok, reason := rg.ShouldAcceptConnection()
	require.True(t, ok)
	require.Empty(t, reason)

	conns.Store(2)
	ok, reason = rg.ShouldAcceptConnection()
	require.False(t, ok)
	require.Contains(t, reason, "max connections")
}

func TestResourceGuardGoroutineAndMemoryLimits(t *testing.T) {
	var conns atomic.Int64
	rg := NewResourceGuard(ResourceGuardConfig{MaxGoroutines: 1}, conns.Load, zerolog.Nop(), nil)
	ok, reason := rg.ShouldAcceptConnection()
	require.False(t, ok)
	require.Contains(t, reason, "goroutine")

	rg = NewResourceGuard(ResourceGuardConfig{MaxMemoryBytes: 1}, conns.Load, zerolog.Nop(), nil)
	rg.Sample(context.Background())
	require.Positive(t, rg.MemoryBytes())
	ok, reason = rg.ShouldAcceptConnection()
	require.False(t, ok)
	require.Equal(t, "memory limit exceeded", reason)
}

func TestResourceGuardMonitoringStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	var conns atomic.Int64
	rg := NewResourceGuard(ResourceGuardConfig{}, conns.Load, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	rg.StartMonitoring(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
	rg.Wait()
}
