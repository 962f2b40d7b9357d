package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter throttles new connections per remote IP and
// globally, using token buckets (golang.org/x/time/rate).
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger zerolog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	now         func() time.Time
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting
type ConnectionRateLimiterConfig struct {
	IPBurst int           // Max burst connections per IP (0: no per-IP limit)
	IPRate  float64       // Sustained connections/sec per IP (0: no per-IP limit)
	IPTTL   time.Duration // Forget idle IPs after this long (default: 5 minutes)

	GlobalBurst int     // Max burst connections system-wide (default: 300)
	GlobalRate  float64 // Sustained connections/sec system-wide (default: 50.0)

	CleanupInterval time.Duration // default: 1 minute

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a limiter and starts its cleanup loop.
// Zero config values take the defaults listed on the config fields. The
// per-IP limit applies only when both IPBurst and IPRate are positive.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
		now:           time.Now,
	}

	crl.wg.Add(1)
	go crl.cleanupLoop(config.CleanupInterval)

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return crl
}

// Allow reports whether a new connection from ip may proceed. The global
// bucket is checked first. The second result names the limit that refused.
func (crl *ConnectionRateLimiter) Allow(ip string) (bool, string) {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		return false, "global_rate"
	}
	if crl.ipBurst <= 0 || crl.ipRate <= 0 {
		return true, ""
	}
	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		return false, "ip_rate"
	}
	return true, ""
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	if entry, ok := crl.ipLimiters[ip]; ok {
		entry.lastAccess = crl.now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: crl.now()}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop(interval time.Duration) {
	defer crl.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			return
		}
	}
}

// cleanup forgets IPs idle for longer than the TTL.
func (crl *ConnectionRateLimiter) cleanup() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := crl.now()
	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
	return removed
}

// TrackedIPs returns how many IPs currently have a limiter.
func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	return len(crl.ipLimiters)
}

// Stop ends the cleanup loop.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() {
		close(crl.stopCleanup)
		crl.wg.Wait()
	})
}
