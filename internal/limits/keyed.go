package limits

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Keyed is a token-bucket rate limiter keyed by an arbitrary string
// (IP, user, tenant, session). Buckets are created lazily on first use and
// garbage-collected after an inactivity window so one-off keys don't leak.
//
// Token accounting is delegated to golang.org/x/time/rate; the wrapped clock
// keeps refill behavior deterministic under test.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry

	limit rate.Limit
	burst int
	ttl   time.Duration

	clk    clock.Clock
	logger zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Config holds the per-key bucket parameters.
type Config struct {
	Rate  float64       // sustained tokens per second
	Burst int           // bucket capacity
	TTL   time.Duration // drop idle buckets after this window
}

// NewKeyed creates a keyed limiter. Pass clock.New() outside tests.
func NewKeyed(cfg Config, clk clock.Clock, logger zerolog.Logger) *Keyed {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Keyed{
		entries: make(map[string]*entry),
		limit:   rate.Limit(cfg.Rate),
		burst:   cfg.Burst,
		ttl:     cfg.TTL,
		clk:     clk,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
		stop:    make(chan struct{}),
	}
}

// Allow consumes one token from the key's bucket, refilling lazily from the
// elapsed time. Tokens never exceed the configured burst.
func (k *Keyed) Allow(key string) bool {
	now := k.clk.Now()

	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastAccess = now
	k.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Forget drops the bucket for a key. Called when the owning session is
// terminated so its rate-limit association is released immediately.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.entries, key)
	k.mu.Unlock()
}

// Len returns the number of live buckets.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// StartCleanup launches the background sweep that drops idle buckets.
func (k *Keyed) StartCleanup(interval time.Duration) {
	ticker := k.clk.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				k.sweep()
			case <-k.stop:
				return
			}
		}
	}()
}

// Stop terminates the cleanup goroutine.
func (k *Keyed) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
}

func (k *Keyed) sweep() {
	now := k.clk.Now()

	k.mu.Lock()
	removed := 0
	for key, e := range k.entries {
		if now.Sub(e.lastAccess) > k.ttl {
			delete(k.entries, key)
			removed++
		}
	}
	remaining := len(k.entries)
	k.mu.Unlock()

	if removed > 0 {
		k.logger.Debug().
			Int("removed", removed).
			Int("remaining", remaining).
			Msg("Swept idle rate-limit buckets")
	}
}
