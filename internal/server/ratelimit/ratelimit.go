// Package ratelimit limits requests per client and endpoint with token buckets.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EndpointConfig overrides the default limit for one endpoint.
type EndpointConfig struct {
	Path      string // exact path, or a prefix when it ends in "/"
	Method    string
	PerMinute int // 0 means unlimited
	Burst     int // defaults to PerMinute
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled          bool
	DefaultPerMinute int
	DefaultBurst     int
	CleanupInterval  time.Duration
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL         time.Duration
	Whitelist       map[string]bool
	EndpointConfigs []EndpointConfig
}

// DefaultEndpointConfigs limits the endpoints that start work or check
// credentials more tightly than reads.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		{Path: "/workflow/start", Method: "POST", PerMinute: 30, Burst: 5},
		{Path: "/workflow/events", Method: "POST", PerMinute: 120, Burst: 20},
		{Path: "/human-review/decision", Method: "POST", PerMinute: 60, Burst: 10},
		{Path: "/auth/login", Method: "POST", PerMinute: 10, Burst: 5},
	}
}

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

type bucket struct {
	limiter    *rate.Limiter
	limit      int
	lastAccess time.Time
}

// Limiter manages one token bucket per client, endpoint and method.
type Limiter struct {
	config  Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

// NewLimiter creates a limiter and starts its cleanup loop when enabled.
func NewLimiter(config Config) *Limiter {
	if config.DefaultPerMinute <= 0 {
		config.DefaultPerMinute = 120
	}
	if config.DefaultBurst <= 0 {
		config.DefaultBurst = config.DefaultPerMinute
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = time.Hour
	}
	l := &Limiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if config.Enabled && config.CleanupInterval > 0 {
		go l.cleanup(config.CleanupInterval)
	}
	return l
}

// Allow reports whether a request from clientID to method path may proceed.
func (l *Limiter) Allow(clientID, path, method string) (bool, Info) {
	if !l.config.Enabled || l.config.Whitelist[clientID] {
		return true, Info{Allowed: true}
	}

	ec := MatchEndpoint(path, method, l.config.EndpointConfigs)
	if ec == nil {
		ec = &EndpointConfig{PerMinute: l.config.DefaultPerMinute, Burst: l.config.DefaultBurst}
	}
	if ec.PerMinute <= 0 {
		return true, Info{Allowed: true}
	}

	// Prefix matches share one bucket per config, not per concrete path.
	key := clientID + ":" + method + ":" + path
	if ec.Path != "" {
		key = clientID + ":" + ec.Method + ":" + ec.Path
	}

	now := l.now()
	b := l.bucket(key, ec, now)

	reservation := b.limiter.ReserveN(now, 1)
	info := Info{Limit: b.limit}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		info.RetryAfter = delay
		info.ResetTime = now.Add(delay)
		return false, info
	}

	info.Allowed = true
	tokens := b.limiter.TokensAt(now)
	info.Remaining = int(math.Max(0, math.Floor(tokens)))
	missing := float64(b.limiter.Burst()) - tokens
	info.ResetTime = now.Add(time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second)))
	return true, info
}

func (l *Limiter) bucket(key string, ec *EndpointConfig, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		burst := ec.Burst
		if burst <= 0 {
			burst = ec.PerMinute
		}
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(ec.PerMinute)/60), burst),
			limit:   ec.PerMinute,
		}
		l.buckets[key] = b
	}
	b.lastAccess = now
	return b
}

func (l *Limiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets unused for longer than IdleTTL.
func (l *Limiter) evictIdle() int {
	cutoff := l.now().Add(-l.config.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Stop stops the cleanup loop.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}
