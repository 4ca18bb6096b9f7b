package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token bucket per key (for example, per client IP).
// Buckets idle for longer than idleTTL are pruned lazily.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyedLimiter(r rate.Limit, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     r,
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// PerMinute returns a limiter allowing n events per minute per key with a
// burst of n.
func PerMinute(n int) *KeyedLimiter {
	return NewKeyedLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

// Allow reports whether an event for key may happen now.
func (s *KeyedLimiter) Allow(key string) bool {
	return s.Get(key).Allow()
}

// Get returns the bucket for key, creating it if needed.
func (s *KeyedLimiter) Get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.gc(now)

	e, exists := s.limiters[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (s *KeyedLimiter) gc(now time.Time) {
	if now.Sub(s.lastGC) < s.idleTTL {
		return
	}
	s.lastGC = now
	for k, e := range s.limiters {
		if now.Sub(e.lastSeen) > s.idleTTL {
			delete(s.limiters, k)
		}
	}
}

// Len returns the number of tracked keys.
func (s *KeyedLimiter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// ClientIP extracts the client address, preferring the first entry of
// X-Forwarded-For when present.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
