package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles register/login attempts per client IP.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	limiters  map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute attempts per IP with a burst of the same
// size.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &RateLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*ipLimiter),
	}
}

// Allow reports whether the IP may make another attempt now.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[ip]
	if !ok {
		r.pruneLocked()
		l = &ipLimiter{
			limiter:  rate.NewLimiter(rate.Limit(float64(r.perMinute)/60.0), r.perMinute),
			lastSeen: time.Now(),
		}
		r.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.limiter.Allow()
}

// pruneLocked drops limiters idle for over an hour so the map stays bounded.
func (r *RateLimiter) pruneLocked() {
	cutoff := time.Now().Add(-time.Hour)
	for ip, l := range r.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(r.limiters, ip)
		}
	}
}
