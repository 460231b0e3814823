// Package ratelimit throttles write requests per caller with a fixed
// one-minute window.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const window = time.Minute

// Config holds limiter configuration.
type Config struct {
	RequestsPerMinute int
	CleanupInterval   time.Duration
}

// DefaultConfig allows 60 writes a minute per caller.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		CleanupInterval:   5 * time.Minute,
	}
}

type bucket struct {
	start    time.Time
	requests int
}

// Limiter counts requests per key. Keys idle for ten minutes are dropped
// by a background sweep until Stop is called.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	now     func() time.Time
	limited atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

func NewLimiter(config Config) *Limiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		limit:   config.RequestsPerMinute,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweep(config.CleanupInterval)
	return l
}

// Allow records one request for key and reports whether it fits the window.
// The second result is how long until the window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= window {
		l.buckets[key] = &bucket{start: now, requests: 1}
		return true, 0
	}
	b.requests++
	if b.requests > l.limit {
		l.limited.Add(1)
		return false, window - now.Sub(b.start)
	}
	return true, 0
}

func (l *Limiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.removeIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) removeIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-10 * time.Minute)
	removed := 0
	for key, b := range l.buckets {
		if b.start.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// ActiveKeys returns the number of tracked callers.
func (l *Limiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Limited returns how many requests were refused.
func (l *Limiter) Limited() int64 {
	return l.limited.Load()
}

// Stop ends the background sweep.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Middleware limits unsafe methods (POST, PUT, PATCH, DELETE) by key(r).
// Reads pass through. onLimit writes the refusal; Retry-After is already set.
func (l *Limiter) Middleware(key func(*http.Request) string, onLimit func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if ok, retry := l.Allow(key(r)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int((retry+time.Second-1)/time.Second)))
				if onLimit != nil {
					onLimit(w, r)
				} else {
					http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
