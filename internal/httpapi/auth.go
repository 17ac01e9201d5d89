package httpapi

import (
	"crypto/hmac"
	"net/http"
	"sync"
	"time"
)

// requireAdmin guards an admin handler with the X-Admin-Key header. With no
// key configured the admin surface is disabled entirely.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			writeError(w, http.StatusForbidden, "forbidden", "admin api is disabled", getCorrelationID(r))
			return
		}
		if !secretEqual(r.Header.Get("X-Admin-Key"), s.cfg.AdminKey) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin key", getCorrelationID(r))
			return
		}
		next(w, r)
	}
}

func secretEqual(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:  window,
		max:     max,
		entries: map[string]rateEntry{},
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
