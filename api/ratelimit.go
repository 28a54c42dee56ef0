package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// callbackRateLimiter tracks failed login callbacks per client address and
// enforces exponential backoff. Every callback costs a token exchange and an
// upstream login, so a client replaying bad codes is locked out.
type callbackRateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	attempts map[string]*attemptRecord

	maxFailures int
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// DefaultCallbackMaxFailures is the number of failed callbacks from one
	// client before lockout begins.
	DefaultCallbackMaxFailures = 10
	// baseLockout is the initial lockout duration once maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure a record is forgotten.
	attemptExpiry = 1 * time.Hour
	// sweepThreshold is the record count above which recordFailure drops
	// expired records.
	sweepThreshold = 1024
)

func newCallbackRateLimiter(clock clockwork.Clock, maxFailures int) *callbackRateLimiter {
	return &callbackRateLimiter{
		clock:       clock,
		attempts:    make(map[string]*attemptRecord),
		maxFailures: maxFailures,
	}
}

// check reports whether client is locked out and for how long.
func (rl *callbackRateLimiter) check(client string) (blocked bool, retryAfter time.Duration) {
	if rl == nil {
		return false, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[client]
	if !ok {
		return false, 0
	}
	now := rl.clock.Now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, client)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure counts a failed callback. From maxFailures on, each failure
// locks the client out for baseLockout * 2^(failures - maxFailures).
func (rl *callbackRateLimiter) recordFailure(client string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	if len(rl.attempts) > sweepThreshold {
		rl.sweepLocked(now)
	}
	rec, ok := rl.attempts[client]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[client] = rec
	}
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.maxFailures {
		lockout := baseLockout
		for i := 0; i < rec.failures-rl.maxFailures; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// recordSuccess forgets the client's failures.
func (rl *callbackRateLimiter) recordSuccess(client string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, client)
}

func (rl *callbackRateLimiter) sweepLocked(now time.Time) {
	for client, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, client)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeText(w, http.StatusTooManyRequests, "Too many failed login attempts. Please try again later.")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientAddress returns the address of the browser behind the proxy.
//
// X-Forwarded-For is only honored when the direct peer falls inside one of
// trustedProxies; otherwise the peer address itself is the client.
func clientAddress(r *http.Request, trustedProxies []netip.Prefix) string {
	remote, _ := parseIPCandidate(r.RemoteAddr)

	trusted := false
	if addr, err := netip.ParseAddr(remote); err == nil {
		for _, prefix := range trustedProxies {
			if prefix.Contains(addr) {
				trusted = true
				break
			}
		}
	}

	if trusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
	}
	return remote
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
