package gateway

import (
	"net"
	"sync"
	"time"
)

// authRateLimiter limits handshake attempts per remote IP after repeated
// authentication failures.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string]*failureRecord
}

type failureRecord struct {
	count     int
	lastFail  time.Time
	lockedTil time.Time
}

const (
	maxAuthFailures  = 5
	authLockDuration = 1 * time.Minute
	authFailureTTL   = 10 * time.Minute
)

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{failures: make(map[string]*failureRecord)}
}

// allow reports whether the remote address may attempt a handshake.
func (l *authRateLimiter) allow(remoteAddr string) bool {
	ip := ipOnly(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.failures[ip]
	if !ok {
		return true
	}

	now := time.Now()
	if now.Sub(rec.lastFail) > authFailureTTL {
		delete(l.failures, ip)
		return true
	}
	return now.After(rec.lockedTil)
}

// recordFailure registers a failed handshake for the remote address.
func (l *authRateLimiter) recordFailure(remoteAddr string) {
	ip := ipOnly(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.failures[ip]
	if !ok {
		rec = &failureRecord{}
		l.failures[ip] = rec
	}
	rec.count++
	rec.lastFail = time.Now()
	if rec.count >= maxAuthFailures {
		rec.lockedTil = time.Now().Add(authLockDuration)
	}
}

func ipOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
