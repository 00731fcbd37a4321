// Package blacklist tracks marketplace nodes that recently failed, so
// selection skips them until a TTL expires. Entries are purged lazily on
// lookup; no background goroutine runs.
package blacklist

import (
	"sort"
	"sync"
	"time"

	"github.com/vesselworks/flotilla/pkg/log"
)

// Entry is one blacklisted endpoint and when it expires.
type Entry struct {
	Endpoint  string
	ExpiresAt time.Time
}

// Blacklist is a TTL ledger of failed node endpoints. Safe for
// concurrent use.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time // endpoint -> expiry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a blacklist whose entries expire after ttl.
func New(ttl time.Duration) *Blacklist {
	return &Blacklist{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Tests use this to step through
// expiry without sleeping.
func (b *Blacklist) WithClock(now func() time.Time) *Blacklist {
	b.now = now
	return b
}

// Add records endpoint as failed. Re-adding refreshes the expiry.
func (b *Blacklist) Add(endpoint, reason string) {
	b.mu.Lock()
	b.entries[endpoint] = b.now().Add(b.ttl)
	b.mu.Unlock()

	logger := log.WithComponent("blacklist")
	logger.Warn().
		Str("endpoint", endpoint).
		Str("reason", reason).
		Dur("ttl", b.ttl).
		Msg("node blacklisted")
}

// IsBlacklisted reports whether endpoint is currently blacklisted. An
// expired entry is removed and reported as not blacklisted.
func (b *Blacklist) IsBlacklisted(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	expiry, ok := b.entries[endpoint]
	if !ok {
		return false
	}
	if !b.now().Before(expiry) {
		delete(b.entries, endpoint)
		return false
	}
	return true
}

// Prune removes every expired entry and returns how many were dropped.
func (b *Blacklist) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	dropped := 0
	for endpoint, expiry := range b.entries {
		if !now.Before(expiry) {
			delete(b.entries, endpoint)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of entries, expired ones included.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Snapshot returns the live entries sorted by endpoint, pruning expired
// ones along the way.
func (b *Blacklist) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]Entry, 0, len(b.entries))
	for endpoint, expiry := range b.entries {
		if !now.Before(expiry) {
			delete(b.entries, endpoint)
			continue
		}
		out = append(out, Entry{Endpoint: endpoint, ExpiresAt: expiry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
