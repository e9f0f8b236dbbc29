// Package withdrawkey gates crypto payouts behind the custodial provider's
// whitelisted withdrawal keys. A payout may only be sent to an address that
// resolves to a verified key, and a provider claiming otherwise mid-payout
// is a critical inconsistency, not a routine failure.
package withdrawkey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/provider"
)

var (
	// ErrKeyNotConfigured means no withdrawal key exists for the address.
	// Remediation: register the address with the custodial provider first.
	ErrKeyNotConfigured = errors.New("no withdrawal key configured for address")

	// ErrKeyUnverified means the key exists but has not completed provider
	// verification. Remediation: finish verification in the provider console.
	ErrKeyUnverified = errors.New("withdrawal key exists but is not verified")
)

type KeyLister interface {
	ListWithdrawalKeys(ctx context.Context, currency, network string) ([]provider.WithdrawalKey, error)
}

type cacheEntry struct {
	keys      []provider.WithdrawalKey
	fetchedAt time.Time
}

// Resolver maps a destination address to the provider's withdrawal key for
// it. Key lists change rarely, so lookups are served from a short TTL cache
// and refetched on expiry.
type Resolver struct {
	lister KeyLister
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewResolver(lister KeyLister, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		lister: lister,
		ttl:    ttl,
		cache:  map[string]cacheEntry{},
	}
}

// Resolve returns the verified key for an address, matching
// case-insensitively. The caller decides what an unresolved address means;
// for payouts it blocks the order before any provider call is made.
func (r *Resolver) Resolve(ctx context.Context, currency, network, address string) (*provider.WithdrawalKey, error) {
	keys, err := r.keys(ctx, currency, network)
	if err != nil {
		return nil, err
	}

	var unverified *provider.WithdrawalKey
	for i := range keys {
		if !strings.EqualFold(keys[i].Address, address) {
			continue
		}
		if keys[i].Verified {
			key := keys[i]
			return &key, nil
		}
		unverified = &keys[i]
	}
	if unverified != nil {
		return nil, fmt.Errorf("%w: key %s for %s/%s", ErrKeyUnverified, unverified.ID, currency, network)
	}
	return nil, fmt.Errorf("%w: %s on %s/%s", ErrKeyNotConfigured, address, currency, network)
}

// Invalidate drops the cached list for a currency and network. Called after
// an inconsistency so the next resolve sees the provider's current state.
func (r *Resolver) Invalidate(currency, network string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(currency, network))
	r.mu.Unlock()
}

func (r *Resolver) keys(ctx context.Context, currency, network string) ([]provider.WithdrawalKey, error) {
	ck := cacheKey(currency, network)

	r.mu.RLock()
	entry, ok := r.cache[ck]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		return entry.keys, nil
	}

	keys, err := r.lister.ListWithdrawalKeys(ctx, currency, network)
	if err != nil {
		// Serve stale on fetch failure; a payout should not block on a
		// transient key-list error when we have a recent copy.
		if ok {
			return entry.keys, nil
		}
		return nil, fmt.Errorf("list withdrawal keys %s/%s: %w", currency, network, err)
	}

	r.mu.Lock()
	r.cache[ck] = cacheEntry{keys: keys, fetchedAt: time.Now()}
	r.mu.Unlock()
	return keys, nil
}

func cacheKey(currency, network string) string {
	return strings.ToUpper(currency) + "|" + strings.ToLower(network)
}
