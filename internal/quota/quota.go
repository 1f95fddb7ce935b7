// Package quota enforces per-owner storage limits. Usage is recomputed from
// a UsageSource on every call; no counter is cached between calls, so quota
// checks race with concurrent writes and are best-effort.
package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/tunnelmesh/meshdrive/internal/keycodec"
	"github.com/tunnelmesh/meshdrive/internal/objstore"
)

// UsageSource reports how many bytes an owner currently stores.
type UsageSource interface {
	UsedBytes(ctx context.Context, owner string) (int64, error)
}

// StoreUsage sums object sizes under the owner's key prefix.
type StoreUsage struct {
	Store objstore.Store
}

// UsedBytes lists every object of owner and sums their sizes.
func (s StoreUsage) UsedBytes(ctx context.Context, owner string) (int64, error) {
	objs, err := s.Store.List(ctx, keycodec.OwnerPrefix(owner))
	if err != nil {
		return 0, fmt.Errorf("list owner objects: %w", err)
	}
	var total int64
	for _, o := range objs {
		total += o.Size
	}
	return total, nil
}

// Stats is a quota reading for one owner.
type Stats struct {
	MaxBytes       int64 `json:"max_bytes"` // 0 = unlimited
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"` // -1 if unlimited
}

// Ledger answers quota questions for owners.
type Ledger struct {
	source       UsageSource
	defaultLimit int64
	overrides    map[string]int64
	mu           sync.RWMutex
}

// NewLedger creates a ledger. defaultLimit of 0 means unlimited.
func NewLedger(source UsageSource, defaultLimit int64, overrides map[string]int64) *Ledger {
	l := &Ledger{
		source:       source,
		defaultLimit: defaultLimit,
		overrides:    make(map[string]int64, len(overrides)),
	}
	for owner, limit := range overrides {
		l.overrides[owner] = limit
	}
	return l
}

// Limit returns the limit applied to owner.
func (l *Ledger) Limit(owner string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit, ok := l.overrides[owner]; ok {
		return limit
	}
	return l.defaultLimit
}

// SetLimit overrides the limit for one owner.
func (l *Ledger) SetLimit(owner string, limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[owner] = limit
}

// Reserve reports whether owner can store additional more bytes.
func (l *Ledger) Reserve(ctx context.Context, owner string, additional int64) (bool, error) {
	limit := l.Limit(owner)
	if limit == 0 {
		return true, nil // unlimited
	}

	used, err := l.source.UsedBytes(ctx, owner)
	if err != nil {
		return false, err
	}
	return used+additional <= limit, nil
}

// Usage returns current quota statistics for owner.
func (l *Ledger) Usage(ctx context.Context, owner string) (Stats, error) {
	used, err := l.source.UsedBytes(ctx, owner)
	if err != nil {
		return Stats{}, err
	}

	limit := l.Limit(owner)
	avail := int64(-1)
	if limit > 0 {
		avail = limit - used
		if avail < 0 {
			avail = 0
		}
	}

	return Stats{
		MaxBytes:       limit,
		UsedBytes:      used,
		AvailableBytes: avail,
	}, nil
}
