package access

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache is an in-process CapabilityCache.
type RistrettoCache struct {
	c *ristretto.Cache
}

// NewRistrettoCache sizes the cache the way ristretto recommends: about ten
// counters per expected entry.
func NewRistrettoCache(numCounters, maxCost, bufferItems int64) (*RistrettoCache, error) {
	if numCounters <= 0 {
		numCounters = 100_000
	}
	if maxCost <= 0 {
		maxCost = 10_000
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &RistrettoCache{c: c}, nil
}

func (r *RistrettoCache) Get(_ context.Context, identityID string) (CapabilitySet, bool, error) {
	v, ok := r.c.Get(identityID)
	if !ok {
		return nil, false, nil
	}
	caps, ok := v.(CapabilitySet)
	return caps, ok, nil
}

// Set stores one entry per identity at cost 1 and waits for the write to be
// applied so a following Get observes it.
func (r *RistrettoCache) Set(_ context.Context, identityID string, caps CapabilitySet, ttl time.Duration) error {
	r.c.SetWithTTL(identityID, caps, 1, ttl)
	r.c.Wait()
	return nil
}

func (r *RistrettoCache) Delete(_ context.Context, identityID string) error {
	r.c.Del(identityID)
	return nil
}

func (r *RistrettoCache) Close() {
	r.c.Close()
}
