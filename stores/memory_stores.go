package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polyveda/access"
)

var ErrTenantExists = errors.New("tenant already exists")

// MemoryIdentityStore implements identity persistence in-memory for testing/demo
type MemoryIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*access.Identity
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{identities: make(map[string]*access.Identity)}
}

func (s *MemoryIdentityStore) GetIdentity(ctx context.Context, id string) (*access.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.identities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", access.ErrIdentityNotFound, id)
	}
	return i.Clone(), nil
}

func (s *MemoryIdentityStore) SaveIdentity(ctx context.Context, identity *access.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.ID] = identity.Clone()
	return nil
}

func (s *MemoryIdentityStore) ListIdentities(ctx context.Context, tenantID string) ([]*access.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*access.Identity, 0)
	for _, i := range s.identities {
		if i.TenantID == tenantID {
			out = append(out, i.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// MemoryTenantStore implements tenant persistence in-memory
type MemoryTenantStore struct {
	mu      sync.RWMutex
	tenants map[string]*access.Tenant
}

func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{tenants: make(map[string]*access.Tenant)}
}

func (s *MemoryTenantStore) CreateTenant(ctx context.Context, t *access.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTenantExists, t.ID)
	}
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	if t.MaxIdentities <= 0 {
		t.MaxIdentities = access.DefaultMaxIdentities
	}
	s.tenants[t.ID] = t.Clone()
	return nil
}

func (s *MemoryTenantStore) UpdateTenant(ctx context.Context, t *access.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tenants[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", access.ErrTenantNotFound, t.ID)
	}
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tenants[t.ID] = t.Clone()
	return nil
}

func (s *MemoryTenantStore) DeleteTenant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, id)
	return nil
}

func (s *MemoryTenantStore) GetTenant(ctx context.Context, id string) (*access.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", access.ErrTenantNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryTenantStore) ListTenants(ctx context.Context) ([]*access.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*access.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

type counter struct {
	n       int64
	expires time.Time
}

// MemoryCounterStore is a fixed-window counter. The window starts when the
// key is created and is not extended by later increments.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	clock    func() time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]*counter), clock: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (s *MemoryCounterStore) WithClock(now func() time.Time) *MemoryCounterStore {
	s.clock = now
	return s
}

func (s *MemoryCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &counter{expires: now.Add(window)}
		s.counters[key] = c
	}
	c.n++
	return c.n, nil
}

func (s *MemoryCounterStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

// MemoryAttemptStore keeps failed-attempt counters and locks in-memory.
type MemoryAttemptStore struct {
	mu     sync.Mutex
	states map[string]*access.LockState
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{states: make(map[string]*access.LockState)}
}

func (s *MemoryAttemptStore) state(id string) *access.LockState {
	st, ok := s.states[id]
	if !ok {
		st = &access.LockState{}
		s.states[id] = st
	}
	return st
}

func (s *MemoryAttemptStore) IncrementFailures(ctx context.Context, identityID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(identityID)
	st.FailedAttempts++
	return st.FailedAttempts, nil
}

func (s *MemoryAttemptStore) LockUntil(ctx context.Context, identityID string, until, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(identityID)
	if st.LockedUntil != nil && st.LockedUntil.After(now) {
		return false, nil
	}
	u := until
	st.LockedUntil = &u
	return true, nil
}

func (s *MemoryAttemptStore) Reset(ctx context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, identityID)
	return nil
}

func (s *MemoryAttemptStore) State(ctx context.Context, identityID string) (access.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[identityID]
	if !ok {
		return access.LockState{}, nil
	}
	out := access.LockState{FailedAttempts: st.FailedAttempts}
	if st.LockedUntil != nil {
		u := *st.LockedUntil
		out.LockedUntil = &u
	}
	return out, nil
}

// MemoryAuditStore is an append-only in-memory audit log. Details and
// Changes are held as JSON, so neither the appender nor a reader can reach
// the stored values, and they read back the same way the SQL store's do.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records []*storedAudit
}

type storedAudit struct {
	rec     access.AuditRecord
	details string
	changes string
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{records: make([]*storedAudit, 0)}
}

func (s *MemoryAuditStore) Append(ctx context.Context, rec *access.AuditRecord) error {
	details, err := toJSON(rec.Details)
	if err != nil {
		return fmt.Errorf("audit %s details: %w", rec.ID, err)
	}
	changes, err := toJSON(rec.Changes)
	if err != nil {
		return fmt.Errorf("audit %s changes: %w", rec.ID, err)
	}
	st := &storedAudit{rec: *rec, details: details, changes: changes}
	st.rec.Details, st.rec.Changes = nil, nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, st)
	return nil
}

func (s *MemoryAuditStore) Query(ctx context.Context, filter access.AuditFilter) ([]*access.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*access.AuditRecord, 0)
	for _, st := range s.records {
		if !filter.Matches(&st.rec) {
			continue
		}
		dup := st.rec
		if err := fromJSON(st.details, &dup.Details); err != nil {
			return nil, fmt.Errorf("audit %s details: %w", dup.ID, err)
		}
		if err := fromJSON(st.changes, &dup.Changes); err != nil {
			return nil, fmt.Errorf("audit %s changes: %w", dup.ID, err)
		}
		out = append(out, &dup)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryAuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var n int64
	for _, r := range s.records {
		if r.rec.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return n, nil
}

// Len returns the number of stored records.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MemoryReviewQueue collects review items in-memory.
type MemoryReviewQueue struct {
	mu    sync.Mutex
	items []*access.ReviewItem
}

func NewMemoryReviewQueue() *MemoryReviewQueue {
	return &MemoryReviewQueue{}
}

func (q *MemoryReviewQueue) Enqueue(ctx context.Context, item *access.ReviewItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

// Drain returns and clears the queued items.
func (q *MemoryReviewQueue) Drain() []*access.ReviewItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
