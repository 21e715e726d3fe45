package access

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polyveda/access/logger"
)

// ============================================================================
// POLICY CATALOG
// ============================================================================

// Capability is a named permission grant.
type Capability string

// CapabilityAll is held only by super_admin and satisfies every check.
const CapabilityAll Capability = "all_permissions"

// CapabilitySet is an effective capability set.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from a list.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Clone returns an independent copy of the set.
func (s CapabilitySet) Clone() CapabilitySet {
	if s == nil {
		return nil
	}
	out := make(CapabilitySet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Has reports whether c is granted, directly or through CapabilityAll.
func (s CapabilitySet) Has(c Capability) bool {
	if _, ok := s[CapabilityAll]; ok {
		return true
	}
	_, ok := s[c]
	return ok
}

// Sorted lists the set in lexical order.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultRoleCapabilities is the built-in role table.
func DefaultRoleCapabilities() map[Role][]Capability {
	return map[Role][]Capability{
		RoleStudent: {
			"view_own_profile", "view_own_courses", "view_own_attendance",
			"view_own_results", "submit_assignments", "create_support_tickets",
		},
		RoleFaculty: {
			"view_own_profile", "manage_own_courses", "take_attendance",
			"grade_assignments", "view_student_profiles", "create_announcements",
		},
		RoleHOD: {
			"view_own_profile", "manage_department", "view_department_reports",
			"approve_requests", "manage_faculty",
		},
		RoleAdmin: {
			"view_own_profile", "manage_users", "manage_system",
			"view_all_reports", "manage_institution",
		},
		RoleManagement: {
			"view_own_profile", "view_analytics", "view_financial_reports", "manage_policies",
		},
		RoleAuditor: {
			"view_own_profile", "view_audit_logs", "view_all_reports", "view_compliance_reports",
		},
		RoleSupport: {
			"view_own_profile", "view_support_tickets", "manage_support_tickets", "view_student_profiles",
		},
		RoleSuperAdmin: {CapabilityAll},
	}
}

// CapabilityCache is a read-through cache of effective capability sets.
// Errors are never fatal: the catalog treats them as a miss.
type CapabilityCache interface {
	Get(ctx context.Context, identityID string) (CapabilitySet, bool, error)
	Set(ctx context.Context, identityID string, caps CapabilitySet, ttl time.Duration) error
	Delete(ctx context.Context, identityID string) error
}

// LockChecker reports whether an identity is locked outside of its stored
// record. *Lockout satisfies it.
type LockChecker interface {
	LockedAt(ctx context.Context, identityID string, now time.Time) (bool, error)
}

// Catalog maps roles to capabilities and merges per-identity grants.
type Catalog struct {
	mu         sync.RWMutex
	roles      map[Role]CapabilitySet
	cache      CapabilityCache
	cacheTTL   time.Duration
	timeout    time.Duration
	identities IdentityStore
	locks      LockChecker
	logger     logger.Logger
	clock      func() time.Time
}

type CatalogOption func(*Catalog)

// WithRoleTable replaces the built-in role table.
func WithRoleTable(table map[Role][]Capability) CatalogOption {
	return func(c *Catalog) {
		c.roles = make(map[Role]CapabilitySet, len(table))
		for role, caps := range table {
			c.roles[role] = NewCapabilitySet(caps...)
		}
	}
}

func WithCapabilityCache(cache CapabilityCache, ttl time.Duration) CatalogOption {
	return func(c *Catalog) {
		c.cache = cache
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithCacheTimeout bounds every cache round-trip.
func WithCacheTimeout(d time.Duration) CatalogOption {
	return func(c *Catalog) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithIdentityStore enables the mutating catalog operations.
func WithIdentityStore(s IdentityStore) CatalogOption {
	return func(c *Catalog) { c.identities = s }
}

// WithLockChecker makes grants consult the attempt store as well as the
// identity's own lockout field.
func WithLockChecker(l LockChecker) CatalogOption {
	return func(c *Catalog) { c.locks = l }
}

func WithCatalogLogger(l logger.Logger) CatalogOption {
	return func(c *Catalog) { c.logger = logger.OrNull(l) }
}

func WithCatalogClock(now func() time.Time) CatalogOption {
	return func(c *Catalog) {
		if now != nil {
			c.clock = now
		}
	}
}

func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		cacheTTL: 5 * time.Minute,
		timeout:  50 * time.Millisecond,
		logger:   logger.NewNullLogger(),
		clock:    time.Now,
	}
	WithRoleTable(DefaultRoleCapabilities())(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RoleCapabilities returns the base capabilities of a role.
func (c *Catalog) RoleCapabilities(role Role) (CapabilitySet, error) {
	c.mu.RLock()
	base, ok := c.roles[role]
	c.mu.RUnlock()
	if !ok {
		return nil, &UnknownRoleError{Role: role}
	}
	return base.Clone(), nil
}

// Roles lists the roles known to the catalog.
func (c *Catalog) Roles() []Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Role, 0, len(c.roles))
	for r := range c.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KnownCapabilities is the union of every role's base set.
func (c *Catalog) KnownCapabilities() CapabilitySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(CapabilitySet)
	for _, caps := range c.roles {
		for k := range caps {
			out[k] = struct{}{}
		}
	}
	return out
}

// EffectiveCapabilities returns the role's base set plus every custom
// capability set to true. Custom entries never remove base capabilities and
// never add CapabilityAll. The result is owned by the caller.
func (c *Catalog) EffectiveCapabilities(ctx context.Context, identity *Identity) (CapabilitySet, error) {
	if identity == nil {
		return nil, ErrNilIdentity
	}
	if cached, ok := c.cacheGet(ctx, identity.ID); ok {
		return cached, nil
	}
	caps, err := c.RoleCapabilities(identity.Role)
	if err != nil {
		return nil, err
	}
	for name, granted := range identity.CustomCapabilities {
		if granted && name != CapabilityAll {
			caps[name] = struct{}{}
		}
	}
	c.cacheSet(ctx, identity.ID, caps)
	return caps, nil
}

// Invalidate drops the cached set of an identity.
func (c *Catalog) Invalidate(ctx context.Context, identityID string) {
	if c.cache == nil || identityID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.cache.Delete(cctx, identityID); err != nil {
		c.logger.Error("capability cache invalidate failed", "identity", identityID, "error", err)
	}
}

// GrantCapability adds a custom capability. Locked identities are refused,
// as is CapabilityAll.
func (c *Catalog) GrantCapability(ctx context.Context, identityID string, capability Capability) error {
	if capability == CapabilityAll {
		return fmt.Errorf("grant %s to %s: %w", capability, identityID, ErrReservedCapability)
	}
	return c.mutate(ctx, identityID, func(id *Identity) error {
		now := c.clock()
		if IsLocked(id, now) {
			return fmt.Errorf("grant %s to %s: %w", capability, id.ID, ErrIdentityLocked)
		}
		if c.locks != nil {
			locked, err := c.locks.LockedAt(ctx, id.ID, now)
			if err != nil {
				return fmt.Errorf("grant %s to %s: %w", capability, id.ID, err)
			}
			if locked {
				return fmt.Errorf("grant %s to %s: %w", capability, id.ID, ErrIdentityLocked)
			}
		}
		if id.CustomCapabilities == nil {
			id.CustomCapabilities = make(map[Capability]bool)
		}
		id.CustomCapabilities[capability] = true
		return nil
	})
}

// RevokeCapability removes a custom grant. Base capabilities are unaffected.
func (c *Catalog) RevokeCapability(ctx context.Context, identityID string, capability Capability) error {
	return c.mutate(ctx, identityID, func(id *Identity) error {
		delete(id.CustomCapabilities, capability)
		return nil
	})
}

// AssignRole moves an identity to another known role.
func (c *Catalog) AssignRole(ctx context.Context, identityID string, role Role) error {
	if _, err := c.RoleCapabilities(role); err != nil {
		return err
	}
	return c.mutate(ctx, identityID, func(id *Identity) error {
		id.Role = role
		return nil
	})
}

func (c *Catalog) mutate(ctx context.Context, identityID string, fn func(*Identity) error) error {
	if c.identities == nil {
		return fmt.Errorf("catalog has no identity store")
	}
	id, err := c.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if err := fn(id); err != nil {
		return err
	}
	if err := c.identities.SaveIdentity(ctx, id); err != nil {
		return fmt.Errorf("save identity %s: %w", identityID, err)
	}
	c.Invalidate(ctx, identityID)
	return nil
}

func (c *Catalog) cacheGet(ctx context.Context, identityID string) (CapabilitySet, bool) {
	if c.cache == nil || identityID == "" {
		return nil, false
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	caps, ok, err := c.cache.Get(cctx, identityID)
	if err != nil {
		c.logger.Debug("capability cache miss on error", "identity", identityID, "error", err)
		return nil, false
	}
	return caps.Clone(), ok
}

func (c *Catalog) cacheSet(ctx context.Context, identityID string, caps CapabilitySet) {
	if c.cache == nil || identityID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.cache.Set(cctx, identityID, caps.Clone(), c.cacheTTL); err != nil {
		c.logger.Debug("capability cache set failed", "identity", identityID, "error", err)
	}
}
