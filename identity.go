package access

import (
	"context"
	"errors"
	"net"
	"time"
)

// ============================================================================
// IDENTITY & TENANT CONTEXT
// ============================================================================

// Role is the organisational role an identity holds inside its institution.
type Role string

const (
	RoleStudent    Role = "student"
	RoleFaculty    Role = "faculty"
	RoleHOD        Role = "hod"
	RoleAdmin      Role = "admin"
	RoleManagement Role = "management"
	RoleSuperAdmin Role = "super_admin"
	RoleAuditor    Role = "auditor"
	RoleSupport    Role = "support"
)

// Status is the account status of an identity.
type Status string

const (
	StatusActive         Status = "active"
	StatusInactive       Status = "inactive"
	StatusSuspended      Status = "suspended"
	StatusPending        Status = "pending"
	StatusLocked         Status = "locked"
	StatusExpired        Status = "expired"
	StatusUnderReview    Status = "under_review"
	StatusComplianceHold Status = "compliance_hold"
)

// Identity is the caller on whose behalf a decision is made.
type Identity struct {
	ID                 string              `json:"id" yaml:"id" toml:"id"`
	Role               Role                `json:"role" yaml:"role" toml:"role"`
	Status             Status              `json:"status" yaml:"status" toml:"status"`
	TenantID           string              `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty" toml:"tenant_id"` // empty only for super_admin
	CustomCapabilities map[Capability]bool `json:"custom_capabilities,omitempty" yaml:"custom_capabilities,omitempty" toml:"custom_capabilities"`
	LockoutUntil       *time.Time          `json:"lockout_until,omitempty" yaml:"lockout_until,omitempty" toml:"lockout_until"`
	FailedAttemptCount int                 `json:"failed_attempt_count" yaml:"failed_attempt_count" toml:"failed_attempt_count"`

	// Data-handling attributes consumed by compliance rules.
	Age                   int  `json:"age,omitempty" yaml:"age,omitempty" toml:"age"`
	PrivacyConsent        bool `json:"privacy_consent" yaml:"privacy_consent" toml:"privacy_consent"`
	ParentalConsent       bool `json:"parental_consent" yaml:"parental_consent" toml:"parental_consent"`
	DataDeletionRequested bool `json:"data_deletion_requested" yaml:"data_deletion_requested" toml:"data_deletion_requested"`
}

// Clone returns a deep copy so stores never hand out shared maps.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	dup := *i
	if i.CustomCapabilities != nil {
		dup.CustomCapabilities = make(map[Capability]bool, len(i.CustomCapabilities))
		for k, v := range i.CustomCapabilities {
			dup.CustomCapabilities[k] = v
		}
	}
	if i.LockoutUntil != nil {
		t := *i.LockoutUntil
		dup.LockoutUntil = &t
	}
	return &dup
}

// IsLocked reports whether the identity's lockout is still in force at now.
// It depends only on the stored lockout timestamp, never on Status.
func IsLocked(identity *Identity, now time.Time) bool {
	if identity == nil || identity.LockoutUntil == nil {
		return false
	}
	return identity.LockoutUntil.After(now)
}

// SubscriptionTier is a tenant's commercial plan.
type SubscriptionTier string

const (
	TierBasic        SubscriptionTier = "basic"
	TierProfessional SubscriptionTier = "professional"
	TierEnterprise   SubscriptionTier = "enterprise"
	TierCustom       SubscriptionTier = "custom"
)

// DefaultMaxIdentities is applied to tenants created without a limit.
const DefaultMaxIdentities = 1000

// Tenant is an institution. Identities and resources are isolated per tenant.
type Tenant struct {
	ID                   string           `json:"id" yaml:"id" toml:"id"`
	Name                 string           `json:"name" yaml:"name" toml:"name"`
	Active               bool             `json:"active" yaml:"active" toml:"active"`
	Tier                 SubscriptionTier `json:"tier" yaml:"tier" toml:"tier"`
	MaxIdentities        int              `json:"max_identities" yaml:"max_identities" toml:"max_identities"`
	EnabledFeatures      map[string]bool  `json:"enabled_features,omitempty" yaml:"enabled_features,omitempty" toml:"enabled_features"`
	TrialExpiry          *time.Time       `json:"trial_expiry,omitempty" yaml:"trial_expiry,omitempty" toml:"trial_expiry"`
	ComplianceFrameworks []Framework      `json:"compliance_frameworks,omitempty" yaml:"compliance_frameworks,omitempty" toml:"compliance_frameworks"`
	CreatedAt            time.Time        `json:"created_at" yaml:"-" toml:"-"`
	UpdatedAt            time.Time        `json:"updated_at" yaml:"-" toml:"-"`
}

// HasFeature reports whether the named feature is switched on for the tenant.
func (t *Tenant) HasFeature(name string) bool {
	if t == nil {
		return false
	}
	return t.EnabledFeatures[name]
}

// TrialActive reports whether the tenant is still inside its trial period.
func (t *Tenant) TrialActive(now time.Time) bool {
	return t != nil && t.TrialExpiry != nil && t.TrialExpiry.After(now)
}

// Clone returns a deep copy of the tenant.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	dup := *t
	if t.EnabledFeatures != nil {
		dup.EnabledFeatures = make(map[string]bool, len(t.EnabledFeatures))
		for k, v := range t.EnabledFeatures {
			dup.EnabledFeatures[k] = v
		}
	}
	if t.TrialExpiry != nil {
		exp := *t.TrialExpiry
		dup.TrialExpiry = &exp
	}
	dup.ComplianceFrameworks = append([]Framework(nil), t.ComplianceFrameworks...)
	return &dup
}

// Resource describes the object an action targets. The engine only looks at
// the tenant and owner fields.
type Resource struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	TenantID string `json:"tenant_id,omitempty"`
	OwnerID  string `json:"owner_id,omitempty"`
}

// Environment carries request context for a decision. Time only positions
// the request against time windows; lockout and trial expiry always use the
// engine clock.
type Environment struct {
	Time      time.Time `json:"time"`
	IP        net.IP    `json:"ip,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrTenantNotFound   = errors.New("tenant not found")
)

// IdentityStore gives read/write access to identities.
type IdentityStore interface {
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	SaveIdentity(ctx context.Context, identity *Identity) error
}

// TenantStore manages tenant persistence.
type TenantStore interface {
	CreateTenant(ctx context.Context, tenant *Tenant) error
	UpdateTenant(ctx context.Context, tenant *Tenant) error
	DeleteTenant(ctx context.Context, id string) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)
}
