package access

import "time"

// Builders provide a fluent API for creating Identities and Tenants

// IdentityBuilder builds an Identity
type IdentityBuilder struct {
	i *Identity
}

func NewIdentityBuilder() *IdentityBuilder {
	return &IdentityBuilder{i: &Identity{Status: StatusActive, Role: RoleStudent}}
}

func (b *IdentityBuilder) ID(id string) *IdentityBuilder       { b.i.ID = id; return b }
func (b *IdentityBuilder) Role(r Role) *IdentityBuilder        { b.i.Role = r; return b }
func (b *IdentityBuilder) Status(s Status) *IdentityBuilder    { b.i.Status = s; return b }
func (b *IdentityBuilder) Tenant(t string) *IdentityBuilder    { b.i.TenantID = t; return b }
func (b *IdentityBuilder) Age(age int) *IdentityBuilder        { b.i.Age = age; return b }
func (b *IdentityBuilder) PrivacyConsent() *IdentityBuilder    { b.i.PrivacyConsent = true; return b }
func (b *IdentityBuilder) ParentalConsent() *IdentityBuilder   { b.i.ParentalConsent = true; return b }
func (b *IdentityBuilder) DeletionRequested() *IdentityBuilder { b.i.DataDeletionRequested = true; return b }
func (b *IdentityBuilder) LockedUntil(t time.Time) *IdentityBuilder {
	b.i.LockoutUntil = &t
	return b
}
func (b *IdentityBuilder) Grant(caps ...Capability) *IdentityBuilder {
	b.custom(caps, true)
	return b
}
func (b *IdentityBuilder) Revoke(caps ...Capability) *IdentityBuilder {
	b.custom(caps, false)
	return b
}
func (b *IdentityBuilder) custom(caps []Capability, grant bool) {
	if b.i.CustomCapabilities == nil {
		b.i.CustomCapabilities = make(map[Capability]bool)
	}
	for _, c := range caps {
		b.i.CustomCapabilities[c] = grant
	}
}
func (b *IdentityBuilder) Build() *Identity { return b.i }

// TenantBuilder builds a Tenant
type TenantBuilder struct {
	t *Tenant
}

func NewTenantBuilder() *TenantBuilder {
	return &TenantBuilder{t: &Tenant{Active: true, Tier: TierProfessional, MaxIdentities: DefaultMaxIdentities}}
}

func (b *TenantBuilder) ID(id string) *TenantBuilder                   { b.t.ID = id; return b }
func (b *TenantBuilder) Name(n string) *TenantBuilder                  { b.t.Name = n; return b }
func (b *TenantBuilder) Active(active bool) *TenantBuilder             { b.t.Active = active; return b }
func (b *TenantBuilder) Tier(tier SubscriptionTier) *TenantBuilder     { b.t.Tier = tier; return b }
func (b *TenantBuilder) MaxIdentities(n int) *TenantBuilder            { b.t.MaxIdentities = n; return b }
func (b *TenantBuilder) TrialUntil(t time.Time) *TenantBuilder         { b.t.TrialExpiry = &t; return b }
func (b *TenantBuilder) Frameworks(f ...Framework) *TenantBuilder {
	b.t.ComplianceFrameworks = append(b.t.ComplianceFrameworks, f...)
	return b
}
func (b *TenantBuilder) Features(names ...string) *TenantBuilder {
	if b.t.EnabledFeatures == nil {
		b.t.EnabledFeatures = make(map[string]bool)
	}
	for _, n := range names {
		b.t.EnabledFeatures[n] = true
	}
	return b
}
func (b *TenantBuilder) Build() *Tenant { return b.t }
