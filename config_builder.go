package access

// ConfigBuilder provides a fluent API over Config with the shipped defaults.
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:    1,
			RateLimits: DefaultRateLimits(),
			Lockout: LockoutConfig{
				Threshold:       5,
				CooldownSeconds: 1800,
			},
			Audit: AuditConfig{
				RetentionDays:        3650,
				SweepIntervalSeconds: 86400,
			},
			Compliance: DefaultComplianceConfig(),
			Engine: EngineConfig{
				CapabilityCacheTTL:  300_000,
				StoreTimeout:        50,
				BatchWorkerCount:    4,
				RistrettoNumCounter: 100_000,
				RistrettoMaxCost:    10_000,
				RistrettoBuffer:     64,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

// Role replaces the capability list of one role. The first call copies the
// default table so untouched roles keep their defaults.
func (b *ConfigBuilder) Role(role Role, caps ...Capability) *ConfigBuilder {
	if b.cfg.Roles == nil {
		b.cfg.Roles = make(map[string][]string)
		for r, list := range DefaultRoleCapabilities() {
			b.cfg.Roles[string(r)] = capStrings(list)
		}
	}
	b.cfg.Roles[string(role)] = capStrings(caps)
	return b
}

// Action adds or overrides one action rule on top of the defaults.
func (b *ConfigBuilder) Action(name string, rule ActionRule) *ConfigBuilder {
	if b.cfg.Actions == nil {
		b.cfg.Actions = make(map[string]ActionRule)
	}
	b.cfg.Actions[name] = rule
	return b
}

func (b *ConfigBuilder) RateLimit(class string, limit, windowSeconds int64) *ConfigBuilder {
	b.cfg.RateLimits[class] = RateLimit{Limit: limit, WindowSeconds: windowSeconds}
	return b
}

func (b *ConfigBuilder) Lockout(threshold int, cooldownSeconds int64) *ConfigBuilder {
	b.cfg.Lockout = LockoutConfig{Threshold: threshold, CooldownSeconds: cooldownSeconds}
	return b
}

func (b *ConfigBuilder) AuditSettings(fn func(*AuditConfig)) *ConfigBuilder {
	fn(&b.cfg.Audit)
	return b
}

func (b *ConfigBuilder) ComplianceSettings(fn func(*ComplianceConfig)) *ConfigBuilder {
	fn(&b.cfg.Compliance)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) IP(rule *IPRule) *ConfigBuilder {
	b.cfg.IP = rule
	return b
}

func (b *ConfigBuilder) AddTenant(t *Tenant) *ConfigBuilder {
	b.cfg.Tenants = append(b.cfg.Tenants, t)
	return b
}

func (b *ConfigBuilder) AddIdentity(id *Identity) *ConfigBuilder {
	b.cfg.Identities = append(b.cfg.Identities, id)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

func capStrings(caps []Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, string(c))
	}
	return out
}
