package access

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Version    uint16                `json:"version" yaml:"version" toml:"version"`
	Roles      map[string][]string   `json:"roles,omitempty" yaml:"roles,omitempty" toml:"roles,omitempty"`
	Actions    map[string]ActionRule `json:"actions,omitempty" yaml:"actions,omitempty" toml:"actions,omitempty"`
	RateLimits map[string]RateLimit  `json:"rate_limits" yaml:"rate_limits" toml:"rate_limits" validate:"dive"`
	Lockout    LockoutConfig         `json:"lockout" yaml:"lockout" toml:"lockout"`
	Audit      AuditConfig           `json:"audit" yaml:"audit" toml:"audit"`
	Compliance ComplianceConfig      `json:"compliance" yaml:"compliance" toml:"compliance"`
	Engine     EngineConfig          `json:"engine" yaml:"engine" toml:"engine"`
	IP         *IPRule               `json:"ip,omitempty" yaml:"ip,omitempty" toml:"ip,omitempty"`

	// Seed data for the memory stores and the CLI.
	Tenants    []*Tenant   `json:"tenants,omitempty" yaml:"tenants,omitempty" toml:"tenants,omitempty"`
	Identities []*Identity `json:"identities,omitempty" yaml:"identities,omitempty" toml:"identities,omitempty"`
}

type LockoutConfig struct {
	Threshold       int   `json:"threshold" yaml:"threshold" toml:"threshold" validate:"gte=1"`
	CooldownSeconds int64 `json:"cooldown_seconds" yaml:"cooldown_seconds" toml:"cooldown_seconds" validate:"gte=1"`
}

type AuditConfig struct {
	RetentionDays        int               `json:"retention_days" yaml:"retention_days" toml:"retention_days" validate:"gte=1"`
	SweepIntervalSeconds int64             `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds" toml:"sweep_interval_seconds" validate:"gte=0"`
	AuditDenials         bool              `json:"audit_denials" yaml:"audit_denials" toml:"audit_denials"`
	Severities           map[string]string `json:"severities,omitempty" yaml:"severities,omitempty" toml:"severities,omitempty" validate:"dive,oneof=low medium high critical"`
}

type EngineConfig struct {
	CapabilityCacheTTL  int64 `json:"capability_cache_ttl_ms" yaml:"capability_cache_ttl_ms" toml:"capability_cache_ttl_ms" validate:"gte=0"`
	StoreTimeout        int64 `json:"store_timeout_ms" yaml:"store_timeout_ms" toml:"store_timeout_ms" validate:"gte=1"`
	BatchWorkerCount    int   `json:"batch_worker_count" yaml:"batch_worker_count" toml:"batch_worker_count" validate:"gte=1"`
	SubscriptionGate    bool  `json:"subscription_gate" yaml:"subscription_gate" toml:"subscription_gate"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter" toml:"ristretto_num_counter" validate:"gte=0"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost" toml:"ristretto_max_cost" validate:"gte=0"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer" toml:"ristretto_buffer" validate:"gte=0"`
}

func (c LockoutConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c AuditConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c AuditConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c EngineConfig) CacheTTL() time.Duration {
	return time.Duration(c.CapabilityCacheTTL) * time.Millisecond
}

func (c EngineConfig) Timeout() time.Duration {
	return time.Duration(c.StoreTimeout) * time.Millisecond
}

// RoleTable converts the configured roles, falling back to the defaults.
func (c *Config) RoleTable() map[Role][]Capability {
	if len(c.Roles) == 0 {
		return DefaultRoleCapabilities()
	}
	out := make(map[Role][]Capability, len(c.Roles))
	for role, caps := range c.Roles {
		list := make([]Capability, 0, len(caps))
		for _, cp := range caps {
			list = append(list, Capability(cp))
		}
		out[Role(role)] = list
	}
	return out
}

// ActionRules returns the defaults derived from the role table overlaid
// with the configured rules.
func (c *Config) ActionRules() map[string]ActionRule {
	rules := DefaultActionRules(c.RoleTable())
	for name, rule := range c.Actions {
		rules[name] = rule
	}
	return rules
}

// SeverityTable converts configured severity overrides.
func (c *Config) SeverityTable() map[AuditAction]Severity {
	out := make(map[AuditAction]Severity, len(c.Audit.Severities))
	for a, s := range c.Audit.Severities {
		out[AuditAction(a)] = Severity(s)
	}
	return out
}

var validate = validator.New()

// Validate checks field constraints and cross references between sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var errs []error
	roles := c.RoleTable()
	known := make(map[Capability]bool)
	for role, caps := range roles {
		for _, cp := range caps {
			known[cp] = true
			if cp == CapabilityAll && role != RoleSuperAdmin {
				errs = append(errs, fmt.Errorf("role %s: %w", role, ErrReservedCapability))
			}
		}
	}
	for name, rule := range c.ActionRules() {
		if rule.Capability != "" && !known[rule.Capability] {
			errs = append(errs, fmt.Errorf("action %s: capability %s is not granted by any role", name, rule.Capability))
		}
		if rule.RateClass != "" {
			if _, ok := c.RateLimits[rule.RateClass]; !ok {
				errs = append(errs, fmt.Errorf("action %s: unknown rate class %s", name, rule.RateClass))
			}
		}
		for _, w := range rule.Windows {
			if _, err := w.Contains(time.Now()); err != nil {
				errs = append(errs, fmt.Errorf("action %s: %w", name, err))
			}
		}
		if err := rule.IP.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("action %s: %w", name, err))
		}
	}
	if err := c.IP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ip: %w", err))
	}
	for _, f := range c.Compliance.Frameworks {
		if !knownFramework(f) {
			errs = append(errs, fmt.Errorf("compliance: unknown framework %s", f))
		}
	}
	for _, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, errors.New("tenant missing id"))
		}
		for _, f := range t.ComplianceFrameworks {
			if !knownFramework(f) {
				errs = append(errs, fmt.Errorf("tenant %s: unknown framework %s", t.ID, f))
			}
		}
	}
	for _, id := range c.Identities {
		if id.ID == "" {
			errs = append(errs, errors.New("identity missing id"))
			continue
		}
		if _, ok := roles[id.Role]; !ok {
			errs = append(errs, fmt.Errorf("identity %s: %w", id.ID, &UnknownRoleError{Role: id.Role}))
		}
		if id.Role != RoleSuperAdmin && id.TenantID == "" {
			errs = append(errs, fmt.Errorf("identity %s: tenant required for role %s", id.ID, id.Role))
		}
		if id.Role != RoleSuperAdmin && id.CustomCapabilities[CapabilityAll] {
			errs = append(errs, fmt.Errorf("identity %s: %w", id.ID, ErrReservedCapability))
		}
	}
	return errors.Join(errs...)
}

func knownFramework(f Framework) bool {
	switch f {
	case FrameworkGDPR, FrameworkFERPA, FrameworkInstitutional:
		return true
	}
	return false
}

// ConfigLoader loads configuration from various formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadYAML decodes onto the defaults, so omitted sections keep them.
func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := NewConfigBuilder().Build()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := NewConfigBuilder().Build()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadTOML(data []byte) (*Config, error) {
	cfg := NewConfigBuilder().Build()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	case ".toml":
		return l.LoadTOML(data)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func (c *Config) ToTOML() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveFile encodes by file extension.
func (c *Config) SaveFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = c.ToYAML()
	case ".json":
		data, err = c.ToJSON()
	case ".toml":
		data, err = c.ToTOML()
	default:
		return fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// envOverrides are read from ACCESS_* variables. Unset values leave the
// file configuration alone.
type envOverrides struct {
	LockoutThreshold       int   `envconfig:"LOCKOUT_THRESHOLD"`
	LockoutCooldownSeconds int64 `envconfig:"LOCKOUT_COOLDOWN_SECONDS"`
	AuditRetentionDays     int   `envconfig:"AUDIT_RETENTION_DAYS"`
	AuditDenials           *bool `envconfig:"AUDIT_DENIALS"`
	StoreTimeoutMs         int64 `envconfig:"STORE_TIMEOUT_MS"`
	CapabilityCacheTTLMs   int64 `envconfig:"CAPABILITY_CACHE_TTL_MS"`
	BatchWorkerCount       int   `envconfig:"BATCH_WORKER_COUNT"`
	SubscriptionGate       *bool `envconfig:"SUBSCRIPTION_GATE"`
}

// EnvPrefix prefixes every environment variable the module reads.
const EnvPrefix = "ACCESS"

// ApplyEnv overlays ACCESS_* environment variables onto the config.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if o.LockoutThreshold > 0 {
		c.Lockout.Threshold = o.LockoutThreshold
	}
	if o.LockoutCooldownSeconds > 0 {
		c.Lockout.CooldownSeconds = o.LockoutCooldownSeconds
	}
	if o.AuditRetentionDays > 0 {
		c.Audit.RetentionDays = o.AuditRetentionDays
	}
	if o.AuditDenials != nil {
		c.Audit.AuditDenials = *o.AuditDenials
	}
	if o.StoreTimeoutMs > 0 {
		c.Engine.StoreTimeout = o.StoreTimeoutMs
	}
	if o.CapabilityCacheTTLMs > 0 {
		c.Engine.CapabilityCacheTTL = o.CapabilityCacheTTLMs
	}
	if o.BatchWorkerCount > 0 {
		c.Engine.BatchWorkerCount = o.BatchWorkerCount
	}
	if o.SubscriptionGate != nil {
		c.Engine.SubscriptionGate = *o.SubscriptionGate
	}
	return nil
}

// RuntimeConfig holds process-level connection settings.
type RuntimeConfig struct {
	ConfigFile string `envconfig:"CONFIG" default:"access.yaml"`
	RedisAddr  string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	SQLiteDSN  string `envconfig:"SQLITE_DSN" default:"file:access.db?_pragma=busy_timeout(5000)"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
}

// LoadRuntimeConfig reads RuntimeConfig from ACCESS_* variables.
func LoadRuntimeConfig() (*RuntimeConfig, error) {
	var rc RuntimeConfig
	if err := envconfig.Process(EnvPrefix, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}
