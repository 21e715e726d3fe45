package access

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polyveda/access/logger"
)

// ============================================================================
// ACCESS DECISION ENGINE
// ============================================================================

// ActionRule is the static configuration of one action.
type ActionRule struct {
	Capability Capability   `json:"capability" yaml:"capability" toml:"capability"`
	Feature    string       `json:"feature,omitempty" yaml:"feature,omitempty" toml:"feature"`
	RateClass  string       `json:"rate_class,omitempty" yaml:"rate_class,omitempty" toml:"rate_class"`
	Windows    []TimeWindow `json:"windows,omitempty" yaml:"windows,omitempty" toml:"windows"`
	IP         *IPRule      `json:"ip,omitempty" yaml:"ip,omitempty" toml:"ip"`
	// OwnerOnly limits a resource with an owner to that owner. Admin and
	// management identities may act on owned resources of their own tenant.
	OwnerOnly bool `json:"owner_only,omitempty" yaml:"owner_only,omitempty" toml:"owner_only"`
}

// DefaultActionRules maps every capability of the role table to itself and
// adds the administrative actions that share a capability.
func DefaultActionRules(roles map[Role][]Capability) map[string]ActionRule {
	rules := make(map[string]ActionRule)
	for _, caps := range roles {
		for _, c := range caps {
			if c == CapabilityAll {
				continue
			}
			rules[string(c)] = ActionRule{Capability: c, OwnerOnly: strings.HasPrefix(string(c), "view_own_")}
		}
	}
	for _, a := range []string{"create_user", "update_user", "delete_user", "change_role", "change_status"} {
		rules[a] = ActionRule{Capability: "manage_users"}
	}
	rules["system_config"] = ActionRule{Capability: "manage_system"}
	rules["data_export"] = ActionRule{Capability: "view_all_reports", RateClass: "api"}
	rules["file_upload"] = ActionRule{Capability: "submit_assignments", RateClass: "file_upload"}
	rules["view_audit_log"] = ActionRule{Capability: "view_audit_logs"}
	return rules
}

// Decision is the ephemeral result of Decide.
type Decision struct {
	Allowed     bool       `json:"allowed"`
	Reason      DenyReason `json:"reason,omitempty"`
	Action      string     `json:"action"`
	Capability  Capability `json:"capability,omitempty"`
	MatchedBy   string     `json:"matched_by,omitempty"`
	EvaluatedAt time.Time  `json:"evaluated_at"`
	Trace       []string   `json:"trace,omitempty"`
}

// Err returns an *AccessDeniedError for a denial and nil otherwise.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	return &AccessDeniedError{Reason: d.Reason, Action: d.Action}
}

// Engine answers whether an identity may perform an action on a resource.
type Engine struct {
	catalog      *Catalog
	tenants      TenantStore
	limiter      *RateLimiter
	lockout      *Lockout
	recorder     *Recorder
	auditDenials bool

	rulesMu sync.RWMutex
	rules   map[string]ActionRule

	ipRule           *IPRule
	subscriptionGate bool
	storeTimeout     time.Duration
	batchWorkers     int
	logger           logger.Logger
	metrics          *Metrics
	clock            func() time.Time
}

type EngineOption func(*Engine) error

func WithActionRules(rules map[string]ActionRule) EngineOption {
	return func(e *Engine) error {
		if len(rules) == 0 {
			return errors.New("action rules must not be empty")
		}
		e.rules = make(map[string]ActionRule, len(rules))
		for k, v := range rules {
			e.rules[k] = v
		}
		return nil
	}
}

func WithRateLimiter(l *RateLimiter) EngineOption {
	return func(e *Engine) error {
		e.limiter = l
		return nil
	}
}

// WithLockout makes Decide consult the attempt store in addition to the
// identity's own lockout timestamp.
func WithLockout(l *Lockout) EngineOption {
	return func(e *Engine) error {
		e.lockout = l
		return nil
	}
}

// WithDenialAudit writes a low severity access_denied record for every
// denial. Write failures are logged and do not change the decision.
func WithDenialAudit(r *Recorder) EngineOption {
	return func(e *Engine) error {
		e.recorder = r
		e.auditDenials = r != nil
		return nil
	}
}

// WithGlobalIPRule applies an IP rule to every action.
func WithGlobalIPRule(r *IPRule) EngineOption {
	return func(e *Engine) error {
		if err := r.Validate(); err != nil {
			return err
		}
		e.ipRule = r
		return nil
	}
}

// WithSubscriptionGate denies tenants on the basic tier whose trial ended.
func WithSubscriptionGate(enabled bool) EngineOption {
	return func(e *Engine) error {
		e.subscriptionGate = enabled
		return nil
	}
}

func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("store timeout must be positive, got %s", d)
		}
		e.storeTimeout = d
		return nil
	}
}

func WithBatchWorkers(n int) EngineOption {
	return func(e *Engine) error {
		if n > 0 {
			e.batchWorkers = n
		}
		return nil
	}
}

func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = logger.OrNull(l)
		return nil
	}
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now != nil {
			e.clock = now
		}
		return nil
	}
}

func NewEngine(catalog *Catalog, tenants TenantStore, opts ...EngineOption) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if tenants == nil {
		return nil, errors.New("tenant store is required")
	}
	e := &Engine{
		catalog:      catalog,
		tenants:      tenants,
		rules:        DefaultActionRules(DefaultRoleCapabilities()),
		storeTimeout: 50 * time.Millisecond,
		batchWorkers: 4,
		logger:       logger.NewNullLogger(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Catalog exposes the policy catalog the engine consults.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// ActionRule returns the configured rule of an action.
func (e *Engine) ActionRule(action string) (ActionRule, bool) {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	r, ok := e.rules[action]
	return r, ok
}

// SetActionRule adds or replaces one action rule at runtime.
func (e *Engine) SetActionRule(action string, rule ActionRule) error {
	if err := rule.IP.Validate(); err != nil {
		return err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.rules[action] = rule
	return nil
}

// Decide evaluates the pipeline and returns the first failing check's
// reason. A non-nil error with a non-nil Decision means the engine failed
// closed on an unavailable store; a nil Decision means misconfiguration.
func (e *Engine) Decide(ctx context.Context, identity *Identity, action string, resource *Resource, env *Environment) (*Decision, error) {
	return e.decide(ctx, identity, action, resource, env, false)
}

// Explain is Decide with a populated trace.
func (e *Engine) Explain(ctx context.Context, identity *Identity, action string, resource *Resource, env *Environment) (*Decision, error) {
	return e.decide(ctx, identity, action, resource, env, true)
}

// MustAllow is Decide that folds a denial into an *AccessDeniedError.
func (e *Engine) MustAllow(ctx context.Context, identity *Identity, action string, resource *Resource, env *Environment) error {
	d, err := e.Decide(ctx, identity, action, resource, env)
	if err != nil {
		return err
	}
	return d.Err()
}

type evaluation struct {
	d       *Decision
	explain bool
}

func (ev *evaluation) trace(format string, args ...any) {
	if ev.explain {
		ev.d.Trace = append(ev.d.Trace, fmt.Sprintf(format, args...))
	}
}

func (ev *evaluation) deny(reason DenyReason, format string, args ...any) *Decision {
	ev.d.Allowed = false
	ev.d.Reason = reason
	ev.trace("DENY "+string(reason)+": "+format, args...)
	return ev.d
}

func (ev *evaluation) allow(matchedBy string) *Decision {
	ev.d.Allowed = true
	ev.d.Reason = ReasonNone
	ev.d.MatchedBy = matchedBy
	ev.trace("ALLOW via %s", matchedBy)
	return ev.d
}

func (e *Engine) decide(ctx context.Context, identity *Identity, action string, resource *Resource, env *Environment, explain bool) (*Decision, error) {
	if identity == nil {
		return nil, ErrNilIdentity
	}
	start := time.Now()
	now := e.clock()
	at := now
	if env != nil && !env.Time.IsZero() {
		at = env.Time
	}
	ev := &evaluation{d: &Decision{Action: action, EvaluatedAt: now}, explain: explain}

	d, err := e.pipeline(ctx, ev, identity, action, resource, env, now, at)
	if d == nil {
		e.logger.Error("decision aborted", "identity", identity.ID, "action", action, "error", err)
		return nil, err
	}
	e.metrics.observeDecision(d, time.Since(start))
	if !d.Allowed {
		e.logger.Debug("access denied", "identity", identity.ID, "tenant", identity.TenantID, "action", action, "reason", string(d.Reason))
		e.recordDenial(ctx, identity, resource, env, d)
	}
	return d, err
}

// pipeline runs the checks in order. now is the engine clock and governs
// lockout and trial expiry; at is the request time used for time windows.
func (e *Engine) pipeline(ctx context.Context, ev *evaluation, identity *Identity, action string, resource *Resource, env *Environment, now, at time.Time) (*Decision, error) {
	if identity.Status != StatusActive {
		return ev.deny(ReasonAccountNotActive, "status is %s", identity.Status), nil
	}

	if IsLocked(identity, now) {
		return ev.deny(ReasonAccountLocked, "locked until %s", identity.LockoutUntil.Format(time.RFC3339)), nil
	}
	if e.lockout != nil {
		locked, err := e.lockout.LockedAt(ctx, identity.ID, now)
		if err != nil {
			return ev.deny(ReasonAccountLocked, "lockout state unavailable"), err
		}
		if locked {
			return ev.deny(ReasonAccountLocked, "attempt store holds a lock"), nil
		}
	}
	ev.trace("identity %s active and unlocked", identity.ID)

	if identity.Role == RoleSuperAdmin {
		return ev.allow("super_admin"), nil
	}

	if resource != nil && resource.TenantID != "" && resource.TenantID != identity.TenantID {
		return ev.deny(ReasonTenantMismatch, "resource tenant %s, identity tenant %q", resource.TenantID, identity.TenantID), nil
	}
	if identity.TenantID == "" {
		return ev.deny(ReasonNoTenant, "identity has no tenant"), nil
	}

	tenant, err := e.getTenant(ctx, identity.TenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return ev.deny(ReasonTenantInactive, "tenant %s not found", identity.TenantID), nil
		}
		return ev.deny(ReasonTenantInactive, "tenant %s unavailable", identity.TenantID), fmt.Errorf("load tenant %s: %w", identity.TenantID, err)
	}
	if !tenant.Active {
		return ev.deny(ReasonTenantInactive, "tenant %s inactive", tenant.ID), nil
	}
	ev.trace("tenant %s active", tenant.ID)

	rule, ok := e.ActionRule(action)
	if !ok {
		return nil, &UnknownActionError{Action: action}
	}
	ev.d.Capability = rule.Capability
	if rule.Capability != "" {
		caps, err := e.catalog.EffectiveCapabilities(ctx, identity)
		if err != nil {
			return nil, err
		}
		if !caps.Has(rule.Capability) {
			return ev.deny(ReasonMissingCapability, "capability %s not granted to role %s", rule.Capability, identity.Role), nil
		}
		ev.trace("capability %s present", rule.Capability)
	}

	if rule.OwnerOnly && resource != nil && resource.OwnerID != "" && resource.OwnerID != identity.ID {
		sameTenant := resource.TenantID == "" || resource.TenantID == identity.TenantID
		if !(sameTenant && (identity.Role == RoleAdmin || identity.Role == RoleManagement)) {
			return ev.deny(ReasonNotOwner, "resource owned by %s", resource.OwnerID), nil
		}
		ev.trace("%s acts on resource owned by %s", identity.Role, resource.OwnerID)
	}

	if reason, err := e.checkGates(ev, tenant, rule, env, now, at); reason != ReasonNone || err != nil {
		if err != nil {
			return nil, err
		}
		return ev.d, nil
	}

	if e.limiter != nil {
		class := rule.RateClass
		if class == "" {
			class = DefaultRateClass
		}
		allowed, n, err := e.limiter.Allow(ctx, identity.ID, class)
		if err != nil {
			e.logger.Error("rate limit store unavailable, failing closed", "identity", identity.ID, "class", class, "error", err)
			return ev.deny(ReasonRateLimited, "rate limit store unavailable"), err
		}
		if !allowed {
			return ev.deny(ReasonRateLimited, "class %s count %d over limit", class, n), nil
		}
		ev.trace("rate class %s count %d", class, n)
	}

	return ev.allow("capability"), nil
}

func (e *Engine) checkGates(ev *evaluation, tenant *Tenant, rule ActionRule, env *Environment, now, at time.Time) (DenyReason, error) {
	if rule.Feature != "" && !tenant.HasFeature(rule.Feature) {
		ev.deny(ReasonFeatureDisabled, "feature %s disabled for tenant %s", rule.Feature, tenant.ID)
		return ReasonFeatureDisabled, nil
	}

	if len(rule.Windows) > 0 {
		inside := false
		for _, w := range rule.Windows {
			ok, err := w.Contains(at)
			if err != nil {
				return ReasonNone, err
			}
			if ok {
				inside = true
				break
			}
		}
		if !inside {
			ev.deny(ReasonOutsideTimeWindow, "%s outside configured windows", at.Format(time.RFC3339))
			return ReasonOutsideTimeWindow, nil
		}
	}

	ip := envIP(env)
	for _, r := range []*IPRule{e.ipRule, rule.IP} {
		reason, err := r.Check(ip)
		if err != nil {
			return ReasonNone, err
		}
		if reason != ReasonNone {
			ev.deny(reason, "address %v", ip)
			return reason, nil
		}
	}

	if e.subscriptionGate && tenant.Tier == TierBasic && !tenant.TrialActive(now) {
		ev.deny(ReasonSubscriptionInactive, "tenant %s on basic tier without active trial", tenant.ID)
		return ReasonSubscriptionInactive, nil
	}
	return ReasonNone, nil
}

func envIP(env *Environment) net.IP {
	if env == nil {
		return nil
	}
	return env.IP
}

func (e *Engine) getTenant(ctx context.Context, id string) (*Tenant, error) {
	cctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.tenants.GetTenant(cctx, id)
}

func (e *Engine) recordDenial(ctx context.Context, identity *Identity, resource *Resource, env *Environment, d *Decision) {
	if !e.auditDenials {
		return
	}
	in := RecordInput{
		ActorID:    identity.ID,
		TenantID:   identity.TenantID,
		Action:     AuditAccessDenied,
		Severity:   SeverityLow,
		EntityType: "action",
		EntityID:   d.Action,
		Details: map[string]any{
			"reason": string(d.Reason),
		},
		Classification: ClassificationInternal,
	}
	if resource != nil {
		in.EntityType = resource.Type
		in.EntityID = resource.ID
		in.Details["action"] = d.Action
		if resource.TenantID != "" {
			in.TenantID = resource.TenantID
		}
	}
	if env != nil {
		if env.IP != nil {
			in.IPAddress = env.IP.String()
		}
		in.SessionID = env.SessionID
	}
	if _, err := e.recorder.Record(ctx, in); err != nil {
		e.logger.Error("denial audit failed", "identity", identity.ID, "error", err)
	}
}

// DecisionRequest is one item of a batch.
type DecisionRequest struct {
	Identity    *Identity
	Action      string
	Resource    *Resource
	Environment *Environment
}

// BatchDecide evaluates requests concurrently, bounded by the configured
// worker count. Results keep the order of requests. The first error aborts
// the batch.
func (e *Engine) BatchDecide(ctx context.Context, requests []DecisionRequest) ([]*Decision, error) {
	out := make([]*Decision, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchWorkers)
	for i, req := range requests {
		g.Go(func() error {
			d, err := e.Decide(gctx, req.Identity, req.Action, req.Resource, req.Environment)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
