package access

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/polyveda/access/logger"
	"github.com/polyveda/access/utils"
)

// ============================================================================
// COMPLIANCE EVALUATOR
// ============================================================================

// Framework names a regulatory or policy rule set.
type Framework string

const (
	FrameworkGDPR          Framework = "gdpr"
	FrameworkFERPA         Framework = "ferpa"
	FrameworkInstitutional Framework = "institutional"
)

// Finding is one violated rule. Findings are never mutated after creation.
type Finding struct {
	Framework            Framework `json:"framework"`
	Rule                 string    `json:"rule"`
	Message              string    `json:"message"`
	Severity             Severity  `json:"severity"`
	Recommendation       string    `json:"recommendation,omitempty"`
	RelatedAuditRecordID string    `json:"related_audit_record_id,omitempty"`
}

// RuleSet evaluates one framework. Implementations must be pure.
type RuleSet func(action string, payload map[string]any, identity *Identity) []Finding

// ComplianceConfig parameterises the built-in rule sets.
type ComplianceConfig struct {
	Frameworks        []Framework `json:"frameworks" yaml:"frameworks" toml:"frameworks"`
	MaxPayloadFields  int         `json:"max_payload_fields" yaml:"max_payload_fields" toml:"max_payload_fields" validate:"gte=0"`
	MinorAgeThreshold int         `json:"minor_age_threshold" yaml:"minor_age_threshold" toml:"minor_age_threshold" validate:"gte=0"`
	DataRetentionDays int         `json:"data_retention_days" yaml:"data_retention_days" toml:"data_retention_days" validate:"gte=0"`
}

// DefaultComplianceConfig mirrors the institution defaults.
func DefaultComplianceConfig() ComplianceConfig {
	return ComplianceConfig{
		Frameworks:        []Framework{FrameworkGDPR, FrameworkFERPA, FrameworkInstitutional},
		MaxPayloadFields:  10,
		MinorAgeThreshold: 18,
		DataRetentionDays: 2555,
	}
}

// GDPRRules checks minimisation, consent and erasure requests.
func GDPRRules(cfg ComplianceConfig) RuleSet {
	return func(action string, payload map[string]any, identity *Identity) []Finding {
		var out []Finding
		if cfg.MaxPayloadFields > 0 && len(payload) > cfg.MaxPayloadFields {
			out = append(out, Finding{
				Framework: FrameworkGDPR,
				Rule:      "data_minimization",
				Message:   fmt.Sprintf("payload carries %d fields, limit is %d", len(payload), cfg.MaxPayloadFields),
				Severity:  SeverityMedium,
			})
		}
		if action == "data_processing" && !identity.PrivacyConsent {
			out = append(out, Finding{
				Framework: FrameworkGDPR,
				Rule:      "consent_required",
				Message:   "explicit consent required for data processing",
				Severity:  SeverityHigh,
			})
		}
		if action == "data_deletion" && !identity.DataDeletionRequested {
			out = append(out, Finding{
				Framework: FrameworkGDPR,
				Rule:      "right_to_erasure",
				Message:   "data deletion request not documented",
				Severity:  SeverityMedium,
			})
		}
		return out
	}
}

// FERPARules protects educational records and minors' data.
func FERPARules(cfg ComplianceConfig) RuleSet {
	return func(action string, payload map[string]any, identity *Identity) []Finding {
		var out []Finding
		if action == "share_educational_records" && identity.Role != RoleFaculty && identity.Role != RoleAdmin {
			out = append(out, Finding{
				Framework: FrameworkFERPA,
				Rule:      "educational_records",
				Message:   fmt.Sprintf("role %s may not share educational records", identity.Role),
				Severity:  SeverityHigh,
			})
		}
		if action == "share_student_data" {
			age := identity.Age
			if v, ok := intField(payload, "subject_age"); ok {
				age = v
			}
			consent := identity.ParentalConsent
			if v, ok := payload["parental_consent"].(bool); ok {
				consent = consent || v
			}
			// Unknown age (zero) is treated as a minor.
			if age < cfg.MinorAgeThreshold && !consent {
				out = append(out, Finding{
					Framework: FrameworkFERPA,
					Rule:      "parental_consent",
					Message:   fmt.Sprintf("parental consent required for subjects under %d", cfg.MinorAgeThreshold),
					Severity:  SeverityHigh,
				})
			}
		}
		return out
	}
}

// InstitutionalRules enforces retention and tenant-scoped access.
func InstitutionalRules(cfg ComplianceConfig) RuleSet {
	return func(action string, payload map[string]any, identity *Identity) []Finding {
		var out []Finding
		if action == "data_retention" {
			if days, ok := intField(payload, "retention_days"); ok && cfg.DataRetentionDays > 0 && days > cfg.DataRetentionDays {
				out = append(out, Finding{
					Framework: FrameworkInstitutional,
					Rule:      "data_retention",
					Message:   fmt.Sprintf("retention of %d days exceeds policy of %d", days, cfg.DataRetentionDays),
					Severity:  SeverityMedium,
				})
			}
		}
		if action == "access_control" && identity.Role != RoleSuperAdmin {
			if tenant, ok := payload["tenant_id"].(string); ok && tenant != "" && tenant != identity.TenantID {
				out = append(out, Finding{
					Framework: FrameworkInstitutional,
					Rule:      "access_control",
					Message:   "access outside the identity's institution",
					Severity:  SeverityHigh,
				})
			}
		}
		return out
	}
}

var recommendations = map[string]string{
	"data_minimization":   "Reduce the collected fields to what the purpose requires",
	"consent_required":    "Implement explicit consent collection mechanism",
	"right_to_erasure":    "Record the data subject's deletion request before deleting",
	"educational_records": "Review and update access control policies",
	"parental_consent":    "Implement explicit consent collection mechanism",
	"data_retention":      "Update data retention policies",
	"access_control":      "Review and update access control policies",
}

func intField(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// ReviewItem is a compliance event queued for human review.
type ReviewItem struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	IdentityID    string    `json:"identity_id"`
	Action        string    `json:"action"`
	AuditRecordID string    `json:"audit_record_id,omitempty"`
	Findings      []Finding `json:"findings"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReviewQueue receives items for the compliance review workflow.
type ReviewQueue interface {
	Enqueue(ctx context.Context, item *ReviewItem) error
}

// Report is the outcome of Check.
type Report struct {
	Findings    []Finding    `json:"findings"`
	AuditRecord *AuditRecord `json:"audit_record,omitempty"`
	ReviewItem  *ReviewItem  `json:"review_item,omitempty"`
}

// Compliant reports whether no rule was violated.
func (r *Report) Compliant() bool { return r == nil || len(r.Findings) == 0 }

// Evaluator runs rule sets against an action, payload and identity.
type Evaluator struct {
	rules    map[Framework]RuleSet
	order    []Framework
	defaults []Framework
	recorder *Recorder
	queue    ReviewQueue
	logger   logger.Logger
	metrics  *Metrics
	clock    func() time.Time
}

type EvaluatorOption func(*Evaluator)

// WithRuleSet registers or replaces the rule set of a framework.
func WithRuleSet(f Framework, rs RuleSet) EvaluatorOption {
	return func(e *Evaluator) {
		if _, ok := e.rules[f]; !ok {
			e.order = append(e.order, f)
		}
		e.rules[f] = rs
	}
}

func WithEscalation(r *Recorder, q ReviewQueue) EvaluatorOption {
	return func(e *Evaluator) {
		e.recorder = r
		e.queue = q
	}
}

func WithEvaluatorLogger(l logger.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger.OrNull(l) }
}

func WithEvaluatorMetrics(m *Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.clock = now
		}
	}
}

func NewEvaluator(cfg ComplianceConfig, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		rules: map[Framework]RuleSet{
			FrameworkGDPR:          GDPRRules(cfg),
			FrameworkFERPA:         FERPARules(cfg),
			FrameworkInstitutional: InstitutionalRules(cfg),
		},
		order:    []Framework{FrameworkGDPR, FrameworkFERPA, FrameworkInstitutional},
		defaults: cfg.Frameworks,
		logger:   logger.NewNullLogger(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the named frameworks and flattens their findings. Duplicate
// and unknown frameworks are ignored; frameworks always run in registration
// order so the result does not depend on the order of the argument.
func (e *Evaluator) Evaluate(frameworks []Framework, action string, payload map[string]any, identity *Identity) []Finding {
	if identity == nil {
		identity = &Identity{}
	}
	want := make(map[Framework]bool, len(frameworks))
	for _, f := range frameworks {
		want[f] = true
	}
	var out []Finding
	for _, f := range e.order {
		if !want[f] {
			continue
		}
		for _, finding := range e.rules[f](action, payload, identity) {
			if finding.Recommendation == "" {
				finding.Recommendation = recommendations[finding.Rule]
			}
			out = append(out, finding)
		}
	}
	return out
}

// UnknownFrameworks lists names that have no registered rule set.
func (e *Evaluator) UnknownFrameworks(frameworks []Framework) []Framework {
	var out []Framework
	for _, f := range frameworks {
		if _, ok := e.rules[f]; !ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FrameworksFor returns the tenant's enabled frameworks, or the configured
// defaults when the tenant names none.
func (e *Evaluator) FrameworksFor(tenant *Tenant) []Framework {
	if tenant != nil && len(tenant.ComplianceFrameworks) > 0 {
		return tenant.ComplianceFrameworks
	}
	return e.defaults
}

// Check evaluates the tenant's frameworks and escalates any finding: one
// audit record at severity high or above and one review item. Findings never
// block the action; a returned error only reports a failed escalation.
func (e *Evaluator) Check(ctx context.Context, tenant *Tenant, action string, payload map[string]any, identity *Identity) (*Report, error) {
	if identity == nil {
		return nil, ErrNilIdentity
	}
	findings := e.Evaluate(e.FrameworksFor(tenant), action, payload, identity)
	report := &Report{Findings: findings}
	if len(findings) == 0 {
		return report, nil
	}
	e.metrics.observeFindings(findings)

	tenantID := identity.TenantID
	if tenant != nil {
		tenantID = tenant.ID
	}
	severity := SeverityHigh
	frameworks := make([]string, 0, len(findings))
	rules := make([]string, 0, len(findings))
	for _, f := range findings {
		severity = MaxSeverity(severity, f.Severity)
		frameworks = append(frameworks, string(f.Framework))
		rules = append(rules, f.Rule)
	}
	e.logger.Info("compliance findings", "identity", identity.ID, "action", action, "count", len(findings), "rules", strings.Join(rules, ","))

	if e.recorder != nil {
		rec, err := e.recorder.Record(ctx, RecordInput{
			ActorID:    identity.ID,
			TenantID:   tenantID,
			Action:     AuditComplianceViolation,
			Severity:   severity,
			EntityType: "action",
			EntityID:   action,
			Details: map[string]any{
				"frameworks": frameworks,
				"rules":      rules,
				"findings":   append([]Finding(nil), findings...),
			},
			Framework:      findings[0].Framework,
			Classification: ClassificationConfidential,
		})
		if err != nil {
			return report, err
		}
		report.AuditRecord = rec
		stamped := make([]Finding, len(findings))
		for i, f := range findings {
			f.RelatedAuditRecordID = rec.ID
			stamped[i] = f
		}
		report.Findings = stamped
	}

	if e.queue != nil {
		item := &ReviewItem{
			ID:         utils.NewUUID(),
			TenantID:   tenantID,
			IdentityID: identity.ID,
			Action:     action,
			Findings:   append([]Finding(nil), report.Findings...),
			CreatedAt:  e.clock().UTC(),
		}
		if report.AuditRecord != nil {
			item.AuditRecordID = report.AuditRecord.ID
		}
		if err := e.queue.Enqueue(ctx, item); err != nil {
			e.logger.Error("compliance review enqueue failed", "identity", identity.ID, "error", err)
			return report, fmt.Errorf("enqueue review: %w", err)
		}
		report.ReviewItem = item
	}
	return report, nil
}
