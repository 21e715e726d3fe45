package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Violation is one compliance_violation record as it appears in a report.
type Violation struct {
	RecordID   string    `json:"record_id"`
	ActorID    string    `json:"actor_id,omitempty"`
	EntityID   string    `json:"entity_id"`
	Framework  Framework `json:"framework,omitempty"`
	Severity   Severity  `json:"severity"`
	Rules      []string  `json:"rules"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AuditReport summarises one tenant's audit trail over [Start, End].
type AuditReport struct {
	TenantID        string              `json:"tenant_id"`
	Start           time.Time           `json:"start"`
	End             time.Time           `json:"end"`
	GeneratedAt     time.Time           `json:"generated_at"`
	TotalEvents     int                 `json:"total_events"`
	ByAction        map[AuditAction]int `json:"by_action"`
	BySeverity      map[Severity]int    `json:"by_severity"`
	Violations      []Violation         `json:"violations"`
	ComplianceScore float64             `json:"compliance_score"`
	Recommendations []string            `json:"recommendations"`
}

// violationWeight is the score penalty per violation at each severity.
var violationWeight = map[Severity]float64{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     5,
	SeverityCritical: 10,
}

// ErrInvalidReportRange is returned when a report has no tenant or end
// precedes start.
var ErrInvalidReportRange = errors.New("invalid audit report range")

// Report reads the tenant's records between start and end and summarises
// them. The score starts at 100 and loses violationWeight per compliance
// violation, never dropping below 0.
func (r *Recorder) Report(ctx context.Context, tenantID string, start, end time.Time) (*AuditReport, error) {
	if tenantID == "" || end.Before(start) {
		return nil, fmt.Errorf("%w: tenant %q, %s to %s", ErrInvalidReportRange, tenantID, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	recs, err := r.store.Query(ctx, AuditFilter{TenantID: tenantID, StartTime: start, EndTime: end})
	if err != nil {
		return nil, fmt.Errorf("audit report %s: %w", tenantID, err)
	}

	rep := &AuditReport{
		TenantID:        tenantID,
		Start:           start.UTC(),
		End:             end.UTC(),
		GeneratedAt:     r.clock().UTC(),
		TotalEvents:     len(recs),
		ByAction:        make(map[AuditAction]int),
		BySeverity:      make(map[Severity]int),
		Violations:      []Violation{},
		ComplianceScore: 100,
	}
	var advice []string
	seen := make(map[string]bool)
	advise := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			advice = append(advice, s)
		}
	}

	for _, rec := range recs {
		rep.ByAction[rec.Action]++
		rep.BySeverity[rec.Severity]++
		if rec.Action != AuditComplianceViolation {
			continue
		}
		v := Violation{
			RecordID:   rec.ID,
			ActorID:    rec.ActorID,
			EntityID:   rec.EntityID,
			Framework:  rec.ComplianceFramework,
			Severity:   rec.Severity,
			OccurredAt: rec.Timestamp,
		}
		details := violationDetails(rec.Details)
		v.Rules = details.Rules
		for _, f := range details.Findings {
			if len(details.Rules) == 0 {
				v.Rules = append(v.Rules, f.Rule)
			}
			advise(f.Recommendation)
		}
		for _, rule := range v.Rules {
			advise(ruleRecommendation(rule))
		}
		rep.Violations = append(rep.Violations, v)
		rep.ComplianceScore -= violationWeight[rec.Severity]
	}
	if rep.ComplianceScore < 0 {
		rep.ComplianceScore = 0
	}

	if rep.ByAction[AuditAccessDenied] > 0 || rep.ByAction[AuditLoginFailed] > 0 {
		advise("Review denied access and failed login activity")
	}
	sort.Strings(advice)
	rep.Recommendations = advice
	if rep.Recommendations == nil {
		rep.Recommendations = []string{}
	}
	r.logger.Info("audit report",
		"tenant", tenantID,
		"events", rep.TotalEvents,
		"violations", len(rep.Violations),
		"score", rep.ComplianceScore,
	)
	return rep, nil
}

type violationDetail struct {
	Rules    []string  `json:"rules"`
	Findings []Finding `json:"findings"`
}

// violationDetails reads the details written by Evaluator.Check. Stores
// hand details back either as written or decoded from JSON, so both are
// normalised through JSON.
func violationDetails(details map[string]any) violationDetail {
	var out violationDetail
	if len(details) == 0 {
		return out
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func ruleRecommendation(rule string) string {
	switch r := strings.ToLower(rule); {
	case strings.Contains(r, "consent"):
		return "Implement explicit consent collection mechanism"
	case strings.Contains(r, "access"):
		return "Review and update access control policies"
	case strings.Contains(r, "retention"), strings.Contains(r, "deletion"):
		return "Update data retention policies"
	}
	return ""
}
