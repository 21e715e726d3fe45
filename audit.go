package access

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/polyveda/access/logger"
	"github.com/polyveda/access/utils"
)

// ============================================================================
// AUDIT RECORDER
// ============================================================================

// AuditAction is what an audit record describes.
type AuditAction string

const (
	AuditCreate              AuditAction = "create"
	AuditUpdate              AuditAction = "update"
	AuditDelete              AuditAction = "delete"
	AuditLogin               AuditAction = "login"
	AuditLogout              AuditAction = "logout"
	AuditLoginFailed         AuditAction = "login_failed"
	AuditPasswordChange      AuditAction = "password_change"
	AuditPasswordReset       AuditAction = "password_reset"
	AuditEmailVerification   AuditAction = "email_verification"
	AuditPermissionChange    AuditAction = "permission_change"
	AuditRoleChange          AuditAction = "role_change"
	AuditStatusChange        AuditAction = "status_change"
	AuditFileUpload          AuditAction = "file_upload"
	AuditFileDownload        AuditAction = "file_download"
	AuditDataExport          AuditAction = "data_export"
	AuditDataImport          AuditAction = "data_import"
	AuditSystemConfig        AuditAction = "system_config"
	AuditAccessDenied        AuditAction = "access_denied"
	AuditComplianceViolation AuditAction = "compliance_violation"
)

// Severity is ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int { return severityRank[s] }

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Classification is the data sensitivity of an audited event.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
)

// DefaultSeverities is the action to severity table.
func DefaultSeverities() map[AuditAction]Severity {
	return map[AuditAction]Severity{
		AuditCreate:              SeverityLow,
		AuditUpdate:              SeverityLow,
		AuditDelete:              SeverityMedium,
		AuditLogin:               SeverityLow,
		AuditLogout:              SeverityLow,
		AuditLoginFailed:         SeverityMedium,
		AuditPasswordChange:      SeverityMedium,
		AuditPasswordReset:       SeverityMedium,
		AuditEmailVerification:   SeverityLow,
		AuditPermissionChange:    SeverityHigh,
		AuditRoleChange:          SeverityHigh,
		AuditStatusChange:        SeverityHigh,
		AuditFileUpload:          SeverityLow,
		AuditFileDownload:        SeverityLow,
		AuditDataExport:          SeverityHigh,
		AuditDataImport:          SeverityMedium,
		AuditSystemConfig:        SeverityCritical,
		AuditAccessDenied:        SeverityLow,
		AuditComplianceViolation: SeverityHigh,
	}
}

// Change is the before/after value of one field. A missing side is nil.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// AuditRecord is immutable once appended.
type AuditRecord struct {
	ID                  string            `json:"id"`
	ActorID             string            `json:"actor_id,omitempty"` // empty for system-initiated events
	TenantID            string            `json:"tenant_id,omitempty"`
	Action              AuditAction       `json:"action"`
	Severity            Severity          `json:"severity"`
	EntityType          string            `json:"entity_type"`
	EntityID            string            `json:"entity_id"`
	EntityName          string            `json:"entity_name,omitempty"`
	Details             map[string]any    `json:"details,omitempty"`
	Changes             map[string]Change `json:"changes,omitempty"`
	IPAddress           string            `json:"ip_address,omitempty"`
	SessionID           string            `json:"session_id,omitempty"`
	ComplianceFramework Framework         `json:"compliance_framework,omitempty"`
	Classification      Classification    `json:"data_classification"`
	Timestamp           time.Time         `json:"timestamp"`
}

// AuditFilter narrows a Query. Zero values match everything.
type AuditFilter struct {
	ActorID     string
	TenantID    string
	EntityType  string
	EntityID    string
	Action      AuditAction
	MinSeverity Severity
	StartTime   time.Time
	EndTime     time.Time
	Limit       int
}

// Matches applies the filter to a record. Limit is not considered.
func (f AuditFilter) Matches(r *AuditRecord) bool {
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.TenantID != "" && r.TenantID != f.TenantID {
		return false
	}
	if f.EntityType != "" && r.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && r.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if f.MinSeverity != "" && r.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if !f.StartTime.IsZero() && r.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && r.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// AuditStore is an append-only log. DeleteBefore exists only for the
// retention sweeper.
type AuditStore interface {
	Append(ctx context.Context, rec *AuditRecord) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Diff computes field-level changes between two snapshots. Fields with equal
// values are omitted; a nil snapshot contributes nil on its side.
func Diff(before, after map[string]any) map[string]Change {
	if before == nil && after == nil {
		return nil
	}
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	out := make(map[string]Change)
	for k := range keys {
		oldV, newV := before[k], after[k]
		if reflect.DeepEqual(oldV, newV) {
			continue
		}
		out[k] = Change{Old: oldV, New: newV}
	}
	return out
}

// ChangedFields lists the keys of a change set in order.
func ChangedFields(changes map[string]Change) []string {
	out := make([]string, 0, len(changes))
	for k := range changes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RecordInput is everything a caller supplies for one audit record.
// When Changes is nil and either snapshot is set, changes are diffed.
type RecordInput struct {
	ActorID        string
	TenantID       string
	Action         AuditAction
	Severity       Severity // may only raise the default for Action
	EntityType     string
	EntityID       string
	EntityName     string
	Details        map[string]any
	Before         map[string]any
	After          map[string]any
	Changes        map[string]Change
	IPAddress      string
	SessionID      string
	Framework      Framework
	Classification Classification
}

// Recorder writes audit records synchronously.
type Recorder struct {
	store      AuditStore
	severities map[AuditAction]Severity
	logger     logger.Logger
	metrics    *Metrics
	clock      func() time.Time
}

type RecorderOption func(*Recorder)

// WithSeverityTable overrides entries of the default severity table.
func WithSeverityTable(table map[AuditAction]Severity) RecorderOption {
	return func(r *Recorder) {
		for k, v := range table {
			r.severities[k] = v
		}
	}
}

func WithRecorderLogger(l logger.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger.OrNull(l) }
}

func WithRecorderMetrics(m *Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.clock = now
		}
	}
}

func NewRecorder(store AuditStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		severities: DefaultSeverities(),
		logger:     logger.NewNullLogger(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SeverityFor returns the effective severity: the table default for action,
// raised to requested when requested is higher.
func (r *Recorder) SeverityFor(action AuditAction, requested Severity) Severity {
	def, ok := r.severities[action]
	if !ok {
		def = SeverityLow
	}
	return MaxSeverity(def, requested)
}

// Record builds and appends one record. Retrying a call appends a second
// record.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (*AuditRecord, error) {
	now := r.clock().UTC()
	rec := &AuditRecord{
		ID:                  utils.NewULID(now),
		ActorID:             in.ActorID,
		TenantID:            in.TenantID,
		Action:              in.Action,
		Severity:            r.SeverityFor(in.Action, in.Severity),
		EntityType:          in.EntityType,
		EntityID:            in.EntityID,
		EntityName:          in.EntityName,
		Details:             in.Details,
		Changes:             in.Changes,
		IPAddress:           in.IPAddress,
		SessionID:           in.SessionID,
		ComplianceFramework: in.Framework,
		Classification:      in.Classification,
		Timestamp:           now,
	}
	if rec.Changes == nil && (in.Before != nil || in.After != nil) {
		rec.Changes = Diff(in.Before, in.After)
	}
	if rec.Classification == "" {
		rec.Classification = ClassificationInternal
	}
	if in.Severity != "" && in.Severity.Rank() < rec.Severity.Rank() {
		r.logger.Debug("audit severity de-escalation ignored", "action", string(in.Action), "requested", string(in.Severity), "severity", string(rec.Severity))
	}

	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Error("audit write failed", "id", rec.ID, "action", string(rec.Action), "error", err)
		r.metrics.observeAuditWrite(rec, false)
		return nil, &AuditWriteError{RecordID: rec.ID, Err: err}
	}
	r.metrics.observeAuditWrite(rec, true)
	r.logger.Debug("audit record",
		"id", rec.ID,
		"tenant", rec.TenantID,
		"actor", rec.ActorID,
		"action", string(rec.Action),
		"severity", string(rec.Severity),
		"entity", rec.EntityType+":"+rec.EntityID,
	)
	return rec, nil
}

// Query reads back records; it is a thin pass-through for reporting.
func (r *Recorder) Query(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	return r.store.Query(ctx, filter)
}
