package access_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/polyveda/access"
	"github.com/polyveda/access/stores"
)

func TestDiff(t *testing.T) {
	cases := []struct {
		name          string
		before, after map[string]any
		want          map[string]access.Change
	}{
		{"both nil", nil, nil, nil},
		{"created", nil, map[string]any{"role": "student"}, map[string]access.Change{"role": {Old: nil, New: "student"}}},
		{"deleted", map[string]any{"role": "student"}, nil, map[string]access.Change{"role": {Old: "student", New: nil}}},
		{
			"equal fields omitted",
			map[string]any{"role": "student", "status": "active", "tags": []string{"a"}},
			map[string]any{"role": "faculty", "status": "active", "tags": []string{"a"}},
			map[string]access.Change{"role": {Old: "student", New: "faculty"}},
		},
		{"unchanged", map[string]any{"n": 1}, map[string]any{"n": 1}, map[string]access.Change{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := access.Diff(tc.before, tc.after)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v got %v", tc.want, got)
			}
		})
	}

	fields := access.ChangedFields(access.Diff(map[string]any{"b": 1, "a": 1}, map[string]any{"b": 2, "a": 2}))
	if !reflect.DeepEqual(fields, []string{"a", "b"}) {
		t.Fatalf("expected sorted fields, got %v", fields)
	}
}

func TestSeverityEscalatesOnly(t *testing.T) {
	r := access.NewRecorder(stores.NewMemoryAuditStore())
	cases := []struct {
		action    access.AuditAction
		requested access.Severity
		want      access.Severity
	}{
		{access.AuditUpdate, "", access.SeverityLow},
		{access.AuditUpdate, access.SeverityHigh, access.SeverityHigh},
		{access.AuditSystemConfig, access.SeverityLow, access.SeverityCritical},
		{access.AuditRoleChange, access.SeverityMedium, access.SeverityHigh},
		{"custom_event", "", access.SeverityLow},
	}
	for _, tc := range cases {
		if got := r.SeverityFor(tc.action, tc.requested); got != tc.want {
			t.Fatalf("%s/%s: expected %s got %s", tc.action, tc.requested, tc.want, got)
		}
	}

	override := access.NewRecorder(stores.NewMemoryAuditStore(), access.WithSeverityTable(map[access.AuditAction]access.Severity{access.AuditUpdate: access.SeverityMedium}))
	if got := override.SeverityFor(access.AuditUpdate, ""); got != access.SeverityMedium {
		t.Fatalf("severity override ignored: %s", got)
	}
}

func TestRecorderRecord(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryAuditStore()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	r := access.NewRecorder(store, access.WithRecorderClock(func() time.Time { return now }))

	first, err := r.Record(ctx, access.RecordInput{
		ActorID:    "admin-1",
		TenantID:   "t1",
		Action:     access.AuditRoleChange,
		EntityType: "identity",
		EntityID:   "u1",
		Before:     map[string]any{"role": "student", "status": "active"},
		After:      map[string]any{"role": "faculty", "status": "active"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Severity != access.SeverityHigh || first.Classification != access.ClassificationInternal {
		t.Fatalf("unexpected defaults %+v", first)
	}
	if len(first.Changes) != 1 || first.Changes["role"].New != "faculty" {
		t.Fatalf("expected diffed role change, got %v", first.Changes)
	}
	if !first.Timestamp.Equal(now) {
		t.Fatalf("expected clock timestamp")
	}

	second, _ := r.Record(ctx, access.RecordInput{Action: access.AuditLogin, EntityType: "identity", EntityID: "u1"})
	if second.ID <= first.ID {
		t.Fatalf("ids must sort by creation: %s then %s", first.ID, second.ID)
	}

	got, _ := r.Query(ctx, access.AuditFilter{EntityID: "u1", MinSeverity: access.SeverityMedium})
	if len(got) != 1 || got[0].ID != first.ID {
		t.Fatalf("filter mismatch: %+v", got)
	}
}

type failingAuditStore struct{ *stores.MemoryAuditStore }

var errDiskFull = errors.New("disk full")

func (failingAuditStore) Append(context.Context, *access.AuditRecord) error { return errDiskFull }

func TestRecorderWriteError(t *testing.T) {
	r := access.NewRecorder(failingAuditStore{stores.NewMemoryAuditStore()})
	rec, err := r.Record(context.Background(), access.RecordInput{Action: access.AuditDelete, EntityType: "course", EntityID: "c1"})
	if rec != nil {
		t.Fatalf("expected no record on failure")
	}
	var werr *access.AuditWriteError
	if !errors.As(err, &werr) || werr.RecordID == "" {
		t.Fatalf("expected AuditWriteError, got %v", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected cause to be preserved")
	}
}

func TestAuditFilterMatches(t *testing.T) {
	ts := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	rec := &access.AuditRecord{ActorID: "a", TenantID: "t1", Action: access.AuditDelete, Severity: access.SeverityMedium, EntityType: "course", EntityID: "c1", Timestamp: ts}
	cases := []struct {
		f    access.AuditFilter
		want bool
	}{
		{access.AuditFilter{}, true},
		{access.AuditFilter{TenantID: "t2"}, false},
		{access.AuditFilter{MinSeverity: access.SeverityHigh}, false},
		{access.AuditFilter{MinSeverity: access.SeverityLow, Action: access.AuditDelete}, true},
		{access.AuditFilter{StartTime: ts.Add(time.Hour)}, false},
		{access.AuditFilter{EndTime: ts}, true},
	}
	for i, tc := range cases {
		if got := tc.f.Matches(rec); got != tc.want {
			t.Fatalf("case %d: expected %v", i, tc.want)
		}
	}
}

func TestRecorderRejectsUnencodableDetails(t *testing.T) {
	store := stores.NewMemoryAuditStore()
	r := access.NewRecorder(store)
	_, err := r.Record(context.Background(), access.RecordInput{
		Action:     access.AuditDataExport,
		EntityType: "report",
		EntityID:   "r1",
		Details:    map[string]any{"ratio": math.Inf(1)},
	})
	var werr *access.AuditWriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected AuditWriteError, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("record with lost details was stored")
	}
}

func TestRecorderReport(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryAuditStore()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(-time.Hour)
	r := access.NewRecorder(store, access.WithRecorderClock(func() time.Time { return now }))

	// before the window
	_, _ = r.Record(ctx, access.RecordInput{TenantID: "t1", Action: access.AuditLogin, EntityType: "identity", EntityID: "u1"})

	now = start.Add(time.Hour)
	_, _ = r.Record(ctx, access.RecordInput{TenantID: "t1", Action: access.AuditLogin, EntityType: "identity", EntityID: "u1"})
	_, _ = r.Record(ctx, access.RecordInput{TenantID: "t1", Action: access.AuditLoginFailed, EntityType: "identity", EntityID: "u2"})
	_, _ = r.Record(ctx, access.RecordInput{TenantID: "t2", Action: access.AuditAccessDenied, EntityType: "action", EntityID: "manage_users"})

	ev := access.NewEvaluator(access.DefaultComplianceConfig(), access.WithEscalation(r, nil))
	tenant := access.NewTenantBuilder().ID("t1").Frameworks(access.FrameworkGDPR).Build()
	id := access.NewIdentityBuilder().ID("u3").Role(access.RoleAdmin).Tenant("t1").Build()
	checked, err := ev.Check(ctx, tenant, "data_processing", nil, id)
	if err != nil || checked.AuditRecord == nil {
		t.Fatalf("check: %+v %v", checked, err)
	}

	rep, err := r.Report(ctx, "t1", start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.TotalEvents != 3 {
		t.Fatalf("expected 3 events in range, got %d", rep.TotalEvents)
	}
	if rep.ByAction[access.AuditLogin] != 1 || rep.ByAction[access.AuditLoginFailed] != 1 || rep.ByAction[access.AuditComplianceViolation] != 1 {
		t.Fatalf("unexpected action counts %v", rep.ByAction)
	}
	if rep.BySeverity[access.SeverityHigh] != 1 {
		t.Fatalf("unexpected severity counts %v", rep.BySeverity)
	}
	if len(rep.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", rep.Violations)
	}
	v := rep.Violations[0]
	if v.RecordID != checked.AuditRecord.ID || v.ActorID != "u3" || v.Framework != access.FrameworkGDPR || !reflect.DeepEqual(v.Rules, []string{"consent_required"}) {
		t.Fatalf("unexpected violation %+v", v)
	}
	if rep.ComplianceScore != 95 {
		t.Fatalf("expected score 95, got %v", rep.ComplianceScore)
	}
	want := []string{
		"Implement explicit consent collection mechanism",
		"Review denied access and failed login activity",
	}
	if !reflect.DeepEqual(rep.Recommendations, want) {
		t.Fatalf("recommendations %v", rep.Recommendations)
	}

	empty, err := r.Report(ctx, "t2", start.Add(48*time.Hour), start.Add(72*time.Hour))
	if err != nil || empty.TotalEvents != 0 || empty.ComplianceScore != 100 || len(empty.Recommendations) != 0 {
		t.Fatalf("expected empty report, got %+v %v", empty, err)
	}
}

func TestRecorderReportScoreFloor(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := access.NewRecorder(stores.NewMemoryAuditStore(), access.WithRecorderClock(func() time.Time { return now }))
	for i := 0; i < 11; i++ {
		_, err := r.Record(ctx, access.RecordInput{
			TenantID:   "t1",
			Action:     access.AuditComplianceViolation,
			Severity:   access.SeverityCritical,
			EntityType: "action",
			EntityID:   "share_student_data",
			Details:    map[string]any{"rules": []string{"data_retention"}},
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	rep, err := r.Report(ctx, "t1", now.Add(-time.Minute), now)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.ComplianceScore != 0 || len(rep.Violations) != 11 {
		t.Fatalf("expected floored score, got %v over %d", rep.ComplianceScore, len(rep.Violations))
	}
	if !reflect.DeepEqual(rep.Recommendations, []string{"Update data retention policies"}) {
		t.Fatalf("recommendations %v", rep.Recommendations)
	}
}

func TestRecorderReportRejectsBadRange(t *testing.T) {
	r := access.NewRecorder(stores.NewMemoryAuditStore())
	now := time.Now()
	if _, err := r.Report(context.Background(), "t1", now, now.Add(-time.Hour)); !errors.Is(err, access.ErrInvalidReportRange) {
		t.Fatalf("expected ErrInvalidReportRange, got %v", err)
	}
	if _, err := r.Report(context.Background(), "", now.Add(-time.Hour), now); !errors.Is(err, access.ErrInvalidReportRange) {
		t.Fatalf("expected ErrInvalidReportRange for empty tenant, got %v", err)
	}
}
