package access_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/polyveda/access"
	"github.com/polyveda/access/stores"
)

type fixture struct {
	tenants    *stores.MemoryTenantStore
	identities *stores.MemoryIdentityStore
	counters   *stores.MemoryCounterStore
	attempts   *stores.MemoryAttemptStore
	audit      *stores.MemoryAuditStore
	catalog    *access.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		tenants:    stores.NewMemoryTenantStore(),
		identities: stores.NewMemoryIdentityStore(),
		counters:   stores.NewMemoryCounterStore(),
		attempts:   stores.NewMemoryAttemptStore(),
		audit:      stores.NewMemoryAuditStore(),
	}
	f.catalog = access.NewCatalog(access.WithIdentityStore(f.identities))
	for _, tn := range []*access.Tenant{
		access.NewTenantBuilder().ID("t1").Name("North Campus").Features("attendance").Build(),
		access.NewTenantBuilder().ID("t2").Name("South Campus").Build(),
		access.NewTenantBuilder().ID("closed").Active(false).Build(),
		access.NewTenantBuilder().ID("basic").Tier(access.TierBasic).Build(),
	} {
		if err := f.tenants.CreateTenant(ctx, tn); err != nil {
			t.Fatalf("create tenant: %v", err)
		}
	}
	return f
}

func (f *fixture) engine(t *testing.T, opts ...access.EngineOption) *access.Engine {
	t.Helper()
	eng, err := access.NewEngine(f.catalog, f.tenants, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func faculty(id string) *access.Identity {
	return access.NewIdentityBuilder().ID(id).Role(access.RoleFaculty).Tenant("t1").Build()
}

func student(id string) *access.Identity {
	return access.NewIdentityBuilder().ID(id).Role(access.RoleStudent).Tenant("t1").Build()
}

func decide(t *testing.T, eng *access.Engine, id *access.Identity, action string, res *access.Resource) *access.Decision {
	t.Helper()
	d, err := eng.Decide(context.Background(), id, action, res, nil)
	if err != nil {
		t.Fatalf("decide %s: %v", action, err)
	}
	return d
}

func expectDenied(t *testing.T, d *access.Decision, reason access.DenyReason) {
	t.Helper()
	if d.Allowed {
		t.Fatalf("expected deny %s, got allow", reason)
	}
	if d.Reason != reason {
		t.Fatalf("expected reason %s got %s", reason, d.Reason)
	}
}

func TestFacultyMayGradeAssignments(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	res := &access.Resource{Type: "assignment", ID: "a1", TenantID: "t1"}

	d := decide(t, eng, faculty("f1"), "grade_assignments", res)
	if !d.Allowed || d.Reason != access.ReasonNone {
		t.Fatalf("expected faculty allow, got %+v", d)
	}
	if d.Capability != "grade_assignments" || d.MatchedBy != "capability" {
		t.Fatalf("unexpected decision %+v", d)
	}

	expectDenied(t, decide(t, eng, student("s1"), "grade_assignments", res), access.ReasonMissingCapability)
}

func TestTenantMismatch(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	res := &access.Resource{Type: "course", ID: "c9", TenantID: "t2"}
	expectDenied(t, decide(t, eng, faculty("f1"), "manage_own_courses", res), access.ReasonTenantMismatch)

	// mismatch is reported before a missing tenant
	orphan := access.NewIdentityBuilder().ID("o1").Role(access.RoleFaculty).Build()
	expectDenied(t, decide(t, eng, orphan, "manage_own_courses", res), access.ReasonTenantMismatch)
	expectDenied(t, decide(t, eng, orphan, "manage_own_courses", nil), access.ReasonNoTenant)
}

func TestSuperAdminBypass(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	root := access.NewIdentityBuilder().ID("root").Role(access.RoleSuperAdmin).Build()
	res := &access.Resource{Type: "tenant", ID: "t2", TenantID: "t2"}

	for _, action := range []string{"manage_system", "not_configured_anywhere"} {
		d := decide(t, eng, root, action, res)
		if !d.Allowed || d.MatchedBy != "super_admin" {
			t.Fatalf("expected super_admin allow for %s, got %+v", action, d)
		}
	}

	root.Status = access.StatusSuspended
	expectDenied(t, decide(t, eng, root, "manage_system", res), access.ReasonAccountNotActive)
}

func TestStatusAndLockPrecedence(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	now := time.Now()

	id := faculty("f1")
	id.Status = access.StatusPending
	id.LockoutUntil = ptr(now.Add(time.Hour))
	expectDenied(t, decide(t, eng, id, "take_attendance", nil), access.ReasonAccountNotActive)

	id.Status = access.StatusActive
	expectDenied(t, decide(t, eng, id, "take_attendance", nil), access.ReasonAccountLocked)

	id.LockoutUntil = ptr(now.Add(-time.Minute))
	if d := decide(t, eng, id, "take_attendance", nil); !d.Allowed {
		t.Fatalf("expired lock should not deny: %+v", d)
	}
}

func TestTenantInactiveOrMissing(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)

	closed := access.NewIdentityBuilder().ID("c1").Role(access.RoleFaculty).Tenant("closed").Build()
	expectDenied(t, decide(t, eng, closed, "take_attendance", nil), access.ReasonTenantInactive)

	ghost := access.NewIdentityBuilder().ID("g1").Role(access.RoleFaculty).Tenant("ghost").Build()
	expectDenied(t, decide(t, eng, ghost, "take_attendance", nil), access.ReasonTenantInactive)
}

func TestUnknownActionAndRole(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	ctx := context.Background()

	d, err := eng.Decide(ctx, faculty("f1"), "launch_rockets", nil, nil)
	var actionErr *access.UnknownActionError
	if d != nil || !errors.As(err, &actionErr) || actionErr.Action != "launch_rockets" {
		t.Fatalf("expected UnknownActionError, got %v %v", d, err)
	}
	if !access.IsConfigError(err) {
		t.Fatalf("expected config error")
	}

	janitor := access.NewIdentityBuilder().ID("j1").Role("janitor").Tenant("t1").Build()
	_, err = eng.Decide(ctx, janitor, "take_attendance", nil, nil)
	var roleErr *access.UnknownRoleError
	if !errors.As(err, &roleErr) {
		t.Fatalf("expected UnknownRoleError, got %v", err)
	}

	if _, err := eng.Decide(ctx, nil, "take_attendance", nil, nil); !errors.Is(err, access.ErrNilIdentity) {
		t.Fatalf("expected ErrNilIdentity, got %v", err)
	}
}

func TestCustomCapabilitiesExtendRole(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	s := student("s1")
	s.CustomCapabilities = map[access.Capability]bool{"view_student_profiles": true, "view_own_courses": false}

	if d := decide(t, eng, s, "view_student_profiles", nil); !d.Allowed {
		t.Fatalf("custom grant ignored: %+v", d)
	}
	// a false entry never removes a base capability
	if d := decide(t, eng, s, "view_own_courses", nil); !d.Allowed {
		t.Fatalf("base capability removed: %+v", d)
	}
}

func TestFeatureAndWindowGates(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	ctx := context.Background()

	if err := eng.SetActionRule("take_attendance", access.ActionRule{Capability: "take_attendance", Feature: "attendance"}); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if d := decide(t, eng, faculty("f1"), "take_attendance", nil); !d.Allowed {
		t.Fatalf("feature enabled for t1: %+v", d)
	}
	other := access.NewIdentityBuilder().ID("f2").Role(access.RoleFaculty).Tenant("t2").Build()
	expectDenied(t, decide(t, eng, other, "take_attendance", nil), access.ReasonFeatureDisabled)

	_ = eng.SetActionRule("grade_assignments", access.ActionRule{
		Capability: "grade_assignments",
		Windows:    []access.TimeWindow{{Start: "08:00", End: "18:00", Days: []string{"mon", "tue", "wed", "thu", "fri"}}},
	})
	monday := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	d, _ := eng.Decide(ctx, faculty("f1"), "grade_assignments", nil, &access.Environment{Time: monday})
	if !d.Allowed {
		t.Fatalf("inside window: %+v", d)
	}
	d, _ = eng.Decide(ctx, faculty("f1"), "grade_assignments", nil, &access.Environment{Time: monday.Add(10 * time.Hour)})
	expectDenied(t, d, access.ReasonOutsideTimeWindow)
	d, _ = eng.Decide(ctx, faculty("f1"), "grade_assignments", nil, &access.Environment{Time: monday.AddDate(0, 0, 5)})
	expectDenied(t, d, access.ReasonOutsideTimeWindow)
}

func TestIPGates(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t, access.WithGlobalIPRule(&access.IPRule{Block: []string{"203.0.113.0/24"}}))
	ctx := context.Background()
	_ = eng.SetActionRule("manage_own_courses", access.ActionRule{
		Capability: "manage_own_courses",
		IP:         &access.IPRule{Allow: []string{"10.0.0.0/8"}},
	})

	at := func(ip string) *access.Decision {
		d, err := eng.Decide(ctx, faculty("f1"), "manage_own_courses", nil, &access.Environment{IP: net.ParseIP(ip)})
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		return d
	}
	if d := at("10.1.2.3"); !d.Allowed {
		t.Fatalf("allowed range denied: %+v", d)
	}
	expectDenied(t, at("192.168.1.1"), access.ReasonIPNotAllowed)
	expectDenied(t, at("203.0.113.7"), access.ReasonIPBlocked)
	expectDenied(t, decide(t, eng, faculty("f1"), "manage_own_courses", nil), access.ReasonIPNotAllowed)

	if _, err := access.NewEngine(f.catalog, f.tenants, access.WithGlobalIPRule(&access.IPRule{Block: []string{"not-an-ip"}})); err == nil {
		t.Fatalf("expected invalid ip rule to be rejected")
	}
}

func TestSubscriptionGate(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t, access.WithSubscriptionGate(true))
	ctx := context.Background()
	id := access.NewIdentityBuilder().ID("b1").Role(access.RoleFaculty).Tenant("basic").Build()
	expectDenied(t, decide(t, eng, id, "take_attendance", nil), access.ReasonSubscriptionInactive)

	tn, _ := f.tenants.GetTenant(ctx, "basic")
	tn.TrialExpiry = ptr(time.Now().Add(24 * time.Hour))
	if err := f.tenants.UpdateTenant(ctx, tn); err != nil {
		t.Fatalf("update tenant: %v", err)
	}
	if d := decide(t, eng, id, "take_attendance", nil); !d.Allowed {
		t.Fatalf("trial tenant denied: %+v", d)
	}
}

func TestRateLimitBoundary(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	f.counters.WithClock(func() time.Time { return now })
	limiter := access.NewRateLimiter(f.counters, access.DefaultRateLimits(), 0)
	eng := f.engine(t, access.WithRateLimiter(limiter))
	_ = eng.SetActionRule("login", access.ActionRule{RateClass: "login"})

	id := student("s1")
	for i := 1; i <= 5; i++ {
		if d := decide(t, eng, id, "login", nil); !d.Allowed {
			t.Fatalf("attempt %d denied: %+v", i, d)
		}
	}
	expectDenied(t, decide(t, eng, id, "login", nil), access.ReasonRateLimited)

	// other identities and other classes have their own counters
	if d := decide(t, eng, student("s2"), "login", nil); !d.Allowed {
		t.Fatalf("separate identity limited: %+v", d)
	}
	if d := decide(t, eng, id, "view_own_results", nil); !d.Allowed {
		t.Fatalf("api class limited by login counter: %+v", d)
	}

	now = now.Add(300 * time.Second)
	if d := decide(t, eng, id, "login", nil); !d.Allowed {
		t.Fatalf("expected new window: %+v", d)
	}
}

type failingCounters struct{}

func (failingCounters) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingCounters) Reset(context.Context, string) error { return nil }

type slowCounters struct{}

func (slowCounters) Incr(ctx context.Context, _ string, _ time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (slowCounters) Reset(context.Context, string) error { return nil }

func TestRateLimitStoreFailsClosed(t *testing.T) {
	f := newFixture(t)
	for name, store := range map[string]access.CounterStore{"error": failingCounters{}, "timeout": slowCounters{}} {
		t.Run(name, func(t *testing.T) {
			eng := f.engine(t, access.WithRateLimiter(access.NewRateLimiter(store, nil, 20*time.Millisecond)))
			d, err := eng.Decide(context.Background(), student("s1"), "view_own_results", nil, nil)
			if !errors.Is(err, access.ErrRateLimitStoreUnavailable) {
				t.Fatalf("expected ErrRateLimitStoreUnavailable, got %v", err)
			}
			if d == nil {
				t.Fatalf("expected a denial alongside the error")
			}
			expectDenied(t, d, access.ReasonRateLimited)
		})
	}
}

type brokenAttempts struct{ *stores.MemoryAttemptStore }

func (brokenAttempts) State(context.Context, string) (access.LockState, error) {
	return access.LockState{}, errors.New("redis: connection pool timeout")
}

func TestAttemptStoreUnavailableDenies(t *testing.T) {
	f := newFixture(t)
	lock := access.NewLockout(brokenAttempts{stores.NewMemoryAttemptStore()})
	eng := f.engine(t, access.WithLockout(lock))
	d, err := eng.Decide(context.Background(), faculty("f1"), "take_attendance", nil, nil)
	if !errors.Is(err, access.ErrAttemptStoreUnavailable) {
		t.Fatalf("expected ErrAttemptStoreUnavailable, got %v", err)
	}
	expectDenied(t, d, access.ReasonAccountLocked)
}

func TestDenialAudit(t *testing.T) {
	f := newFixture(t)
	rec := access.NewRecorder(f.audit)
	eng := f.engine(t, access.WithDenialAudit(rec))
	ctx := context.Background()

	res := &access.Resource{Type: "course", ID: "c1", TenantID: "t1"}
	env := &access.Environment{IP: net.ParseIP("10.0.0.5"), SessionID: "sess-1"}
	if _, err := eng.Decide(ctx, student("s1"), "grade_assignments", res, env); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := eng.Decide(ctx, faculty("f1"), "grade_assignments", res, env); err != nil {
		t.Fatalf("decide: %v", err)
	}

	got, _ := rec.Query(ctx, access.AuditFilter{Action: access.AuditAccessDenied})
	if len(got) != 1 {
		t.Fatalf("expected one denial record, got %d", len(got))
	}
	r := got[0]
	if r.ActorID != "s1" || r.EntityID != "c1" || r.IPAddress != "10.0.0.5" || r.SessionID != "sess-1" {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.Details["reason"] != string(access.ReasonMissingCapability) {
		t.Fatalf("expected reason detail, got %v", r.Details)
	}
}

func TestMustAllow(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	ctx := context.Background()
	if err := eng.MustAllow(ctx, faculty("f1"), "grade_assignments", nil, nil); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
	err := eng.MustAllow(ctx, student("s1"), "grade_assignments", nil, nil)
	var denied *access.AccessDeniedError
	if !errors.As(err, &denied) || denied.Reason != access.ReasonMissingCapability {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
}

func TestExplainTrace(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	ctx := context.Background()

	d, _ := eng.Decide(ctx, faculty("f1"), "grade_assignments", nil, nil)
	if len(d.Trace) != 0 {
		t.Fatalf("decide should not trace: %v", d.Trace)
	}
	d, err := eng.Explain(ctx, faculty("f1"), "grade_assignments", nil, nil)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(d.Trace) < 3 {
		t.Fatalf("expected a step by step trace, got %v", d.Trace)
	}

	if err := f.identities.SaveIdentity(ctx, student("s1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	d, err = eng.ExplainRequest(ctx, f.identities, &access.ExplainRequest{IdentityID: "s1", Action: "grade_assignments", Resource: "course:c1", Tenant: "t1"})
	if err != nil {
		t.Fatalf("explain request: %v", err)
	}
	expectDenied(t, d, access.ReasonMissingCapability)
	if _, err := eng.ExplainRequest(ctx, f.identities, &access.ExplainRequest{IdentityID: "s1", Action: "grade_assignments", IP: "nope"}); err == nil {
		t.Fatalf("expected invalid ip error")
	}
}

func TestBatchDecideKeepsOrder(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t, access.WithBatchWorkers(2))
	reqs := []access.DecisionRequest{
		{Identity: faculty("f1"), Action: "grade_assignments"},
		{Identity: student("s1"), Action: "grade_assignments"},
		{Identity: student("s2"), Action: "submit_assignments"},
		{Identity: faculty("f2"), Action: "grade_assignments", Resource: &access.Resource{TenantID: "t2"}},
	}
	out, err := eng.BatchDecide(context.Background(), reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	want := []bool{true, false, true, false}
	for i, d := range out {
		if d.Allowed != want[i] {
			t.Fatalf("request %d: expected allowed=%v got %+v", i, want[i], d)
		}
	}

	reqs = append(reqs, access.DecisionRequest{Identity: faculty("f3"), Action: "unknown"})
	if _, err := eng.BatchDecide(context.Background(), reqs); !access.IsConfigError(err) {
		t.Fatalf("expected config error from batch, got %v", err)
	}
}

func TestDecisionMetrics(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	eng := f.engine(t, access.WithMetrics(access.NewMetrics(reg)))

	decide(t, eng, faculty("f1"), "grade_assignments", nil)
	decide(t, eng, faculty("f1"), "grade_assignments", nil)
	decide(t, eng, student("s1"), "grade_assignments", nil)

	n, err := testutil.GatherAndCount(reg, "access_decisions_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected allow and deny series, got %d", n)
	}
}

func ptr[T any](v T) *T { return &v }

func TestOwnerOnlyActions(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	mine := &access.Resource{Type: "result", ID: "r1", TenantID: "t1", OwnerID: "s1"}
	theirs := &access.Resource{Type: "result", ID: "r2", TenantID: "t1", OwnerID: "s2"}

	if d := decide(t, eng, student("s1"), "view_own_results", mine); !d.Allowed {
		t.Fatalf("owner denied: %+v", d)
	}
	expectDenied(t, decide(t, eng, student("s1"), "view_own_results", theirs), access.ReasonNotOwner)
	if d := decide(t, eng, student("s1"), "view_own_results", &access.Resource{Type: "result", ID: "r3", TenantID: "t1"}); !d.Allowed {
		t.Fatalf("unowned resource denied: %+v", d)
	}

	profile := &access.Resource{Type: "profile", ID: "s1", TenantID: "t1", OwnerID: "s1"}
	admin := access.NewIdentityBuilder().ID("a1").Role(access.RoleAdmin).Tenant("t1").Build()
	if d := decide(t, eng, admin, "view_own_profile", profile); !d.Allowed {
		t.Fatalf("admin of the same tenant denied: %+v", d)
	}
	mgmt := access.NewIdentityBuilder().ID("m1").Role(access.RoleManagement).Tenant("t1").Build()
	if d := decide(t, eng, mgmt, "view_own_profile", profile); !d.Allowed {
		t.Fatalf("management of the same tenant denied: %+v", d)
	}
	auditor := access.NewIdentityBuilder().ID("au1").Role(access.RoleAuditor).Tenant("t1").Build()
	expectDenied(t, decide(t, eng, auditor, "view_own_profile", profile), access.ReasonNotOwner)

	// another tenant's admin never reaches the owner check
	remote := access.NewIdentityBuilder().ID("a2").Role(access.RoleAdmin).Tenant("t2").Build()
	expectDenied(t, decide(t, eng, remote, "view_own_profile", profile), access.ReasonTenantMismatch)

	// rules without the flag ignore ownership
	_ = eng.SetActionRule("view_own_results", access.ActionRule{Capability: "view_own_results"})
	if d := decide(t, eng, student("s1"), "view_own_results", theirs); !d.Allowed {
		t.Fatalf("expected unflagged rule to allow: %+v", d)
	}
}

func TestEnvironmentTimeOnlyMovesWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	eng := f.engine(t, access.WithClock(func() time.Time { return now }), access.WithSubscriptionGate(true))

	locked := faculty("f1")
	locked.LockoutUntil = ptr(now.Add(time.Hour))
	d, err := eng.Decide(ctx, locked, "take_attendance", nil, &access.Environment{Time: now.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	expectDenied(t, d, access.ReasonAccountLocked)
	if !d.EvaluatedAt.Equal(now) {
		t.Fatalf("evaluated at %s, want engine clock %s", d.EvaluatedAt, now)
	}

	tn, _ := f.tenants.GetTenant(ctx, "basic")
	tn.TrialExpiry = ptr(now.Add(-time.Hour))
	if err := f.tenants.UpdateTenant(ctx, tn); err != nil {
		t.Fatalf("update tenant: %v", err)
	}
	b1 := access.NewIdentityBuilder().ID("b1").Role(access.RoleFaculty).Tenant("basic").Build()
	d, _ = eng.Decide(ctx, b1, "take_attendance", nil, &access.Environment{Time: now.Add(-2 * time.Hour)})
	expectDenied(t, d, access.ReasonSubscriptionInactive)

	_ = eng.SetActionRule("grade_assignments", access.ActionRule{
		Capability: "grade_assignments",
		Windows:    []access.TimeWindow{{Start: "08:00", End: "18:00"}},
	})
	d, _ = eng.Decide(ctx, faculty("f1"), "grade_assignments", nil, &access.Environment{Time: now.Add(10 * time.Hour)})
	expectDenied(t, d, access.ReasonOutsideTimeWindow)
	if d := decide(t, eng, faculty("f1"), "grade_assignments", nil); !d.Allowed {
		t.Fatalf("engine clock inside window denied: %+v", d)
	}
}
