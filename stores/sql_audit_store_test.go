package stores

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/polyveda/access"
)

func openTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// each pooled connection would otherwise see its own empty database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func TestSQLAuditStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewSQLAuditStore(openTestDB(t))
	ts := time.Date(2025, 3, 1, 10, 0, 0, 123, time.UTC)

	rec := &access.AuditRecord{
		ID:             "01HZZZZZZZZZZZZZZZZZZZZZZZ",
		ActorID:        "admin-1",
		TenantID:       "tenant-1",
		Action:         access.AuditRoleChange,
		Severity:       access.SeverityHigh,
		EntityType:     "identity",
		EntityID:       "user-7",
		Details:        map[string]any{"reason": "promotion"},
		Changes:        map[string]access.Change{"role": {Old: "student", New: "faculty"}},
		IPAddress:      "10.0.0.1",
		Classification: access.ClassificationConfidential,
		Timestamp:      ts,
	}
	require.NoError(t, store.Append(ctx, rec))

	got, err := store.Query(ctx, access.AuditFilter{EntityID: "user-7"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec.ID, got[0].ID)
	require.True(t, ts.Equal(got[0].Timestamp))
	require.Equal(t, access.SeverityHigh, got[0].Severity)
	require.Equal(t, "faculty", got[0].Changes["role"].New)
	require.Equal(t, "promotion", got[0].Details["reason"])
}

func TestSQLAuditStoreFilterAndDeleteBefore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLAuditStore(openTestDB(t))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, sev := range []access.Severity{access.SeverityLow, access.SeverityMedium, access.SeverityCritical} {
		require.NoError(t, store.Append(ctx, &access.AuditRecord{
			ID:         string(rune('a' + i)),
			TenantID:   "t1",
			Action:     access.AuditUpdate,
			Severity:   sev,
			EntityType: "course",
			EntityID:   "c1",
			Timestamp:  base.AddDate(0, 0, i),
		}))
	}

	got, err := store.Query(ctx, access.AuditFilter{TenantID: "t1", MinSeverity: access.SeverityMedium})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = store.Query(ctx, access.AuditFilter{TenantID: "t1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].ID)

	n, err := store.DeleteBefore(ctx, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err = store.Query(ctx, access.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestSQLDirectoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLDirectoryStore(openTestDB(t))
	trial := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tenant := access.NewTenantBuilder().ID("uni").Name("University").Tier(access.TierBasic).
		TrialUntil(trial).Features("attendance").Frameworks(access.FrameworkFERPA).Build()
	require.NoError(t, store.CreateTenant(ctx, tenant))
	require.ErrorIs(t, store.CreateTenant(ctx, tenant), ErrTenantExists)

	got, err := store.GetTenant(ctx, "uni")
	require.NoError(t, err)
	require.True(t, got.Active)
	require.True(t, got.HasFeature("attendance"))
	require.NotNil(t, got.TrialExpiry)
	require.True(t, trial.Equal(*got.TrialExpiry))
	require.Equal(t, []access.Framework{access.FrameworkFERPA}, got.ComplianceFrameworks)

	got.Active = false
	require.NoError(t, store.UpdateTenant(ctx, got))
	got, err = store.GetTenant(ctx, "uni")
	require.NoError(t, err)
	require.False(t, got.Active)

	_, err = store.GetTenant(ctx, "missing")
	require.ErrorIs(t, err, access.ErrTenantNotFound)
	require.ErrorIs(t, store.UpdateTenant(ctx, &access.Tenant{ID: "missing"}), access.ErrTenantNotFound)

	id := access.NewIdentityBuilder().ID("u1").Role(access.RoleFaculty).Tenant("uni").Age(40).
		PrivacyConsent().Grant("view_all_reports").Build()
	require.NoError(t, store.SaveIdentity(ctx, id))
	id.Status = access.StatusSuspended
	require.NoError(t, store.SaveIdentity(ctx, id))

	loaded, err := store.GetIdentity(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, access.StatusSuspended, loaded.Status)
	require.True(t, loaded.PrivacyConsent)
	require.True(t, loaded.CustomCapabilities["view_all_reports"])
	require.Nil(t, loaded.LockoutUntil)

	list, err := store.ListIdentities(ctx, "uni")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = store.GetIdentity(ctx, "nobody")
	require.ErrorIs(t, err, access.ErrIdentityNotFound)

	require.NoError(t, store.DeleteTenant(ctx, "uni"))
	tenants, err := store.ListTenants(ctx)
	require.NoError(t, err)
	require.Empty(t, tenants)
}

func TestSQLAuditStoreSurfacesJSONErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewSQLAuditStore(db)

	err := store.Append(ctx, &access.AuditRecord{
		ID:        "bad-details",
		Action:    access.AuditFileDownload,
		Severity:  access.SeverityLow,
		Details:   map[string]any{"score": math.NaN()},
		Timestamp: time.Now(),
	})
	require.Error(t, err)
	got, err := store.Query(ctx, access.AuditFilter{})
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = db.ExecContext(ctx, `INSERT INTO audit_log(id, timestamp, action, severity, severity_rank, details_json) VALUES('torn', ?, 'file_download', 'low', 1, '{"score":')`, formatTime(time.Now()))
	require.NoError(t, err)
	_, err = store.Query(ctx, access.AuditFilter{})
	require.Error(t, err)
}
