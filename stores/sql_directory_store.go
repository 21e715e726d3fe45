package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/polyveda/access"
)

// SQLDirectoryStore persists tenants and identities in SQL (squealx). It
// implements both access.TenantStore and access.IdentityStore.
type SQLDirectoryStore struct {
	db    *squealx.DB
	clock func() time.Time
}

func NewSQLDirectoryStore(db *squealx.DB) *SQLDirectoryStore {
	return &SQLDirectoryStore{db: db, clock: time.Now}
}

func tenantParams(t *access.Tenant) (map[string]any, error) {
	features, err := toJSON(t.EnabledFeatures)
	if err != nil {
		return nil, fmt.Errorf("tenant %s features: %w", t.ID, err)
	}
	frameworks, err := toJSON(t.ComplianceFrameworks)
	if err != nil {
		return nil, fmt.Errorf("tenant %s frameworks: %w", t.ID, err)
	}
	return map[string]any{
		"id":              t.ID,
		"name":            t.Name,
		"active":          boolToInt(t.Active),
		"tier":            string(t.Tier),
		"max_identities":  t.MaxIdentities,
		"features_json":   features,
		"trial_expiry":    nullableTime(t.TrialExpiry),
		"frameworks_json": frameworks,
		"created_at":      formatTime(t.CreatedAt),
		"updated_at":      formatTime(t.UpdatedAt),
	}, nil
}

func (s *SQLDirectoryStore) CreateTenant(ctx context.Context, t *access.Tenant) error {
	now := s.clock().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.MaxIdentities <= 0 {
		t.MaxIdentities = access.DefaultMaxIdentities
	}
	q := `INSERT INTO tenants(id, name, active, tier, max_identities, features_json, trial_expiry, frameworks_json, created_at, updated_at)
VALUES(:id, :name, :active, :tier, :max_identities, :features_json, :trial_expiry, :frameworks_json, :created_at, :updated_at)`
	params, err := tenantParams(t)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, q, params); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %s", ErrTenantExists, t.ID)
		}
		return err
	}
	return nil
}

func (s *SQLDirectoryStore) UpdateTenant(ctx context.Context, t *access.Tenant) error {
	t.UpdatedAt = s.clock().UTC()
	q := `UPDATE tenants SET name=:name, active=:active, tier=:tier, max_identities=:max_identities, features_json=:features_json, trial_expiry=:trial_expiry, frameworks_json=:frameworks_json, updated_at=:updated_at WHERE id=:id`
	params, err := tenantParams(t)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", access.ErrTenantNotFound, t.ID)
	}
	return nil
}

func (s *SQLDirectoryStore) DeleteTenant(ctx context.Context, id string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM tenants WHERE id = :id`, map[string]any{"id": id})
	return err
}

const tenantColumns = `id, name, active, tier, max_identities, features_json, trial_expiry, frameworks_json, created_at, updated_at`

func (s *SQLDirectoryStore) GetTenant(ctx context.Context, id string) (*access.Tenant, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: %s", access.ErrTenantNotFound, id)
	}
	return scanTenant(r)
}

func (s *SQLDirectoryStore) ListTenants(ctx context.Context) ([]*access.Tenant, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*access.Tenant, 0)
	for r.Next() {
		t, err := scanTenant(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(r scanner) (*access.Tenant, error) {
	var id, name, tier, featuresJSON, frameworksJSON string
	var active, maxIdentities int
	var trial sql.NullString
	var createdRaw, updatedRaw any
	if err := r.Scan(&id, &name, &active, &tier, &maxIdentities, &featuresJSON, &trial, &frameworksJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	t := &access.Tenant{
		ID:            id,
		Name:          name,
		Active:        active != 0,
		Tier:          access.SubscriptionTier(tier),
		MaxIdentities: maxIdentities,
		TrialExpiry:   scanNullableTime(trial),
		CreatedAt:     scanTime(createdRaw),
		UpdatedAt:     scanTime(updatedRaw),
	}
	if err := fromJSON(featuresJSON, &t.EnabledFeatures); err != nil {
		return nil, fmt.Errorf("tenant %s features: %w", id, err)
	}
	if err := fromJSON(frameworksJSON, &t.ComplianceFrameworks); err != nil {
		return nil, fmt.Errorf("tenant %s frameworks: %w", id, err)
	}
	return t, nil
}

// SaveIdentity inserts or replaces an identity.
func (s *SQLDirectoryStore) SaveIdentity(ctx context.Context, id *access.Identity) error {
	q := `INSERT INTO identities(id, tenant_id, role, status, custom_capabilities_json, lockout_until, failed_attempt_count, age, privacy_consent, parental_consent, data_deletion_requested)
VALUES(:id, :tenant_id, :role, :status, :custom_capabilities_json, :lockout_until, :failed_attempt_count, :age, :privacy_consent, :parental_consent, :data_deletion_requested)
ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, role=excluded.role, status=excluded.status, custom_capabilities_json=excluded.custom_capabilities_json, lockout_until=excluded.lockout_until, failed_attempt_count=excluded.failed_attempt_count, age=excluded.age, privacy_consent=excluded.privacy_consent, parental_consent=excluded.parental_consent, data_deletion_requested=excluded.data_deletion_requested`
	caps, err := toJSON(id.CustomCapabilities)
	if err != nil {
		return fmt.Errorf("identity %s capabilities: %w", id.ID, err)
	}
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                       id.ID,
		"tenant_id":                id.TenantID,
		"role":                     string(id.Role),
		"status":                   string(id.Status),
		"custom_capabilities_json": caps,
		"lockout_until":            nullableTime(id.LockoutUntil),
		"failed_attempt_count":     id.FailedAttemptCount,
		"age":                      id.Age,
		"privacy_consent":          boolToInt(id.PrivacyConsent),
		"parental_consent":         boolToInt(id.ParentalConsent),
		"data_deletion_requested":  boolToInt(id.DataDeletionRequested),
	})
	return err
}

const identityColumns = `id, tenant_id, role, status, custom_capabilities_json, lockout_until, failed_attempt_count, age, privacy_consent, parental_consent, data_deletion_requested`

func (s *SQLDirectoryStore) GetIdentity(ctx context.Context, id string) (*access.Identity, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: %s", access.ErrIdentityNotFound, id)
	}
	return scanIdentity(r)
}

// ListIdentities returns the identities of a tenant.
func (s *SQLDirectoryStore) ListIdentities(ctx context.Context, tenantID string) ([]*access.Identity, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE tenant_id = :tenant_id ORDER BY id`, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*access.Identity, 0)
	for r.Next() {
		id, err := scanIdentity(r)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, r.Err()
}

func scanIdentity(r scanner) (*access.Identity, error) {
	var id, tenant, role, status, capsJSON string
	var lockout sql.NullString
	var failed, age, privacy, parental, deletion int
	if err := r.Scan(&id, &tenant, &role, &status, &capsJSON, &lockout, &failed, &age, &privacy, &parental, &deletion); err != nil {
		return nil, err
	}
	out := &access.Identity{
		ID:                    id,
		TenantID:              tenant,
		Role:                  access.Role(role),
		Status:                access.Status(status),
		LockoutUntil:          scanNullableTime(lockout),
		FailedAttemptCount:    failed,
		Age:                   age,
		PrivacyConsent:        privacy != 0,
		ParentalConsent:       parental != 0,
		DataDeletionRequested: deletion != 0,
	}
	if err := fromJSON(capsJSON, &out.CustomCapabilities); err != nil {
		return nil, fmt.Errorf("identity %s capabilities: %w", id, err)
	}
	return out, nil
}
