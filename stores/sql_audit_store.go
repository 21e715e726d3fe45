package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/polyveda/access"
)

// SQLAuditStore persists audit records in SQL. Rows are only ever inserted,
// and deleted by the retention sweeper.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) Append(ctx context.Context, rec *access.AuditRecord) error {
	q := `INSERT INTO audit_log(id, timestamp, actor_id, tenant_id, action, severity, severity_rank, entity_type, entity_id, entity_name, details_json, changes_json, ip_address, session_id, compliance_framework, data_classification)
VALUES(:id, :timestamp, :actor_id, :tenant_id, :action, :severity, :severity_rank, :entity_type, :entity_id, :entity_name, :details_json, :changes_json, :ip_address, :session_id, :compliance_framework, :data_classification)`
	details, err := toJSON(rec.Details)
	if err != nil {
		return fmt.Errorf("audit %s details: %w", rec.ID, err)
	}
	changes, err := toJSON(rec.Changes)
	if err != nil {
		return fmt.Errorf("audit %s changes: %w", rec.ID, err)
	}
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                   rec.ID,
		"timestamp":            formatTime(rec.Timestamp),
		"actor_id":             rec.ActorID,
		"tenant_id":            rec.TenantID,
		"action":               string(rec.Action),
		"severity":             string(rec.Severity),
		"severity_rank":        rec.Severity.Rank(),
		"entity_type":          rec.EntityType,
		"entity_id":            rec.EntityID,
		"entity_name":          rec.EntityName,
		"details_json":         details,
		"changes_json":         changes,
		"ip_address":           rec.IPAddress,
		"session_id":           rec.SessionID,
		"compliance_framework": string(rec.ComplianceFramework),
		"data_classification":  string(rec.Classification),
	})
	return err
}

func (s *SQLAuditStore) Query(ctx context.Context, filter access.AuditFilter) ([]*access.AuditRecord, error) {
	q := `SELECT id, timestamp, actor_id, tenant_id, action, severity, entity_type, entity_id, entity_name, details_json, changes_json, ip_address, session_id, compliance_framework, data_classification FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.ActorID != "" {
		q += " AND actor_id = :actor_id"
		params["actor_id"] = filter.ActorID
	}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.EntityType != "" {
		q += " AND entity_type = :entity_type"
		params["entity_type"] = filter.EntityType
	}
	if filter.EntityID != "" {
		q += " AND entity_id = :entity_id"
		params["entity_id"] = filter.EntityID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = string(filter.Action)
	}
	if filter.MinSeverity != "" {
		q += " AND severity_rank >= :min_rank"
		params["min_rank"] = filter.MinSeverity.Rank()
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = formatTime(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = formatTime(filter.EndTime)
	}
	q += " ORDER BY timestamp, id"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*access.AuditRecord, 0)
	for r.Next() {
		var id, actor, tenant, action, severity, entityType, entityID, entityName, detailsJSON, changesJSON, ip, session, framework, classification string
		var timestampRaw any
		if err := r.Scan(&id, &timestampRaw, &actor, &tenant, &action, &severity, &entityType, &entityID, &entityName, &detailsJSON, &changesJSON, &ip, &session, &framework, &classification); err != nil {
			return nil, err
		}
		rec := &access.AuditRecord{
			ID:                  id,
			Timestamp:           scanTime(timestampRaw),
			ActorID:             actor,
			TenantID:            tenant,
			Action:              access.AuditAction(action),
			Severity:            access.Severity(severity),
			EntityType:          entityType,
			EntityID:            entityID,
			EntityName:          entityName,
			IPAddress:           ip,
			SessionID:           session,
			ComplianceFramework: access.Framework(framework),
			Classification:      access.Classification(classification),
		}
		if err := fromJSON(detailsJSON, &rec.Details); err != nil {
			return nil, fmt.Errorf("audit %s details: %w", id, err)
		}
		if err := fromJSON(changesJSON, &rec.Changes); err != nil {
			return nil, fmt.Errorf("audit %s changes: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, r.Err()
}

func (s *SQLAuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < :cutoff`, map[string]any{"cutoff": formatTime(cutoff)})
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
