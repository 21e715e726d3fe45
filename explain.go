package access

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// ExplainRequest is a flat, string-only request for operator tooling.
type ExplainRequest struct {
	IdentityID string `json:"identity_id"`
	Action     string `json:"action"`
	Resource   string `json:"resource,omitempty"` // "type:id"
	Tenant     string `json:"tenant,omitempty"`   // owning tenant of the resource
	OwnerID    string `json:"owner_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	At         string `json:"at,omitempty"` // RFC 3339, defaults to now
}

// ExplainRequest loads the identity and runs Explain.
func (e *Engine) ExplainRequest(ctx context.Context, identities IdentityStore, req *ExplainRequest) (*Decision, error) {
	identity, err := identities.GetIdentity(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}
	res := &Resource{ID: req.Resource, TenantID: req.Tenant, OwnerID: req.OwnerID}
	if typ, id, ok := strings.Cut(req.Resource, ":"); ok {
		res.Type, res.ID = typ, id
	}
	env := &Environment{Time: e.clock()}
	if req.IP != "" {
		env.IP = net.ParseIP(req.IP)
		if env.IP == nil {
			return nil, fmt.Errorf("invalid ip %q", req.IP)
		}
	}
	if req.At != "" {
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			return nil, fmt.Errorf("invalid time %q: %w", req.At, err)
		}
		env.Time = at
	}
	return e.Explain(ctx, identity, req.Action, res, env)
}
