package access

import (
	"errors"
	"fmt"
)

// DenyReason names the first check that refused a decision.
type DenyReason string

const (
	ReasonNone                 DenyReason = ""
	ReasonAccountNotActive     DenyReason = "ACCOUNT_NOT_ACTIVE"
	ReasonAccountLocked        DenyReason = "ACCOUNT_LOCKED"
	ReasonTenantMismatch       DenyReason = "TENANT_MISMATCH"
	ReasonNoTenant             DenyReason = "NO_TENANT"
	ReasonTenantInactive       DenyReason = "TENANT_INACTIVE"
	ReasonMissingCapability    DenyReason = "MISSING_CAPABILITY"
	ReasonFeatureDisabled      DenyReason = "FEATURE_DISABLED"
	ReasonOutsideTimeWindow    DenyReason = "OUTSIDE_TIME_WINDOW"
	ReasonIPBlocked            DenyReason = "IP_BLOCKED"
	ReasonIPNotAllowed         DenyReason = "IP_NOT_ALLOWED"
	ReasonSubscriptionInactive DenyReason = "SUBSCRIPTION_INACTIVE"
	ReasonRateLimited          DenyReason = "RATE_LIMITED"
	ReasonNotOwner             DenyReason = "NOT_OWNER"
)

var (
	// ErrRateLimitStoreUnavailable is returned alongside a RATE_LIMITED
	// denial when the counter store could not be reached in time.
	ErrRateLimitStoreUnavailable = errors.New("rate limit store unavailable")
	// ErrAttemptStoreUnavailable is returned alongside an ACCOUNT_LOCKED
	// denial when lockout state could not be read.
	ErrAttemptStoreUnavailable = errors.New("attempt store unavailable")
	ErrIdentityLocked          = errors.New("identity is locked")
	ErrReservedCapability      = errors.New("all_permissions is reserved for super_admin")
	ErrNilIdentity             = errors.New("identity is required")
)

// AccessDeniedError turns a denied Decision into an error for callers that
// prefer error flow.
type AccessDeniedError struct {
	Reason DenyReason
	Action string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for %q: %s", e.Action, e.Reason)
}

// UnknownRoleError means the role table has no entry for a role.
type UnknownRoleError struct {
	Role Role
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role: %q", e.Role)
}

// UnknownActionError means no action rule is configured for an action.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action: %q", e.Action)
}

// AuditWriteError wraps a failure of the audit store.
type AuditWriteError struct {
	RecordID string
	Err      error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write %s failed: %v", e.RecordID, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// IsConfigError reports whether err comes from a missing role or action
// definition. These abort the request and must not be retried.
func IsConfigError(err error) bool {
	var roleErr *UnknownRoleError
	var actionErr *UnknownActionError
	return errors.As(err, &roleErr) || errors.As(err, &actionErr)
}
