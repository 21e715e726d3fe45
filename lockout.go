package access

import (
	"context"
	"fmt"
	"time"

	"github.com/polyveda/access/logger"
)

// AttemptStore holds failed-attempt counters and lock state per identity.
type AttemptStore interface {
	// IncrementFailures atomically adds one failure and returns the new count.
	IncrementFailures(ctx context.Context, identityID string) (int64, error)
	// LockUntil sets the lock only if the identity is not locked at now and
	// reports whether this call set it.
	LockUntil(ctx context.Context, identityID string, until, now time.Time) (bool, error)
	// Reset clears both the counter and the lock.
	Reset(ctx context.Context, identityID string) error
	State(ctx context.Context, identityID string) (LockState, error)
}

// LockState is the persisted lockout state of an identity.
type LockState struct {
	FailedAttempts int64
	LockedUntil    *time.Time
}

// LockResult describes the outcome of a failed attempt.
type LockResult struct {
	FailedAttempts int64
	// JustLocked is true only for the attempt that moved the identity
	// from unlocked to locked.
	JustLocked  bool
	LockedUntil *time.Time
}

// Lockout implements the failed-attempt state machine:
// unlocked -> locked(until) after Threshold failures, back to unlocked when
// the cooldown elapses or on reset.
type Lockout struct {
	store     AttemptStore
	threshold int64
	cooldown  time.Duration
	timeout   time.Duration
	recorder  *Recorder
	logger    logger.Logger
	clock     func() time.Time
}

type LockoutOption func(*Lockout)

func WithThreshold(n int) LockoutOption {
	return func(l *Lockout) {
		if n > 0 {
			l.threshold = int64(n)
		}
	}
}

func WithCooldown(d time.Duration) LockoutOption {
	return func(l *Lockout) {
		if d > 0 {
			l.cooldown = d
		}
	}
}

// WithLockoutRecorder makes every lock transition produce an audit record.
func WithLockoutRecorder(r *Recorder) LockoutOption {
	return func(l *Lockout) { l.recorder = r }
}

func WithLockoutLogger(lg logger.Logger) LockoutOption {
	return func(l *Lockout) { l.logger = logger.OrNull(lg) }
}

func WithLockoutClock(now func() time.Time) LockoutOption {
	return func(l *Lockout) {
		if now != nil {
			l.clock = now
		}
	}
}

func WithLockoutTimeout(d time.Duration) LockoutOption {
	return func(l *Lockout) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func NewLockout(store AttemptStore, opts ...LockoutOption) *Lockout {
	l := &Lockout{
		store:     store,
		threshold: 5,
		cooldown:  30 * time.Minute,
		timeout:   50 * time.Millisecond,
		logger:    logger.NewNullLogger(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lockout) Threshold() int64        { return l.threshold }
func (l *Lockout) Cooldown() time.Duration { return l.cooldown }

// RecordFailedAttempt counts a failure and locks the identity once the
// threshold is reached. identity is updated in place with the new state.
func (l *Lockout) RecordFailedAttempt(ctx context.Context, identity *Identity) (LockResult, error) {
	if identity == nil {
		return LockResult{}, ErrNilIdentity
	}
	n, err := l.store.IncrementFailures(ctx, identity.ID)
	if err != nil {
		return LockResult{}, fmt.Errorf("increment failures for %s: %w", identity.ID, err)
	}
	res := LockResult{FailedAttempts: n}
	identity.FailedAttemptCount = int(n)
	if n < l.threshold {
		return res, nil
	}

	now := l.clock()
	until := now.Add(l.cooldown)
	set, err := l.store.LockUntil(ctx, identity.ID, until, now)
	if err != nil {
		return res, fmt.Errorf("lock %s: %w", identity.ID, err)
	}
	if !set {
		state, err := l.store.State(ctx, identity.ID)
		if err == nil {
			res.LockedUntil = state.LockedUntil
			identity.LockoutUntil = state.LockedUntil
		}
		return res, nil
	}
	res.JustLocked = true
	res.LockedUntil = &until
	identity.LockoutUntil = &until
	l.logger.Info("identity locked", "identity", identity.ID, "failed_attempts", n, "until", until.Format(time.RFC3339))
	if l.recorder != nil {
		_, rerr := l.recorder.Record(ctx, RecordInput{
			TenantID:   identity.TenantID,
			Action:     AuditStatusChange,
			Severity:   SeverityHigh,
			EntityType: "identity",
			EntityID:   identity.ID,
			Details: map[string]any{
				"event":           "lockout",
				"failed_attempts": n,
				"locked_until":    until.UTC().Format(time.RFC3339),
			},
			Classification: ClassificationConfidential,
		})
		if rerr != nil {
			return res, rerr
		}
	}
	return res, nil
}

// RecordSuccessfulAttempt clears the counter and any lock unconditionally.
func (l *Lockout) RecordSuccessfulAttempt(ctx context.Context, identity *Identity) error {
	if identity == nil {
		return ErrNilIdentity
	}
	if err := l.store.Reset(ctx, identity.ID); err != nil {
		return fmt.Errorf("reset attempts for %s: %w", identity.ID, err)
	}
	identity.FailedAttemptCount = 0
	identity.LockoutUntil = nil
	return nil
}

// Unlock is the administrative reset.
func (l *Lockout) Unlock(ctx context.Context, identity *Identity) error {
	if err := l.RecordSuccessfulAttempt(ctx, identity); err != nil {
		return err
	}
	l.logger.Info("identity unlocked", "identity", identity.ID)
	return nil
}

// State reads the stored lock state.
func (l *Lockout) State(ctx context.Context, identityID string) (LockState, error) {
	return l.store.State(ctx, identityID)
}

// LockedAt reports whether the stored state holds a lock in force at now.
// The read is bounded by the lockout timeout.
func (l *Lockout) LockedAt(ctx context.Context, identityID string, now time.Time) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	st, err := l.store.State(cctx, identityID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrAttemptStoreUnavailable, err)
	}
	return st.LockedUntil != nil && st.LockedUntil.After(now), nil
}

// ResetExpired clears counters of the given identities whose lock has
// elapsed. It returns how many were reset.
func (l *Lockout) ResetExpired(ctx context.Context, identityIDs []string) (int, error) {
	now := l.clock()
	reset := 0
	for _, id := range identityIDs {
		st, err := l.store.State(ctx, id)
		if err != nil {
			return reset, err
		}
		if st.FailedAttempts == 0 || st.LockedUntil == nil || st.LockedUntil.After(now) {
			continue
		}
		if err := l.store.Reset(ctx, id); err != nil {
			return reset, err
		}
		reset++
	}
	if reset > 0 {
		l.logger.Info("reset expired lockouts", "count", reset)
	}
	return reset, nil
}
