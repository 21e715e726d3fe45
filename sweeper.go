package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/polyveda/access/logger"
)

// DefaultAuditRetention keeps audit records for ten years.
const DefaultAuditRetention = 3650 * 24 * time.Hour

// Sweeper deletes audit records older than the retention window. It is the
// only component allowed to delete from an AuditStore.
type Sweeper struct {
	store     AuditStore
	retention time.Duration
	interval  time.Duration
	logger    logger.Logger
	metrics   *Metrics
	clock     func() time.Time

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type SweeperOption func(*Sweeper)

func WithRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSweeperLogger(l logger.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger.OrNull(l) }
}

func WithSweeperMetrics(m *Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.clock = now
		}
	}
}

func NewSweeper(store AuditStore, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	s := &Sweeper{
		store:     store,
		retention: DefaultAuditRetention,
		interval:  24 * time.Hour,
		logger:    logger.NewNullLogger(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Cutoff is the oldest timestamp that survives a sweep run now.
func (s *Sweeper) Cutoff() time.Time {
	return s.clock().Add(-s.retention)
}

// SweepOnce deletes every record older than the cutoff.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.Cutoff()
	n, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("audit retention sweep failed", "cutoff", cutoff.Format(time.RFC3339), "error", err)
		return 0, err
	}
	s.metrics.observeSweep(n)
	s.logger.Info("audit retention sweep", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// Start runs SweepOnce every interval until Stop or ctx is done. Once the
// worker has exited, Start may be called again.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.stopCh == stopCh {
				s.started = false
			}
			s.mu.Unlock()
		}()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				_, _ = s.SweepOnce(ctx)
			}
		}
	}()
}

// Stop waits for the worker to exit or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
