package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/entitle/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	runLockKey    = "entitle:scheduler:run"
	lockOpTimeout = 2 * time.Second
)

func (s *Scheduler) runLockTTL() time.Duration {
	return s.cfg.RunInterval + s.cfg.JobTimeout
}

// acquireRunLock serializes reconciliation passes across replicas. A nil lease
// with ok=true means the pass runs unguarded: redis is absent or unreachable,
// and the ledger transitions are compare-and-set.
func (s *Scheduler) acquireRunLock(ctx context.Context) (*ratelimit.Lease, bool) {
	if s.locker == nil {
		return nil, true
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockOpTimeout)
	defer cancel()

	lease, err := s.locker.Acquire(lockCtx, runLockKey, s.runLockTTL())
	switch {
	case errors.Is(err, ratelimit.ErrLockHeld):
		s.log.Debug("scheduler run lock held elsewhere; skipping pass")
		return nil, false
	case err != nil:
		s.log.Warn("scheduler run lock unavailable; running unguarded", zap.Error(err))
		return nil, true
	}
	return lease, true
}

// extendRunLock keeps the lease alive between jobs of a long pass.
func (s *Scheduler) extendRunLock(ctx context.Context, lease *ratelimit.Lease) {
	if lease == nil {
		return
	}
	lockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockOpTimeout)
	defer cancel()
	held, err := lease.Extend(lockCtx, s.runLockTTL())
	switch {
	case err != nil:
		s.log.Warn("scheduler run lock extend failed", zap.Error(err))
	case !held:
		s.log.Warn("scheduler run lock lost mid-pass", zap.String("key", lease.Key()))
	}
}

func (s *Scheduler) releaseRunLock(ctx context.Context, lease *ratelimit.Lease) {
	if lease == nil {
		return
	}
	lockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockOpTimeout)
	defer cancel()
	if err := lease.Release(lockCtx); err != nil {
		s.log.Warn("scheduler run lock release failed", zap.Error(err))
	}
}
