package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
	obscontext "github.com/smallbiznis/entitle/internal/observability/context"
	obsmetrics "github.com/smallbiznis/entitle/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependencies")

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config `optional:"true"`
	LedgerCfg  *config.LedgerConfigHolder
	PaymentSvc paymentdomain.Service
	LedgerSvc  ledgerdomain.Service
	Redis      *redis.Client `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	ledgerCfg  *config.LedgerConfigHolder
	paymentSvc paymentdomain.Service
	ledgerSvc  ledgerdomain.Service
	locker     *ratelimit.Locker
}

// Report summarizes one reconciliation pass.
type Report struct {
	Skipped bool                               `json:"skipped"`
	Orphans paymentdomain.RecoverOrphansResult `json:"orphans"`
	Expired int                                `json:"expired"`
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.PaymentSvc == nil || p.LedgerSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		ledgerCfg:  p.LedgerCfg,
		paymentSvc: p.PaymentSvc,
		ledgerSvc:  p.LedgerSvc,
		locker:     ratelimit.NewLocker(p.Redis),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx, run := s.newJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx, run)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// Deadlines are soft: the next tick picks up whatever is left.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job a single time. When another replica holds
// the run lock the pass is skipped.
func (s *Scheduler) RunOnce(parent context.Context) (Report, error) {
	var report Report

	lease, acquired := s.acquireRunLock(parent)
	if !acquired {
		report.Skipped = true
		return report, nil
	}
	defer s.releaseRunLock(parent, lease)

	var err error
	if s.isJobEnabled(JobRecoverOrphans) {
		err = errors.Join(err, s.runJob(parent, JobRecoverOrphans, s.cfg.OrphanBatch, s.cfg.JobTimeout,
			func(ctx context.Context, run *jobRun) error {
				result, jobErr := s.recoverOrphans(ctx, run)
				report.Orphans = result
				return jobErr
			}))
	}
	if s.isJobEnabled(JobExpirePending) {
		s.extendRunLock(parent, lease)
		batch := s.ledgerCfg.Get().ReconcileBatchSize
		err = errors.Join(err, s.runJob(parent, JobExpirePending, batch, s.cfg.JobTimeout,
			func(ctx context.Context, run *jobRun) error {
				expired, jobErr := s.expirePending(ctx, run)
				report.Expired = expired
				return jobErr
			}))
	}
	return report, err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// recoverOrphans re-persists processor orders whose local insert failed.
func (s *Scheduler) recoverOrphans(ctx context.Context, run *jobRun) (paymentdomain.RecoverOrphansResult, error) {
	result, err := s.paymentSvc.RecoverOrphans(ctx, s.cfg.OrphanBatch)
	processed := result.Recovered + result.Existing + result.Discarded
	run.AddProcessed(processed)
	obsmetrics.Scheduler().AddBatchProcessed(JobRecoverOrphans, "orphans", processed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.orphans.failed", JobRecoverOrphans, err,
			zap.Int("requeued", result.Requeued),
		)
		return result, err
	}
	if processed > 0 || result.Requeued > 0 {
		s.logger(ctx).Info("scheduler.orphans.recovered",
			zap.Int("recovered", result.Recovered),
			zap.Int("existing", result.Existing),
			zap.Int("discarded", result.Discarded),
			zap.Int("requeued", result.Requeued),
		)
	}
	return result, nil
}

// expirePending fails intents that stayed pending past the configured TTL.
func (s *Scheduler) expirePending(ctx context.Context, run *jobRun) (int, error) {
	ledgerCfg := s.ledgerCfg.Get()
	cutoff := s.clock.Now().Add(-ledgerCfg.PendingTTL)

	expired, err := s.ledgerSvc.ExpireStale(ctx, cutoff, ledgerCfg.ReconcileBatchSize)
	run.AddProcessed(expired)
	obsmetrics.Scheduler().AddBatchProcessed(JobExpirePending, "purchase_intents", expired)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.expire.failed", JobExpirePending, err,
			zap.Time("cutoff", cutoff),
		)
		return expired, err
	}
	return expired, nil
}
