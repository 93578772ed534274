package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/lock"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	redemptiondomain "github.com/smallbiznis/loyalty/internal/redemption/domain"
	verificationdomain "github.com/smallbiznis/loyalty/internal/verification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobVerifyBalances     = "verify_balances"
	JobReconcileDiscounts = "reconcile_discounts"

	lockMargin = time.Minute
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Verification verificationdomain.Service
	Redemptions  redemptiondomain.Service
	Locker       *lock.Locker `optional:"true"`
	Config       Config       `optional:"true"`
}

type job struct {
	name string
	cfg  JobConfig
	run  func(ctx context.Context) error
}

type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	verification verificationdomain.Service
	redemptions  redemptiondomain.Service
	locker       *lock.Locker

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Verification == nil || p.Redemptions == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		verification: p.Verification,
		redemptions:  p.Redemptions,
		locker:       p.Locker,
		lastRun:      make(map[string]time.Time),
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{name: JobVerifyBalances, cfg: s.cfg.VerifyBalances, run: s.VerifyBalancesJob},
		{name: JobReconcileDiscounts, cfg: s.cfg.ReconcileDiscounts, run: s.ReconcileDiscountsJob},
	}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, rec, owner := s.beginRun(ctx, name, batchSize)
	if owner {
		s.logRunStart(ctx, rec)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		schedMetrics.AddProcessed(name, rec.processed)
		if err != nil && rec.failed == 0 {
			rec.addFailed(1)
		}
		s.logRunFinish(ctx, rec)
	}
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", rec.id),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// runExclusive runs the job under the distributed lock when one is
// configured. A job held by another replica is skipped.
func (s *Scheduler) runExclusive(ctx context.Context, j job) error {
	if s.locker == nil {
		return s.runJob(ctx, j.name, j.cfg.BatchSize, j.cfg.Timeout, j.run)
	}

	token, acquired, err := s.locker.TryLock(ctx, j.name, j.cfg.Timeout+lockMargin)
	if err != nil {
		s.log.Warn("job lock unavailable; skipping run", zap.String("job", j.name), zap.Error(err))
		obsmetrics.Scheduler().IncJobSkipped(j.name)
		return nil
	}
	if !acquired {
		s.log.Debug("job held by another replica", zap.String("job", j.name))
		obsmetrics.Scheduler().IncJobSkipped(j.name)
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, j.name, token); err != nil {
			s.log.Warn("job lock release failed", zap.String("job", j.name), zap.Error(err))
		}
	}()

	return s.runJob(ctx, j.name, j.cfg.BatchSize, j.cfg.Timeout, j.run)
}

// RunOnce runs every enabled job whose interval has elapsed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	now := s.clock.Now()

	for _, j := range s.jobs() {
		if !j.cfg.Enabled || !s.due(j.name, j.cfg.Interval, now) {
			continue
		}
		err = errors.Join(err, s.runExclusive(parent, j))
		s.markRun(j.name, now)
	}
	return err
}

func (s *Scheduler) due(name string, interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[name]
	return !ok || now.Sub(last) >= interval
}

func (s *Scheduler) markRun(name string, at time.Time) {
	s.mu.Lock()
	s.lastRun[name] = at
	s.mu.Unlock()
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.Tick)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.Tick)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// VerifyBalancesJob recomputes every customer's balance from the ledger.
func (s *Scheduler) VerifyBalancesJob(ctx context.Context) error {
	ctx, rec, owner := s.beginRun(ctx, JobVerifyBalances, s.cfg.VerifyBalances.BatchSize)
	if owner {
		s.logRunStart(ctx, rec)
		defer s.logRunFinish(ctx, rec)
	}

	res, err := s.verification.VerifyAll(ctx, "")
	rec.addProcessed(res.Total)
	rec.addCorrected(res.Corrected)
	rec.addFailed(len(res.Errors))
	for _, itemErr := range res.Errors {
		s.logger(ctx).Warn("balance verification failed",
			zap.String("customer_id", itemErr.CustomerID.String()),
			zap.String("error", itemErr.Error),
		)
	}
	return err
}

// ReconcileDiscountsJob retries external issuance for degraded redemptions.
func (s *Scheduler) ReconcileDiscountsJob(ctx context.Context) error {
	ctx, rec, owner := s.beginRun(ctx, JobReconcileDiscounts, s.cfg.ReconcileDiscounts.BatchSize)
	if owner {
		s.logRunStart(ctx, rec)
		defer s.logRunFinish(ctx, rec)
	}

	res, err := s.redemptions.ReconcileDiscounts(ctx, "", s.cfg.ReconcileDiscounts.BatchSize)
	if errors.Is(err, redemptiondomain.ErrIssuerUnavailable) {
		s.logger(ctx).Debug("discount issuer unavailable; reconciliation skipped")
		return nil
	}
	rec.addProcessed(res.Attempted)
	rec.addFailed(res.Failed)
	return err
}
