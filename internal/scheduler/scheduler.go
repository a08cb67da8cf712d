package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/clock"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"github.com/smallbiznis/creditline/pkg/log/ctxlogger"
	"github.com/smallbiznis/creditline/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	renewalJob      = "renewal"
	renewalLeaseKey = "creditline:scheduler:renewal"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      Config `optional:"true"`
	Lease       Lease
	Repo        subscriptiondomain.Repository
	Credits     creditdomain.Service
	Transitions subscriptiondomain.Transitions
	Metrics     *obsmetrics.SchedulerMetrics `optional:"true"`
}

// Scheduler is the renewal backstop: it grants the next allotment to every
// renewable subscription whose period has ended.
type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	lease       Lease
	repo        subscriptiondomain.Repository
	credits     creditdomain.Service
	transitions subscriptiondomain.Transitions
	metrics     *obsmetrics.SchedulerMetrics

	running atomic.Bool
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Skipped    bool
	Scanned    int
	Granted    int
	Lapsed     int
	NotElapsed int
	Failed     int
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Lease == nil ||
		p.Repo == nil || p.Credits == nil || p.Transitions == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		lease:       p.Lease,
		repo:        p.Repo,
		credits:     p.Credits,
		transitions: p.Transitions,
		metrics:     p.Metrics,
	}, nil
}

// RunOnce sweeps due subscriptions unless a sweep is already running in
// this process or another instance holds the lease.
func (s *Scheduler) RunOnce(parent context.Context) (SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.IncSweepSkipped(obsmetrics.SweepSkipReasonOverlap)
		s.log.Info("renewal sweep already running, skipping")
		return SweepResult{Skipped: true}, nil
	}
	defer s.running.Store(false)

	release, ok, err := s.lease.TryAcquire(parent, renewalLeaseKey, s.cfg.LeaseTTL)
	if err != nil {
		return SweepResult{}, fmt.Errorf("acquire renewal lease: %w", err)
	}
	if !ok {
		s.metrics.IncSweepSkipped(obsmetrics.SweepSkipReasonLeaseHeld)
		s.log.Info("renewal lease held elsewhere, skipping")
		return SweepResult{Skipped: true}, nil
	}
	defer release()

	ctx, cancel := context.WithTimeout(parent, s.cfg.LeaseTTL)
	defer cancel()

	start := time.Now()
	s.metrics.IncSweep(renewalJob)
	result, err := s.sweep(ctx)
	s.metrics.ObserveSweepDuration(time.Since(start))
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("renewal sweep timed out", zap.Duration("timeout", s.cfg.LeaseTTL), zap.Int("scanned", result.Scanned))
		return result, nil
	}
	return result, err
}

func (s *Scheduler) sweep(ctx context.Context) (SweepResult, error) {
	runID := s.genID.Generate().String()
	ctx, _ = correlation.Derive(ctx, renewalJob, runID)
	ctx = ctxlogger.ContextWithFields(ctx, zap.String("job", renewalJob), zap.String("run_id", runID))
	log := ctxlogger.WithContext(ctx, s.log)
	cutoff := s.clock.Now()
	log.Info("renewal sweep started", zap.Time("cutoff", cutoff), zap.Int("batch_size", s.cfg.BatchSize))

	var (
		result SweepResult
		mu     sync.Mutex
		after  snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := s.repo.ListDueForRenewal(ctx, s.db, cutoff, after, s.cfg.BatchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(s.cfg.Concurrency)
		for i := range batch {
			sub := batch[i]
			g.Go(func() error {
				outcome := s.renew(ctx, log, &sub)
				mu.Lock()
				result.add(outcome)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		result.Scanned += len(batch)
		after = batch[len(batch)-1].ID
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}

	log.Info("renewal sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("granted", result.Granted),
		zap.Int("lapsed", result.Lapsed),
		zap.Int("not_elapsed", result.NotElapsed),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// renew handles one subscription. Failures are logged and counted, never
// returned, so one bad row cannot stop the batch.
func (s *Scheduler) renew(ctx context.Context, log *zap.Logger, sub *subscriptiondomain.Subscription) string {
	log = log.With(zap.String("subscription_id", sub.ID.String()))

	// Provider-backed subscriptions end when the provider says so.
	if sub.CancelAtPeriodEnd && !sub.HasExternal() {
		if _, err := s.transitions.Lapse(ctx, sub.ID); err != nil {
			return s.failed(log, err)
		}
		s.metrics.IncItem(obsmetrics.ItemOutcomeLapsed)
		log.Info("subscription lapsed at period end")
		return obsmetrics.ItemOutcomeLapsed
	}

	_, err := s.credits.GrantMonthly(ctx, sub.ID)
	switch {
	case errors.Is(err, creditdomain.ErrPeriodNotElapsed), errors.Is(err, creditdomain.ErrRenewalAlreadyGranted):
		s.metrics.IncItem(obsmetrics.ItemOutcomeNotElapsed)
		log.Debug("renewal not due yet", zap.Error(err))
		return obsmetrics.ItemOutcomeNotElapsed
	case err != nil:
		return s.failed(log, err)
	}
	s.metrics.IncItem(obsmetrics.ItemOutcomeGranted)
	return obsmetrics.ItemOutcomeGranted
}

func (s *Scheduler) failed(log *zap.Logger, err error) string {
	s.metrics.IncItem(obsmetrics.ItemOutcomeFailed)
	s.metrics.IncItemError(err)
	log.Warn("renewal failed",
		zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Error(err),
	)
	return obsmetrics.ItemOutcomeFailed
}

func (r *SweepResult) add(outcome string) {
	switch outcome {
	case obsmetrics.ItemOutcomeGranted:
		r.Granted++
	case obsmetrics.ItemOutcomeLapsed:
		r.Lapsed++
	case obsmetrics.ItemOutcomeNotElapsed:
		r.NotElapsed++
	default:
		r.Failed++
	}
}

// RunForever sweeps immediately and then on every tick until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("renewal sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
