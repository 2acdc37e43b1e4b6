package pregen

import (
	"context"
	"log/slog"

	"github.com/robfig/cron"

	"github.com/lookatitude/voxtenant/o11y"
)

// SweepSource enumerates the pregeneration jobs a nightly sweep should
// admit, e.g. one per active voice agent's canonical response texts.
type SweepSource interface {
	PendingSweeps(ctx context.Context) ([]*Job, error)
}

// Reconciler is satisfied by billing.Reconciler. Kept as a narrow
// interface here so pregen does not import billing.
type Reconciler interface {
	ReconcileOnce(ctx context.Context) error
}

// Scheduler drives periodic pregeneration sweeps and the billing
// reconciliation pass off one robfig/cron instance, per §O's nightly
// cache-warm and drift-correction cadence.
type Scheduler struct {
	cron   *cron.Cron
	queue  Queue
	sweeps SweepSource
	recon  Reconciler
	logger *slog.Logger
}

// SchedulerConfig configures a Scheduler. SweepSpec/ReconcileSpec are
// six-field cron expressions with a leading seconds field; both default when
// left empty.
type SchedulerConfig struct {
	Queue         Queue
	Sweeps        SweepSource
	Reconciler    Reconciler
	SweepSpec     string
	ReconcileSpec string
	Logger        *slog.Logger
}

// NewScheduler constructs a Scheduler. Nil Sweeps or Reconciler simply
// disables the corresponding cron entry.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "0 0 2 * * *" // nightly at 02:00
	}
	if cfg.ReconcileSpec == "" {
		cfg.ReconcileSpec = "0 0 * * * *" // hourly
	}
	s := &Scheduler{
		cron:   cron.New(),
		queue:  cfg.Queue,
		sweeps: cfg.Sweeps,
		recon:  cfg.Reconciler,
		logger: logger,
	}
	if s.sweeps != nil {
		s.cron.AddFunc(cfg.SweepSpec, s.runSweep)
	}
	if s.recon != nil {
		s.cron.AddFunc(cfg.ReconcileSpec, s.runReconcile)
	}
	return s
}

// Start begins the cron schedule. It does not block.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron schedule without waiting for an in-flight entry.
func (s *Scheduler) Stop() { s.cron.Stop() }

func (s *Scheduler) runSweep() {
	ctx, span := o11y.StartSpan(context.Background(), "pregen.Scheduler.runSweep", nil)
	defer span.End()

	jobs, err := s.sweeps.PendingSweeps(ctx)
	if err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "pregen sweep enumeration failed", "error", err)
		return
	}
	for _, job := range jobs {
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.WarnContext(ctx, "pregen sweep job enqueue failed", "job_id", job.ID, "error", err)
		}
	}
}

func (s *Scheduler) runReconcile() {
	ctx, span := o11y.StartSpan(context.Background(), "pregen.Scheduler.runReconcile", nil)
	defer span.End()

	if err := s.recon.ReconcileOnce(ctx); err != nil {
		span.RecordError(err)
		s.logger.WarnContext(ctx, "billing reconciliation pass failed", "error", err)
	}
}
