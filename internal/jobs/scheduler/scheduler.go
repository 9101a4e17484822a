package scheduler

import (
	"context"
	"time"

	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/envutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

// Scheduler enqueues the recurring sweeps. It only writes job_run rows; the
// worker pool does the actual work, and ExistsRunnable in the job service
// keeps multiple replicas from stacking duplicate sweeps.
type Scheduler struct {
	log  *logger.Logger
	jobs services.JobService
}

func NewScheduler(baseLog *logger.Logger, jobs services.JobService) *Scheduler {
	return &Scheduler{
		log:  baseLog.With("component", "JobScheduler"),
		jobs: jobs,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	consentEvery := time.Duration(envutil.Int("CONSENT_SWEEP_INTERVAL_MINUTES", 60)) * time.Minute
	auditEvery := time.Duration(envutil.Int("AUDIT_SWEEP_INTERVAL_HOURS", 24)) * time.Hour
	if consentEvery < time.Minute {
		consentEvery = time.Minute
	}
	if auditEvery < time.Minute {
		auditEvery = time.Minute
	}
	s.log.Info("starting job scheduler",
		"consent_sweep_every", consentEvery.String(),
		"audit_sweep_every", auditEvery.String(),
	)

	go s.runLoop(ctx, "consent_expiry", consentEvery, func() (bool, error) {
		_, enqueued, err := s.jobs.EnqueueConsentExpirySweep(dbctx.Context{Ctx: ctx})
		return enqueued, err
	})
	go s.runLoop(ctx, "audit_retention", auditEvery, func() (bool, error) {
		_, enqueued, err := s.jobs.EnqueueAuditRetentionSweep(dbctx.Context{Ctx: ctx})
		return enqueued, err
	})
}

func (s *Scheduler) runLoop(ctx context.Context, name string, every time.Duration, enqueue func() (bool, error)) {
	// First tick shortly after boot so a freshly deployed instance does not
	// wait a full interval for its first sweep.
	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler loop stopped", "sweep", name)
			return
		case <-timer.C:
			enqueued, err := enqueue()
			switch {
			case err != nil:
				s.log.Warn("sweep enqueue failed", "sweep", name, "error", err)
			case enqueued:
				s.log.Info("sweep enqueued", "sweep", name)
			}
			timer.Reset(every)
		}
	}
}
