package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"strata/internal/errs"
	"strata/internal/models"
)

// Job is one periodic maintenance request.
type Job struct {
	Name     string
	Interval time.Duration
	Request  Request
}

// Scheduler fires jobs on fixed intervals until its context ends. A job
// whose scope is busy is skipped until its next tick.
type Scheduler struct {
	runner *Runner
	jobs   []Job
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler. Jobs with a non-positive interval are
// dropped.
func NewScheduler(runner *Runner, logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{runner: runner, logger: logger.With("component", "scheduler")}
	for _, job := range jobs {
		if job.Interval > 0 {
			s.jobs = append(s.jobs, job)
		}
	}
	return s
}

// DefaultJobs returns the periodic sweep, gc and backup jobs.
func DefaultJobs(sweepInterval, backupInterval time.Duration) []Job {
	return []Job{
		{Name: "sweep", Interval: sweepInterval, Request: Request{Kind: models.MaintenancePrune}},
		{Name: "gc", Interval: sweepInterval, Request: Request{Kind: models.MaintenanceGC}},
		{Name: "backup", Interval: backupInterval, Request: Request{Kind: models.MaintenanceBackup, Scope: string(models.BackupScopeFull), Mode: models.BackupModeIncremental}},
	}
}

// Jobs returns the scheduled jobs.
func (s *Scheduler) Jobs() []Job {
	return s.jobs
}

// Start launches one loop per job. Loops stop when ctx is canceled; Wait
// blocks until they have returned.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Wait blocks until every job loop has stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, job)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	report, err := s.runner.Run(ctx, job.Request)
	switch {
	case err == nil:
		s.logger.Debug("scheduled job finished", "job", job.Name, "run_id", report.RunID, "status", report.Status)
	case errs.CodeOf(err) == errs.CodeMaintenanceBusy:
		s.logger.Info("scheduled job skipped, scope busy", "job", job.Name, "err", err)
	case ctx.Err() != nil:
	default:
		// Run has already audited and logged the failure.
		s.logger.Debug("scheduled job failed", "job", job.Name, "run_id", report.RunID, "err", err)
	}
}
