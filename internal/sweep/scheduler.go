package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"logmesh/internal/logging"
)

// Default cron expressions for the background jobs.
const (
	DefaultSafetyNetCron = "0 */6 * * *" // every six hours
	DefaultRetentionCron = "30 3 * * *"  // nightly, off-peak
)

// JobInfo describes a registered scheduled job for the info endpoint.
type JobInfo struct {
	Name     string
	Schedule string
	LastRun  time.Time
	NextRun  time.Time
}

// Scheduler owns the shared cron scheduler for the sweep jobs.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	schedules map[string]string
	logger    *slog.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		schedules: make(map[string]string),
		logger:    logging.Default(logger).With("component", "scheduler"),
	}, nil
}

// AddJob registers a named cron job. Names must be unique.
func (s *Scheduler) AddJob(name, cronExpr string, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.schedules[name] = cronExpr
	s.logger.Info("scheduled job added", "name", name, "cron", cronExpr)
	return nil
}

// AddSafetyNet registers the safety-net job under the given cron expression.
func (s *Scheduler) AddSafetyNet(cronExpr string, sn *SafetyNet) error {
	if cronExpr == "" {
		cronExpr = DefaultSafetyNetCron
	}
	return s.AddJob("safety-net", cronExpr, func(ctx context.Context) {
		if _, err := sn.Run(ctx); err != nil {
			s.logger.Error("safety-net run failed", "error", err)
		}
	})
}

// AddRetention registers the retention job under the given cron expression.
func (s *Scheduler) AddRetention(cronExpr string, r *Retention) error {
	if cronExpr == "" {
		cronExpr = DefaultRetentionCron
	}
	return s.AddJob("retention", cronExpr, func(ctx context.Context) {
		if _, _, err := r.Run(ctx); err != nil {
			s.logger.Error("retention run failed", "error", err)
		}
	})
}

// ListJobs returns info about all registered jobs.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{Name: name, Schedule: s.schedules[name]}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	return infos
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
