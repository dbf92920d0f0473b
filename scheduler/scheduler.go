// Package scheduler runs configured vendor searches on cron schedules.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"rideradar/models"
)

// Runner executes one vendor ingest. scraper.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, params models.SearchParams, policy models.Policy) (*models.RunSummary, error)
}

// BreakerChecker reports whether a vendor's circuit breaker is open.
type BreakerChecker interface {
	IsOpen(vendor string) bool
}

// LastRunLookup returns when a vendor last started a run; the zero time
// means never.
type LastRunLookup interface {
	LastRunTime(vendor string) (time.Time, error)
}

// Triggerable allows workers to be poked after a run.
type Triggerable interface {
	Trigger()
}

type Job struct {
	Cron   string
	Params models.SearchParams
	Policy models.Policy
	Force  bool
}

type Scheduler struct {
	runner  Runner
	health  BreakerChecker
	lastRun LastRunLookup
	cron    *cron.Cron
	log     *zap.Logger

	mu       sync.Mutex
	jobs     []Job
	after    []Triggerable
	baseCtx  context.Context
	inflight sync.WaitGroup
}

func New(runner Runner, health BreakerChecker) *Scheduler {
	log := zap.L().Named("scheduler")
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		runner: runner,
		health: health,
		log:    log,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		baseCtx: context.Background(),
	}
}

func (s *Scheduler) SetLastRunLookup(l LastRunLookup) { s.lastRun = l }

// SetWorkers registers workers triggered after every scheduled run.
func (s *Scheduler) SetWorkers(workers ...Triggerable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after = append(s.after, workers...)
}

// Add registers a job. Each job is its own cron entry, so a slow run only
// skips its own next tick.
func (s *Scheduler) Add(job Job) error {
	_, err := s.cron.AddFunc(job.Cron, func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		s.RunJob(ctx, job)
	})
	if err != nil {
		return eris.Wrapf(err, "invalid cron expression %q for %s", job.Cron, job.Params.Vendor)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	n := len(s.jobs)
	s.mu.Unlock()

	if n == 0 {
		s.log.Info("no schedules configured")
	} else {
		s.log.Info("starting scheduler", zap.Int("jobs", n))
	}
	s.cron.Start()
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.inflight.Wait()
}

// RunJob runs one job unless the vendor's breaker is open and the job is
// not forced. It reports whether the run happened.
func (s *Scheduler) RunJob(ctx context.Context, job Job) (*models.RunSummary, bool) {
	vendor := job.Params.Vendor
	log := s.log.With(zap.String("vendor", vendor))

	if !job.Force && s.health != nil && s.health.IsOpen(vendor) {
		log.Warn("breaker open, skipping scheduled run")
		return nil, false
	}

	s.inflight.Add(1)
	defer s.inflight.Done()

	run, err := s.runner.Run(ctx, job.Params, job.Policy)
	if err != nil {
		log.Error("scheduled run failed", zap.Error(err))
		return nil, true
	}
	log.Info("scheduled run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(run.Status)),
		zap.Int("upserted", run.Upserted),
	)

	s.mu.Lock()
	after := append([]Triggerable(nil), s.after...)
	s.mu.Unlock()
	for _, w := range after {
		w.Trigger()
	}
	return run, true
}

// CatchUp runs the first job of every vendor whose last run is older than
// maxAge, so a restart does not wait a full cron period.
func (s *Scheduler) CatchUp(ctx context.Context, maxAge time.Duration) int {
	if s.lastRun == nil {
		return 0
	}
	seen := make(map[string]bool)
	ran := 0
	for _, job := range s.Jobs() {
		vendor := job.Params.Vendor
		if seen[vendor] {
			continue
		}
		seen[vendor] = true

		last, err := s.lastRun.LastRunTime(vendor)
		if err != nil {
			s.log.Warn("last run lookup failed", zap.String("vendor", vendor), zap.Error(err))
			continue
		}
		if !last.IsZero() && time.Since(last) < maxAge {
			continue
		}
		s.log.Info("catching up", zap.String("vendor", vendor), zap.Time("last_run", last))
		if _, ok := s.RunJob(ctx, job); ok {
			ran++
		}
	}
	return ran
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
