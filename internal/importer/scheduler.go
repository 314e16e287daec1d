package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultLeaseRetry = 30 * time.Second

type BatchRunner interface {
	ProcessBatch(ctx context.Context, id string) error
}

// TimerScheduler runs batch steps in-process on timers. At most one timer is
// pending per job: scheduling a job again replaces its pending timer, which
// collapses duplicate triggers into one.
type TimerScheduler struct {
	// LeaseRetry is how long to wait before retrying a step whose lease is
	// held, e.g. by a worker that died mid-step.
	LeaseRetry time.Duration

	mu     sync.Mutex
	runner BatchRunner
	timers map[string]*time.Timer
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logrus.FieldLogger
}

func NewTimerScheduler(logger logrus.FieldLogger) *TimerScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		LeaseRetry: defaultLeaseRetry,
		timers:     map[string]*time.Timer{},
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

// Bind sets the runner the timers call into.
func (s *TimerScheduler) Bind(runner BatchRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = runner
}

func (s *TimerScheduler) Schedule(jobID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if existing, ok := s.timers[jobID]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed || s.timers[jobID] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, jobID)
		runner := s.runner
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		s.run(runner, jobID)
	})
	s.timers[jobID] = timer
}

func (s *TimerScheduler) run(runner BatchRunner, jobID string) {
	if runner == nil {
		s.logger.WithField("job_id", jobID).Warn("No batch runner bound, dropping step")
		return
	}
	err := runner.ProcessBatch(s.ctx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, ErrLeaseHeld):
		s.logger.WithField("job_id", jobID).Debug("Job lease held, retrying later")
		s.Schedule(jobID, s.LeaseRetry)
	default:
		s.logger.WithError(err).WithField("job_id", jobID).Error("Import batch step failed")
	}
}

// Pending reports how many steps are waiting on a timer.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops pending timers and waits for running steps to return.
func (s *TimerScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
	return nil
}

// Recurring starts incremental imports and the retention sweep on cron
// schedules.
type Recurring struct {
	cron   *cron.Cron
	orch   *Orchestrator
	logger logrus.FieldLogger
}

func NewRecurring(orch *Orchestrator, logger logrus.FieldLogger) *Recurring {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Recurring{cron: cron.New(), orch: orch, logger: logger}
}

// AddImport starts an import of source on every tick of spec. Each run only
// asks for history since the start of the last completed job of the same
// source, and a run is skipped while an earlier job of the source is active.
func (r *Recurring) AddImport(spec, source string, opts Options) error {
	if _, err := r.orch.registry.Lookup(source); err != nil {
		return err
	}
	_, err := r.cron.AddFunc(spec, func() {
		if _, err := r.RunImport(context.Background(), source, opts); err != nil {
			r.logger.WithError(err).WithField("source", source).Error("Scheduled import failed to start")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule import %s %q: %w", source, spec, err)
	}
	r.logger.WithFields(logrus.Fields{"source": source, "schedule": spec}).Info("Recurring import scheduled")
	return nil
}

// RunImport performs one scheduled run. It returns a nil report when the run
// was skipped.
func (r *Recurring) RunImport(ctx context.Context, source string, opts Options) (*StatusReport, error) {
	jobs, err := r.orch.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if job.Source == source && !job.Status.Terminal() {
			r.logger.WithFields(logrus.Fields{"source": source, "job_id": job.ID}).Info("Import still active, skipping scheduled run")
			return nil, nil
		}
	}
	last, err := r.orch.LastCompleted(ctx, source)
	if err != nil {
		return nil, err
	}
	if last != nil {
		from := *last.StartedAt
		opts.DateFrom = &from
	}
	report, err := r.orch.CreateJob(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *Recurring) AddGC(spec string, retention time.Duration) error {
	_, err := r.cron.AddFunc(spec, func() {
		if _, err := r.orch.CollectGarbage(context.Background(), retention); err != nil {
			r.logger.WithError(err).Error("Import job sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule gc %q: %w", spec, err)
	}
	return nil
}

func (r *Recurring) Start() {
	r.cron.Start()
}

// Stop stops the cron loop and waits for running entries.
func (r *Recurring) Stop() {
	<-r.cron.Stop().Done()
}
