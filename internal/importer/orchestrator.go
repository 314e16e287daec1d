// Package importer drives batch import jobs: a job is created once and then
// advanced one batch per ProcessBatch call until it reaches a terminal
// status. Every bit of state that must survive between steps lives in the
// JobStore.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/activitysync/internal/sources"
	"github.com/agentworkforce/activitysync/internal/upsert"
)

const (
	defaultBatchCap   = 100
	defaultBatchDelay = 2 * time.Second
	defaultLeaseTTL   = 5 * time.Minute
	defaultRetention  = 7 * 24 * time.Hour
)

// Scheduler runs ProcessBatch for jobID once delay has elapsed.
type Scheduler interface {
	Schedule(jobID string, delay time.Duration)
}

// PartialItemError is one record of a batch that could not be imported. It
// is counted as failed and never aborts the batch.
type PartialItemError struct {
	Index int
	Err   error
}

func (e *PartialItemError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *PartialItemError) Unwrap() error {
	return e.Err
}

type Config struct {
	BatchCap   int
	BatchDelay time.Duration
	LeaseTTL   time.Duration
	Retention  time.Duration
	Now        func() time.Time
	Logger     logrus.FieldLogger
}

type Orchestrator struct {
	store     JobStore
	registry  *sources.Registry
	engine    *upsert.Engine
	scheduler Scheduler
	cfg       Config
	logger    logrus.FieldLogger

	watchMu  sync.Mutex
	watchers map[string]map[chan StatusReport]struct{}
}

func NewOrchestrator(store JobStore, registry *sources.Registry, engine *upsert.Engine, scheduler Scheduler, cfg Config) *Orchestrator {
	if cfg.BatchCap <= 0 {
		cfg.BatchCap = defaultBatchCap
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = defaultBatchDelay
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		store:     store,
		registry:  registry,
		engine:    engine,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    cfg.Logger,
		watchers:  map[string]map[chan StatusReport]struct{}{},
	}
}

// SetScheduler installs the scheduler after construction, for schedulers
// that need the orchestrator themselves.
func (o *Orchestrator) SetScheduler(s Scheduler) {
	o.scheduler = s
}

func (o *Orchestrator) Sources() []sources.SourceID {
	return o.registry.IDs()
}

func (o *Orchestrator) CreateJob(ctx context.Context, source string, opts Options) (StatusReport, error) {
	adapter, err := o.registry.Lookup(source)
	if err != nil {
		return StatusReport{}, err
	}
	if err := opts.Validate(); err != nil {
		return StatusReport{}, err
	}
	if err := adapter.Check(); err != nil {
		return StatusReport{}, err
	}
	if strings.TrimSpace(opts.PostStatus) == "" {
		opts.PostStatus = DefaultOptions().PostStatus
	}
	now := o.cfg.Now().UTC()
	job := newJob(uuid.NewString(), string(adapter.ID()), opts, now)
	if err := o.store.Create(ctx, job); err != nil {
		return StatusReport{}, err
	}
	o.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"source": job.Source,
		"limit":  opts.Limit,
	}).Info("Import job created")
	o.schedule(job.ID, 0)
	return job.report(now), nil
}

// ProcessBatch advances the job by one batch. It is safe to call repeatedly:
// missing and terminal jobs are a no-op, and a concurrent call for the same
// job returns ErrLeaseHeld without touching it.
func (o *Orchestrator) ProcessBatch(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	owner := uuid.NewString()
	now := o.cfg.Now().UTC()
	acquired, err := o.store.AcquireLease(ctx, id, owner, now.Add(o.cfg.LeaseTTL), now)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLeaseHeld
	}
	again, err := o.advance(ctx, id, now)
	// The lease goes before the next step is scheduled, so that step can take it.
	if relErr := o.store.ReleaseLease(context.WithoutCancel(ctx), id, owner); relErr != nil {
		o.logger.WithError(relErr).WithField("job_id", id).Warn("Failed to release job lease")
	}
	if err != nil {
		return err
	}
	if again {
		o.schedule(id, o.cfg.BatchDelay)
	}
	return nil
}

// advance runs one step on a leased job and reports whether another step
// should follow.
func (o *Orchestrator) advance(ctx context.Context, id string, now time.Time) (bool, error) {
	// Reload under the lease; a cancel may have landed in between.
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}
	logger := o.logger.WithFields(logrus.Fields{"job_id": job.ID, "source": job.Source})

	adapter, err := o.registry.Lookup(job.Source)
	if err != nil {
		return false, o.fail(ctx, job, err, logger)
	}
	if err := job.transition(StatusRunning, now); err != nil {
		return false, err
	}

	size := o.batchSize(job, adapter)
	req := sources.BatchRequest{Cursor: job.Cursor, Limit: size}
	if job.Options.DateFrom != nil {
		req.Since = *job.Options.DateFrom
	}
	if job.Options.DateTo != nil {
		req.Until = *job.Options.DateTo
	}
	batch, err := adapter.FetchBatch(ctx, req)
	if err != nil {
		return false, o.fail(ctx, job, err, logger)
	}

	now = o.cfg.Now().UTC()
	if len(batch.Records) == 0 {
		job.UpdatedAt = now
		job.Progress = 100
		if err := job.transition(StatusCompleted, now); err != nil {
			return false, err
		}
		batchesTotal.WithLabelValues(job.Source, "empty").Inc()
		logger.Info("Import job completed")
		if err := o.save(ctx, job); err != nil && !errors.Is(err, ErrStaleWrite) {
			return false, err
		}
		return false, nil
	}

	records := batch.Records
	if remaining, limited := o.remaining(job); limited && len(records) > remaining {
		records = records[:remaining]
	}
	opts := job.Options.upsertOptions()
	for i, rec := range records {
		result, err := o.importRecord(ctx, adapter, rec, opts)
		if err != nil {
			job.Counters.Failed++
			job.logError(now, "%v", &PartialItemError{Index: i, Err: err})
			itemsTotal.WithLabelValues(job.Source, "failed").Inc()
			logger.WithError(err).WithField("index", i).Warn("Import record failed")
			continue
		}
		switch result.Outcome {
		case upsert.OutcomeImported:
			job.Counters.Imported++
		case upsert.OutcomeUpdated:
			job.Counters.Updated++
		default:
			job.Counters.Skipped++
		}
		itemsTotal.WithLabelValues(job.Source, string(result.Outcome)).Inc()
	}

	previousCursor := job.Cursor
	job.Cursor = batch.NextCursor
	if batch.Total > job.Total {
		job.Total = batch.Total
	}
	if processed := job.Counters.Processed(); job.Total > 0 && processed > job.Total {
		job.Total = processed
	}
	job.UpdatedAt = now
	job.updateProgress()

	remaining, limited := o.remaining(job)
	done := !batch.HasMore || (limited && remaining <= 0)
	if !done && batch.NextCursor == previousCursor {
		job.logError(now, "cursor %q did not advance", previousCursor)
		done = true
	}
	if done {
		job.Progress = 100
		if err := job.transition(StatusCompleted, now); err != nil {
			return false, err
		}
	}
	batchesTotal.WithLabelValues(job.Source, "ok").Inc()
	logger.WithFields(logrus.Fields{
		"records":   len(records),
		"imported":  job.Counters.Imported,
		"updated":   job.Counters.Updated,
		"skipped":   job.Counters.Skipped,
		"failed":    job.Counters.Failed,
		"progress":  job.Progress,
		"completed": done,
	}).Info("Import batch processed")

	err = o.save(ctx, job)
	if errors.Is(err, ErrStaleWrite) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !done, nil
}

func (o *Orchestrator) importRecord(ctx context.Context, adapter sources.Adapter, rec sources.RawRecord, opts upsert.Options) (upsert.Result, error) {
	it, err := adapter.Normalize(rec)
	if err != nil {
		return upsert.Result{}, err
	}
	return o.engine.Upsert(ctx, it, opts)
}

// batchSize is min(global cap, source cap, max(1, remaining)). Snapshot
// sources report a source cap of 0 and are not held to the global cap.
// Page-cursor sources always get the full page size: the provider derives
// the offset from page*size, so shrinking the last request would re-read
// rows of earlier pages. The surplus of that page is dropped by advance.
func (o *Orchestrator) batchSize(job *Job, adapter sources.Adapter) int {
	remaining, limited := o.remaining(job)
	if limited && remaining < 1 {
		remaining = 1
	}
	sourceCap := adapter.MaxBatchSize()
	if sourceCap <= 0 {
		if limited {
			return remaining
		}
		return 0
	}
	size := sourceCap
	if o.cfg.BatchCap < size {
		size = o.cfg.BatchCap
	}
	if adapter.Paging() == sources.PagingPageCursor {
		return size
	}
	if limited && remaining < size {
		size = remaining
	}
	return size
}

func (o *Orchestrator) remaining(job *Job) (int, bool) {
	if job.Options.Limit <= 0 {
		return 0, false
	}
	return job.Options.Limit - job.Counters.Processed(), true
}

func (o *Orchestrator) fail(ctx context.Context, job *Job, cause error, logger logrus.FieldLogger) error {
	now := o.cfg.Now().UTC()
	job.logError(now, "%v", cause)
	job.UpdatedAt = now
	if err := job.transition(StatusFailed, now); err != nil {
		return err
	}
	batchesTotal.WithLabelValues(job.Source, "failed").Inc()
	logger.WithError(cause).Error("Import job failed")
	if err := o.save(ctx, job); err != nil && !errors.Is(err, ErrStaleWrite) {
		return err
	}
	return nil
}

// save persists the step. When the stored job was moved to another terminal
// status meanwhile (a cancel during the step), the step's counters are merged
// onto the stored job and ErrStaleWrite is returned after the merge is saved.
func (o *Orchestrator) save(ctx context.Context, job *Job) error {
	err := o.store.Save(ctx, job)
	if err == nil {
		o.publish(job)
		return nil
	}
	if !errors.Is(err, ErrStaleWrite) {
		return err
	}
	current, getErr := o.store.Get(ctx, job.ID)
	if getErr != nil {
		return getErr
	}
	job.mergeInto(current)
	if saveErr := o.store.Save(ctx, current); saveErr != nil {
		return saveErr
	}
	o.publish(current)
	return err
}

func (o *Orchestrator) Cancel(ctx context.Context, id string) (StatusReport, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}
	if job.Status.Terminal() {
		return StatusReport{}, fmt.Errorf("%w: job is already %s", ErrInvalidTransition, job.Status)
	}
	now := o.cfg.Now().UTC()
	if err := job.transition(StatusCancelled, now); err != nil {
		return StatusReport{}, err
	}
	if err := o.store.Save(ctx, job); err != nil {
		return StatusReport{}, err
	}
	o.publish(job)
	o.logger.WithField("job_id", id).Info("Import job cancelled")
	return job.report(now), nil
}

func (o *Orchestrator) Status(ctx context.Context, id string) (StatusReport, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}
	return job.report(o.cfg.Now().UTC()), nil
}

func (o *Orchestrator) List(ctx context.Context) ([]StatusReport, error) {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := o.cfg.Now().UTC()
	out := make([]StatusReport, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.report(now))
	}
	return out, nil
}

// CollectGarbage deletes terminal jobs that finished more than retention
// ago. A non-positive retention uses the configured default.
func (o *Orchestrator) CollectGarbage(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = o.cfg.Retention
	}
	deleted, err := o.store.DeleteFinishedBefore(ctx, o.cfg.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		o.logger.WithField("deleted", deleted).Info("Collected finished import jobs")
	}
	return deleted, nil
}

// Resume schedules every job that has not reached a terminal status, so
// jobs interrupted by a restart continue from their stored cursor.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		o.schedule(job.ID, 0)
		resumed++
	}
	if resumed > 0 {
		o.logger.WithField("jobs", resumed).Info("Resumed import jobs")
	}
	return resumed, nil
}

// LastCompleted returns the most recently started completed job of source,
// or nil when there is none.
func (o *Orchestrator) LastCompleted(ctx context.Context, source string) (*Job, error) {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var completed []*Job
	for _, job := range jobs {
		if job.Source == source && job.Status == StatusCompleted && job.StartedAt != nil {
			completed = append(completed, job)
		}
	}
	if len(completed) == 0 {
		return nil, nil
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].StartedAt.After(*completed[j].StartedAt) })
	return completed[0], nil
}

// Watch streams status reports for one job after each persisted change. Slow
// receivers only see the latest report.
func (o *Orchestrator) Watch(id string) (<-chan StatusReport, func()) {
	ch := make(chan StatusReport, 1)
	o.watchMu.Lock()
	if o.watchers[id] == nil {
		o.watchers[id] = map[chan StatusReport]struct{}{}
	}
	o.watchers[id][ch] = struct{}{}
	o.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.watchMu.Lock()
			defer o.watchMu.Unlock()
			delete(o.watchers[id], ch)
			if len(o.watchers[id]) == 0 {
				delete(o.watchers, id)
			}
		})
	}
}

func (o *Orchestrator) publish(job *Job) {
	report := job.report(o.cfg.Now().UTC())
	o.watchMu.Lock()
	defer o.watchMu.Unlock()
	for ch := range o.watchers[job.ID] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- report:
		default:
		}
	}
}

func (o *Orchestrator) schedule(id string, delay time.Duration) {
	if o.scheduler == nil {
		return
	}
	o.scheduler.Schedule(id, delay)
}
