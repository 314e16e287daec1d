package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/agentworkforce/activitysync/internal/ringbuf"
	"github.com/agentworkforce/activitysync/internal/upsert"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLeaseHeld         = errors.New("job lease held by another worker")
	// ErrStaleWrite is returned by JobStore.Save when the stored job already
	// reached a different terminal status.
	ErrStaleWrite = errors.New("stale job write")
)

const (
	errorLogCapacity   = 10
	statusErrorsListed = 5
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func terminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusCancelled}
}

// Options are the per-job import switches. Decode request bodies on top of
// DefaultOptions so omitted fields keep their defaults.
type Options struct {
	Limit          int        `json:"limit,omitempty"`
	DateFrom       *time.Time `json:"dateFrom,omitempty"`
	DateTo         *time.Time `json:"dateTo,omitempty"`
	CreateRecords  bool       `json:"createRecords"`
	SkipExisting   bool       `json:"skipExisting"`
	UpdateExisting bool       `json:"updateExisting"`
	PostStatus     string     `json:"postStatus,omitempty"`
}

func DefaultOptions() Options {
	d := upsert.DefaultOptions()
	return Options{
		CreateRecords: d.CreateRecords,
		SkipExisting:  d.SkipExisting,
		PostStatus:    d.PostStatus,
	}
}

func (o Options) Validate() error {
	if o.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidInput)
	}
	if o.DateFrom != nil && o.DateTo != nil && o.DateFrom.After(*o.DateTo) {
		return fmt.Errorf("%w: dateFrom is after dateTo", ErrInvalidInput)
	}
	return nil
}

func (o Options) upsertOptions() upsert.Options {
	return upsert.Options{
		CreateRecords:  o.CreateRecords,
		SkipExisting:   o.SkipExisting,
		UpdateExisting: o.UpdateExisting,
		PostStatus:     o.PostStatus,
	}
}

type Counters struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

func (c Counters) Processed() int {
	return c.Imported + c.Updated + c.Skipped + c.Failed
}

type JobError struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

type Job struct {
	ID          string                    `json:"id"`
	Source      string                    `json:"source"`
	Status      Status                    `json:"status"`
	Options     Options                   `json:"options"`
	Counters    Counters                  `json:"counters"`
	Total       int                       `json:"total"`
	Progress    int                       `json:"progress"`
	Cursor      string                    `json:"cursor,omitempty"`
	Errors      *ringbuf.Buffer[JobError] `json:"errors"`
	CreatedAt   time.Time                 `json:"createdAt"`
	StartedAt   *time.Time                `json:"startedAt,omitempty"`
	CompletedAt *time.Time                `json:"completedAt,omitempty"`
	UpdatedAt   time.Time                 `json:"updatedAt"`
	LockedUntil *time.Time                `json:"lockedUntil,omitempty"`
	LockOwner   string                    `json:"lockOwner,omitempty"`
}

func newJob(id, source string, opts Options, now time.Time) *Job {
	return &Job{
		ID:        id,
		Source:    source,
		Status:    StatusPending,
		Options:   opts,
		Errors:    ringbuf.New[JobError](errorLogCapacity),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UnmarshalJSON restores the error log with its fixed capacity.
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	decoded := plain{Errors: ringbuf.New[JobError](errorLogCapacity)}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*j = Job(decoded)
	if j.Errors == nil {
		j.Errors = ringbuf.New[JobError](errorLogCapacity)
	}
	return nil
}

func (j *Job) clone() *Job {
	data, err := json.Marshal(j)
	if err != nil {
		panic(fmt.Sprintf("importer: job %s not serializable: %v", j.ID, err))
	}
	var out Job
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("importer: job %s not deserializable: %v", j.ID, err))
	}
	return &out
}

func (j *Job) transition(to Status, now time.Time) error {
	if j.Status == to {
		return nil
	}
	for _, allowed := range allowedTransitions[j.Status] {
		if allowed == to {
			j.Status = to
			j.UpdatedAt = now
			switch {
			case to == StatusRunning && j.StartedAt == nil:
				j.StartedAt = &now
			case to.Terminal():
				j.CompletedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
}

func (j *Job) logError(now time.Time, format string, args ...any) {
	if j.Errors == nil {
		j.Errors = ringbuf.New[JobError](errorLogCapacity)
	}
	j.Errors.Push(JobError{At: now, Message: fmt.Sprintf(format, args...)})
}

// updateProgress never lowers the reported percentage. When a limit is set
// below the provider estimate, the limit is the effective total.
func (j *Job) updateProgress() {
	total := j.Total
	if j.Options.Limit > 0 && (total == 0 || j.Options.Limit < total) {
		total = j.Options.Limit
	}
	if total <= 0 {
		return
	}
	pct := int(math.Round(float64(j.Counters.Processed()) / float64(total) * 100))
	if pct > 100 {
		pct = 100
	}
	if pct > j.Progress {
		j.Progress = pct
	}
}

// mergeInto copies the step's work onto a job whose status was changed
// concurrently, so counters stay monotonic.
func (j *Job) mergeInto(current *Job) {
	current.Counters = j.Counters
	current.Cursor = j.Cursor
	current.Total = j.Total
	if j.Progress > current.Progress {
		current.Progress = j.Progress
	}
	current.Errors = j.Errors
	if current.StartedAt == nil {
		current.StartedAt = j.StartedAt
	}
	current.UpdatedAt = j.UpdatedAt
}

type StatusReport struct {
	ID             string     `json:"id"`
	Source         string     `json:"source"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	Counters       Counters   `json:"counters"`
	Total          int        `json:"total"`
	Errors         []JobError `json:"errors"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	ElapsedSeconds int64      `json:"elapsedSeconds"`
}

func (j *Job) report(now time.Time) StatusReport {
	r := StatusReport{
		ID:          j.ID,
		Source:      j.Source,
		Status:      j.Status,
		Progress:    j.Progress,
		Counters:    j.Counters,
		Total:       j.Total,
		Errors:      []JobError{},
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Errors != nil {
		r.Errors = j.Errors.Newest(statusErrorsListed)
	}
	if j.StartedAt != nil {
		end := now
		if j.CompletedAt != nil {
			end = *j.CompletedAt
		}
		if elapsed := end.Sub(*j.StartedAt); elapsed > 0 {
			r.ElapsedSeconds = int64(elapsed / time.Second)
		}
	}
	return r
}
