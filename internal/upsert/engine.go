// Package upsert decides, per normalized item, whether to create, update,
// skip or merely announce a record, and applies that decision to the
// content repository.
package upsert

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/activitysync/internal/content"
	"github.com/agentworkforce/activitysync/internal/item"
)

type Outcome string

const (
	OutcomeImported Outcome = "imported"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeNotified Outcome = "notified"
)

// Options mirrors the per-job import switches. The zero value is not the
// default; use DefaultOptions.
type Options struct {
	CreateRecords  bool
	SkipExisting   bool
	UpdateExisting bool
	PostStatus     string
}

func DefaultOptions() Options {
	return Options{CreateRecords: true, SkipExisting: true, PostStatus: "publish"}
}

type Result struct {
	Outcome Outcome
	ID      string
	Changed int
}

// Notifier receives items that would have been created when record creation
// is switched off.
type Notifier interface {
	Notify(ctx context.Context, it item.Item) error
}

type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) Notify(ctx context.Context, it item.Item) error {
	logger := n.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"kind":   it.Kind,
		"title":  it.DisplayTitle(),
		"source": it.Source,
	}).Info("Activity detected, record creation disabled")
	return nil
}

type Engine struct {
	repo     content.Repository
	notifier Notifier
	logger   logrus.FieldLogger
}

func NewEngine(repo content.Repository, notifier Notifier, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Engine{repo: repo, notifier: notifier, logger: logger}
}

// Upsert applies the decision table:
//
//	exists, update_existing  -> field diff update (skipped when nothing differs)
//	exists, skip_existing    -> skipped
//	exists, neither          -> treated as absent; deduplication is off
//	absent, create_records   -> created
//	absent, !create_records  -> notified
func (e *Engine) Upsert(ctx context.Context, it item.Item, opts Options) (Result, error) {
	if err := it.Validate(); err != nil {
		return Result{}, err
	}
	id, found, err := e.findExisting(ctx, it)
	if err != nil {
		return Result{}, err
	}
	if found && opts.UpdateExisting {
		fields := e.fields(it, opts)
		delete(fields, "status")
		changed, err := e.repo.Update(ctx, id, fields)
		if err != nil {
			return Result{}, fmt.Errorf("update %s: %w", id, err)
		}
		if changed == 0 {
			return Result{Outcome: OutcomeSkipped, ID: id}, nil
		}
		return Result{Outcome: OutcomeUpdated, ID: id, Changed: changed}, nil
	}
	if found && opts.SkipExisting {
		return Result{Outcome: OutcomeSkipped, ID: id}, nil
	}
	if !opts.CreateRecords {
		if err := e.notifier.Notify(ctx, it); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeNotified}, nil
	}
	newID, err := e.repo.Create(ctx, it.Kind, e.fields(it, opts))
	if err != nil {
		return Result{}, fmt.Errorf("create %s: %w", it.Describe(), err)
	}
	e.logger.WithFields(logrus.Fields{
		"kind": it.Kind,
		"id":   newID,
	}).Debug("Created activity record")
	return Result{Outcome: OutcomeImported, ID: newID}, nil
}

// Create is the single-item create path used by webhook auto-post and review
// approval: an existing record is left untouched.
func (e *Engine) Create(ctx context.Context, it item.Item, postStatus string) (Result, error) {
	opts := DefaultOptions()
	if postStatus != "" {
		opts.PostStatus = postStatus
	}
	return e.Upsert(ctx, it, opts)
}

func (e *Engine) findExisting(ctx context.Context, it item.Item) (string, bool, error) {
	id, found, err := e.repo.FindExisting(ctx, content.Lookup{
		Kind:        it.Kind,
		Fingerprint: it.Fingerprint(),
		Date:        it.DateBucket(),
	})
	if err != nil || found || !it.Kind.TitleFallback() {
		return id, found, err
	}
	return e.repo.FindExisting(ctx, content.Lookup{
		Kind:  it.Kind,
		Title: it.DisplayTitle(),
		Date:  it.DateBucket(),
	})
}

func (e *Engine) fields(it item.Item, opts Options) content.Fields {
	fields := content.Fields(it.Fields())
	if body := RenderBody(it); body != "" {
		fields["body"] = body
	}
	if opts.PostStatus != "" {
		fields["status"] = opts.PostStatus
	}
	return fields
}
