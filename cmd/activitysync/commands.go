package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/agentworkforce/activitysync/internal/config"
	"github.com/agentworkforce/activitysync/internal/importer"
)

const shutdownTimeout = 15 * time.Second

func openApp(cmd *cli.Command) (*app, error) {
	root := cmd.Root()
	return newApp(root.String("env"), stderrOr(root.ErrWriter))
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return io.Discard
}

func sourceList() string {
	ids := buildSourceRegistry(config.Config{}).IDs()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, string(id))
	}
	return strings.Join(names, ", ")
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Addr
	if v := strings.TrimSpace(cmd.String("addr")); v != "" {
		addr = v
	}
	if a.cfg.JWTSecret == "" {
		a.logger.Warn("ACTIVITYSYNC_JWT_SECRET is not set, using the development secret")
	}

	if _, err := a.orch.Resume(ctx); err != nil {
		return fmt.Errorf("resume import jobs: %w", err)
	}
	rec, err := a.recurring()
	if err != nil {
		return err
	}
	rec.Start()
	defer rec.Stop()
	a.watchSettings(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.server(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", addr).Info("activitysync listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func importStartAction(ctx context.Context, cmd *cli.Command) error {
	opts, err := importOptions(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := a.orch.CreateJob(ctx, cmd.String("source"), opts)
	if err != nil {
		return err
	}
	updates, stopWatch := a.orch.Watch(created.ID)
	defer stopWatch()

	report, err := a.orch.Status(ctx, created.ID)
	if err != nil {
		return err
	}
	logger := a.logger.WithFields(logrus.Fields{"job_id": created.ID, "source": created.Source})
	for !report.Status.Terminal() {
		select {
		case report = <-updates:
			logger.WithFields(logrus.Fields{
				"status":   report.Status,
				"progress": report.Progress,
				"imported": report.Counters.Imported,
				"failed":   report.Counters.Failed,
			}).Info("Import progress")
		case <-ctx.Done():
			if _, err := a.orch.Cancel(context.Background(), created.ID); err != nil {
				logger.WithError(err).Warn("Cancel on interrupt failed")
			}
			return ctx.Err()
		}
	}
	if err := writeReport(stdout(cmd), report); err != nil {
		return err
	}
	if report.Status == importer.StatusFailed {
		return fmt.Errorf("import %s failed", report.ID)
	}
	return nil
}

func importOptions(cmd *cli.Command) (importer.Options, error) {
	opts := importer.DefaultOptions()
	opts.Limit = int(cmd.Int("limit"))
	opts.CreateRecords = !cmd.Bool("notify-only")
	opts.SkipExisting = !cmd.Bool("no-skip-existing")
	opts.UpdateExisting = cmd.Bool("update-existing")
	opts.PostStatus = cmd.String("post-status")
	var err error
	if opts.DateFrom, err = parseDateFlag("from", cmd.String("from")); err != nil {
		return opts, err
	}
	if opts.DateTo, err = parseDateFlag("to", cmd.String("to")); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

// parseDateFlag accepts a calendar date, read as UTC midnight, or a full
// RFC 3339 timestamp.
func parseDateFlag(name, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("--%s: cannot parse %q as a date", name, raw)
}

func importStatusAction(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	report, err := a.orch.Status(ctx, cmd.String("id"))
	if err != nil {
		return err
	}
	return writeReport(stdout(cmd), report)
}

func importCancelAction(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	report, err := a.orch.Cancel(ctx, cmd.String("id"))
	if err != nil {
		return err
	}
	return writeReport(stdout(cmd), report)
}

func importListAction(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	reports, err := a.orch.List(ctx)
	if err != nil {
		return err
	}
	source := strings.ToLower(strings.TrimSpace(cmd.String("source")))
	filtered := reports[:0]
	for _, r := range reports {
		if source == "" || r.Source == source {
			filtered = append(filtered, r)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })

	if cmd.Bool("json") {
		enc := json.NewEncoder(stdout(cmd))
		enc.SetIndent("", "  ")
		return enc.Encode(filtered)
	}
	return renderJobsTable(stdout(cmd), filtered)
}

func gcAction(ctx context.Context, cmd *cli.Command) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	deleted, err := a.orch.CollectGarbage(ctx, cmd.Duration("retention"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout(cmd), "deleted %d finished jobs\n", deleted)
	return err
}

func writeReport(w io.Writer, report importer.StatusReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func renderJobsTable(w io.Writer, reports []importer.StatusReport) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Source", "Status", "Progress", "Imported", "Updated", "Skipped", "Failed", "Created At")
	for _, r := range reports {
		if err := table.Append(
			r.ID,
			r.Source,
			string(r.Status),
			fmt.Sprintf("%d%%", r.Progress),
			fmt.Sprintf("%d", r.Counters.Imported),
			fmt.Sprintf("%d", r.Counters.Updated),
			fmt.Sprintf("%d", r.Counters.Skipped),
			fmt.Sprintf("%d", r.Counters.Failed),
			r.CreatedAt.Format("2006-01-02 15:04"),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
