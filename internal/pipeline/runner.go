// Package pipeline runs one ingestion per target date: open a registry run, crawl the
// gazette, extract records from every document and submit them, then close the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torwi-dev/juscash/internal/breaker"
	"github.com/torwi-dev/juscash/internal/crawl"
	"github.com/torwi-dev/juscash/internal/metrics"
	"github.com/torwi-dev/juscash/internal/model"
	"github.com/torwi-dev/juscash/internal/registry"
)

const (
	defaultDateDelay       = 5 * time.Second
	defaultFinalizeTimeout = 30 * time.Second
	archiveContentType     = "text/plain; charset=utf-8"
)

var (
	// ErrRegistryUnavailable is returned when the registry health check fails before a run.
	ErrRegistryUnavailable = errors.New("registry unavailable")
	// ErrRunInProgress is returned by RunScheduled when today's run is still open.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrInvalidRange is returned by RunRange when end precedes start.
	ErrInvalidRange = errors.New("invalid date range")
	// ErrStopped is returned by RunRange when a stop request skipped remaining dates.
	ErrStopped = errors.New("stopped before all dates ran")
)

// Config tunes the runner. Zero durations select the defaults; a negative DateDelay
// disables the pause between dates.
type Config struct {
	DateDelay       time.Duration
	FinalizeTimeout time.Duration
	// Location decides which calendar day is "today". Nil means UTC.
	Location      *time.Location
	ArchivePrefix string
	NotifyTopic   string
}

// Deps are the collaborators of a Runner. Archive and Notifier are optional.
type Deps struct {
	Registry  Registry
	Crawler   Crawler
	Documents Documents
	Extractor Extractor
	Archive   BlobStore
	Notifier  Publisher
	Hasher    Hasher
	Clock     Clock
	IDs       IDGenerator
	Logger    *zap.Logger
}

// Runner executes ingestion runs. Runs are sequential; a Runner is not used concurrently
// except for Stop.
type Runner struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	stop atomic.Bool
}

// NewRunner validates deps and builds a Runner.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("pipeline: registry is required")
	case deps.Crawler == nil:
		return nil, errors.New("pipeline: crawler is required")
	case deps.Documents == nil:
		return nil, errors.New("pipeline: document pipeline is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("pipeline: id generator is required")
	case deps.Archive != nil && deps.Hasher == nil:
		return nil, errors.New("pipeline: archive requires a hasher")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	switch {
	case cfg.DateDelay == 0:
		cfg.DateDelay = defaultDateDelay
	case cfg.DateDelay < 0:
		cfg.DateDelay = 0
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Runner{cfg: cfg, deps: deps, log: deps.Logger}, nil
}

// Stop requests a cooperative shutdown: the current page finishes, later pages and
// dates are skipped.
func (r *Runner) Stop() {
	if r.stop.CompareAndSwap(false, true) {
		r.log.Warn("stop requested")
	}
	r.deps.Crawler.Stop()
}

// Stopped reports whether Stop was called.
func (r *Runner) Stopped() bool {
	return r.stop.Load()
}

// Today returns the current calendar day in the configured location.
func (r *Runner) Today() model.Date {
	return model.NewDate(r.deps.Clock.Now().In(r.cfg.Location))
}

// RunDate performs a complete run for date. The registry run is always closed, as
// completed or failed, once it has been opened. When the registry hands back a run it
// already completed for date, nothing is crawled and the report has AlreadyCompleted set.
func (r *Runner) RunDate(ctx context.Context, date model.Date) (Report, error) {
	traceID, err := r.deps.IDs.NewID()
	if err != nil {
		r.log.Warn("trace id unavailable", zap.Error(err))
	}
	ctx = registry.WithTraceID(ctx, traceID)
	log := r.log.With(zap.String("trace_id", traceID), zap.Stringer("target_date", date))

	report := Report{TraceID: traceID, Date: date, Started: r.deps.Clock.Now()}

	if !r.deps.Registry.HealthCheck(ctx) {
		report.Status = model.RunStatusFailed
		report.ErrorMessage = ErrRegistryUnavailable.Error()
		report.Finished = r.deps.Clock.Now()
		log.Error("registry health check failed, run not started")
		return report, ErrRegistryUnavailable
	}

	run, err := r.deps.Registry.CreateRun(ctx, date)
	if err != nil {
		report.Status = model.RunStatusFailed
		report.ErrorMessage = err.Error()
		report.Finished = r.deps.Clock.Now()
		return report, fmt.Errorf("open run: %w", err)
	}
	report.RunID = run.ID
	log = log.With(zap.String("run_id", run.ID))
	// A recovered run may already be closed.
	if run.Status == model.RunStatusCompleted {
		report.Status = run.Status
		report.AlreadyCompleted = true
		report.Finished = r.deps.Clock.Now()
		log.Info("run already completed, skipping")
		return report, nil
	}
	if !run.Status.CanTransition(model.RunStatusCompleted) {
		log.Warn("reopening run", zap.String("status", string(run.Status)))
	}
	log.Info("run started")

	summary, runErr := r.deps.Crawler.Crawl(ctx, date, func(ctx context.Context, page crawl.Page) error {
		return r.processPage(ctx, log, &report, page)
	})
	report.Pages = summary.Pages
	report.Truncated = summary.Truncated
	report.Stopped = summary.Stopped || r.Stopped()
	report.Notes = append(report.Notes, summary.Errors...)

	finalizeErr := r.finalize(ctx, log, &report, runErr)
	r.logSummary(log, report)
	if runErr != nil {
		return report, runErr
	}
	return report, finalizeErr
}

// processPage extracts every document on page and submits the resulting records as
// one batch.
func (r *Runner) processPage(ctx context.Context, log *zap.Logger, report *Report, page crawl.Page) error {
	log = log.With(zap.Int("page", page.Number))
	var records []model.CaseRecord
	for _, loc := range page.Locations {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Documents++
		res, err := r.deps.Documents.Extract(ctx, loc.Download)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.ExtractionErrors++
			log.Warn("document yielded no text", zap.String("url", loc.Download), zap.Error(err))
			continue
		}
		if res.Skipped {
			report.Skipped++
			continue
		}
		r.archive(ctx, log, *report, loc.Download, res.Text)

		out := r.deps.Extractor.Extract(res.Text, loc.Download, report.RunID)
		report.Found += out.Found()
		report.Valid += len(out.Records)
		report.Invalid += len(out.Rejected)
		metrics.ObserveRecords(len(out.Records), len(out.Rejected))
		for _, rej := range out.Rejected {
			log.Info("record rejected", zap.String("case_id", rej.CaseID), zap.Error(rej.Err))
		}
		records = append(records, out.Records...)
	}
	if len(records) == 0 {
		return nil
	}

	batch, err := r.deps.Registry.SubmitBatch(ctx, records)
	report.Created += batch.Created
	report.Duplicates += batch.Duplicates
	report.SubmitErrors += batch.Failed
	log.Info("page submitted",
		zap.Int("records", len(records)),
		zap.Int("created", batch.Created),
		zap.Int("duplicates", batch.Duplicates),
		zap.Int("failed", batch.Failed),
	)
	if err != nil {
		return err
	}
	return fatalSubmission(batch.Errors)
}

// fatalSubmission picks out record errors that mean the registry connection itself
// is unusable.
func fatalSubmission(errs []error) error {
	for _, err := range errs {
		if errors.Is(err, registry.ErrUnauthorized) || errors.Is(err, breaker.ErrOpen) {
			return fmt.Errorf("submit records: %w", err)
		}
	}
	return nil
}

func (r *Runner) archive(ctx context.Context, log *zap.Logger, report Report, url, text string) {
	if r.deps.Archive == nil {
		return
	}
	hash, err := r.deps.Hasher.Hash([]byte(url))
	if err != nil {
		log.Warn("archive name failed", zap.String("url", url), zap.Error(err))
		return
	}
	path := archivePath(r.cfg.ArchivePrefix, report.Date, report.RunID, hash)
	uri, err := r.deps.Archive.PutObject(ctx, path, archiveContentType, []byte(text))
	if err != nil {
		log.Warn("archive document text failed", zap.String("url", url), zap.Error(err))
		return
	}
	log.Debug("document text archived", zap.String("url", url), zap.String("uri", uri))
}

func archivePath(prefix string, date model.Date, runID, hash string) string {
	prefix = strings.Trim(prefix, "/")
	name := fmt.Sprintf("%s/run-%s/%s.txt", date, runID, hash)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// finalize reports the terminal run state. It uses a context detached from ctx so an
// interrupted run is still reported.
func (r *Runner) finalize(ctx context.Context, log *zap.Logger, report *Report, runErr error) error {
	report.Finished = r.deps.Clock.Now()
	upd := registry.RunUpdate{
		Status:         model.RunStatusCompleted,
		FoundCount:     report.Found,
		NewCount:       report.Created,
		DuplicateCount: report.Duplicates,
	}
	if runErr != nil {
		upd = registry.RunUpdate{Status: model.RunStatusFailed, ErrorMessage: runErr.Error()}
		report.ErrorMessage = runErr.Error()
	}
	report.Status = upd.Status
	metrics.ObserveRun(string(upd.Status))

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FinalizeTimeout)
	defer cancel()

	var finalizeErr error
	if _, err := r.deps.Registry.UpdateRun(fctx, report.RunID, upd); err != nil {
		log.Error("close run failed", zap.String("status", string(upd.Status)), zap.Error(err))
		finalizeErr = fmt.Errorf("close run %s: %w", report.RunID, err)
	}
	r.notify(fctx, log, *report)
	return finalizeErr
}

func (r *Runner) notify(ctx context.Context, log *zap.Logger, report Report) {
	if r.deps.Notifier == nil {
		return
	}
	id, err := r.deps.Notifier.Publish(ctx, r.cfg.NotifyTopic, report.Event())
	if err != nil {
		log.Warn("publish run event failed", zap.Error(err))
		return
	}
	log.Debug("run event published", zap.String("message_id", id))
}

func (r *Runner) logSummary(log *zap.Logger, report Report) {
	fields := []zap.Field{
		zap.String("status", string(report.Status)),
		zap.Int("pages", report.Pages),
		zap.Int("documents", report.Documents),
		zap.Int("found", report.Found),
		zap.Int("valid", report.Valid),
		zap.Int("created", report.Created),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("errors", report.Errors()),
		zap.Duration("duration", report.Duration()),
		zap.Float64("success_rate", report.SuccessRate()),
	}
	if report.Truncated {
		fields = append(fields, zap.Bool("truncated", true))
	}
	if report.Stopped {
		fields = append(fields, zap.Bool("stopped", true))
	}
	if report.Status == model.RunStatusFailed {
		log.Error("run failed", append(fields, zap.String("error", report.ErrorMessage))...)
		return
	}
	log.Info("run finished", fields...)
}

// RunScheduled runs today unless the registry already holds a completed run for it.
// A run that is still open is an error; a failed run is retried.
func (r *Runner) RunScheduled(ctx context.Context) (Report, error) {
	today := r.Today()
	existing, err := r.deps.Registry.TodayRun(ctx)
	if err != nil {
		return Report{Date: today}, fmt.Errorf("check today's run: %w", err)
	}
	if existing != nil {
		switch existing.Status {
		case model.RunStatusCompleted:
			r.log.Info("today's run already completed, skipping", zap.String("run_id", existing.ID))
			return Report{RunID: existing.ID, Date: today, Status: existing.Status, AlreadyCompleted: true}, nil
		case model.RunStatusRunning:
			return Report{RunID: existing.ID, Date: today, Status: existing.Status},
				fmt.Errorf("run %s: %w", existing.ID, ErrRunInProgress)
		}
		r.log.Info("retrying previous run", zap.String("run_id", existing.ID), zap.String("status", string(existing.Status)))
	}
	return r.RunDate(ctx, today)
}

// RunRange runs every date from start to end inclusive, pausing between dates. A failed
// date does not stop later dates unless the registry rejects the credential.
func (r *Runner) RunRange(ctx context.Context, start, end model.Date) ([]Report, error) {
	if end.Before(start.Time) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrInvalidRange, end, start)
	}
	var (
		reports []Report
		errs    []error
	)
	for i, date := 0, start; !date.After(end.Time); i, date = i+1, date.AddDays(1) {
		if r.Stopped() {
			r.log.Warn("stop requested, skipping remaining dates", zap.Stringer("next_date", date))
			errs = append(errs, ErrStopped)
			break
		}
		if i > 0 {
			if err := r.pause(ctx); err != nil {
				return reports, err
			}
		}
		report, err := r.RunDate(ctx, date)
		reports = append(reports, report)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		if errors.Is(err, registry.ErrUnauthorized) {
			return reports, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", date, err))
	}
	return reports, errors.Join(errs...)
}

func (r *Runner) pause(ctx context.Context) error {
	if r.cfg.DateDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.cfg.DateDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		metrics.ObservePoliteness("date", r.cfg.DateDelay)
		return nil
	}
}
