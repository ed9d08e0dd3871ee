// Package registry is the HTTP client for the downstream case registry. Every call is
// retried with exponential backoff and guarded by a dedicated circuit breaker.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torwi-dev/juscash/internal/breaker"
	"github.com/torwi-dev/juscash/internal/hash/sha256"
	"github.com/torwi-dev/juscash/internal/metrics"
	"github.com/torwi-dev/juscash/internal/model"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultMaxAttempts       = 3
	defaultBackoffBase       = time.Second
	defaultBackoffMax        = 10 * time.Second
	defaultRateLimitCooldown = 5 * time.Second
	defaultBatchSize         = 10
	defaultBatchDelay        = time.Second

	maxResponseBytes = 1 << 20
	maxErrorBody     = 512
)

const (
	routeRuns      = "/runs"
	routeRunsToday = "/runs/today"
	routeRun       = "/runs/{id}"
	routeRecords   = "/records"
	routeHealth    = "/health"
)

// Config configures a Client.
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RateLimitCooldown time.Duration
	BatchSize         int
	BatchDelay        time.Duration
	Defendant         string
	UserAgent         string

	// Run provenance sent when a run is created.
	SourceURL   string
	HostName    string
	ExecutedBy  string
	Environment string

	Breaker breaker.Config
}

// Hasher fingerprints record bodies for duplicate detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHasher replaces the content fingerprint function.
func WithHasher(h Hasher) Option {
	return func(c *Client) {
		if h != nil {
			c.hasher = h
		}
	}
}

// WithBreaker replaces the client's circuit breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

// Client talks to the registry.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	hasher  Hasher
	breaker *breaker.Breaker
	retry   *exponentialRetryPolicy
}

// New validates cfg and builds a Client. A missing token fails before any network call.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrMissingToken
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("registry base url is not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.RateLimitCooldown < 0 {
		cfg.RateLimitCooldown = 0
	} else if cfg.RateLimitCooldown == 0 {
		cfg.RateLimitCooldown = defaultRateLimitCooldown
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	} else if cfg.BatchDelay == 0 {
		cfg.BatchDelay = defaultBatchDelay
	}
	if cfg.Defendant == "" {
		cfg.Defendant = model.DefaultDefendant
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "juscash-scraper"
		if cfg.Environment != "" {
			cfg.UserAgent += "/" + cfg.Environment
		}
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  zap.NewNop(),
		hasher:  sha256.New(),
		retry:   newExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		bcfg := cfg.Breaker
		if bcfg.Name == "" {
			bcfg.Name = "registry"
		}
		if bcfg.IsFailure == nil {
			bcfg.IsFailure = countsTowardBreaker
		}
		c.breaker = breaker.New(bcfg, breaker.WithLogger(c.logger))
	}
	return c, nil
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// CreateRun opens a run for date. A run that already exists for the date is returned as success.
func (c *Client) CreateRun(ctx context.Context, date model.Date) (model.RunRecord, error) {
	payload := createRunPayload{
		TargetDate:  date,
		SourceURL:   c.cfg.SourceURL,
		HostName:    c.cfg.HostName,
		ExecutedBy:  c.cfg.ExecutedBy,
		Environment: c.cfg.Environment,
	}
	body, err := c.do(ctx, http.MethodPost, routeRuns, routeRuns, payload)
	if err != nil {
		if !isDuplicate(err) {
			return model.RunRecord{}, fmt.Errorf("create run for %s: %w", date, err)
		}
		return c.existingRun(ctx, date, err)
	}
	run, ok := decodeRun(body)
	if !ok {
		return model.RunRecord{}, fmt.Errorf("create run for %s: response carried no run", date)
	}
	c.logger.Info("run created", zap.String("run_id", run.ID), zap.Stringer("target_date", date))
	return run, nil
}

func (c *Client) existingRun(ctx context.Context, date model.Date, conflict error) (model.RunRecord, error) {
	c.logger.Warn("run already exists for date", zap.Stringer("target_date", date))
	var status *StatusError
	if errors.As(conflict, &status) {
		if run, ok := decodeRun([]byte(status.Body)); ok && (run.TargetDate.IsZero() || run.TargetDate.Equal(date.Time)) {
			return run, nil
		}
	}
	run, err := c.TodayRun(ctx)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("recover existing run for %s: %w", date, err)
	}
	// The today lookup only helps when the conflicting date is today.
	if run == nil || !run.TargetDate.Equal(date.Time) {
		if run != nil {
			c.logger.Warn("today's run belongs to another date",
				zap.String("run_id", run.ID),
				zap.Stringer("run_date", run.TargetDate),
				zap.Stringer("target_date", date),
			)
		}
		return model.RunRecord{}, fmt.Errorf("recover existing run for %s: %w", date, ErrRunNotFound)
	}
	return *run, nil
}

// TodayRun returns the registry's run for the current day, or nil when there is none.
func (c *Client) TodayRun(ctx context.Context) (*model.RunRecord, error) {
	body, err := c.do(ctx, http.MethodGet, routeRunsToday, routeRunsToday, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch today's run: %w", err)
	}
	run, ok := decodeRun(body)
	if !ok {
		return nil, nil
	}
	return &run, nil
}

// UpdateRun reports the terminal state of a run. It may be repeated with the same update.
func (c *Client) UpdateRun(ctx context.Context, id string, upd RunUpdate) (model.RunRecord, error) {
	if !upd.Status.Terminal() {
		return model.RunRecord{}, fmt.Errorf("update run %s: status %q is not terminal", id, upd.Status)
	}
	payload := updateRunPayload{
		Status:  upd.Status,
		EndTime: time.Now().UTC(),
	}
	switch upd.Status {
	case model.RunStatusCompleted:
		payload.FoundCount = &upd.FoundCount
		payload.NewCount = &upd.NewCount
		payload.DuplicateCount = &upd.DuplicateCount
	case model.RunStatusFailed:
		payload.ErrorMessage = upd.ErrorMessage
	}

	body, err := c.do(ctx, http.MethodPatch, "/runs/"+id, routeRun, payload)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("update run %s: %w", id, err)
	}
	c.logger.Info("run updated",
		zap.String("run_id", id),
		zap.String("status", string(upd.Status)),
		zap.Int("found", upd.FoundCount),
		zap.Int("new", upd.NewCount),
	)
	if run, ok := decodeRun(body); ok {
		return run, nil
	}
	end := payload.EndTime
	return model.RunRecord{
		ID:             id,
		Status:         upd.Status,
		FinishedAt:     &end,
		FoundCount:     upd.FoundCount,
		NewCount:       upd.NewCount,
		DuplicateCount: upd.DuplicateCount,
		ErrorMessage:   upd.ErrorMessage,
	}, nil
}

// SubmitRecord posts one record. It reports true when the registry created it and false
// when the registry already held it; both are successes.
func (c *Client) SubmitRecord(ctx context.Context, rec model.CaseRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, &SubmissionError{CaseID: rec.CaseID, Err: err}
	}
	fingerprint, err := c.hasher.Hash([]byte(rec.FullText))
	if err != nil {
		return false, &SubmissionError{CaseID: rec.CaseID, Err: fmt.Errorf("fingerprint: %w", err)}
	}
	defendant := rec.Defendant
	if defendant == "" {
		defendant = c.cfg.Defendant
	}
	payload := recordPayload{
		CaseID:           rec.CaseID,
		Parties:          nonNil(rec.Parties),
		Representatives:  nonNil(rec.Representatives),
		Defendant:        defendant,
		FullText:         rec.FullText,
		SourceURL:        rec.SourceLocation,
		RunID:            runIDValue(rec.RunID),
		ContentHash:      fingerprint,
		PublicationDate:  rec.PublicationDate,
		AvailabilityDate: rec.AvailabilityDate,
		PrincipalAmount:  amount(rec.PrincipalAmount),
		InterestAmount:   amount(rec.InterestAmount),
		FeesAmount:       amount(rec.FeesAmount),
	}

	if _, err := c.do(ctx, http.MethodPost, routeRecords, routeRecords, payload); err != nil {
		if isDuplicate(err) {
			c.logger.Debug("record already registered", zap.String("case_id", rec.CaseID))
			metrics.ObserveSubmission("duplicate")
			return false, nil
		}
		metrics.ObserveSubmission("failed")
		return false, &SubmissionError{CaseID: rec.CaseID, Err: err}
	}
	metrics.ObserveSubmission("created")
	return true, nil
}

type submitOutcome struct {
	created bool
	err     error
}

// SubmitBatch submits recs in fixed-size batches. Records within a batch run concurrently
// and one failure never cancels its siblings. The returned error is non-nil only when ctx
// ends between batches.
func (c *Client) SubmitBatch(ctx context.Context, recs []model.CaseRecord) (BatchResult, error) {
	var result BatchResult
	size := c.cfg.BatchSize
	total := (len(recs) + size - 1) / size

	for start, n := 0, 1; start < len(recs); start, n = start+size, n+1 {
		end := min(start+size, len(recs))
		batch := recs[start:end]
		c.logger.Info("submitting record batch",
			zap.Int("batch", n),
			zap.Int("batches", total),
			zap.Int("size", len(batch)),
		)

		outcomes := make([]submitOutcome, len(batch))
		var g errgroup.Group
		g.SetLimit(size)
		for i, rec := range batch {
			g.Go(func() error {
				created, err := c.SubmitRecord(ctx, rec)
				outcomes[i] = submitOutcome{created: created, err: err}
				return nil
			})
		}
		_ = g.Wait() //nolint:errcheck // workers record their own outcome

		for i, out := range outcomes {
			switch {
			case out.err != nil:
				result.Failed++
				result.Errors = append(result.Errors, out.err)
				c.logger.Error("record submission failed",
					zap.String("case_id", batch[i].CaseID),
					zap.Error(out.err),
				)
			case out.created:
				result.Created++
			default:
				result.Duplicates++
			}
		}

		if end < len(recs) {
			if err := pause(ctx, c.cfg.BatchDelay); err != nil {
				return result, fmt.Errorf("submit batch %d/%d: %w", n+1, total, err)
			}
			metrics.ObservePoliteness("registry_batch", c.cfg.BatchDelay)
		}
	}

	c.logger.Info("record submission finished",
		zap.Int("records", len(recs)),
		zap.Int("created", result.Created),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// HealthCheck reports whether the registry answers its health endpoint.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if _, err := c.do(ctx, http.MethodGet, routeHealth, routeHealth, nil); err != nil {
		c.logger.Error("registry health check failed", zap.Error(err))
		return false
	}
	return true
}

// do performs one logical call: the retry loop is outside and each attempt passes the breaker.
func (c *Client) do(ctx context.Context, method, path, route string, payload any) ([]byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	for attempt := 1; ; attempt++ {
		body, err := breaker.Execute(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
			return c.roundTrip(ctx, method, path, route, encoded)
		})
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil || !c.retry.ShouldRetry(err, attempt) {
			return nil, err
		}

		delay := c.retry.Backoff(attempt)
		if isRateLimited(err) {
			delay += c.cfg.RateLimitCooldown
		}
		c.logger.Warn("registry call failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if perr := pause(ctx, delay); perr != nil {
			return nil, fmt.Errorf("%w (last error: %v)", perr, err)
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path, route string, encoded []byte) ([]byte, error) {
	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := TraceID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRegistryRequest(method, route, 0, time.Since(start))
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // body fully read
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	metrics.ObserveRegistryRequest(method, route, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug("registry response",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	return nil, &StatusError{
		Method: method,
		Path:   path,
		Code:   resp.StatusCode,
		Body:   truncate(strings.TrimSpace(string(data)), maxErrorBody),
	}
}

type traceKey struct{}

// WithTraceID attaches a correlation id sent as X-Request-ID on every registry call.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceID returns the correlation id attached to ctx.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
