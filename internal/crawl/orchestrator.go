// Package crawl drives the gazette's advanced search through a browser session and
// enumerates the document locations listed on each result page.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torwi-dev/juscash/internal/breaker"
	"github.com/torwi-dev/juscash/internal/metrics"
	"github.com/torwi-dev/juscash/internal/model"
)

// Page selectors of the advanced search workflow.
const (
	formSelector     = `form[name="consultaAvancadaForm"]`
	startSelector    = `input[name="dadosConsulta.dtInicio"]`
	endSelector      = `input[name="dadosConsulta.dtFim"]`
	sectionSelector  = `select[name="dadosConsulta.cdCaderno"]`
	querySelector    = `input[name="dadosConsulta.pesquisaLivre"]`
	submitSelector   = `input[type="submit"][value="Pesquisar"]`
	resultsSelector  = `#divResultadosInferior`
	errorSelector    = `.erro`
	noResultsMarker  = "Nenhum resultado"
	staleAttr        = "data-juscash-stale"
	freshResults     = resultsSelector + `:not([` + staleAttr + `])`
	formDateLayout   = "02/01/2006"
	defaultSearchURL = "https://dje.tjsp.jus.br/cdje/consultaAvancada.do"
	defaultBaseURL   = "https://dje.tjsp.jus.br"
	defaultSection   = "12"
	defaultQuery     = `"RPV" E "pagamento pelo INSS"`
)

const (
	defaultMaxPages    = 50
	defaultStepTimeout = 30 * time.Second
	defaultPageDelay   = 2 * time.Second
	defaultSettleDelay = 3 * time.Second
	defaultFieldDelay  = time.Second
)

// State is the orchestrator's position in the search workflow.
type State int32

const (
	StateIdle State = iota
	StateNavigated
	StateConfigured
	StateSearched
	StatePageReady
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNavigated:
		return "navigated"
	case StateConfigured:
		return "configured"
	case StateSearched:
		return "searched"
	case StatePageReady:
		return "page-ready"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes the crawl. Zero values select the defaults; negative delays disable them.
type Config struct {
	SearchURL   string
	BaseURL     string
	Section     string
	Query       string
	MaxPages    int
	StepTimeout time.Duration
	PageDelay   time.Duration
	SettleDelay time.Duration
	FieldDelay  time.Duration
	Breaker     breaker.Config
}

func (c Config) withDefaults() Config {
	if c.SearchURL == "" {
		c.SearchURL = defaultSearchURL
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Section == "" {
		c.Section = defaultSection
	}
	if c.Query == "" {
		c.Query = defaultQuery
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaultStepTimeout
	}
	c.PageDelay = delayOrDefault(c.PageDelay, defaultPageDelay)
	c.SettleDelay = delayOrDefault(c.SettleDelay, defaultSettleDelay)
	c.FieldDelay = delayOrDefault(c.FieldDelay, defaultFieldDelay)
	if c.Breaker.Name == "" {
		c.Breaker.Name = "browser"
	}
	if c.Breaker.IsFailure == nil {
		c.Breaker.IsFailure = sessionFailure
	}
	return c
}

func delayOrDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

// sessionFailure classifies errors that mean the browser session itself is failing.
// Waits that merely time out describe the page, not the transport.
func sessionFailure(err error) bool {
	return !errors.Is(err, ErrWaitTimeout) && !errors.Is(err, context.Canceled)
}

// Page is one result page handed to the PageHandler.
type Page struct {
	Number    int
	Locations []Location
}

// PageHandler consumes a result page. A returned error aborts the crawl.
type PageHandler func(ctx context.Context, page Page) error

// Summary describes a finished crawl.
type Summary struct {
	Pages     int
	Locations int
	// Empty is set when the search produced no result page.
	Empty bool
	// Stopped is set when the stop flag ended the crawl early.
	Stopped bool
	// Truncated is set when a further page was announced but never loaded.
	Truncated bool
	Errors    []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBreaker replaces the breaker guarding browser steps.
func WithBreaker(b *breaker.Breaker) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.breaker = b
		}
	}
}

// Orchestrator runs the search workflow. A single Orchestrator drives one Browser and
// must not run concurrent crawls.
type Orchestrator struct {
	cfg     Config
	browser Browser
	breaker *breaker.Breaker
	logger  *zap.Logger
	state   atomic.Int32
	stop    atomic.Bool
}

// New builds an Orchestrator over browser.
func New(cfg Config, browser Browser, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:     cfg,
		browser: browser,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.breaker == nil {
		o.breaker = breaker.New(cfg.Breaker, breaker.WithLogger(o.logger))
	}
	return o
}

// State reports the current workflow state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Stop asks a running crawl to end after the current page. It is safe to call from any
// goroutine and stays set for subsequent crawls.
func (o *Orchestrator) Stop() {
	o.stop.Store(true)
}

// Stopped reports whether Stop was called.
func (o *Orchestrator) Stopped() bool {
	return o.stop.Load()
}

// Breaker exposes the breaker guarding browser steps.
func (o *Orchestrator) Breaker() *breaker.Breaker {
	return o.breaker
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.logger.Debug("crawl state", zap.Stringer("state", s))
}

// Navigate opens the search page and waits for the form.
func (o *Orchestrator) Navigate(ctx context.Context) error {
	o.setState(StateIdle)
	err := o.step(ctx, func(ctx context.Context) error {
		navCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
		if err := o.browser.Navigate(navCtx, o.cfg.SearchURL); err != nil {
			return err
		}
		return o.browser.WaitPresent(ctx, formSelector, o.cfg.StepTimeout)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) || ctx.Err() != nil {
			return o.stepError(ctx, "navigate", err)
		}
		return &NavigationError{URL: o.cfg.SearchURL, Err: err}
	}
	o.setState(StateNavigated)
	return nil
}

// Crawl searches date and hands every result page to handle until no next page is
// available, the page cap is reached or Stop is called.
func (o *Orchestrator) Crawl(ctx context.Context, date model.Date, handle PageHandler) (Summary, error) {
	var summary Summary
	log := o.logger.With(zap.String("date", date.String()))

	if err := o.Navigate(ctx); err != nil {
		return summary, err
	}
	if err := o.configure(ctx, date); err != nil {
		return summary, err
	}

	found, err := o.search(ctx)
	if err != nil {
		if !errors.Is(err, ErrWaitTimeout) {
			return summary, err
		}
		log.Warn("search results did not load", zap.Error(err))
		summary.Errors = append(summary.Errors, "search: "+err.Error())
	}
	if !found {
		summary.Empty = true
		o.setState(StateDone)
		log.Info("search returned no results")
		return summary, nil
	}
	o.setState(StateSearched)

	for number := 1; ; number++ {
		o.setState(StatePageReady)
		markup, err := breaker.Execute(ctx, o.breaker, o.browser.HTML)
		if err != nil {
			return summary, o.stepError(ctx, "extract-locations", err)
		}
		locations, err := ExtractLocations(markup, o.cfg.BaseURL)
		if err != nil {
			return summary, o.stepError(ctx, "extract-locations", err)
		}
		summary.Pages++
		summary.Locations += len(locations)
		metrics.IncPages()
		log.Info("result page", zap.Int("page", number), zap.Int("locations", len(locations)))

		if err := handle(ctx, Page{Number: number, Locations: locations}); err != nil {
			return summary, err
		}

		if number >= o.cfg.MaxPages {
			log.Info("page limit reached", zap.Int("max_pages", o.cfg.MaxPages))
			break
		}
		if o.stop.Load() {
			log.Info("stop requested, ending crawl", zap.Int("page", number))
			summary.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		next, ok := findNextPage(markup)
		if !ok {
			break
		}
		if err := o.paginate(ctx, next); err != nil {
			if !errors.Is(err, ErrWaitTimeout) {
				return summary, err
			}
			log.Warn("next page did not load", zap.Int("page", next), zap.Error(err))
			summary.Truncated = true
			summary.Errors = append(summary.Errors, fmt.Sprintf("paginate to %d: %v", next, err))
			break
		}
		if err := pause(ctx, "page", o.cfg.PageDelay); err != nil {
			return summary, err
		}
	}

	o.setState(StateDone)
	return summary, nil
}

func (o *Orchestrator) configure(ctx context.Context, date model.Date) error {
	value := date.Format(formDateLayout)
	fields := []struct {
		selector string
		set      func(context.Context, string, string) error
		value    string
	}{
		{startSelector, o.browser.SetValue, value},
		{endSelector, o.browser.SetValue, value},
		{sectionSelector, o.browser.SelectOption, o.cfg.Section},
		{querySelector, o.browser.SetValue, o.cfg.Query},
	}
	for i, f := range fields {
		err := o.step(ctx, func(ctx context.Context) error {
			if err := o.browser.WaitPresent(ctx, f.selector, o.cfg.StepTimeout); err != nil {
				return err
			}
			return f.set(ctx, f.selector, f.value)
		})
		if err != nil {
			return o.stepError(ctx, "configure", fmt.Errorf("field %s: %w", f.selector, err))
		}
		if i == 1 {
			if err := pause(ctx, "form_field", o.cfg.FieldDelay); err != nil {
				return err
			}
		}
	}
	o.setState(StateConfigured)
	return nil
}

// search submits the form; found is false when the portal reports no results or an error.
func (o *Orchestrator) search(ctx context.Context) (bool, error) {
	conds := []Condition{
		{Selector: resultsSelector},
		{Selector: errorSelector},
		{Text: noResultsMarker},
	}
	var matched int
	err := o.step(ctx, func(ctx context.Context) error {
		if err := o.browser.WaitPresent(ctx, submitSelector, o.cfg.StepTimeout); err != nil {
			return err
		}
		if err := o.browser.Click(ctx, submitSelector); err != nil {
			return err
		}
		idx, err := o.browser.WaitAny(ctx, conds, o.cfg.StepTimeout)
		matched = idx
		return err
	})
	switch {
	case errors.Is(err, ErrWaitTimeout):
		return false, err
	case err != nil:
		return false, o.stepError(ctx, "search", err)
	}
	return matched == 0, nil
}

func (o *Orchestrator) paginate(ctx context.Context, next int) error {
	err := o.step(ctx, func(ctx context.Context) error {
		return o.browser.Evaluate(ctx, paginateScript(next))
	})
	if err != nil {
		return o.stepError(ctx, "paginate", err)
	}
	if err := pause(ctx, "page_settle", o.cfg.SettleDelay); err != nil {
		return err
	}
	err = o.step(ctx, func(ctx context.Context) error {
		_, err := o.browser.WaitAny(ctx, []Condition{{Selector: freshResults}}, o.cfg.StepTimeout)
		return err
	})
	if err != nil && !errors.Is(err, ErrWaitTimeout) {
		return o.stepError(ctx, "paginate", err)
	}
	return err
}

// step runs op under the browser breaker.
func (o *Orchestrator) step(ctx context.Context, op func(context.Context) error) error {
	return o.breaker.Do(ctx, op)
}

func (o *Orchestrator) stepError(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return err
	}
	return &CrawlError{Step: step, Err: err}
}

func pause(ctx context.Context, stage string, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		metrics.ObservePoliteness(stage, d)
		return nil
	}
}
