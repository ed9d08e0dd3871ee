// Package headless drives a Chrome session through chromedp for the search workflow.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/torwi-dev/juscash/internal/crawl"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultActionTimeout     = 30 * time.Second
	defaultPollInterval      = 250 * time.Millisecond
)

// Config controls the browser session.
type Config struct {
	// RemoteURL attaches to an already running browser (ws:// or http:// DevTools
	// endpoint) instead of launching a local one.
	RemoteURL         string
	Headless          bool
	UserAgent         string
	Headers           http.Header
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	PollInterval      time.Duration
}

// Session implements crawl.Browser on a single chromedp tab.
type Session struct {
	cfg         Config
	logger      *zap.Logger
	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc
	meta        *responseMeta

	startOnce sync.Once
	startErr  error
}

var _ crawl.Browser = (*Session)(nil)

// NewSession prepares a browser session. The browser itself starts on first use.
func NewSession(cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout < 0 || cfg.ActionTimeout < 0 {
		return nil, errors.New("browser timeouts must be >= 0")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		logger.Info("attaching to remote browser", zap.String("remote_url", cfg.RemoteURL))
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	}
	tab, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         cfg,
		logger:      logger,
		allocCancel: allocCancel,
		tab:         tab,
		tabCancel:   tabCancel,
		meta:        newResponseMeta(),
	}
	chromedp.ListenTarget(tab, s.meta.captureEvent)
	return s, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1920, 1080),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// Close shuts the tab and the browser (or the remote connection).
func (s *Session) Close() {
	s.tabCancel()
	s.allocCancel()
}

// Navigate loads url and fails when the document response is an HTTP error.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.meta.reset()
	err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if status, finalURL := s.meta.snapshot(); status >= http.StatusBadRequest {
		return fmt.Errorf("navigate: %s answered HTTP %d", fallback(finalURL, url), status)
	}
	return nil
}

// WaitPresent waits until selector matches an element.
func (s *Session) WaitPresent(ctx context.Context, selector string, timeout time.Duration) error {
	return waitResult(s.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery)))
}

// SetValue clears the input, lifting any read-only attribute, and types value.
func (s *Session) SetValue(ctx context.Context, selector, value string) error {
	return s.run(ctx, s.cfg.ActionTimeout,
		chromedp.RemoveAttribute(selector, "readonly", chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// SelectOption sets the value of a select element and fires its change event, so page
// handlers that react to the selection run.
func (s *Session) SelectOption(ctx context.Context, selector, value string) error {
	notify, err := changeEventScript(selector)
	if err != nil {
		return err
	}
	var dispatched bool
	return s.run(ctx, s.cfg.ActionTimeout,
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(notify, &dispatched),
	)
}

// Click clicks the element matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, s.cfg.ActionTimeout, chromedp.Click(selector, chromedp.ByQuery))
}

// WaitAny polls the page until one of conds holds.
func (s *Session) WaitAny(ctx context.Context, conds []crawl.Condition, timeout time.Duration) (int, error) {
	expr, err := conditionScript(conds)
	if err != nil {
		return -1, err
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var (
		lastErr  error
		answered bool
	)
	for {
		idx := -1
		// Evaluation fails while a navigation swaps the document; keep polling.
		if err := s.run(ctx, s.cfg.PollInterval*4, chromedp.Evaluate(expr, &idx)); err != nil {
			if ctx.Err() != nil {
				return -1, ctx.Err()
			}
			lastErr = err
		} else {
			answered = true
			if idx >= 0 {
				return idx, nil
			}
		}
		if time.Now().After(deadline) {
			if !answered && lastErr != nil {
				return -1, fmt.Errorf("wait for page condition: %w", lastErr)
			}
			return -1, crawl.ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HTML returns the outer markup of the current document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Evaluate runs script in the page and discards its result.
func (s *Session) Evaluate(ctx context.Context, script string) error {
	var ignored any
	return s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(script, &ignored))
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx. Deriving
// from the tab keeps the browser alive when a single action is canceled.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.start(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(s.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("chromedp run: %w: %w", context.DeadlineExceeded, err)
	default:
		return fmt.Errorf("chromedp run: %w", err)
	}
}

// waitResult maps an expired wait to crawl.ErrWaitTimeout. Other actions that run out of
// time keep their deadline error, which the browser breaker counts as a session failure.
func waitResult(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return crawl.ErrWaitTimeout
	}
	return err
}

// start launches (or attaches to) the browser on the tab context itself, so the browser
// outlives the per-action contexts derived from it.
func (s *Session) start() error {
	s.startOnce.Do(func() {
		if err := chromedp.Run(s.tab, s.networkSetupAction()); err != nil {
			s.startErr = fmt.Errorf("start browser: %w", err)
		}
	})
	return s.startErr
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(s.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(s.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

type jsCondition struct {
	Selector string `json:"s,omitempty"`
	Text     string `json:"t,omitempty"`
}

// conditionScript builds an expression evaluating to the index of the first satisfied
// condition, or -1.
func changeEventScript(selector string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	return fmt.Sprintf(`(function(){
  var el = document.querySelector(%s);
  if (!el) { return false; }
  el.dispatchEvent(new Event("change", {bubbles: true}));
  return true;
})()`, sel), nil
}

func conditionScript(conds []crawl.Condition) (string, error) {
	if len(conds) == 0 {
		return "", errors.New("wait requires at least one condition")
	}
	encoded := make([]jsCondition, 0, len(conds))
	for _, c := range conds {
		if c.Selector == "" && c.Text == "" {
			return "", errors.New("empty wait condition")
		}
		encoded = append(encoded, jsCondition{Selector: c.Selector, Text: c.Text})
	}
	payload, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("encode wait conditions: %w", err)
	}
	return fmt.Sprintf(`(function(conds){
  var body = document.body ? document.body.innerText : "";
  for (var i = 0; i < conds.length; i++) {
    if (conds[i].s && document.querySelector(conds[i].s)) { return i; }
    if (conds[i].t && body.indexOf(conds[i].t) >= 0) { return i; }
  }
  return -1;
})(%s)`, payload), nil
}

// responseMeta tracks the last main-document response of the tab.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status, m.url = 0, ""
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
