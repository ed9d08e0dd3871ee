package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned by Browser waits that expire without a match.
var ErrWaitTimeout = errors.New("browser wait timed out")

// Condition is satisfied when Selector matches an element or Text appears in the page body.
// Exactly one of the fields is expected to be set.
type Condition struct {
	Selector string
	Text     string
}

// Browser is the remote browser session the orchestrator drives. Implementations are not
// shared across concurrent crawls.
type Browser interface {
	// Navigate loads url in the session.
	Navigate(ctx context.Context, url string) error
	// WaitPresent blocks until selector matches or timeout elapses (ErrWaitTimeout).
	WaitPresent(ctx context.Context, selector string, timeout time.Duration) error
	// SetValue clears a text field, lifting any read-only restriction, then types value.
	SetValue(ctx context.Context, selector, value string) error
	// SelectOption picks the option with value in a select element.
	SelectOption(ctx context.Context, selector, value string) error
	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
	// WaitAny returns the index of the first condition that holds, or ErrWaitTimeout.
	WaitAny(ctx context.Context, conds []Condition, timeout time.Duration) (int, error)
	// HTML returns the current document markup.
	HTML(ctx context.Context) (string, error)
	// Evaluate runs script in the page.
	Evaluate(ctx context.Context, script string) error
}

// NavigationError reports that the search entry point could not be opened.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate to %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// CrawlError reports a crawl step that failed because the browser session is unusable.
type CrawlError struct {
	Step string
	Err  error
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("crawl step %s: %v", e.Step, e.Err)
}

func (e *CrawlError) Unwrap() error { return e.Err }
