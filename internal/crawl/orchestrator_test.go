package crawl

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torwi-dev/juscash/internal/breaker"
	"github.com/torwi-dev/juscash/internal/model"
)

var (
	crawlDate     = model.NewDate(time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC))
	pagerCallExpr = regexp.MustCompile(`trocaDePg\((\d+)\);`)
)

// fakeBrowser replays a fixed set of result pages.
type fakeBrowser struct {
	mu sync.Mutex

	pages       []string
	current     int
	searchMatch int

	navErr      error
	searchErr   error
	htmlErr     error
	evalErr     error
	pageTimeout bool

	navigations int
	values      map[string]string
	scripts     []string
}

func newFakeBrowser(pages ...string) *fakeBrowser {
	return &fakeBrowser{pages: pages, values: map[string]string{}}
}

func (f *fakeBrowser) Navigate(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigations++
	return f.navErr
}

func (f *fakeBrowser) WaitPresent(ctx context.Context, _ string, _ time.Duration) error {
	return ctx.Err()
}

func (f *fakeBrowser) SetValue(_ context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[selector] = value
	return nil
}

func (f *fakeBrowser) SelectOption(ctx context.Context, selector, value string) error {
	return f.SetValue(ctx, selector, value)
}

func (f *fakeBrowser) Click(context.Context, string) error { return nil }

func (f *fakeBrowser) WaitAny(_ context.Context, conds []Condition, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(conds) == 1 && conds[0].Selector == freshResults {
		if f.pageTimeout {
			return -1, ErrWaitTimeout
		}
		return 0, nil
	}
	if f.searchErr != nil {
		return -1, f.searchErr
	}
	return f.searchMatch, nil
}

func (f *fakeBrowser) HTML(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.htmlErr != nil {
		return "", f.htmlErr
	}
	return f.pages[f.current], nil
}

func (f *fakeBrowser) Evaluate(_ context.Context, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
	if f.evalErr != nil {
		return f.evalErr
	}
	m := pagerCallExpr.FindStringSubmatch(script)
	if m == nil {
		return errors.New("unexpected script")
	}
	n, _ := strconv.Atoi(m[1])
	if n-1 < len(f.pages) {
		f.current = n - 1
	}
	return nil
}

func resultPage(number int, next bool, seqs ...int) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="divResultadosInferior"><table>`)
	for _, seq := range seqs {
		fmt.Fprintf(&b, `<tr><td><a href="#" onclick="return popup('/cdje/consultaSimples.do?cdVolume=19&amp;nuDiario=4000&amp;cdCaderno=12&amp;nuSeqpagina=%d');">Visualizar</a></td></tr>`, seq)
	}
	b.WriteString(`</table>`)
	if next {
		fmt.Fprintf(&b, `<a href="javascript:void(0);" onclick="trocaDePg(%d);">Próximo&gt;</a>`, number+1)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func testConfig() Config {
	return Config{
		MaxPages:    10,
		StepTimeout: 50 * time.Millisecond,
		PageDelay:   -1,
		SettleDelay: -1,
		FieldDelay:  -1,
		Breaker:     breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute},
	}
}

func collect(pages *[]Page) PageHandler {
	return func(_ context.Context, p Page) error {
		*pages = append(*pages, p)
		return nil
	}
}

func TestCrawlVisitsEveryPage(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(
		resultPage(1, true, 10, 11, 10),
		resultPage(2, true, 12),
		resultPage(3, false, 13, 14),
	)
	o := New(testConfig(), b)
	require.Equal(t, StateIdle, o.State())

	var pages []Page
	summary, err := o.Crawl(context.Background(), crawlDate, collect(&pages))
	require.NoError(t, err)

	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, 3, summary.Pages)
	assert.Equal(t, 5, summary.Locations)
	assert.False(t, summary.Truncated)
	require.Len(t, pages, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{pages[0].Number, pages[1].Number, pages[2].Number})
	require.Len(t, pages[0].Locations, 2, "duplicate links collapse")
	assert.Contains(t, pages[0].Locations[0].Download, "nuSeqpagina=10")
	assert.Contains(t, pages[0].Locations[1].Download, "nuSeqpagina=11")

	assert.Equal(t, "05/03/2024", b.values[startSelector])
	assert.Equal(t, "05/03/2024", b.values[endSelector])
	assert.Equal(t, "12", b.values[sectionSelector])
	assert.Equal(t, defaultQuery, b.values[querySelector])
	require.Len(t, b.scripts, 2)
	assert.Contains(t, b.scripts[0], staleAttr)
}

func TestCrawlStopsAtPageLimit(t *testing.T) {
	t.Parallel()

	pages := make([]string, 10)
	for i := range pages {
		pages[i] = resultPage(i+1, true, i)
	}
	cfg := testConfig()
	cfg.MaxPages = 3
	o := New(cfg, newFakeBrowser(pages...))

	var seen []Page
	summary, err := o.Crawl(context.Background(), crawlDate, collect(&seen))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Pages)
	assert.Len(t, seen, 3)
	assert.Equal(t, StateDone, o.State())
}

func TestCrawlHonorsStopFlag(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(resultPage(1, true, 1), resultPage(2, false, 2))
	o := New(testConfig(), b)

	summary, err := o.Crawl(context.Background(), crawlDate, func(context.Context, Page) error {
		o.Stop()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, o.Stopped())
	assert.True(t, summary.Stopped)
	assert.Equal(t, 1, summary.Pages)
	assert.Empty(t, b.scripts, "no pagination after stop")
}

func TestCrawlSearchWithoutResults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		match     int
		err       error
		wantNotes int
	}{
		{name: "no results marker", match: 2},
		{name: "error marker", match: 1},
		{name: "timeout", err: ErrWaitTimeout, wantNotes: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := newFakeBrowser(resultPage(1, false, 1))
			b.searchMatch = tc.match
			b.searchErr = tc.err
			o := New(testConfig(), b)

			called := false
			summary, err := o.Crawl(context.Background(), crawlDate, func(context.Context, Page) error {
				called = true
				return nil
			})
			require.NoError(t, err)
			assert.False(t, called)
			assert.True(t, summary.Empty)
			assert.Len(t, summary.Errors, tc.wantNotes)
			assert.Equal(t, StateDone, o.State())
		})
	}
}

func TestCrawlNavigationError(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser()
	b.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	o := New(testConfig(), b)

	_, err := o.Crawl(context.Background(), crawlDate, collect(new([]Page)))
	var navErr *NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, defaultSearchURL, navErr.URL)
	assert.Equal(t, StateIdle, o.State())
}

func TestCrawlBreakerOpensOnSessionFailures(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser()
	b.navErr = errors.New("websocket: close 1006")
	cfg := testConfig()
	cfg.Breaker = breaker.Config{Name: "browser-" + t.Name(), FailureThreshold: 2, RecoveryTimeout: time.Hour}
	o := New(cfg, b)

	for i := 0; i < 2; i++ {
		_, err := o.Crawl(context.Background(), crawlDate, collect(new([]Page)))
		var navErr *NavigationError
		require.ErrorAs(t, err, &navErr)
	}

	_, err := o.Crawl(context.Background(), crawlDate, collect(new([]Page)))
	var crawlErr *CrawlError
	require.ErrorAs(t, err, &crawlErr)
	assert.Equal(t, "navigate", crawlErr.Step)
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 2, b.navigations, "open breaker fails fast")
}

func TestCrawlPaginationTimeoutTruncates(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(resultPage(1, true, 1), resultPage(2, false, 2))
	b.pageTimeout = true
	o := New(testConfig(), b)

	summary, err := o.Crawl(context.Background(), crawlDate, collect(new([]Page)))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pages)
	assert.True(t, summary.Truncated)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "paginate to 2")
	assert.Equal(t, StateDone, o.State())
}

func TestCrawlPaginationSessionFailure(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(resultPage(1, true, 1), resultPage(2, false, 2))
	b.evalErr = errors.New("target closed")
	o := New(testConfig(), b)

	summary, err := o.Crawl(context.Background(), crawlDate, collect(new([]Page)))
	var crawlErr *CrawlError
	require.ErrorAs(t, err, &crawlErr)
	assert.Equal(t, "paginate", crawlErr.Step)
	assert.Equal(t, 1, summary.Pages)
}

func TestCrawlHandlerErrorAborts(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(resultPage(1, true, 1), resultPage(2, false, 2))
	o := New(testConfig(), b)
	boom := errors.New("registry unavailable")

	summary, err := o.Crawl(context.Background(), crawlDate, func(context.Context, Page) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, summary.Pages)
	assert.Empty(t, b.scripts)
}

func TestCrawlResultMarkupFailure(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(resultPage(1, false, 1))
	b.htmlErr = errors.New("session detached")
	o := New(testConfig(), b)

	_, err := o.Crawl(context.Background(), crawlDate, collect(new([]Page)))
	var crawlErr *CrawlError
	require.ErrorAs(t, err, &crawlErr)
	assert.Equal(t, "extract-locations", crawlErr.Step)
}

func TestCrawlCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := New(testConfig(), newFakeBrowser(resultPage(1, false, 1)))

	_, err := o.Crawl(ctx, crawlDate, collect(new([]Page)))
	require.ErrorIs(t, err, context.Canceled)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "page-ready", StatePageReady.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "state(42)", State(42).String())
}
