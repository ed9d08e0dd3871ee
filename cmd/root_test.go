package cmd

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torwi-dev/juscash/internal/config"
	"github.com/torwi-dev/juscash/internal/model"
	"github.com/torwi-dev/juscash/internal/pipeline"
)

type fakeService struct {
	today     model.Date
	runErr    error
	checkErr  error
	scheduled pipeline.Report
	stopOnRun bool

	dates   []model.Date
	ranges  [][2]model.Date
	checked bool
	stopped bool
	closed  bool
}

func (f *fakeService) RunDate(_ context.Context, date model.Date) (pipeline.Report, error) {
	f.dates = append(f.dates, date)
	if f.stopOnRun {
		f.stopped = true
	}
	return pipeline.Report{Date: date, Status: model.RunStatusCompleted}, f.runErr
}

func (f *fakeService) RunScheduled(context.Context) (pipeline.Report, error) {
	return f.scheduled, f.runErr
}

func (f *fakeService) RunRange(_ context.Context, start, end model.Date) ([]pipeline.Report, error) {
	f.ranges = append(f.ranges, [2]model.Date{start, end})
	return []pipeline.Report{{Date: start, Created: 2}, {Date: end, Status: model.RunStatusFailed}}, f.runErr
}

func (f *fakeService) Today() model.Date { return f.today }
func (f *fakeService) Check(context.Context) error { f.checked = true; return f.checkErr }
func (f *fakeService) Stop() { f.stopped = true }
func (f *fakeService) Stopped() bool { return f.stopped }
func (f *fakeService) ServeMetrics(context.Context) error { return nil }
func (f *fakeService) Logger() *zap.Logger { return zap.NewNop() }
func (f *fakeService) Close() error { f.closed = true; return nil }

func mustDate(t *testing.T, s string) model.Date {
	t.Helper()
	d, err := model.ParseDate(s)
	require.NoError(t, err)
	return d
}

// useFake swaps the application factory. Tests using it must not run in parallel.
func useFake(t *testing.T, svc *fakeService) *int {
	t.Helper()
	t.Setenv("JUSCASH_REGISTRY_TOKEN", "token")
	calls := 0
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (Service, error) {
		calls++
		return svc, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &calls
}

func TestScrapeCommand(t *testing.T) {
	svc := &fakeService{today: mustDate(t, "2024-03-05")}
	useFake(t, svc)

	require.Equal(t, ExitOK, run([]string{"scrape"}))
	require.Equal(t, ExitOK, run([]string{"scrape", "--date", "2024-02-29"}))

	assert.Equal(t, []model.Date{mustDate(t, "2024-03-05"), mustDate(t, "2024-02-29")}, svc.dates)
	assert.True(t, svc.closed)
}

func TestScrapeCommandFailures(t *testing.T) {
	svc := &fakeService{today: mustDate(t, "2024-03-05")}
	useFake(t, svc)

	assert.Equal(t, ExitFailure, run([]string{"scrape", "--date", "05/03/2024"}))
	assert.Empty(t, svc.dates)

	svc.runErr = errors.New("crawl: navigate")
	assert.Equal(t, ExitFailure, run([]string{"scrape"}))
}

func TestScrapeInterruptedExits130(t *testing.T) {
	svc := &fakeService{today: mustDate(t, "2024-03-05"), stopOnRun: true}
	useFake(t, svc)

	assert.Equal(t, ExitInterrupted, run([]string{"scrape"}))
}

func TestScheduledCommand(t *testing.T) {
	svc := &fakeService{scheduled: pipeline.Report{RunID: "run-1", AlreadyCompleted: true}}
	useFake(t, svc)
	assert.Equal(t, ExitOK, run([]string{"scheduled"}))

	svc.runErr = fmt.Errorf("run run-1: %w", pipeline.ErrRunInProgress)
	assert.Equal(t, ExitFailure, run([]string{"scheduled"}))
}

func TestHistoricalCommand(t *testing.T) {
	svc := &fakeService{}
	useFake(t, svc)

	require.Equal(t, ExitOK, run([]string{"historical", "--start-date", "2024-03-01", "--end-date", "2024-03-03"}))
	require.Len(t, svc.ranges, 1)
	assert.Equal(t, mustDate(t, "2024-03-01"), svc.ranges[0][0])
	assert.Equal(t, mustDate(t, "2024-03-03"), svc.ranges[0][1])

	assert.Equal(t, ExitFailure, run([]string{"historical", "--start-date", "2024-03-01"}))
	assert.Equal(t, ExitFailure, run([]string{"historical", "--start-date", "x", "--end-date", "2024-03-03"}))

	svc.runErr = pipeline.ErrStopped
	assert.Equal(t, ExitInterrupted, run([]string{"historical", "--start-date", "2024-03-01", "--end-date", "2024-03-03"}))
}

func TestCheckCommand(t *testing.T) {
	svc := &fakeService{}
	useFake(t, svc)

	assert.Equal(t, ExitOK, run([]string{"check"}))
	assert.True(t, svc.checked)

	svc.checkErr = pipeline.ErrRegistryUnavailable
	assert.Equal(t, ExitFailure, run([]string{"check"}))
}

func TestMissingTokenFailsBeforeServicesStart(t *testing.T) {
	calls := useFake(t, &fakeService{})
	t.Setenv("JUSCASH_REGISTRY_TOKEN", "")

	assert.Equal(t, ExitFailure, run([]string{"check"}))
	assert.Zero(t, *calls)
}

func TestHandleSignal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := &fakeService{}
	c := &cli{svc: svc, logger: zap.NewNop(), cancel: cancel}

	c.handleSignal(syscall.SIGINT)
	assert.True(t, svc.stopped)
	assert.True(t, c.interrupted.Load())
	assert.NoError(t, ctx.Err())

	c.handleSignal(syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("second signal did not cancel")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		interrupted bool
		want        int
	}{
		{name: "success", want: ExitOK},
		{name: "failure", err: errors.New("boom"), want: ExitFailure},
		{name: "interrupted", interrupted: true, want: ExitInterrupted},
		{name: "interrupted with error", err: errors.New("boom"), interrupted: true, want: ExitInterrupted},
		{name: "canceled", err: fmt.Errorf("run: %w", context.Canceled), want: ExitInterrupted},
		{name: "stopped", err: pipeline.ErrStopped, want: ExitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, exitCode(tt.err, tt.interrupted))
		})
	}
}
