// Package cmd defines the CLI commands of the juscash executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/torwi-dev/juscash/internal/app"
	"github.com/torwi-dev/juscash/internal/config"
	"github.com/torwi-dev/juscash/internal/logging"
	"github.com/torwi-dev/juscash/internal/model"
	"github.com/torwi-dev/juscash/internal/pipeline"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// appKeyType is the key for storing the Service in the context.
type appKeyType string

const appKey appKeyType = "app"

// Service is what the commands need from the application. Tests inject a fake.
type Service interface {
	RunDate(ctx context.Context, date model.Date) (pipeline.Report, error)
	RunScheduled(ctx context.Context) (pipeline.Report, error)
	RunRange(ctx context.Context, start, end model.Date) ([]pipeline.Report, error)
	Today() model.Date
	Check(ctx context.Context) error
	Stop()
	Stopped() bool
	ServeMetrics(ctx context.Context) error
	Logger() *zap.Logger
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
	return app.New(ctx, cfg, logger)
}

// cli carries state shared by the root command and its subcommands for one execution.
type cli struct {
	cfgFile string
	debug   bool

	svc         Service
	logger      *zap.Logger
	cancel      context.CancelFunc
	signals     chan os.Signal
	interrupted atomic.Bool
}

func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "juscash",
		Short: "Collects payment orders against the INSS from the São Paulo court gazette.",
		Long: `juscash searches the electronic court gazette for a publication date, extracts
the text of every matching document, turns it into case records and submits them
to the case registry. Each date is recorded in the registry as a run.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the services before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.start(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML); environment variables use the JUSCASH_ prefix")
	cmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "development logging at debug level")

	cmd.AddCommand(newScrapeCmd(), newScheduledCmd(), newHistoricalCmd(), newCheckCmd())
	return cmd
}

func (c *cli) start(cmd *cobra.Command) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.debug {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: logging.level: %w", config.ErrInvalid, err)
	}
	logger, err := logging.New(cfg.Logging.Development, level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	c.logger = logger

	ctx, cancel := context.WithCancel(cmd.Context())
	c.cancel = cancel

	svc, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	c.svc = svc
	c.watchSignals(ctx)

	go func() {
		if err := svc.ServeMetrics(ctx); err != nil {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()

	cmd.SetContext(context.WithValue(ctx, appKey, svc))
	return nil
}

// watchSignals stops the run cooperatively on the first signal and cancels on the second.
func (c *cli) watchSignals(ctx context.Context) {
	c.signals = make(chan os.Signal, 2)
	signal.Notify(c.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-c.signals:
				if !ok {
					return
				}
				c.handleSignal(sig)
			}
		}
	}()
}

func (c *cli) handleSignal(sig os.Signal) {
	if c.interrupted.CompareAndSwap(false, true) {
		c.logger.Warn("stop requested, finishing the current page", zap.Stringer("signal", sig))
		c.svc.Stop()
		return
	}
	c.logger.Warn("second signal, aborting", zap.Stringer("signal", sig))
	c.cancel()
}

func (c *cli) close() {
	if c.signals != nil {
		signal.Stop(c.signals)
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.svc != nil {
		if err := c.svc.Close(); err != nil && c.logger != nil {
			c.logger.Warn("close services failed", zap.Error(err))
		}
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func resolveApp(ctx context.Context) (Service, error) {
	svc, ok := ctx.Value(appKey).(Service)
	if !ok || svc == nil {
		return nil, errors.New("application services not initialized")
	}
	return svc, nil
}

// exitCode maps a command outcome to the process exit status.
func exitCode(err error, interrupted bool) int {
	switch {
	case interrupted, errors.Is(err, context.Canceled), errors.Is(err, pipeline.ErrStopped):
		return ExitInterrupted
	case err != nil:
		return ExitFailure
	default:
		return ExitOK
	}
}

func run(args []string) int {
	c := &cli{}
	root := newRootCmd(c)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	defer c.close()

	interrupted := c.interrupted.Load() || (c.svc != nil && c.svc.Stopped())
	if err != nil && !interrupted {
		if c.logger != nil {
			c.logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "juscash: %v\n", err)
		}
	}
	return exitCode(err, interrupted)
}

// Execute runs the CLI with the process arguments and returns the exit status.
func Execute() int {
	return run(os.Args[1:])
}
