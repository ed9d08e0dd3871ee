package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/torwi-dev/juscash/internal/model"
)

func newScrapeCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Runs one publication date (today by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			target := svc.Today()
			if date != "" {
				if target, err = model.ParseDate(date); err != nil {
					return fmt.Errorf("--date: %w", err)
				}
			}
			if _, err := svc.RunDate(cmd.Context(), target); err != nil {
				return fmt.Errorf("run %s: %w", target, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "publication date as YYYY-MM-DD")
	return cmd
}

func newScheduledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduled",
		Short: "Runs today unless the registry already has a completed run for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := svc.RunScheduled(cmd.Context())
			if err != nil {
				return fmt.Errorf("scheduled run: %w", err)
			}
			if report.AlreadyCompleted {
				svc.Logger().Info("nothing to do", zap.String("run_id", report.RunID))
			}
			return nil
		},
	}
}

func newHistoricalCmd() *cobra.Command {
	var startDate, endDate string
	cmd := &cobra.Command{
		Use:   "historical",
		Short: "Runs every date of a range, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			start, err := model.ParseDate(startDate)
			if err != nil {
				return fmt.Errorf("--start-date: %w", err)
			}
			end, err := model.ParseDate(endDate)
			if err != nil {
				return fmt.Errorf("--end-date: %w", err)
			}
			reports, err := svc.RunRange(cmd.Context(), start, end)
			created, failed := 0, 0
			for _, r := range reports {
				created += r.Created
				if r.Status == model.RunStatusFailed {
					failed++
				}
			}
			svc.Logger().Info("historical range finished",
				zap.Stringer("start_date", start),
				zap.Stringer("end_date", end),
				zap.Int("dates", len(reports)),
				zap.Int("failed_dates", failed),
				zap.Int("created", created),
			)
			if err != nil {
				return fmt.Errorf("historical run: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "first date as YYYY-MM-DD")
	cmd.Flags().StringVar(&endDate, "end-date", "", "last date as YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("start-date")
	_ = cmd.MarkFlagRequired("end-date")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verifies the registry is healthy and the search page loads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.Check(cmd.Context()); err != nil {
				return fmt.Errorf("check: %w", err)
			}
			svc.Logger().Info("all checks passed")
			return nil
		},
	}
}
