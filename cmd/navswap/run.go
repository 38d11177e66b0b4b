package main

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/navswap/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/navswap/internal/sim"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Replay navigation scenarios against simulated content processes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Close()

			metrics := monitoring.NewMetrics(prometheus.NewRegistry())
			tracer := tracing.New("navswap", logger.Component("tracing"))
			defer tracer.Close()

			failed := 0
			for _, path := range args {
				sc, err := sim.LoadFile(path)
				if err != nil {
					return err
				}
				runner, err := sim.NewRunner(sc, sim.RunnerOptions{
					Config:  cfg,
					Tracer:  tracer,
					Metrics: metrics,
					Logger:  logger.Logger,
				})
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				report, runErr := runner.Run(cmd.Context())
				if runErr != nil {
					failed++
					logger.Warn("Scenario failed", zap.String("file", path), zap.Error(runErr))
				}
				if err := printReport(cmd.OutOrStdout(), path, report, asJSON); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d scenarios failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Check scenario files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				sc, err := sim.LoadFile(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%d steps)\n", path, len(sc.Steps))
			}
			return nil
		},
	}
}

func printReport(w io.Writer, path string, report *sim.Report, asJSON bool) error {
	if asJSON {
		data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	status := "PASS"
	if !report.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s %s: %s\n", status, path, report.Name)
	for _, s := range report.Steps {
		mark := "ok"
		if s.Error != "" {
			mark = "!!"
		}
		line := fmt.Sprintf("  %s %3d %-9s", mark, s.Index, s.Do)
		if s.Page != "" {
			line += " " + s.Page
		}
		if s.URL != "" {
			line += " " + s.URL
		}
		fmt.Fprintln(w, line)
		if s.Error != "" {
			fmt.Fprintf(w, "         %s\n", s.Error)
		}
	}
	for _, p := range report.Pages {
		fmt.Fprintf(w, "  page %s pid=%s url=%s history=%d/%d\n",
			p.ID, p.ProcessID, p.URL, p.HistoryIndex+1, p.HistoryLength)
	}
	return nil
}
