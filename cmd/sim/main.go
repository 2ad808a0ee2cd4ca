package main

import (
	"fmt"
	"os"
	"time"

	"Handel/internal/aggregation"
	"Handel/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// command builds the root command.
func command() *cobra.Command {
	c := &cobra.Command{
		Use:           "sim",
		Short:         "Simulates one Handel aggregation round in process",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addFlags(c.Flags())

	return c
}

// run is the main entry point with error handling.
func run(c *cobra.Command, _ []string) error {
	cfg, err := parseFlags(c.Flags())
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	metrics := aggregation.NewMetrics(reg)

	start := time.Now()

	r, err := simulate(c.Context(), cfg, metrics)
	if err != nil {
		return fmt.Errorf("simulate:\n%w", err)
	}

	printReport(cfg, r, time.Since(start))

	if cfg.Metrics {
		if err := printMetrics(reg); err != nil {
			return fmt.Errorf("print metrics:\n%w", err)
		}
	}

	if !r.Verified {
		return fmt.Errorf("aggregate of %d signers does not verify", r.Signers)
	}

	return nil
}

// printReport displays the outcome of the round.
func printReport(cfg *Config, r *Report, elapsed time.Duration) {
	online := cfg.Nodes - len(cfg.Offline)

	logger.Info("round complete",
		"nodes", cfg.Nodes,
		"online", online,
		"total", r.Total,
		"quorum", r.Quorum,
		"done", r.Done,
		"agreeing", r.Agreeing,
		"signers", r.Signers,
		"verified", r.Verified,
		"elapsed", elapsed,
	)

	for id, w := range r.Weights {
		if cfg.Offline[id] {
			continue
		}

		logger.Debug("node result", "node", id, "weight", w, "done", w >= r.Quorum)
	}
}

// printMetrics writes the gathered metrics in text format to stdout.
func printMetrics(reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			return err
		}
	}

	return nil
}
