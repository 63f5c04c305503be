package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"agentcorp/internal/logging"

	"github.com/spf13/cobra"
)

var (
	runContinuous bool
	metricsAddr   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run execution cycles over the active molecules",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: corp.MetricsHandler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Get(logging.CategoryMonitor).Error("metrics server: %v", err)
				}
			}()
			defer srv.Close()
			logging.Monitor("serving metrics on %s", metricsAddr)
		}

		if err := corp.StartWatcher(ctx); err != nil {
			return err
		}
		if runContinuous {
			return corp.RunContinuous(ctx)
		}
		return corp.RunCycle(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Collect and print a corporation snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		snap, err := corp.Monitor().CollectMetrics()
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Run health checks and print active alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		alerts, err := corp.Monitor().CheckHealth()
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Println("no active alerts")
			return nil
		}
		return printJSON(alerts)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Replay the ledger and cross-check the stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		report, err := corp.Rebuild()
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runContinuous, "continuous", false, "keep cycling until interrupted")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(runCmd, statusCmd, alertsCmd, rebuildCmd)
}
