// agentcorp runs a corporation of agents: persistent workflows (molecules)
// executed by a tiered org of LLM-backed agents, with an append-only ledger
// as the source of truth.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"agentcorp/internal/config"
	"agentcorp/internal/corporation"
	"agentcorp/internal/llm"

	"github.com/spf13/cobra"
)

var (
	stateRoot string
	useMock   bool
)

var rootCmd = &cobra.Command{
	Use:   "agentcorp",
	Short: "agentcorp - a corporation of agents",
	Long: `agentcorp orchestrates multi-agent workflows.

Molecules (persistent workflows) are broken into steps, scheduled onto a
tiered org of agents through per-agent priority queues, checked at quality
gates, and bound to contracts. Every state change is recorded in an
append-only ledger first; all stores can be rebuilt from it.`,
	SilenceUsage: true,
}

// newCorp assembles the corporation for one command invocation.
func newCorp() (*corporation.Corporation, error) {
	root := stateRoot
	if root == "" {
		root = config.StateRootFromEnv()
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	var opts []corporation.Option
	if useMock || cfg.LLM.Provider == "mock" {
		opts = append(opts, corporation.WithBackend(llm.NewMockBackend()))
	}
	return corporation.New(cfg, opts...)
}

// printJSON renders command output the way the stores persist it.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&stateRoot, "state-root", "", "state directory (default .corp or AGENTCORP_STATE_ROOT)")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock-llm", false, "use the deterministic mock LLM backend")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
