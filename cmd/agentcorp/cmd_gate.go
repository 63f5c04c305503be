package main

import (
	"fmt"
	"strconv"
	"strings"

	"agentcorp/internal/gates"

	"github.com/spf13/cobra"
)

var (
	gateName       string
	gatePolicy     string
	gateMinConf    float64
	gateCriteria   []string
	subMolecule    string
	subStep        string
	subSubmitter   string
	subArtifacts   []string
	decideApprove  bool
	decideReason   string
	decideDecider  string
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Manage quality gates and submissions",
}

// --criterion "description[:required|optional][:auto-check-pattern]"
func parseCriterionFlags(specs []string) []gates.Criterion {
	out := make([]gates.Criterion, 0, len(specs))
	for i, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		c := gates.Criterion{
			ID:          fmt.Sprintf("crit-%d", i+1),
			Description: parts[0],
			Required:    true,
		}
		if len(parts) > 1 && parts[1] == "optional" {
			c.Required = false
		}
		if len(parts) > 2 {
			c.AutoCheck = parts[2]
		}
		out = append(out, c)
	}
	return out
}

var gateCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()

		g := &gates.Gate{
			Name:              gateName,
			Policy:            gates.Policy("/" + strings.TrimPrefix(gatePolicy, "/")),
			MinimumConfidence: gateMinConf,
			Criteria:          parseCriterionFlags(gateCriteria),
		}
		if err := corp.Gates().CreateGate(g); err != nil {
			return err
		}
		return printJSON(g)
	},
}

var gateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gates",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		for _, g := range corp.Gates().ListGates() {
			fmt.Printf("%s  %-24s policy=%s criteria=%d\n", g.ID, g.Name,
				strings.TrimPrefix(string(g.Policy), "/"), len(g.Criteria))
		}
		return nil
	},
}

var gateSubmitCmd = &cobra.Command{
	Use:   "submit <gate-id>",
	Short: "Submit artifacts against a gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()

		artifacts := make(map[string]string, len(subArtifacts))
		for _, kv := range subArtifacts {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("artifact %q is not key=value", kv)
			}
			artifacts[k] = v
		}
		sub, err := corp.Gates().Submit(args[0], subMolecule, subStep, subSubmitter, artifacts)
		if err != nil {
			return err
		}
		return printJSON(sub)
	},
}

var gateDecideCmd = &cobra.Command{
	Use:   "decide <submission-id>",
	Short: "Approve or reject a pending submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		return corp.Gates().Decide(args[0], decideDecider, decideApprove, decideReason)
	},
}

var gateSubmissionCmd = &cobra.Command{
	Use:   "submission <submission-id>",
	Short: "Show one submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		sub, err := corp.Gates().GetSubmission(args[0])
		if err != nil {
			return err
		}
		return printJSON(sub)
	},
}

var contractCmd = &cobra.Command{
	Use:   "contract",
	Short: "Inspect and verify contracts",
}

var contractGetCmd = &cobra.Command{
	Use:   "get <molecule-id>",
	Short: "Show the molecule's current contract version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		con, err := corp.Contracts().LatestForMolecule(args[0])
		if err != nil {
			return err
		}
		return printJSON(con)
	},
}

var contractCheckCmd = &cobra.Command{
	Use:   "check <contract-id> <criterion-index>",
	Short: "Mark a success criterion as met",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("criterion index %q is not a number", args[1])
		}
		return corp.Contracts().Check(args[0], idx, decideDecider)
	},
}

var contractValidateCmd = &cobra.Command{
	Use:   "validate <contract-id>",
	Short: "Run a continuous validation pass",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		res, err := corp.Contracts().ValidateContinuous(args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	gateCreateCmd.Flags().StringVar(&gateName, "name", "", "gate name (required)")
	gateCreateCmd.Flags().StringVar(&gatePolicy, "policy", "manual", "auto-approval policy: manual, strict, lenient, auto_checks_only")
	gateCreateCmd.Flags().Float64Var(&gateMinConf, "min-confidence", 0.8, "minimum confidence for lenient auto-approval")
	gateCreateCmd.Flags().StringArrayVar(&gateCriteria, "criterion", nil, "criterion desc[:required|optional][:auto-check], repeatable")
	gateCreateCmd.MarkFlagRequired("name")

	gateSubmitCmd.Flags().StringVar(&subMolecule, "molecule", "", "molecule id (required)")
	gateSubmitCmd.Flags().StringVar(&subStep, "step", "", "step id (required)")
	gateSubmitCmd.Flags().StringVar(&subSubmitter, "submitter", "cli", "submitter id")
	gateSubmitCmd.Flags().StringArrayVar(&subArtifacts, "artifact", nil, "artifact key=value, repeatable")
	gateSubmitCmd.MarkFlagRequired("molecule")
	gateSubmitCmd.MarkFlagRequired("step")

	gateDecideCmd.Flags().BoolVar(&decideApprove, "approve", false, "approve (default rejects)")
	gateDecideCmd.Flags().StringVar(&decideReason, "reason", "", "decision reason")
	gateDecideCmd.Flags().StringVar(&decideDecider, "decider", "cli", "decider id")
	contractCheckCmd.Flags().StringVar(&decideDecider, "verifier", "cli", "verifier id")

	gateCmd.AddCommand(gateCreateCmd, gateListCmd, gateSubmitCmd, gateDecideCmd, gateSubmissionCmd)
	contractCmd.AddCommand(contractGetCmd, contractCheckCmd, contractValidateCmd)
	rootCmd.AddCommand(gateCmd, contractCmd)
}
