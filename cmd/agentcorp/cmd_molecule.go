package main

import (
	"fmt"
	"strings"

	"agentcorp/internal/contract"
	"agentcorp/internal/molecule"
	"agentcorp/internal/types"

	"github.com/spf13/cobra"
)

var (
	molName        string
	molDescription string
	molAccountable string
	molCreator     string
	molSteps       []string
	molTemplate    string
	molObjective   string
	molCriteria    []string
	molStatus      string
)

var moleculeCmd = &cobra.Command{
	Use:   "molecule",
	Short: "Create, start, and inspect molecules",
}

// --step "name[:dep1+dep2][:capability]" builds a linear step list on the
// command line; templates cover the richer topologies.
func parseStepFlags(specs []string) ([]*molecule.Step, error) {
	byName := make(map[string]string)
	var steps []*molecule.Step
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		name := parts[0]
		if name == "" {
			return nil, fmt.Errorf("empty step name in %q", spec)
		}
		s := &molecule.Step{
			Name:        name,
			Priority:    types.PriorityP2,
			Instruction: name,
		}
		if len(parts) > 1 && parts[1] != "" {
			for _, dep := range strings.Split(parts[1], "+") {
				depID, ok := byName[dep]
				if !ok {
					return nil, fmt.Errorf("step %q depends on unknown step %q", name, dep)
				}
				s.DependsOn = append(s.DependsOn, depID)
			}
		}
		if len(parts) > 2 && parts[2] != "" {
			s.RequiredCapabilities = strings.Split(parts[2], "+")
		}
		s.ID = fmt.Sprintf("step_%s", strings.ToLower(strings.ReplaceAll(name, " ", "-")))
		byName[name] = s.ID
		steps = append(steps, s)
	}
	return steps, nil
}

var moleculeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft molecule (from flags or a template)",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()

		var m *molecule.Molecule
		if molTemplate != "" {
			m, err = corp.Templates().Instantiate(molTemplate, molName, molAccountable, molCreator)
			if err != nil {
				return err
			}
		} else {
			steps, err := parseStepFlags(molSteps)
			if err != nil {
				return err
			}
			m = &molecule.Molecule{
				Name:        molName,
				Description: molDescription,
				Type:        molecule.TypeLinear,
				Creator:     molCreator,
				RACI:        molecule.RACI{Accountable: molAccountable},
				Steps:       steps,
			}
		}

		var criteria []contract.SuccessCriterion
		for _, c := range molCriteria {
			criteria = append(criteria, contract.SuccessCriterion{Description: c, Required: true})
		}
		created, err := corp.CreateMolecule(m, molObjective, criteria)
		if err != nil {
			return err
		}
		return printJSON(created)
	},
}

var moleculeStartCmd = &cobra.Command{
	Use:   "start <molecule-id>",
	Short: "Start a molecule and seed its ready steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		m, err := corp.StartMolecule(args[0])
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var moleculeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List molecules",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		for _, m := range corp.Engine().List(molecule.Status(molStatus)) {
			fmt.Printf("%s  %-10s %-18s %5.1f%%  %s\n", m.ID, strings.TrimPrefix(string(m.Status), "/"),
				strings.TrimPrefix(string(m.Type), "/"), m.Progress*100, m.Name)
		}
		return nil
	},
}

var moleculeGetCmd = &cobra.Command{
	Use:   "get <molecule-id>",
	Short: "Show one molecule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		m, err := corp.Engine().Get(args[0])
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

var moleculePauseCmd = &cobra.Command{
	Use:   "pause <molecule-id>",
	Short: "Pause an active molecule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		return corp.Engine().Pause(args[0])
	},
}

var moleculeResumeCmd = &cobra.Command{
	Use:   "resume <molecule-id>",
	Short: "Resume a paused molecule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		return corp.Engine().Resume(args[0])
	},
}

var templateListCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available molecule templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		names, err := corp.Templates().List()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

func init() {
	moleculeCreateCmd.Flags().StringVar(&molName, "name", "", "molecule name (required)")
	moleculeCreateCmd.Flags().StringVar(&molDescription, "description", "", "molecule description")
	moleculeCreateCmd.Flags().StringVar(&molAccountable, "accountable", "", "accountable agent id (required)")
	moleculeCreateCmd.Flags().StringVar(&molCreator, "creator", "cli", "creator id")
	moleculeCreateCmd.Flags().StringArrayVar(&molSteps, "step", nil, "step spec name[:dep1+dep2][:cap1+cap2], repeatable")
	moleculeCreateCmd.Flags().StringVar(&molTemplate, "template", "", "instantiate from a stored template")
	moleculeCreateCmd.Flags().StringVar(&molObjective, "objective", "", "contract objective (creates and activates a contract)")
	moleculeCreateCmd.Flags().StringArrayVar(&molCriteria, "criterion", nil, "contract success criterion, repeatable")
	moleculeCreateCmd.MarkFlagRequired("name")
	moleculeCreateCmd.MarkFlagRequired("accountable")

	moleculeListCmd.Flags().StringVar(&molStatus, "status", "", "filter by status atom, e.g. /active")

	moleculeCmd.AddCommand(moleculeCreateCmd, moleculeStartCmd, moleculeListCmd,
		moleculeGetCmd, moleculePauseCmd, moleculeResumeCmd, templateListCmd)
	rootCmd.AddCommand(moleculeCmd)
}
