package main

import (
	"fmt"
	"strings"

	"agentcorp/internal/channels"
	"agentcorp/internal/org"
	"agentcorp/internal/types"

	"github.com/spf13/cobra"
)

var (
	hireRole         string
	hireTier         string
	hireDepartment   string
	hireReportsTo    string
	hireCapabilities []string

	msgType     string
	msgSubject  string
	msgBody     string
	msgPriority string
)

var hireCmd = &cobra.Command{
	Use:   "hire <agent-id>",
	Short: "Register an agent and create its hook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()

		tier, ok := types.ParseTier(hireTier)
		if !ok {
			return fmt.Errorf("unknown tier %q (executive, vp, director, worker)", hireTier)
		}
		return corp.HireAgent(&org.Agent{
			ID:           args[0],
			Role:         hireRole,
			Tier:         tier,
			Department:   hireDepartment,
			ReportsTo:    hireReportsTo,
			Capabilities: hireCapabilities,
		})
	},
}

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Show the agent registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		for _, a := range corp.Registry().List() {
			reports := ""
			if a.ReportsTo != "" {
				reports = " -> " + a.ReportsTo
			}
			fmt.Printf("%-20s %-10s %-24s caps=%s%s\n", a.ID,
				strings.TrimPrefix(string(a.Tier), "/"), a.Role,
				strings.Join(a.Capabilities, ","), reports)
		}
		return nil
	},
}

var msgSendCmd = &cobra.Command{
	Use:   "send <sender> <recipient>...",
	Short: "Send a message over a typed channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()

		prio, ok := types.ParsePriority(msgPriority)
		if !ok {
			return fmt.Errorf("unknown priority %q", msgPriority)
		}
		ctype := channels.ChannelType("/" + strings.TrimPrefix(msgType, "/"))

		var msgs []*channels.Message
		if ctype == channels.Broadcast {
			msgs, err = corp.Channels().SendBroadcast(args[0], msgSubject, msgBody, prio)
		} else {
			msgs, err = corp.Channels().Send(args[0], ctype, args[1:], msgSubject, msgBody, prio, "")
		}
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("%s -> %s: %s\n", m.ID, m.Recipient, m.Subject)
		}
		return nil
	},
}

var msgInboxCmd = &cobra.Command{
	Use:   "inbox <agent-id>",
	Short: "Show an agent's pending messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		corp, err := newCorp()
		if err != nil {
			return err
		}
		defer corp.Close()
		for _, m := range corp.Channels().Inbox(args[0]) {
			fmt.Printf("%s  %-10s from %-16s [%s] %s\n", m.ID,
				strings.TrimPrefix(string(m.Type), "/"), m.Sender, m.Priority, m.Subject)
		}
		return nil
	},
}

func init() {
	hireCmd.Flags().StringVar(&hireRole, "role", "", "agent role (required)")
	hireCmd.Flags().StringVar(&hireTier, "tier", "worker", "tier: executive, vp, director, worker")
	hireCmd.Flags().StringVar(&hireDepartment, "department", "", "department")
	hireCmd.Flags().StringVar(&hireReportsTo, "reports-to", "", "manager agent id")
	hireCmd.Flags().StringSliceVar(&hireCapabilities, "capability", nil, "capability, repeatable")
	hireCmd.MarkFlagRequired("role")

	msgSendCmd.Flags().StringVar(&msgType, "type", "downchain", "channel type: downchain, upchain, peer, broadcast")
	msgSendCmd.Flags().StringVar(&msgSubject, "subject", "", "message subject")
	msgSendCmd.Flags().StringVar(&msgBody, "body", "", "message body")
	msgSendCmd.Flags().StringVar(&msgPriority, "priority", "p2", "priority p0..p3")

	msgCmd := &cobra.Command{Use: "msg", Short: "Send and read channel messages"}
	msgCmd.AddCommand(msgSendCmd, msgInboxCmd)
	rootCmd.AddCommand(hireCmd, orgCmd, msgCmd)
}
