package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kalambet/caddie/internal/config"
)

// --- cases ---

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Triage supervision cases",
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List supervision cases awaiting a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/cases?status=" + status)
		if err != nil {
			return err
		}

		var body struct {
			Cases []struct {
				ID              string  `json:"id"`
				ConversationID  string  `json:"conversation_id"`
				Reason          string  `json:"reason"`
				DraftConfidence float64 `json:"draft_confidence"`
				DraftText       string  `json:"draft_text"`
				CreatedAt       string  `json:"created_at"`
			} `json:"cases"`
		}
		if err := decodeResponse(resp, &body); err != nil {
			return err
		}

		if len(body.Cases) == 0 {
			fmt.Printf("no %s cases\n", status)
			return nil
		}

		for _, c := range body.Cases {
			fmt.Printf("%s  %s  reason=%s  confidence=%.2f  %s\n",
				c.ID, c.ConversationID, c.Reason, c.DraftConfidence, c.CreatedAt)
			if c.DraftText != "" {
				fmt.Printf("    draft: %s\n", truncate(c.DraftText, 120))
			}
		}
		return nil
	},
}

var casesShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Show one case with its full draft and citations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/cases/" + args[0])
		if err != nil {
			return err
		}

		var c struct {
			ID              string   `json:"id"`
			ConversationID  string   `json:"conversation_id"`
			DraftText       string   `json:"draft_text"`
			DraftConfidence float64  `json:"draft_confidence"`
			Citations       []string `json:"citations"`
			Reason          string   `json:"reason"`
			Status          string   `json:"status"`
			SupervisorID    string   `json:"supervisor_id"`
			ResolutionText  string   `json:"resolution_text"`
		}
		if err := decodeResponse(resp, &c); err != nil {
			return err
		}

		printStatus("Case", "%s (%s)", c.ID, c.Status)
		printStatus("Conversation", "%s", c.ConversationID)
		printStatus("Reason", "%s", c.Reason)
		printStatus("Confidence", "%.2f", c.DraftConfidence)
		fmt.Println()
		fmt.Println(c.DraftText)
		for _, u := range c.Citations {
			fmt.Printf("  source: %s\n", u)
		}
		if c.SupervisorID != "" {
			fmt.Println()
			printStatus("Resolved by", "%s", c.SupervisorID)
			if c.ResolutionText != "" {
				printStatus("Resolution", "%s", c.ResolutionText)
			}
		}
		return nil
	},
}

var casesResolveCmd = &cobra.Command{
	Use:   "resolve <case-id>",
	Short: "Resolve a pending case",
	Long: `Resolve a pending supervision case.

Examples:
  caddie cases resolve <id> --decision approved --supervisor alice
  caddie cases resolve <id> --decision edited --supervisor alice --text "Corrected reply"
  caddie cases resolve <id> --decision rejected --supervisor alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision, _ := cmd.Flags().GetString("decision")
		supervisor, _ := cmd.Flags().GetString("supervisor")
		text, _ := cmd.Flags().GetString("text")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/cases/"+args[0]+"/decision", map[string]string{
			"decision":      decision,
			"supervisor_id": supervisor,
			"edited_text":   text,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		printSuccess("Case %s %s; reply queued to %s", args[0], decision, result["conversation_id"])
		return nil
	},
}

func init() {
	casesListCmd.Flags().String("status", "pending", "case status to list (pending, approved, edited, rejected)")
	casesResolveCmd.Flags().String("decision", "", "approved, edited, or rejected")
	casesResolveCmd.Flags().String("supervisor", "", "supervisor identifier")
	casesResolveCmd.Flags().String("text", "", "replacement reply (required for edited)")
	casesResolveCmd.MarkFlagRequired("decision")
	casesResolveCmd.MarkFlagRequired("supervisor")

	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
	casesCmd.AddCommand(casesResolveCmd)
}

// --- conversation ---

var conversationCmd = &cobra.Command{
	Use:   "conversation <conversation-id>",
	Short: "Show a conversation timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/conversations/" + args[0])
		if err != nil {
			return err
		}

		var conv struct {
			ID             string `json:"id"`
			State          string `json:"state"`
			OverrideActive bool   `json:"override_active"`
			Messages       []struct {
				Seq       int64  `json:"seq"`
				Role      string `json:"role"`
				Text      string `json:"text"`
				CreatedAt string `json:"created_at"`
			} `json:"messages"`
		}
		if err := decodeResponse(resp, &conv); err != nil {
			return err
		}

		printStatus("Conversation", "%s (%s)", conv.ID, conv.State)
		if conv.OverrideActive {
			printWarning("supervisor override active: drafts are held for review")
		}
		for _, m := range conv.Messages {
			fmt.Printf("%3d  %-10s  %s\n", m.Seq, m.Role, m.Text)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
