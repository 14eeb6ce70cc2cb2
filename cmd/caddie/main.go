package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "caddie",
	Short: "Supervised support-bot daemon",
	Long: `caddie runs the supervised reply pipeline for frontline support
conversations: events come in over HTTP, drafts are generated against the
knowledge store, and anything sensitive or uncertain is held for a human
supervisor before it goes out.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the caddie version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("caddie version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(casesCmd)
	rootCmd.AddCommand(conversationCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
