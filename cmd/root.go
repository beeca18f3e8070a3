package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "levfi",
	Short: "A CLI for leveraged positions on EVM lending vaults",
	Long: `levfi is a command-line tool for opening, managing and closing leveraged
positions on lending vaults. It drives every transaction through simulation,
signing and confirmation, persists multi-step flows so they survive a crash,
and never submits the same economic action twice.

Examples:
  levfi vaults
  levfi enter 0xVault... --collateral 1000 --leverage 3.0
  levfi exit 0xVault... --amount 500
  levfi borrow 0xVault... 250
  levfi status`,
	Version: "0.1.0",
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolP("yes", "y", false, "Skip confirmation prompts")
}

func printError(err error) {
	fmt.Printf("\nError: %v\n\n", err)
}

func printSuccess(message string) {
	fmt.Printf("\n%s\n\n", message)
}
