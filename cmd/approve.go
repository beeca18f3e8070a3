package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"levfi/pkg/allowance"
)

var (
	approveDecimals uint8
	approveReset    bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <asset> <spender> <amount>",
	Short: "Grant a spender an ERC20 allowance",
	Long: `Check the current allowance for a spender and approve the difference if
it is missing or insufficient. An already sufficient allowance sends nothing.

Examples:
  levfi approve 0xToken... 0xVault... 1000
  levfi approve 0xToken... 0xVault... 1000 --decimals 6
  levfi approve 0xToken... 0xVault... 1000 --reset   (USDT-style tokens)`,
	Args: cobra.ExactArgs(3),
	Run:  runApprove,
}

func init() {
	rootCmd.AddCommand(approveCmd)

	approveCmd.Flags().Uint8Var(&approveDecimals, "decimals", 18, "Token decimals")
	approveCmd.Flags().BoolVar(&approveReset, "reset", false, "Reset the allowance to zero before approving")
}

func runApprove(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	asset, err := parseAddress(args[0])
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	spender, err := parseAddress(args[1])
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	amount, err := parseAmount(args[2], approveDecimals)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	a, err := buildApp(ctx, cmd)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer a.Close()

	records, err := a.engine.Check(ctx, a.gw.From(), []allowance.Requirement{
		{Asset: asset, Spender: spender, Required: amount, ResetBeforeApprove: approveReset},
	})
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	rec := records[0]
	fmt.Printf("\nCurrent allowance: %s (%s)\n", formatAmount(rec.Current, approveDecimals), rec.Status)

	if rec.Status == allowance.StatusOK {
		printSuccess("Nothing to approve.")
		return
	}

	watchPhases(a, fmt.Sprintf("approve:%s:%s", asset.Hex(), spender.Hex()))

	out, err := a.engine.ApproveMissing(ctx, a.gw.From(), records)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if out[0].Status == allowance.StatusOK {
		printSuccess(color.GreenString("Allowance is now %s", formatAmount(out[0].Current, approveDecimals)))
	} else {
		printError(fmt.Errorf("allowance still %s after approval", out[0].Status))
		os.Exit(1)
	}
}
