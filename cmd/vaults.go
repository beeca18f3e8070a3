package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"levfi/pkg/leverage"
)

var hundred = decimal.NewFromInt(100)

var vaultsCmd = &cobra.Command{
	Use:   "vaults",
	Short: "List the vaults you can open positions in",
	Long: `Fetch and display the available vaults with their assets, APR and
allowed leverage range.

Examples:
  levfi vaults
  levfi vaults --json`,
	Run: runVaults,
}

func init() {
	rootCmd.AddCommand(vaultsCmd)
}

func runVaults(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	a, err := buildApp(ctx, cmd)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer a.Close()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Fetching vaults..."
		s.Start()
	}

	list, err := a.vaults.List(ctx)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(list) == 0 {
		fmt.Println("\nNo vaults available.")
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCOLLATERAL\tBORROWED\tAPR\tLEVERAGE\tFACTOR\tADDRESS")
	for _, m := range list {
		bounds := m.Bounds()
		factor := leverage.BorrowingFactor(m.Fees())
		fmt.Fprintf(w, "%s\t%s\t%s\t%s%%\t%s-%s\t%s\t%s\n",
			m.Name,
			m.CollateralAsset,
			m.BorrowedAsset,
			m.APR.Mul(hundred).StringFixed(2),
			formatLeverage(bounds.Min),
			formatLeverage(bounds.Max),
			factor.StringFixed(4),
			color.CyanString(m.Address),
		)
	}
	w.Flush()
	fmt.Println()
}
