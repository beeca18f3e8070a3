package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"levfi/pkg/flow"
)

var (
	exitAmount   string
	exitPosition uint64
	exitSlippage uint16
	exitNoWatch  bool
)

var exitCmd = &cobra.Command{
	Use:   "exit <vault>",
	Short: "Close a leveraged position in a vault",
	Long: `Close a leveraged position: stage the unwind on chain, fetch the
execution route from the routing service, then settle on chain. Before doing
anything the chain itself is probed; if an unwind is already staged for your
wallet the flow resumes from there, whatever any local record says.

Examples:
  levfi exit 0xVault... --position 42 --amount 500
  levfi exit 0xVault... --amount 500        (resume a staged exit)`,
	Args: cobra.ExactArgs(1),
	Run:  runExit,
}

func init() {
	rootCmd.AddCommand(exitCmd)

	exitCmd.Flags().StringVar(&exitAmount, "amount", "", "Amount to unwind, in the borrowed asset (REQUIRED)")
	exitCmd.Flags().Uint64Var(&exitPosition, "position", 0, "Position id (omit to resume a staged exit)")
	exitCmd.Flags().Uint16Var(&exitSlippage, "slippage", 50, "Max slippage in basis points")
	exitCmd.Flags().BoolVar(&exitNoWatch, "no-watch", false, "Return right after settlement is submitted")
}

func runExit(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	vault, err := parseAddress(args[0])
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	if exitAmount == "" {
		printError(fmt.Errorf("--amount is required"))
		os.Exit(1)
	}

	a, err := buildApp(ctx, cmd)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer a.Close()

	meta, err := a.vaults.Get(ctx, vault.Hex())
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	amount, err := parseAmount(exitAmount, meta.BorrowedDecimals)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if !jsonOutput {
		watchStages(a)
		fmt.Printf("\nExiting %s %s from %s\n", exitAmount, meta.BorrowedAsset, meta.Name)
	}

	req := &flow.ExitRequest{
		Vault:           vault,
		CollateralAsset: common.HexToAddress(meta.CollateralAsset),
		BorrowedAsset:   common.HexToAddress(meta.BorrowedAsset),
		PositionID:      exitPosition,
		Amount:          amount,
		SlippageBps:     exitSlippage,
	}
	if !exitNoWatch {
		req.SettlementDone = func(ctx context.Context) (bool, error) {
			st, err := a.flows.Pending(flow.KindExit)
			if err != nil || st == nil {
				return false, err
			}
			return a.binding.IsSettled(ctx, vault, st.PositionID)
		}
	}

	st, err := a.flows.Exit(ctx, req)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	if st == nil {
		fmt.Println("\nAn identical exit is already running.")
		return
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return
	}

	displayFlowOutcome(st)
}
