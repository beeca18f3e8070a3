package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"levfi/pkg/flow"
	"levfi/pkg/leverage"
	"levfi/pkg/vaults"
)

var (
	enterCollateral string
	enterBorrow     string
	enterLeverage   string
	enterSlippage   uint16
	enterNoWatch    bool
)

var enterCmd = &cobra.Command{
	Use:   "enter <vault>",
	Short: "Open a leveraged position in a vault",
	Long: `Open a leveraged position: stage the position on chain, fetch the
execution route from the routing service, then settle on chain. Progress is
persisted at every step, so an interrupted entry resumes where it stopped
when you run the same command again.

Examples:
  levfi enter 0xVault... --collateral 1000 --leverage 3.0
  levfi enter 0xVault... --collateral 1000 --borrow 2500
  levfi enter 0xVault... --collateral 1000 --leverage 3.0 --slippage 100 --yes`,
	Args: cobra.ExactArgs(1),
	Run:  runEnter,
}

func init() {
	rootCmd.AddCommand(enterCmd)

	enterCmd.Flags().StringVar(&enterCollateral, "collateral", "", "Collateral amount (REQUIRED)")
	enterCmd.Flags().StringVar(&enterBorrow, "borrow", "", "Borrow amount (alternative to --leverage)")
	enterCmd.Flags().StringVar(&enterLeverage, "leverage", "", "Target leverage, e.g. 3.0")
	enterCmd.Flags().Uint16Var(&enterSlippage, "slippage", 50, "Max slippage in basis points")
	enterCmd.Flags().BoolVar(&enterNoWatch, "no-watch", false, "Return right after settlement is submitted")
}

func runEnter(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	vault, err := parseAddress(args[0])
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	if enterCollateral == "" {
		printError(fmt.Errorf("--collateral is required"))
		os.Exit(1)
	}
	if enterBorrow == "" && enterLeverage == "" {
		printError(fmt.Errorf("one of --borrow or --leverage is required"))
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

	collateral, err := parseAmount(enterCollateral, meta.CollateralDecimals)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	collateral, borrow, leverageBps, err := resolveEnterAmounts(meta, collateral)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if !jsonOutput {
		displayEnterPlan(meta, collateral, borrow, leverageBps)
		watchStages(a)
	}

	// Approvals first: the vault pulls the collateral during staging.
	if err := ensureAllowance(ctx, a, common.HexToAddress(meta.CollateralAsset), vault, collateral); err != nil {
		printError(err)
		os.Exit(1)
	}

	req := &flow.EnterRequest{
		Vault:           vault,
		CollateralAsset: common.HexToAddress(meta.CollateralAsset),
		BorrowedAsset:   common.HexToAddress(meta.BorrowedAsset),
		Collateral:      collateral,
		Borrow:          borrow,
		LeverageBps:     leverageBps,
		SlippageBps:     enterSlippage,
	}
	if !enterNoWatch {
		req.SettlementDone = func(ctx context.Context) (bool, error) {
			st, err := a.flows.Pending(flow.KindEnter)
			if err != nil || st == nil {
				return false, err
			}
			return a.binding.IsSettled(ctx, vault, st.PositionID)
		}
	}

	st, err := a.flows.Enter(ctx, req)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	if st == nil {
		fmt.Println("\nAn identical entry is already running.")
		return
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return
	}

	displayFlowOutcome(st)
}

// resolveEnterAmounts derives the missing sides of the collateral/borrow/
// leverage triple from the vault's bounds. The returned collateral differs
// from the input when keeping leverage in bounds required moving it.
func resolveEnterAmounts(meta *vaults.Metadata, collateral *big.Int) (*big.Int, *big.Int, int64, error) {
	bounds := meta.Bounds()

	if enterBorrow == "" {
		leverageBps, err := parseLeverage(enterLeverage)
		if err != nil {
			return nil, nil, 0, err
		}
		if !bounds.Contains(leverageBps) {
			return nil, nil, 0, fmt.Errorf("leverage %s is outside this vault's range %s to %s",
				formatLeverage(leverageBps), formatLeverage(bounds.Min), formatLeverage(bounds.Max))
		}

		inBorrowed := leverage.ConvertDecimals(collateral, meta.CollateralDecimals, meta.BorrowedDecimals)
		return collateral, leverage.ComputeBorrow(inBorrowed, leverageBps), leverageBps, nil
	}

	borrow, err := parseAmount(enterBorrow, meta.BorrowedDecimals)
	if err != nil {
		return nil, nil, 0, err
	}

	// A typed borrow amount implies a leverage; clamp it into bounds the
	// same way an edited borrow field would resolve.
	update := leverage.ResolveBorrowInputChange(leverage.BorrowInput{
		NextBorrow:           borrow,
		LeverageBps:          bounds.Min,
		Bounds:               bounds,
		CollateralInBorrowed: leverage.ConvertDecimals(collateral, meta.CollateralDecimals, meta.BorrowedDecimals),
		Collateral:           collateral,
		CollateralDecimals:   meta.CollateralDecimals,
		BorrowedDecimals:     meta.BorrowedDecimals,
		StrategyAsset:        meta.StrategyAsset,
	})

	if update.Collateral != nil {
		collateral = update.Collateral
	}
	return collateral, update.Borrow, update.LeverageBps, nil
}

func displayEnterPlan(meta *vaults.Metadata, collateral, borrow *big.Int, leverageBps int64) {
	liq := leverage.EstimateLiquidationPrice(collateral, borrow, meta.Fees())

	fmt.Println()
	color.Green("  ENTER %s", meta.Name)
	fmt.Printf("  Collateral:        %s %s\n", formatAmount(collateral, meta.CollateralDecimals), color.YellowString(meta.CollateralAsset))
	fmt.Printf("  Borrow:            %s %s\n", formatAmount(borrow, meta.BorrowedDecimals), color.YellowString(meta.BorrowedAsset))
	fmt.Printf("  Leverage:          %s\n", formatLeverage(leverageBps))
	fmt.Printf("  Est. liq. price:   %s\n", liq.StringFixed(6))
}

// watchStages prints flow stage transitions as they happen
func watchStages(a *app) {
	a.flows.Subscribe(func(st flow.State) {
		switch st.Stage {
		case flow.StageStep1AwaitingSignature:
			fmt.Println("  [1/3] Staging: awaiting signature...")
		case flow.StageStep1Pending:
			color.Yellow("  [1/3] Staging broadcast %s, waiting...", st.Step1Hash.Hex())
		case flow.StageStep1Confirmed:
			color.Green("  [1/3] Staged, position %d", st.PositionID)
		case flow.StageRoute:
			if len(st.OffchainPayload) == 0 {
				fmt.Println("  [2/3] Computing route...")
			} else {
				color.Green("  [2/3] Route ready")
			}
		case flow.StageStep2AwaitingSignature:
			fmt.Println("  [3/3] Settlement: awaiting signature...")
		case flow.StageStep2Pending:
			color.Yellow("  [3/3] Settlement broadcast %s, waiting...", st.Step2Hash.Hex())
		case flow.StagePendingSettlement:
			fmt.Println("  [3/3] Settlement confirmed, watching completion...")
		}
	})
}

func displayFlowOutcome(st *flow.State) {
	switch st.Stage {
	case flow.StageSuccess:
		printSuccess(color.GreenString("Flow complete (position %d)", st.PositionID))
	case flow.StageIdle:
		fmt.Println("\nCancelled, nothing was sent.")
	case flow.StagePendingSettlement:
		fmt.Println("\nSettlement is still in progress. Re-run the command later to check again.")
	default:
		fmt.Printf("\nStopped at stage '%s'. Re-run the same command to resume.\n", st.Stage)
	}
}
