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

	"levfi/pkg/allowance"
	"levfi/pkg/txdriver"
	"levfi/pkg/vaults"
)

var borrowCmd = &cobra.Command{
	Use:   "borrow <vault> <amount>",
	Short: "Borrow against your collateral in a vault",
	Long: `Borrow the vault's borrowed asset against your deposited collateral.

Examples:
  levfi borrow 0xVault... 250
  levfi borrow 0xVault... 250 --yes`,
	Args: cobra.ExactArgs(2),
	Run:  func(cmd *cobra.Command, args []string) { runLend(cmd, args, "borrow") },
}

var repayCmd = &cobra.Command{
	Use:   "repay <vault> <amount>",
	Short: "Repay borrowed assets to a vault",
	Args:  cobra.ExactArgs(2),
	Run:   func(cmd *cobra.Command, args []string) { runLend(cmd, args, "repay") },
}

var depositCmd = &cobra.Command{
	Use:   "deposit <vault> <amount>",
	Short: "Deposit collateral into a vault",
	Args:  cobra.ExactArgs(2),
	Run:   func(cmd *cobra.Command, args []string) { runLend(cmd, args, "deposit") },
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <vault> <amount>",
	Short: "Withdraw collateral from a vault",
	Args:  cobra.ExactArgs(2),
	Run:   func(cmd *cobra.Command, args []string) { runLend(cmd, args, "withdraw") },
}

func init() {
	rootCmd.AddCommand(borrowCmd)
	rootCmd.AddCommand(repayCmd)
	rootCmd.AddCommand(depositCmd)
	rootCmd.AddCommand(withdrawCmd)
}

func runLend(cmd *cobra.Command, args []string, action string) {
	ctx := context.Background()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	vault, err := parseAddress(args[0])
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

	meta, err := a.vaults.Get(ctx, vault.Hex())
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	asset, decimals := lendAsset(meta, action)
	amount, err := parseAmount(args[1], decimals)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	// repay and deposit move tokens into the vault and need an allowance
	if action == "repay" || action == "deposit" {
		if err := ensureAllowance(ctx, a, asset, vault, amount); err != nil {
			printError(err)
			os.Exit(1)
		}
	}

	call, err := a.actions.Call(vault, action, amount)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if !jsonOutput {
		watchPhases(a, vault.Hex())
		fmt.Printf("\n%s %s %s on %s\n", actionVerb(action), args[1], assetLabel(meta, action), meta.Name)
	}

	res, err := a.driver.Submit(ctx, txdriver.Request{
		Key: vault.Hex(),
		IdempotencyKey: txdriver.IdempotencyKey(a.gw.ChainID(), action,
			[]common.Address{a.gw.From(), vault, asset}, []*big.Int{amount}),
		Call:             call,
		InvalidateScopes: []string{"vaults"},
	})
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if !res.Submitted {
		if !jsonOutput {
			if res.Rejected {
				fmt.Println("\nDeclined, nothing was sent.")
			} else {
				fmt.Println("\nAn identical request is already running, nothing sent.")
			}
		}
		return
	}

	if jsonOutput {
		output := map[string]interface{}{
			"action": action,
			"vault":  vault.Hex(),
			"amount": amount.String(),
			"hash":   res.Hash.Hex(),
			"block":  res.Receipt.BlockNumber.String(),
		}
		data, _ := json.MarshalIndent(output, "", "  ")
		fmt.Println(string(data))
		return
	}

	printSuccess(color.GreenString("%s confirmed in block %s (tx %s)",
		actionVerb(action), res.Receipt.BlockNumber, res.Hash.Hex()))
}

// lendAsset returns the asset an action moves and its decimals
func lendAsset(meta *vaults.Metadata, action string) (common.Address, uint8) {
	if action == "borrow" || action == "repay" {
		return common.HexToAddress(meta.BorrowedAsset), meta.BorrowedDecimals
	}
	return common.HexToAddress(meta.CollateralAsset), meta.CollateralDecimals
}

func assetLabel(meta *vaults.Metadata, action string) string {
	if action == "borrow" || action == "repay" {
		return meta.BorrowedAsset
	}
	return meta.CollateralAsset
}

func actionVerb(action string) string {
	switch action {
	case "borrow":
		return "Borrow"
	case "repay":
		return "Repay"
	case "deposit":
		return "Deposit"
	default:
		return "Withdraw"
	}
}

// ensureAllowance checks the pair and issues approvals for any deficit
func ensureAllowance(ctx context.Context, a *app, asset, spender common.Address, amount *big.Int) error {
	records, err := a.engine.Check(ctx, a.gw.From(), []allowance.Requirement{
		{Asset: asset, Spender: spender, Required: amount},
	})
	if err != nil {
		return err
	}
	if records[0].Status == allowance.StatusOK {
		return nil
	}

	fmt.Printf("\nAllowance for %s is %s, approving...\n", asset.Hex(), records[0].Status)

	out, err := a.engine.ApproveMissing(ctx, a.gw.From(), records)
	if err != nil {
		return err
	}
	if out[0].Status != allowance.StatusOK {
		return fmt.Errorf("allowance for %s still %s after approval", asset.Hex(), out[0].Status)
	}
	return nil
}

// watchPhases prints phase transitions of the tracked key as they happen
func watchPhases(a *app, key string) {
	a.driver.Table().Subscribe(func(k string, rec txdriver.Record) {
		if k != key {
			return
		}
		switch rec.Phase {
		case txdriver.PhaseChecking:
			fmt.Println("  Simulating...")
		case txdriver.PhaseAwaitingSignature:
			fmt.Println("  Awaiting signature...")
		case txdriver.PhasePending:
			color.Yellow("  Broadcast %s, waiting for confirmation...", rec.Hash.Hex())
		case txdriver.PhaseReplaced:
			color.Yellow("  Replaced in flight, now tracking %s", rec.Hash.Hex())
		}
	})
}
