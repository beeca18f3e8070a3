package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"levfi/pkg/flow"
)

var (
	statusVault string
	statusReset string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show in-progress flows for the connected wallet",
	Long: `Show the persisted progress of any interrupted entry or exit flow.
With --vault the chain itself is also probed for a staged exit, which catches
progress made from another machine.

Examples:
  levfi status
  levfi status --vault 0xVault...
  levfi status --reset leverage-enter   (discard a stuck record)`,
	Run: runFlowStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusVault, "vault", "", "Probe this vault on chain for a staged exit")
	statusCmd.Flags().StringVar(&statusReset, "reset", "", "Discard the record of a flow kind (leverage-enter or leverage-exit)")
}

func runFlowStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	a, err := buildApp(ctx, cmd)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	defer a.Close()

	if statusReset != "" {
		if err := a.flows.Reset(flow.Kind(statusReset)); err != nil {
			printError(err)
			os.Exit(1)
		}
		printSuccess(fmt.Sprintf("Record for '%s' discarded.", statusReset))
		return
	}

	records := map[flow.Kind]*flow.State{}
	for _, kind := range []flow.Kind{flow.KindEnter, flow.KindExit} {
		st, err := a.flows.Pending(kind)
		if err != nil {
			printError(err)
			os.Exit(1)
		}
		if st != nil {
			records[kind] = st
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(records, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(records) == 0 {
		fmt.Println("\nNo flows in progress.")
	}
	for _, st := range records {
		displayFlowState(st)
	}

	if statusVault != "" {
		probeVaultForExit(ctx, a, statusVault)
	}
}

func displayFlowState(st *flow.State) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	color.Green("  %s", strings.ToUpper(string(st.Kind)))
	fmt.Println(strings.Repeat("=", 60))

	fmt.Printf("\n  Vault:       %s\n", color.CyanString(st.Vault.Hex()))
	fmt.Printf("  Stage:       %s\n", coloredStage(st.Stage))
	if st.PositionID != 0 {
		fmt.Printf("  Position:    %d\n", st.PositionID)
	}
	if st.Step1Hash != (common.Hash{}) {
		fmt.Printf("  Staging tx:  %s\n", color.HiBlackString(st.Step1Hash.Hex()))
	}
	if st.Step2Hash != (common.Hash{}) {
		fmt.Printf("  Settle tx:   %s\n", color.HiBlackString(st.Step2Hash.Hex()))
	}
	if st.LastError != "" {
		fmt.Printf("  Last error:  %s\n", color.RedString(st.LastError))
	}
	fmt.Printf("  Updated:     %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Println()
}

func probeVaultForExit(ctx context.Context, a *app, vaultAddr string) {
	vault, err := parseAddress(vaultAddr)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	id, stage, err := a.flows.ProbeExitStage(ctx, vault)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	if stage == flow.StageIdle {
		fmt.Println("No exit is staged on chain for this vault.")
		return
	}
	color.Yellow("An exit for position %d is staged on chain awaiting settlement.", id)
	fmt.Println("Run 'levfi exit' on this vault to finish it.")
}

func coloredStage(stage flow.Stage) string {
	switch stage {
	case flow.StageSuccess:
		return color.GreenString(string(stage))
	case flow.StagePendingSettlement, flow.StageStep1Pending, flow.StageStep2Pending:
		return color.YellowString(string(stage))
	default:
		return string(stage)
	}
}
