package cmd

import (
	"bufio"
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"levfi/config"
	"levfi/pkg/allowance"
	"levfi/pkg/flow"
	"levfi/pkg/gateway"
	"levfi/pkg/router"
	"levfi/pkg/txdriver"
	"levfi/pkg/vaults"
)

// app bundles the wired components the commands share
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	gw      *gateway.EVMGateway
	vaults  *vaults.Provider
	actions *vaults.Actions
	driver  *txdriver.Driver
	engine  *allowance.Engine
	routes  *router.Client
	binding flow.Binding
	flows   *flow.Driver
}

// buildApp loads the configuration and wires every component
func buildApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	keySigner, err := gateway.NewKeySigner(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	var signer gateway.Signer = keySigner
	skipConfirm, _ := cmd.Flags().GetBool("yes")
	if !skipConfirm && !cfg.AutoConfirm {
		signer = gateway.NewConfirmSigner(keySigner, confirmTransaction)
	}

	gw, err := gateway.Dial(ctx, cfg.RPCURL, signer, log)
	if err != nil {
		return nil, err
	}
	if cfg.ChainID != 0 && gw.ChainID().Int64() != cfg.ChainID {
		gw.Close()
		return nil, fmt.Errorf("connected to chain %d, expected %d", gw.ChainID().Int64(), cfg.ChainID)
	}

	vaultsURL := cfg.VaultsURL
	if vaultsURL == "" {
		vaultsURL = cfg.RouterURL
	}
	provider := vaults.NewProvider(vaultsURL, log)

	actions, err := vaults.NewActions()
	if err != nil {
		gw.Close()
		return nil, err
	}

	driver := txdriver.NewDriver(gw, provider, log)

	engine, err := allowance.NewEngine(gw, driver, log)
	if err != nil {
		gw.Close()
		return nil, err
	}

	routes := router.NewClient(cfg.RouterURL, cfg.RouterToken, log)

	store, err := flow.NewFileStore(cfg.StorePath)
	if err != nil {
		gw.Close()
		return nil, err
	}

	binding, err := flow.NewVaultBinding(gw)
	if err != nil {
		gw.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		log:     log,
		gw:      gw,
		vaults:  provider,
		actions: actions,
		driver:  driver,
		engine:  engine,
		routes:  routes,
		binding: binding,
		flows:   flow.NewDriver(gw, routes, store, binding, log),
	}, nil
}

// Close releases the RPC connection
func (a *app) Close() {
	a.gw.Close()
}

func confirmTransaction() bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("\nSign and send this transaction? (y/N): ")

	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("'%s' is not a valid address", s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount converts a human decimal amount into base units
func parseAmount(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("'%s' is not a valid amount", s)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be greater than 0")
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount '%s' has more than %d decimal places", s, decimals)
	}

	return shifted.BigInt(), nil
}

// parseLeverage converts a human multiplier like "3.0" into leverage units
func parseLeverage(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("'%s' is not a valid leverage", s)
	}

	scaled := d.Mul(decimal.NewFromInt(100))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("leverage '%s' is finer than 0.01 steps", s)
	}

	return scaled.IntPart(), nil
}

// formatAmount renders base units as a human decimal amount
func formatAmount(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// formatLeverage renders leverage units as a human multiplier
func formatLeverage(leverageBps int64) string {
	return decimal.NewFromInt(leverageBps).Div(decimal.NewFromInt(100)).String() + "x"
}
