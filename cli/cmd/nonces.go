package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var auditLimit int64

var noncesCmd = &cobra.Command{
	Use:   "nonces",
	Short: "Inspect and repair nonce state",
}

func parseNonceArgs(args []string) (uint64, common.Address, error) {
	chainID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("bad chain id %q", args[0])
	}
	if !common.IsHexAddress(args[1]) {
		return 0, common.Address{}, fmt.Errorf("bad wallet address %q", args[1])
	}
	return chainID, common.HexToAddress(args[1]), nil
}

var inspectNoncesCmd = &cobra.Command{
	Use:   "inspect <chain-id> <wallet>",
	Short: "Show a wallet's nonce counter, recycled pool and in-flight set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chainID, wallet, err := parseNonceArgs(args)
		if err != nil {
			return err
		}
		application, err := buildApp()
		if err != nil {
			return err
		}

		snapshot, err := application.Nonces.Inspect(context.Background(), chainID, wallet)
		if err != nil {
			return err
		}
		fmt.Printf("chain:    %d\n", snapshot.ChainID)
		fmt.Printf("wallet:   %s\n", snapshot.Wallet.Hex())
		fmt.Printf("next:     %d\n", snapshot.Next)
		fmt.Printf("recycled: %v\n", snapshot.Recycled)
		fmt.Printf("inflight: %v\n", snapshot.InFlight)
		return nil
	},
}

var auditNoncesCmd = &cobra.Command{
	Use:   "audit <chain-id> <wallet>",
	Short: "Show recent nonce assignments for a wallet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chainID, wallet, err := parseNonceArgs(args)
		if err != nil {
			return err
		}
		application, err := buildApp()
		if err != nil {
			return err
		}

		entries, err := application.Nonces.Audit(context.Background(), chainID, wallet, auditLimit)
		if err != nil {
			return err
		}
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"NONCE", "QUEUE ID"})
		for _, entry := range entries {
			t.AppendRow(table.Row{entry.Nonce, entry.QueueID})
		}
		t.Render()
		return nil
	},
}

var syncNoncesCmd = &cobra.Command{
	Use:   "sync <chain-id> <wallet>",
	Short: "Raise the local nonce counter to the chain's transaction count",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chainID, wallet, err := parseNonceArgs(args)
		if err != nil {
			return err
		}
		application, err := buildApp()
		if err != nil {
			return err
		}
		return application.Nonces.SyncFromChain(context.Background(), chainID, wallet)
	},
}

var resetNoncesCmd = &cobra.Command{
	Use:   "reset <chain-id> <wallet>",
	Short: "Discard local nonce state and reseed from the chain",
	Long: `Drops the counter, recycled pool, in-flight set and audit map for the
wallet, then reseeds the counter from the chain's transaction count. Only for
operator repair: in-flight transactions lose their reservation.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chainID, wallet, err := parseNonceArgs(args)
		if err != nil {
			return err
		}
		application, err := buildApp()
		if err != nil {
			return err
		}
		return application.Nonces.Reset(context.Background(), chainID, wallet)
	},
}

func init() {
	auditNoncesCmd.Flags().Int64Var(&auditLimit, "limit", 100, "max entries to show")

	noncesCmd.AddCommand(inspectNoncesCmd)
	noncesCmd.AddCommand(auditNoncesCmd)
	noncesCmd.AddCommand(syncNoncesCmd)
	noncesCmd.AddCommand(resetNoncesCmd)
	rootCmd.AddCommand(noncesCmd)
}
