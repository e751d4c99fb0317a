package cmd

import (
	"context"
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

var (
	retryGasPrice    string
	retryMaxFee      string
	retryMaxPriority string
)

var retryCmd = &cobra.Command{
	Use:   "retry <queue-id>",
	Short: "Re-queue an errored transaction",
	Long: `Resets an errored transaction to queued and schedules a fresh send.
Refused when any previously broadcast hash already has a receipt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := buildApp()
		if err != nil {
			return err
		}
		if err := application.Retry.Run(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("transaction %s re-queued\n", args[0])
		return nil
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "sync-retry <queue-id>",
	Short: "Synchronously rebroadcast a sent transaction with fee overrides",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := usecase.SyncRetryParams{QueueID: args[0]}
		var err error
		if params.GasPriceOverride, err = parseBigFlag(retryGasPrice); err != nil {
			return err
		}
		if params.MaxFeeOverride, err = parseBigFlag(retryMaxFee); err != nil {
			return err
		}
		if params.MaxPriorityOverride, err = parseBigFlag(retryMaxPriority); err != nil {
			return err
		}

		application, err := buildApp()
		if err != nil {
			return err
		}
		hash, err := application.SyncRetry.Run(context.Background(), params)
		if err != nil {
			return err
		}
		fmt.Printf("rebroadcast as %s\n", hash.Hex())
		return nil
	},
}

func parseBigFlag(v string) (*big.Int, error) {
	if v == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("bad wei amount %q", v)
	}
	return n, nil
}

func init() {
	syncRetryCmd.Flags().StringVar(&retryGasPrice, "gas-price", "", "legacy gas price override in wei")
	syncRetryCmd.Flags().StringVar(&retryMaxFee, "max-fee", "", "max fee per gas override in wei")
	syncRetryCmd.Flags().StringVar(&retryMaxPriority, "max-priority", "", "max priority fee override in wei")

	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(syncRetryCmd)
}
