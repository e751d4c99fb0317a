package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Migrate abandoned transactions out of the legacy store",
	Long: `Sweeps the legacy Postgres store for queued-but-unsent and
sent-but-unconfirmed rows, converts them into live records, re-enqueues their
jobs and marks the rows cancelled. Safe to run while the service is up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := buildApp()
		if err != nil {
			return err
		}
		migrated, err := application.Recover.Run(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("migrated %d transactions\n", migrated)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
