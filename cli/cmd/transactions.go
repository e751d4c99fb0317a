package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

var (
	listStatus string
	listCursor string
	listLimit  int

	queuedStyle    = color.New(color.FgYellow)
	sentStyle      = color.New(color.FgCyan)
	minedStyle     = color.New(color.FgGreen)
	confirmedStyle = color.New(color.FgGreen, color.Bold)
	erroredStyle   = color.New(color.FgRed)
	cancelledStyle = color.New(color.Faint)
)

var transactionsCmd = &cobra.Command{
	Use:     "transactions",
	Aliases: []string{"tx"},
	Short:   "Inspect relay transactions",
}

var listTransactionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := buildApp()
		if err != nil {
			return err
		}

		result, err := application.Status.List(context.Background(), usecase.ListParams{
			Status: models.TransactionStatus(listStatus),
			Cursor: listCursor,
			Limit:  listLimit,
		})
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"QUEUE ID", "STATUS", "CHAIN", "FROM", "QUEUED AT"})
		for _, tx := range result.Transactions {
			t.AppendRow(table.Row{
				tx.GetQueueID(),
				styleStatus(tx.GetStatus()),
				tx.GetChainID(),
				tx.GetFrom().Hex(),
				tx.Base().QueuedAt.Format(time.RFC3339),
			})
		}
		t.Render()

		if result.NextCursor != "" {
			fmt.Printf("next cursor: %s\n", result.NextCursor)
		}
		return nil
	},
}

var showTransactionCmd = &cobra.Command{
	Use:   "show <queue-id>",
	Short: "Show one transaction as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := buildApp()
		if err != nil {
			return err
		}

		tx, err := application.Status.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(tx, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func styleStatus(status models.TransactionStatus) string {
	switch status {
	case models.TransactionStatusQueued:
		return queuedStyle.Sprint(status)
	case models.TransactionStatusSent:
		return sentStyle.Sprint(status)
	case models.TransactionStatusMined:
		return minedStyle.Sprint(status)
	case models.TransactionStatusConfirmed:
		return confirmedStyle.Sprint(status)
	case models.TransactionStatusErrored:
		return erroredStyle.Sprint(status)
	case models.TransactionStatusCancelled:
		return cancelledStyle.Sprint(status)
	default:
		return string(status)
	}
}

func init() {
	listTransactionsCmd.Flags().StringVar(&listStatus, "status", "QUEUED", "status to list")
	listTransactionsCmd.Flags().StringVar(&listCursor, "cursor", "", "pagination cursor")
	listTransactionsCmd.Flags().IntVar(&listLimit, "limit", 50, "page size")

	transactionsCmd.AddCommand(listTransactionsCmd)
	transactionsCmd.AddCommand(showTransactionCmd)
	rootCmd.AddCommand(transactionsCmd)
}
