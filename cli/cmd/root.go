package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/trebuchet-org/treb-relay/internal/app"
	"github.com/trebuchet-org/treb-relay/internal/config"
	"github.com/trebuchet-org/treb-relay/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "treb-relay",
	Short: "Transaction relay engine with managed nonces and gas escalation",
	Long: `treb-relay queues, broadcasts and tracks EVM transactions on behalf of
callers: exclusive nonce assignment per wallet, gas-fee escalation for stuck
transactions, ERC-4337 user operations, and crash recovery against the chain.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// .env is optional; real deployments set the environment directly
	godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default treb-relay.yaml)")
}

// buildApp wires a full application from configuration. Commands that only
// read state share the same wiring as serve; Redis is the common substrate.
func buildApp() (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return app.InitApp(cfg, logging.NewLogger())
}
