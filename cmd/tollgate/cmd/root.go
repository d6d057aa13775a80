// Package cmd provides the CLI commands for TollGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tollgate-ai/tollgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "TollGate - policy and economics gateway for AI agent tool calls",
	Long: `TollGate is a proxy between AI agents and tool servers. Every tool
call is authenticated, validated, checked against tenant policy, priced and
reserved against budgets, forwarded, and settled with a signed, hash-chained
receipt.

Quick start:
  1. Generate a receipt signing key: tollgate keygen --out signing.json
  2. Mint an agent API key:          tollgate mint-key --tenant acme --agent bot-1
  3. Write a config file:            tollgate.yaml
  4. Start the gateway:              tollgate serve

Configuration:
  Config is loaded from tollgate.yaml in the current directory,
  $HOME/.tollgate/, or /etc/tollgate/.

  Environment variables can override config values with the TOLLGATE_ prefix.
  Example: TOLLGATE_SERVER_ADDR=127.0.0.1:9090

Commands:
  serve         Start the gateway
  keygen        Generate a receipt signing keypair
  mint-key      Generate an agent API key and its config entry
  verify-chain  Verify a scope's receipt chain end to end
  version       Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./tollgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
