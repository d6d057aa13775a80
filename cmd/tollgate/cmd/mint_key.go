package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tollgate-ai/tollgate/internal/domain/auth"
)

var (
	mintKeyID  string
	mintTenant string
	mintAgent  string
	mintRole   string
)

var mintKeyCmd = &cobra.Command{
	Use:   "mint-key",
	Short: "Generate an agent API key and its config entry",
	Long: `Generate a raw API key for an agent along with the argon2id hash
and prefix to provision in config.

The raw key is printed once and never stored; only the hash goes into
auth.keys. Give the raw key to the agent.

Example:
  tollgate mint-key --key-id key-1 --tenant acme --agent bot-1 --role developer`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, rec, err := auth.NewKeyMaterial(mintKeyID, mintTenant, mintAgent, mintRole)
		if err != nil {
			return err
		}
		fmt.Printf("API key (give to the agent, shown once):\n  %s\n\n", raw)
		fmt.Printf("Config entry for auth.keys:\n")
		fmt.Printf("  - key_id: %s\n", rec.KeyID)
		fmt.Printf("    prefix: %s\n", rec.Prefix)
		fmt.Printf("    hash: %q\n", rec.Hash)
		fmt.Printf("    tenant: %s\n", rec.Tenant)
		fmt.Printf("    agent: %s\n", rec.Agent)
		fmt.Printf("    role: %s\n", rec.Role)
		return nil
	},
}

func init() {
	mintKeyCmd.Flags().StringVar(&mintKeyID, "key-id", "", "key record id")
	mintKeyCmd.Flags().StringVar(&mintTenant, "tenant", "", "tenant the key belongs to")
	mintKeyCmd.Flags().StringVar(&mintAgent, "agent", "", "agent identifier within the tenant")
	mintKeyCmd.Flags().StringVar(&mintRole, "role", "developer", "role evaluated by policy rules")
	_ = mintKeyCmd.MarkFlagRequired("key-id")
	_ = mintKeyCmd.MarkFlagRequired("tenant")
	_ = mintKeyCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(mintKeyCmd)
}
