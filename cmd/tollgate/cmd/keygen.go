package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tollgate-ai/tollgate/internal/domain/receipt"
)

var (
	keygenOut   string
	keygenKeyID string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a receipt signing keypair",
	Long: `Generate an ed25519 keypair for receipt signing.

The keypair is written as JSON with mode 0600; an existing file is never
overwritten. Point signing.key_file in your config at the output path.

Example:
  tollgate keygen --out signing.json --key-id prod-2026`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kf, err := receipt.GenerateKeyFile(keygenOut, keygenKeyID)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", keygenOut)
		fmt.Printf("  Key ID:     %s\n", kf.KeyID)
		fmt.Printf("  Public key: %s\n", kf.PublicKey)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "signing.json", "output path for the keypair file")
	keygenCmd.Flags().StringVar(&keygenKeyID, "key-id", "default", "key id recorded in receipt signatures")
	rootCmd.AddCommand(keygenCmd)
}
