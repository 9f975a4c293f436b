package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/linhsiu/gofepd/internal/security"
	"github.com/linhsiu/gofepd/internal/security/keystore"
)

var (
	// Keys flags
	keyTypeFlag string
	keyLength   int
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key ceremony helpers for the software HSM",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate key material and print it with its check value",
	Long: `Generate random key material for one key type and print the hex
material together with its key check value. The material goes into the
[security] section or gets split across custodians; the check value
lets each party verify what they hold without exposing the key.`,
	RunE: runKeysGenerate,
}

var keysKCVCmd = &cobra.Command{
	Use:   "kcv <hex-material>",
	Short: "Compute the check value of existing key material",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysKCV,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd, keysKCVCmd)

	keysGenerateCmd.Flags().StringVar(&keyTypeFlag, "type", "MAK", "key type (PEK, TEK, ZEK, MAK, DEK, KEK)")
	keysGenerateCmd.Flags().IntVar(&keyLength, "length", 16, "key length in bytes (8, 16, 24 or 32)")
	keysKCVCmd.Flags().StringVar(&keyTypeFlag, "type", "MAK", "key type")
}

func runKeysGenerate(_ *cobra.Command, _ []string) error {
	m := keystore.NewManager(zerolog.Nop())
	info, err := m.Generate(keystore.KeyType(keyTypeFlag), "cli", keyLength, 0)
	if err != nil {
		return err
	}
	material, err := m.DecryptKey(info.ID)
	if err != nil {
		return err
	}
	defer security.Erase(material)

	fmt.Printf("type:   %s\n", info.Type)
	fmt.Printf("length: %d bytes\n", info.Length)
	fmt.Printf("key:    %s\n", hex.EncodeToString(material))
	fmt.Printf("kcv:    %s\n", info.KCV)
	return nil
}

func runKeysKCV(_ *cobra.Command, args []string) error {
	material, err := hex.DecodeString(args[0])
	if err != nil {
		return fmt.Errorf("key material must be hex: %w", err)
	}
	m := keystore.NewManager(zerolog.Nop())
	info, err := m.Import(keystore.KeyType(keyTypeFlag), "cli", material, 0)
	if err != nil {
		return err
	}
	fmt.Printf("kcv: %s\n", info.KCV)
	return nil
}
