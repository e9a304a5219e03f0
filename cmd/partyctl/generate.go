package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/partymesh/partymesh/keyring"
)

var (
	genKeyType   string
	genStorage   string
	genSecretOut bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new ed25519 key and print its JWK public export",
	Long: `Generate a new ed25519 key record (identity, device, party, or feed),
optionally persisting it into a JSONFileStore directory, where it is stored
under its hex public key.`,
	Example: `  # Generate a device key and store it under ./keys
  partyctl generate --type DEVICE --storage-dir ./keys`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVarP(&genKeyType, "type", "t", string(keyring.KeyTypeIdentity), "Key type (IDENTITY, DEVICE, PARTY, FEED)")
	generateCmd.Flags().StringVarP(&genStorage, "storage-dir", "s", "", "JSONFileStore directory to persist the key into (default: in-memory only)")
	generateCmd.Flags().BoolVar(&genSecretOut, "with-secret", false, "also print the secret-key JWK (sensitive)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	store, err := openStore(genStorage)
	if err != nil {
		return err
	}
	kr := keyring.New(store)

	rec, err := kr.Generate(keyring.KeyType(genKeyType))
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	pub, err := kr.Export(rec.PublicKey)
	if err != nil {
		return fmt.Errorf("export public jwk: %w", err)
	}
	fmt.Printf("public_key: %x\npublic_jwk: %s\n", rec.PublicKey, pub)

	if genSecretOut {
		sec, err := kr.ExportSecret(rec.PublicKey)
		if err != nil {
			return fmt.Errorf("export secret jwk: %w", err)
		}
		fmt.Printf("secret_jwk: %s\n", sec)
	}
	return nil
}

// openStore returns a JSONFileStore rooted at dir, or an in-memory store if
// dir is empty.
func openStore(dir string) (keyring.KeyStore, error) {
	if dir == "" {
		return keyring.NewMemoryStore(), nil
	}
	return keyring.NewJSONFileStore(dir)
}
