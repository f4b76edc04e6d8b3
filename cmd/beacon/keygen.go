package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/beacon/internal/auth"
	"github.com/alecgard/beacon/internal/config"
	"github.com/alecgard/beacon/internal/crypto"
)

var (
	keygenAdmin  bool
	keygenSecret bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ingest API key, an admin key, or a secret sealing key",
	RunE:  runKeygen,
}

var sealCmd = &cobra.Command{
	Use:   "seal <value>",
	Short: "Seal a channel URL or header value with notify.secret_key",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeal,
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenAdmin, "admin", false, "generate an admin key and print its bcrypt hash")
	keygenCmd.Flags().BoolVar(&keygenSecret, "secret", false, "generate a hex key for notify.secret_key")
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(sealCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if keygenSecret {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("secret_key:      %s\n", key)
		return nil
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}

	if keygenAdmin {
		hash, err := auth.HashAdminKey(plaintext)
		if err != nil {
			return err
		}
		fmt.Printf("Admin key:       %s\n", plaintext)
		fmt.Printf("admin_key_hash:  %s\n", hash)
		return nil
	}

	fmt.Printf("Ingest key:      %s\n", plaintext)
	fmt.Printf("Prefix:          %s\n", key.Prefix)
	fmt.Printf("ingest_key_hash: %s\n", key.Hash)
	return nil
}

func runSeal(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	c, err := crypto.NewCipher(cfg.Notify.SecretKey)
	if err != nil {
		return err
	}
	sealed, err := c.Seal(args[0])
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}
