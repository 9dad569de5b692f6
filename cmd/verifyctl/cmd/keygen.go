package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/verisol/verify-api/pkg/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an operator API key and its bcrypt hash",
	Long: `Generate a random operator API key together with a bcrypt hash of it.

Give the key to the operator and configure the server with either the key
(--api-key / VERIFY_API_KEY) or, preferably, just the hash
(--api-key-hash / VERIFY_API_KEY_HASH) so the plaintext never touches the
server's configuration.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, err := auth.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	hash, err := auth.HashKey(key)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}

	if IsJSONOutput() {
		out, err := json.MarshalIndent(map[string]string{
			"api_key":      key,
			"api_key_hash": hash,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("API key:  %s\n", key)
	fmt.Printf("Key hash: %s\n", hash)
	return nil
}
