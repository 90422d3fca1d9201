package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/datagen24/dshield-mcp-sub002/internal/auth"
)

var genkeyID string

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new API key and print its config.yaml fragment",
	Long:  "Generates a random API token, hashes it the same way the authenticator verifies it, and prints the plaintext token once plus the auth.keys YAML fragment to store instead -- the plaintext is never written to disk by this command.",
	Run: func(cmd *cobra.Command, args []string) {
		id := genkeyID
		if id == "" {
			id = uuid.NewString()
		}

		plaintext, salt, hash, err := auth.NewCredential()
		if err != nil {
			fmt.Println("Error: generating credential:", err)
			return
		}

		fmt.Printf("API key (save this now, it will not be shown again):\n\n  %s\n\n", plaintext)
		fmt.Println("Add this to auth.keys in config.yaml:")
		fmt.Printf("\n  - id: %s\n    salt: %s\n    hash: %s\n", id, salt, hash)
	},
}

func init() {
	genkeyCmd.Flags().StringVar(&genkeyID, "id", "", "key id to embed in the generated fragment (defaults to a random uuid)")
}
