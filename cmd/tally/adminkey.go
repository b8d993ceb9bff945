package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/tally/internal/auth"
)

var adminKeyCmd = &cobra.Command{
	Use:   "admin-key",
	Short: "Generate an admin key and the bcrypt hash to put in admin.key_hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		plaintext, hash, err := auth.GenerateAdminKey()
		if err != nil {
			return fmt.Errorf("generating admin key: %w", err)
		}
		fmt.Printf("Admin key (give to collaborators): %s\n", plaintext)
		fmt.Printf("Key hash (admin.key_hash or TALLY_ADMIN_KEY_HASH): %s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adminKeyCmd)
}
