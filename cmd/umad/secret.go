package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"umagate.org/internal/auth"
)

// hashSecretCmd prints a bcrypt hash usable as clients[].secret_hash.
var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret SECRET",
	Short: "Hash a client secret for the clients section of the config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashSecretCmd)
}
