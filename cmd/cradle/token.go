package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/cradle/internal/auth"
)

func createTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token [token]",
		Short: "Generate an API token and its bcrypt hash",
		Long: `Print a token and the hash to add under [server.auth] token_hashes.
With an argument, hash that token instead of generating one.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok := ""
			if len(args) == 1 {
				tok = args[0]
			} else {
				var err error
				if tok, err = auth.GenerateToken(); err != nil {
					return err
				}
			}
			h, err := auth.HashToken(tok)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "token: %s\n", tok)
			_, err = fmt.Fprintf(out, "hash:  %s\n", h)
			return err
		},
	}
}
