package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehand/config"
	"github.com/jmcleod/gatehand/session"
)

var revokeByID bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
}

var sessionsRevokeCmd = &cobra.Command{
	Use:   "revoke <session-cookie-value>",
	Short: "Revoke a session so its cookie no longer authenticates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}

		store, repo, err := openSessionStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		id := args[0]
		if !revokeByID {
			id = session.EncodeToken(id)
		}
		if err := store.InvalidateSession(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked session %s\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsRevokeCmd)
	sessionsRevokeCmd.Flags().BoolVar(&revokeByID, "id", false, "Treat the argument as a hashed session id instead of a cookie value")
}
