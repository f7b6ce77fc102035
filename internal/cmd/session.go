package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the remote conversation session",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a fresh conversation session",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions.Reset()
		id, err := sessions.EnsureSession(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println("session created:", id)
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionNewCmd)
	rootCmd.AddCommand(sessionCmd)
}
