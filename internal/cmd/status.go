package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show login state and the active configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := st.Snapshot()

		loginState := "signed in"
		if authMgr.NeedsLogin() {
			loginState = "login required"
		}
		network := "off"
		if cfg.NetworkMode {
			network = "on"
		}

		fmt.Printf("config:      %s\n", st.Path())
		fmt.Printf("login:       %s\n", loginState)
		fmt.Printf("api version: %s\n", cfg.APIVersion)
		fmt.Printf("model id:    %d\n", cfg.ModelID)
		fmt.Printf("web search:  %s\n", network)
		fmt.Printf("trigger:     %s\n", cfg.TriggerPrefix)
		if !st.LastRefreshAt().IsZero() {
			fmt.Printf("last token refresh: %s\n", st.LastRefreshAt().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
