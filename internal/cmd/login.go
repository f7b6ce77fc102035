package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stepchat/yuewen/internal/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with a phone number and SMS verification code",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if authMgr.State() == auth.StateUnregistered {
			fmt.Println("Registering device...")
			if err := authMgr.RegisterDevice(ctx); err != nil {
				return err
			}
		}

		reader := bufio.NewReader(os.Stdin)

		fmt.Print("Phone number (11 digits): ")
		phone, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		phone = strings.TrimSpace(phone)
		if err := authMgr.SendVerificationCode(ctx, phone); err != nil {
			return err
		}
		fmt.Println("Verification code sent.")

		fmt.Print("Code: ")
		code, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if err := authMgr.SignIn(ctx, phone, strings.TrimSpace(code)); err != nil {
			return err
		}
		fmt.Println("Signed in.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
