package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var sendImagePath string

// stdoutOutbound prints replies to the terminal.
type stdoutOutbound struct{}

func (stdoutOutbound) SendText(ctx context.Context, text string) error {
	fmt.Println(text)
	return nil
}

func (stdoutOutbound) SendImage(ctx context.Context, url string) error {
	fmt.Println("[image]", url)
	return nil
}

var sendCmd = &cobra.Command{
	Use:   "send [message...]",
	Short: "Send a message (or an image with --image) and print the reply",
	Args:  cobra.MinimumNArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := stdoutOutbound{}

		cfg := st.Snapshot()
		text := strings.Join(args, " ")
		// The engine expects the trigger prefix; the CLI supplies it so
		// "yuewen send hello" just works.
		if !strings.HasPrefix(text, cfg.TriggerPrefix) {
			text = cfg.TriggerPrefix + text
		}

		if sendImagePath != "" {
			data, err := os.ReadFile(sendImagePath)
			if err != nil {
				return err
			}
			width, height := 0, 0
			if dims, _, derr := image.DecodeConfig(bytes.NewReader(data)); derr == nil {
				width, height = dims.Width, dims.Height
			}

			// Arm the recognition flow, then deliver the picture.
			trigger := cfg.TriggerPrefix + cfg.Image.Trigger
			if strings.TrimSpace(strings.Join(args, " ")) != "" {
				trigger += " " + strings.Join(args, " ")
			}
			if err := eng.HandleText(ctx, trigger, out); err != nil {
				return err
			}
			return eng.HandleImage(ctx, data, width, height, out)
		}

		if len(args) == 0 {
			return fmt.Errorf("nothing to send: provide a message or --image")
		}
		return eng.HandleText(ctx, text, out)
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendImagePath, "image", "", "path of an image to analyze")
	rootCmd.AddCommand(sendCmd)
}
