package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stepchat/yuewen/internal/logging"
	"github.com/stepchat/yuewen/internal/store"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat loop",
	Long: `chat reads lines from stdin and feeds them to the engine, printing
replies as they arrive. Messages follow the same rules as the bot: only lines
starting with the trigger prefix (default "yw") get a response, except while a
login conversation is in progress. The config file is watched while the loop
runs, so tokens or settings edited externally take effect without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logging.Get()
		out := stdoutOutbound{}

		w, err := st.Watch(func(c store.Config) {
			log.Info("config reloaded", "api_version", c.APIVersion, "model_id", c.ModelID)
		})
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer w.Close()

		cfg := st.Snapshot()
		fmt.Printf("悦问 interactive chat. Prefix messages with %q, %s帮助 for commands, Ctrl-D to quit.\n",
			cfg.TriggerPrefix, cfg.TriggerPrefix)

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := eng.HandleText(ctx, line, out); err != nil {
				log.Error("message failed", "error", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			if ctx.Err() != nil {
				break
			}
		}
		return scanner.Err()
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
