// Package cmd provides the CLI commands for the yuewen client.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/auth"
	"github.com/stepchat/yuewen/internal/engine"
	"github.com/stepchat/yuewen/internal/logging"
	"github.com/stepchat/yuewen/internal/session"
	"github.com/stepchat/yuewen/internal/store"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFile    string
	jsonLogs   bool

	// Shared state built in PersistentPreRunE
	st       *store.Store
	client   *api.Client
	authMgr  *auth.Manager
	sessions *session.Controller
	eng      *engine.Engine
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "yuewen",
	Short: "yuewen - a client for the Yuewen/StepFun conversational AI service",
	Long: `yuewen is a command-line client for the Yuewen (StepFun) conversational
AI service. It speaks both generations of the HTTP API, keeps credential and
session state in a local TOML config, and can send questions, recognize
images, and generate pictures.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		logCfg := logging.Config{Level: logLevel, JSON: jsonLogs}
		if logFile != "" {
			logCfg.FileLog = &logging.FileLogConfig{Path: logFile}
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		path := configPath
		if path == "" {
			var err error
			path, err = store.DefaultPath()
			if err != nil {
				return err
			}
		}
		var err error
		st, err = store.Open(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client = api.New(st)
		authMgr = auth.NewManager(client)
		sessions = session.NewController(client, authMgr)
		eng = engine.New(client, authMgr, sessions)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also log to this file (with rotation)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "log in JSON format")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
