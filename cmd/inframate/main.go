package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Arcneell/Inframate/internal/config"
	"github.com/Arcneell/Inframate/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configDirFlag string
	envFileFlag   string

	cfg    *config.Config
	appLog *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "inframate",
	Short: "Inframate email service",
	Long: `Inframate runs the email side of the helpdesk: it polls the configured
mailboxes, turns messages into tickets and comments, and sends and retries
outbound notifications.`,
	Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appLog != nil {
			_ = appLog.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print version information",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "inframate %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDirFlag, "config", "./config", "Directory holding default.yaml and config.yaml")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.AddCommand(versionCmd)
}

// setup loads the environment file, the configuration and the logger shared
// by every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	if envFileFlag != "" {
		if err := godotenv.Load(envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFileFlag, err)
		}
	}
	if err := config.Load(configDirFlag); err != nil {
		return err
	}
	cfg = config.Get()

	appLog = logger.New(cfg.Logging)
	slog.SetDefault(appLog.Logger)
	for _, w := range config.NewSecretValidator(cfg).Warnings() {
		appLog.Warn("insecure configuration", "detail", w)
	}
	config.OnReload(func(next *config.Config) {
		appLog.SetLevel(next.Logging.Level)
	})
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
