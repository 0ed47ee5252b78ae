// Package commands implements the stylectl operator CLI.
package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"styleai/internal/util"
	"styleai/services/stylesync/internal/app"
	"styleai/services/stylesync/internal/config"
)

var (
	configPath string
	logLevel   string
)

// openApp builds the application from config. Tests replace it.
var openApp = func() (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := util.InitLogger(cfg.LogLevel)
	return app.New(app.ConfigFrom(cfg, logger))
}

var rootCmd = &cobra.Command{
	Use:   "stylectl",
	Short: "Operate the stylesync catalog and history caches",
	Long: `stylectl manages the remote catalog documents and inspects the local
caches of a stylesync installation.

It reads the same config.yaml as the service (override with --config or
STYLESYNC_CONFIG) after loading a .env file from the working directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		if configPath == "" {
			configPath = config.Path()
		}
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default config.yaml or $STYLESYNC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// withApp opens the application for one command and closes it afterwards.
func withApp(fn func(a *app.App) error) error {
	a, err := openApp()
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("close app", "err", err)
		}
	}()
	return fn(a)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
