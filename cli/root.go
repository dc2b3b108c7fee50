package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/binhbb2204/chatsync/cli/config"
	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var logFile *os.File

var rootCmd = &cobra.Command{
	Use:     "chatsync",
	Short:   "Real-time chat client",
	Long:    `chatsync joins chat rooms over a live connection and falls back to the REST API when offline.`,
	Version: "0.3.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// a missing .env is fine
		_ = godotenv.Load()

		cfg, err := config.Load()
		if err != nil {
			// init and friends run before a config exists
			logger.Init(logger.INFO, false, nil)
			return nil
		}
		return setupLogging(cfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the configuration file",
	Long:  `Create ~/.chatsync/config.yaml with default settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.GetConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			printInfo(fmt.Sprintf("Configuration already exists at %s", path))
			return nil
		}
		if err := config.Init(); err != nil {
			printError("Failed to initialize configuration")
			return err
		}
		printSuccess(fmt.Sprintf("Configuration created at %s", path))
		fmt.Println("Next: chatsync login --username <name>")
		return nil
	},
}

// setupLogging sends library logs to <logging.path>/chatsync.log, away
// from the chat prompt.
func setupLogging(cfg *config.Config) error {
	level := logger.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Path == "" {
		logger.Init(level, cfg.Logging.JSON, nil)
		return nil
	}
	if err := os.MkdirAll(cfg.Logging.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(cfg.Logging.Path, "chatsync.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f
	logger.Init(level, cfg.Logging.JSON, f)
	return nil
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func printSuccess(msg string) {
	fmt.Printf("✓ %s\n", msg)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "✗ %s\n", msg)
}

func printInfo(msg string) {
	fmt.Printf("ℹ %s\n", msg)
}

func init() {
	rootCmd.AddCommand(initCmd)
}
