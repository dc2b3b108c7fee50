package cli

import (
	"fmt"
	"strings"

	"github.com/binhbb2204/chatsync/cli/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and modify chatsync configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration values, environment overrides included.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("Configuration not initialized")
			fmt.Println("Run: chatsync init")
			return err
		}

		fmt.Println("Current Configuration:")
		fmt.Println("----------------------")

		section := ""
		for _, e := range cfg.Entries() {
			name, key, _ := strings.Cut(e[0], ".")
			if name != section {
				if section != "" {
					fmt.Println()
				}
				fmt.Printf("[%s]\n", name)
				section = name
			}
			fmt.Printf("  %s: %s\n", key, e[1])
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long:  `Set a configuration value. Key should be in format 'section.key' (e.g., reconnect.max_attempts).`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value := args[1]

		cfg, err := config.LoadFile()
		if err != nil {
			printError("Configuration not initialized")
			return err
		}

		if err := cfg.Set(key, value); err != nil {
			return err
		}
		if _, err := cfg.SessionConfig(); err != nil {
			return err
		}

		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		printSuccess(fmt.Sprintf("Updated %s to %s", key, value))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
