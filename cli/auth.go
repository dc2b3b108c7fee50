package cli

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/binhbb2204/chatsync/cli/config"
	"github.com/binhbb2204/chatsync/internal/restapi"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var username string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Login to the chat server",
	Long:  `Login with a username and password. The server creates the account on first login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if username == "" {
			return fmt.Errorf("username is required (--username)")
		}

		cfg, err := config.Load()
		if err != nil {
			printError("Configuration not initialized")
			fmt.Println("Run: chatsync init")
			return err
		}

		fmt.Print("Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		client := restapi.NewClient(cfg.ServerURL(), cfg, 0)
		res, err := client.Login(ctx, username, string(passwordBytes))
		if err != nil {
			var apiErr *restapi.APIError
			if errors.As(err, &apiErr) && apiErr.Unauthorized() {
				printError("Login failed: Invalid credentials")
				fmt.Println("Check your username and password")
			} else if errors.As(err, &apiErr) {
				printError(fmt.Sprintf("Login failed: %s", apiErr.Message))
			} else {
				printError("Login failed: Server connection error")
				fmt.Printf("Is the server running at %s?\n", cfg.ServerURL())
			}
			return fmt.Errorf("login failed")
		}

		if err := config.UpdateUserToken(res.Username, res.Token, res.UserID); err != nil {
			fmt.Println("Warning: Failed to save token to config")
		}

		printSuccess("Login successful!")
		fmt.Printf("Welcome, %s!\n", res.Username)
		if !res.ExpiresAt.IsZero() {
			fmt.Printf("  Token expires: %s\n", res.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		}
		fmt.Println("\nTry: chatsync chat join --room 1")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Logout and remove the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("Configuration not found")
			fmt.Println("Run: chatsync init")
			return err
		}

		if cfg.User.Token == "" {
			printInfo("You are not logged in")
			return nil
		}

		currentUser := cfg.User.Username
		if err := config.ClearUserToken(); err != nil {
			return fmt.Errorf("failed to logout: %w", err)
		}

		printSuccess("Logged out successfully!")
		fmt.Printf("Goodbye, %s!\n", currentUser)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
