package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/julesbot/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Julesbot Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. LLM base URL
		cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)

		// 2. LLM API key
		cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)

		// 3. LLM model name
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)

		// 4. Max output tokens
		maxTokensStr := prompt(scanner, "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))
		if n, err := strconv.Atoi(maxTokensStr); err == nil {
			cfg.LLM.MaxTokens = n
		}

		// 5. Jules MCP discovery URL and API key
		cfg.Bridge.DiscoveryURL = prompt(scanner, "Jules MCP discovery URL", cfg.Bridge.DiscoveryURL)
		cfg.Bridge.APIKey = prompt(scanner, "Jules API key", cfg.Bridge.APIKey)

		// 6. GitHub token (optional)
		cfg.GitHub.Token = prompt(scanner, "GitHub token (optional)", cfg.GitHub.Token)

		// 7. Telegram bot token
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token", cfg.Telegram.Token)

		// 8. Session store
		cfg.Store.Backend = prompt(scanner, "Session store (file, sqlite, redis, firestore)", cfg.Store.Backend)
		switch cfg.Store.Backend {
		case "redis":
			cfg.Store.Redis.Addr = prompt(scanner, "Redis address", cfg.Store.Redis.Addr)
		case "firestore":
			cfg.Store.Firestore.ProjectID = prompt(scanner, "Google Cloud project", cfg.Store.Firestore.ProjectID)
		}

		// 9. Reconcile interval
		cfg.Reconciler.Interval = prompt(scanner, "Reconcile interval", cfg.Reconciler.Interval)

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid settings:\n%w", err)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
