package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"mining_economy/internal/config"

	"github.com/spf13/cobra"
)

const (
	appName = "economy"
	version = "0.3.0"
)

var (
	configPath string
	baseURL    string
	authToken  string
	accountID  string
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Mining and investment economy server and client",
	Long: `economy runs the authoritative accrual store (serve) and provides a
client that estimates, watches and collects an account's earnings from
this device.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "economy.toml", "Path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "", "Server base URL (overrides [client].base_url)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token (overrides [client].token)")
	rootCmd.PersistentFlags().StringVarP(&accountID, "account", "a", "", "Account id")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if baseURL != "" {
		cfg.Client.BaseURL = baseURL
	}
	if authToken != "" {
		cfg.Client.Token = authToken
	}
	return cfg, nil
}

func setupLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

// setupClientLogger keeps command output on stdout readable.
func setupClientLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func requireAccount() (string, error) {
	if accountID == "" {
		return "", fmt.Errorf("account id required: use --account")
	}
	return accountID, nil
}
