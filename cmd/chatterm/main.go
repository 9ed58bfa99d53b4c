package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iishyfishyy/chatterm/internal/config"
	"github.com/iishyfishyy/chatterm/internal/logging"
	"github.com/iishyfishyy/chatterm/internal/server"
)

var (
	// version is set by goreleaser at build time
	version = "dev"

	// CLI flags
	configPath string
	debug      bool

	endpoint         string
	thinking         bool
	useBlackList     bool
	blackListPattern string
	noHistory        bool

	host    string
	port    int
	logJSON bool

	historyLimit int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chatterm",
		Short:         "Chat with a language model that runs commands in your terminal",
		Long:          "chatterm turns requests into shell commands with a text completion model, runs them with your confirmation and explains the result",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Settings file (default "+config.DefaultConfigFile+")")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}
	chatCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Text completion endpoint to use")
	chatCmd.Flags().BoolVar(&thinking, "thinking", false, "Let the agent think before proposing a command")
	chatCmd.Flags().BoolVar(&useBlackList, "use-black-list", false, "Only confirm commands matching the black list pattern")
	chatCmd.Flags().StringVar(&blackListPattern, "black-list-pattern", "", "Pattern of commands that need confirmation")
	chatCmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not record turns in the history log")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversations over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&host, "host", server.DefaultHost, "Address to listen on")
	serveCmd.Flags().IntVarP(&port, "port", "p", server.DefaultPort, "Port to listen on")
	serveCmd.Flags().BoolVar(&logJSON, "log-json", false, "Log in JSON")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent turns",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVarP(&historyLimit, "number", "n", 10, "Number of turns to show")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadSettings loads .env and the settings file and sets up logging.
func loadSettings(json bool) (config.Settings, error) {
	logging.Setup(os.Stderr, debug, json)

	if err := config.LoadEnv(); err != nil {
		return config.Settings{}, err
	}
	settings, err := config.Load(configPath)
	if err != nil {
		return config.Settings{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return settings, nil
}
