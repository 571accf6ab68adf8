package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deskwire/deskwire/pkg/log"
	"github.com/deskwire/deskwire/pkg/mcp"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	serverCommand string
	serverArgs    []string
	containerName string
)

var rootCmd = &cobra.Command{
	Use:   "deskwire",
	Short: "deskwire drives a remote desktop tool server over MCP",
	Long: `deskwire supervises a tool server child process speaking newline-delimited
JSON-RPC over stdio, and executes commands against it with retry, timeout,
and loop protection.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: logLevel, Format: logFormat})
	},
}

// loadClientConfig builds the client config from the config file and flags.
// Flags win over the file.
func loadClientConfig() (mcp.Config, error) {
	var cfg mcp.Config
	if configPath != "" {
		loaded, err := mcp.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if serverCommand != "" {
		cfg.Command = serverCommand
	}
	if len(serverArgs) > 0 {
		cfg.Args = serverArgs
	}
	if containerName != "" {
		cfg.ContainerName = containerName
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML client config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", log.LevelInfo, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&serverCommand, "server", "", "Tool server executable")
	rootCmd.PersistentFlags().StringSliceVar(&serverArgs, "server-arg", nil, "Tool server argument (repeatable)")
	rootCmd.PersistentFlags().StringVar(&containerName, "container", "", "Run the server inside this container")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	defer func() { _ = log.Sync() }()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
