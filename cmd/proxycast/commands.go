// Package main is the CLI entry point for the ProxyCast gateway.
//
// commands.go holds the cobra command definitions and flag wiring.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/proxycast/proxycast/internal/config"
)

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "proxycast",
		Short: "Local multi-dialect LLM gateway",
		Long: `ProxyCast fronts Anthropic, OpenAI, CodeWhisperer, and Gemini backends
behind a single local endpoint. Clients speak whichever wire dialect they
already know; the gateway converts, selects a healthy backend credential,
and streams the response back in the caller's dialect.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConnectCmd(),
		buildVersionCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ProxyCast gateway",
		Long: `Start the gateway server.

The server will:
1. Load configuration (defaults merged with the config file and environment)
2. Open the local database and sync the credential pool
3. Spawn the agent sidecar, reclaiming its port if contended
4. Start the scheduler and heartbeat loops
5. Serve the dialect endpoints, admin surface, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  proxycast serve

  # Start on another port with a fixed API key
  proxycast serve --port 9090 --api-key "$PROXYCAST_API_KEY"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(),
		"Path to JSON configuration file")
	cmd.Flags().StringVar(&opts.host, "host", "", "Listen host override")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Listen port override")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "Shared client API key override")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("proxycast %s (%s)\n", version, commit)
		},
	}
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}
	cmd.AddCommand(buildConfigInitCmd(), buildConfigPathCmd())
	return cmd
}

func buildConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.Defaults().Save(path); err != nil {
				return &configError{err}
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func buildConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.DefaultPath())
		},
	}
}
