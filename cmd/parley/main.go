// Command parley is a terminal front end for the conversational agent
// core: an interactive chat loop, a one-shot mode, and config tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parleybot/parley/internal/config"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "parley",
		Short:         "Tool-augmented LLM chat agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "parley", version)
		},
	}
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration tooling",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	})
	return cmd
}

// loadConfig reads the config file when given, or falls back to
// ./parley.yaml and then to defaults so the CLI works with nothing but
// an API key. The returned path is empty when defaults were used.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		if _, err := os.Stat("parley.yaml"); err == nil {
			path = "parley.yaml"
		}
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}
