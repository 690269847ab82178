package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parleybot/parley/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		session    string
		showUsage  bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message and print the reply",
		Example: `  parley chat "What is 2^10?"
  parley chat --session notes_today "Summarize our plan"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator(session)
			if err != nil {
				return err
			}

			reply, err := orch.Run(cmd.Context(), models.NewUserMessage(strings.Join(args, " ")))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Content)

			if showUsage {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d prompt + %d reply tokens\n", reply.PromptTokens, reply.ReplyTokens)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&session, "session", "s", "oneshot_default", "Session id owning the history")
	cmd.Flags().BoolVar(&showUsage, "usage", false, "Print token usage to stderr")
	return cmd
}
