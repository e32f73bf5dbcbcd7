package main

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	envServerURL     = "AUDIOBOOK_SERVER_URL"
	defaultServerURL = "http://localhost:8080"
)

// commandContext carries the global flags to every subcommand.
type commandContext struct {
	serverURL string
	jsonOut   bool
	timeout   time.Duration
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.serverURL, c.timeout)
}

// wantJSON reports whether output should be JSON rather than a table.
func (c *commandContext) wantJSON(out io.Writer) bool {
	return c.jsonOut || !isTerminal(out)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	serverDefault := os.Getenv(envServerURL)
	if serverDefault == "" {
		serverDefault = defaultServerURL
	}

	rootCmd := &cobra.Command{
		Use:           "audiobook-client",
		Short:         "Submit e-books and manage audiobooks on an audiobook service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.serverURL, "server", serverDefault, "Base URL of the audiobook service")
	rootCmd.PersistentFlags().BoolVar(&ctx.jsonOut, "json", false, "Print JSON even on a terminal")
	rootCmd.PersistentFlags().DurationVar(&ctx.timeout, "timeout", defaultRequestTimeout, "Per-request timeout")

	rootCmd.AddCommand(
		newSubmitCommand(ctx),
		newStatusCommand(ctx),
		newListCommand(ctx),
		newScanCommand(ctx),
		newHealthCommand(ctx),
		newDownloadCommand(ctx),
	)

	return rootCmd
}
