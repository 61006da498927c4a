package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var AppVersion string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %s", err))
		os.Exit(1)
	}
}

type rootOptions struct {
	server string
	apiKey string
	token  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "silo-dispatch-admin <command>",
		Short:         "Operate a silo-dispatch server.",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("SILO_DISPATCH_SERVER", "http://localhost:8080"), "Server base URL")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("SILO_DISPATCH_API_KEY"), "Admin API key")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("SILO_DISPATCH_TOKEN"), "Admin bearer token from the login command")

	cmd.AddCommand(
		newLoginCmd(opts),
		newDrainCmd(opts),
		newAgentsCmd(opts),
		newJobsCmd(opts),
		newKeysCmd(opts),
		newHashPasswordCmd(),
	)
	return cmd
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.server, o.apiKey, o.token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
