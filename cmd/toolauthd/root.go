package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "toolauthd",
	Short: "OAuth authorization server for tool-invocation endpoints",
	Long: `toolauthd issues and validates access tokens for tool-invocation
resource servers. It serves OAuth discovery metadata, dynamic client
registration, the authorization code flow with mandatory PKCE, and the
client credentials flow. With a resource server section configured it also
guards tool calls against the scopes carried in each token.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "toolauthd version %s\n" .Version}}`)
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the toolauthd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "toolauthd version %s\n", version)
		},
	}
}
