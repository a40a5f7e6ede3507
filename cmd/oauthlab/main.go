// Command oauthlab serves the authorization code flow lab.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags.
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oauthlab",
		Short: "Run OAuth 2.0 authorization code flows with PKCE and inspect every step",
		Long: `oauthlab drives OAuth 2.0 authorization code flows against a real identity
provider, records each step with the HTTP exchanges involved, and scores the
security posture of the result. Individual protections can be switched off to
demonstrate the attacks they prevent.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "oauthlab version %s\n" .Version}}`)
	root.AddCommand(newServeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
