package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version will be set at build time
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailhub",
		Short: "Multi-account mail backend over Gmail and IMAP/SMTP",
		Long: `mailhub serves Gmail (REST + OAuth2) and IMAP/SMTP accounts behind one
HTTP API, caching messages in SQLite and searching them with fuzzy, trigram
and optional semantic matching.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("mailhub version %s\n", version))

	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newIndexCmd())
	return root
}
