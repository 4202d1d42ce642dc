// Package commands implements the levind CLI as a cobra-based command tree.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "levind",
	Short: "A minimal Levin-speaking peer-to-peer node",
	Long: `levind demonstrates the Levin wire protocol engine: it accepts TCP
connections, reassembles framed requests/notifications, and dispatches them
to the connection table's command handler. serve installs a no-op handler
that answers every request with CONNECTION_HANDLER_NOT_DEFINED.

Use "levind [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command; called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/levind/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}
