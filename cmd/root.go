package cmd

import (
	"os"

	"github.com/LingshijunRenzy/ICS-guard/state"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "icsguard",
	Short: "ICS-Guard security controller CLI",
	Long: `ICS-Guard is a security control core for industrial software-defined networks.
It maintains the network topology, computes flood and forwarding paths, and turns
security policies and AI verdicts into flow-table enforcement.`,
	// Uncomment the following line if your bare application
	// has an action associated with it:
	// Run: func(cmd *cobra.Command, args []string) { },
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Here you will define your flags and configuration settings.
	// Cobra supports persistent flags, which, if defined here,
	// will be global for your application.

	rootCmd.PersistentFlags().StringVarP(&state.NodeConfigPath, "node-config", "n", state.NodeConfigPath, "node-specific config")
	rootCmd.PersistentFlags().StringVarP(&state.CentralConfigPath, "central-config", "c", state.CentralConfigPath, "network-global config")
}
