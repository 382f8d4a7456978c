package cmd

import (
	"github.com/LingshijunRenzy/ICS-guard/core"
	"github.com/LingshijunRenzy/ICS-guard/state"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller core",
	Long: `This will run the ICS-Guard controller core on the current host. The protocol
adapter connects switches to it; management clients drive policies through its API.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		err := core.Bootstrap(state.CentralConfigPath, state.NodeConfigPath, verbose)
		if err != nil {
			panic(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().BoolVarP(&state.DBG_log_packets, "lpacket", "k", false, "Write packet decisions to console")
	runCmd.Flags().BoolVarP(&state.DBG_log_policy, "lpolicy", "y", false, "Write policy executions to console")
	runCmd.Flags().BoolVarP(&state.DBG_log_probes, "lprobe", "p", false, "Write probe results to console")
}
