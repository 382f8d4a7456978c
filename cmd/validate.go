package cmd

import (
	"fmt"
	"os"

	"github.com/LingshijunRenzy/ICS-guard/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration files",
	Long:  `Parses and validates the central and node configuration without starting the controller.`,
	Run: func(cmd *cobra.Command, args []string) {
		var centralCfg state.CentralCfg
		file, err := os.ReadFile(state.CentralConfigPath)
		if err != nil {
			panic(err)
		}
		if err := yaml.Unmarshal(file, &centralCfg); err != nil {
			panic(err)
		}
		if err := state.CentralConfigValidator(&centralCfg); err != nil {
			panic(err)
		}

		var nodeCfg state.LocalCfg
		file, err = os.ReadFile(state.NodeConfigPath)
		if err != nil {
			panic(err)
		}
		if err := yaml.Unmarshal(file, &nodeCfg); err != nil {
			panic(err)
		}
		if err := state.NodeConfigValidator(&nodeCfg); err != nil {
			panic(err)
		}

		fmt.Printf("ok: %d switches, %d hosts, %d link costs\n",
			len(centralCfg.Switches), len(centralCfg.Hosts), len(centralCfg.LinkCosts))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
