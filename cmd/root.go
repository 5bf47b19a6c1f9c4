package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cloudlaunch",
	Short: "Launch a workload on a freshly provisioned cloud instance",
	Long: `CloudLaunch provisions a single cloud instance with its own key pair and
security group, deploys a workload over SSH, follows the workload's status
endpoint until it finishes, downloads the results and tears everything down.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
