package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudlaunch/internal/config"
	"cloudlaunch/internal/control"
	"cloudlaunch/internal/launcher"
	"cloudlaunch/internal/logging"
	"cloudlaunch/internal/provisioning"
	"cloudlaunch/internal/ssh"
)

var runManifestFile string

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision an instance, run the workload, collect results",
	Long: `Provision a key pair, a security group and one instance, upload the
workload and start it, print its status log until it reports done, download
the results directory and tear down every created resource.`,
	Run: func(cmd *cobra.Command, args []string) {
		runWorkload(runManifestFile)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runManifestFile, "workload", "f", "", "Path to workload manifest YAML file")
}

func runWorkload(manifestFile string) {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal("Failed to load config", zap.Error(err))
	}

	if manifestFile != "" {
		workload, err := config.LoadManifest(manifestFile, cfg.Workload)
		if err != nil {
			logging.Logger().Fatal("Failed to load workload manifest", zap.Error(err))
		}
		cfg.Workload = workload
	}

	if err := cfg.Validate(); err != nil {
		logging.Logger().Fatal("Invalid config", zap.Error(err))
	}

	ctx := context.Background()

	prov, err := provisioning.NewProvisioner(ctx, cfg.Provisioner)
	if err != nil {
		logging.Logger().Fatal("Failed to create provisioner", zap.Error(err))
	}

	keyProvider := ssh.NewKeyProvider(cfg.KeyStorage.EtcdEndpoints)
	defer func() {
		if err := keyProvider.Close(); err != nil {
			logging.Logger().Warn("Failed to close key provider", zap.Error(err))
		}
	}()

	l := launcher.New(cfg, prov, keyProvider, control.NewController)
	if err := l.Run(ctx); err != nil {
		logging.Logger().Fatal("Run failed", zap.Error(err))
	}
}
