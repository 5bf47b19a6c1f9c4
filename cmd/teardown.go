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
	"cloudlaunch/internal/session"
	"cloudlaunch/internal/ssh"
)

// teardownCmd represents the teardown command
var teardownCmd = &cobra.Command{
	Use:   "teardown <session file>",
	Short: "Release the resources recorded in a session file",
	Long: `Terminate the instance, delete the security group and key pair, and
remove the local key and session files left behind by an interrupted run.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		teardownSession(args[0])
	},
}

func init() {
	rootCmd.AddCommand(teardownCmd)
}

func teardownSession(stateFile string) {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal("Failed to load config", zap.Error(err))
	}

	sess, err := session.Load(stateFile)
	if err != nil {
		logging.Logger().Fatal("Failed to load session file", zap.Error(err))
	}

	if sess.Provider != string(cfg.Provisioner.Type) {
		logging.Logger().Fatal("Session provider does not match configured provider",
			zap.String("session_provider", sess.Provider),
			zap.String("configured", string(cfg.Provisioner.Type)))
	}

	ctx := context.Background()

	prov, err := provisioning.NewProvisioner(ctx, cfg.Provisioner)
	if err != nil {
		logging.Logger().Fatal("Failed to create provisioner", zap.Error(err))
	}

	l := launcher.New(cfg, prov, ssh.NewInMemoryKeyProvider(), control.NewController)
	l.Resume(sess)
	if err := l.Teardown(ctx); err != nil {
		logging.Logger().Fatal("Teardown failed", zap.Error(err))
	}
}
