package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudlaunch/internal/config"
	"cloudlaunch/internal/logging"
	"cloudlaunch/internal/status"
)

var watchHost string

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the status endpoint of an already running instance",
	Run: func(cmd *cobra.Command, args []string) {
		if watchHost == "" {
			logging.Logger().Fatal("Host is required")
		}

		watchStatus(watchHost)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchHost, "host", "", "Instance address (required)")
	if err := watchCmd.MarkFlagRequired("host"); err != nil {
		panic(fmt.Sprintf("failed to mark flag as required: %v", err))
	}
}

func watchStatus(host string) {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal("Failed to load config", zap.Error(err))
	}

	base := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Session.StatusPort))
	watcher := status.NewWatcher(
		status.NewClient(base, cfg.Poll.HTTPRetryMax),
		cfg.Poll.StatusInterval.Std(),
		cfg.Poll.StatusWaitMax.Std(),
	)

	err = watcher.Watch(context.Background(), func(entry status.Entry) {
		fmt.Printf("%s: %s\n", entry.Time, entry.Msg)
	})
	if err != nil {
		logging.Logger().Fatal("Watch failed", zap.Error(err))
	}
	fmt.Println("workload reported done")
}
