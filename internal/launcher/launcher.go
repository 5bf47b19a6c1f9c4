package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cloudlaunch/internal/config"
	"cloudlaunch/internal/control"
	"cloudlaunch/internal/logging"
	"cloudlaunch/internal/provisioning"
	"cloudlaunch/internal/session"
	"cloudlaunch/internal/ssh"
	"cloudlaunch/internal/status"
)

// teardownTimeout bounds resource release after the run context is gone
const teardownTimeout = 15 * time.Minute

// ControllerFactory creates a new controller
type ControllerFactory func(ctx context.Context, cfg control.Config) (control.Controller, error)

// Launcher owns the full lifecycle of one provisioned instance:
// setup (provision), deploy (upload, execute, poll, download), teardown.
type Launcher struct {
	cfg         *config.Config
	provisioner provisioning.Provisioner
	keyProvider ssh.KeyProvider
	ctrlFactory ControllerFactory

	// Out receives the workload's log lines and operator-facing messages
	Out io.Writer
	// StatusBase overrides the derived status endpoint base URL
	StatusBase string
	// Confirm is asked before an interrupt signal cancels the run
	Confirm func() bool

	sess *session.Session
	keys *ssh.KeyPair
}

// New creates a Launcher
func New(cfg *config.Config, prov provisioning.Provisioner, keyProvider ssh.KeyProvider, cf ControllerFactory) *Launcher {
	return &Launcher{
		cfg:         cfg,
		provisioner: prov,
		keyProvider: keyProvider,
		ctrlFactory: cf,
		Out:         os.Stdout,
		Confirm:     confirmOnTerminal,
	}
}

// Session returns the current session state
func (l *Launcher) Session() *session.Session {
	return l.sess
}

// Resume attaches a previously persisted session, for teardown-only runs
func (l *Launcher) Resume(sess *session.Session) {
	l.sess = sess
}

// Run executes setup and deploy, then tears down on every exit path.
// Interrupt and termination signals cancel the run after confirmation; the
// teardown itself is always invoked here, never from the signal handler.
func (l *Launcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		for range sigCh {
			if l.Confirm() {
				fmt.Fprintln(l.Out, "cancelling run, tearing down")
				cancel()
				return
			}
		}
	}()

	runErr := l.Setup(ctx)
	if runErr == nil {
		runErr = l.Deploy(ctx)
	}
	if runErr != nil {
		logging.Logger().Error("run failed, tearing down", zap.Error(runErr))
	}

	// The run context may already be cancelled; teardown gets its own bound.
	tctx, tcancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer tcancel()

	if err := l.Teardown(tctx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// Setup provisions every resource the run needs: key pair, security group,
// one instance. The session file is updated after each created resource so a
// crash mid-setup still leaves enough state to tear down.
func (l *Launcher) Setup(ctx context.Context) error {
	l.sess = session.New(l.cfg.Session.NamePrefix, string(l.cfg.Provisioner.Type))
	logging.Logger().Info("Starting setup", zap.String("session", l.sess.Name))

	if err := l.provisionKeys(ctx); err != nil {
		return err
	}
	if err := l.sess.Save(); err != nil {
		return err
	}

	logging.Logger().Info("Creating security group",
		zap.String("name", l.sess.Name),
		zap.Int32s("ports", l.cfg.Session.IngressPorts))
	group, err := l.provisioner.CreateSecurityGroup(ctx, l.sess.Name, l.cfg.Session.IngressPorts)
	if err != nil {
		return fmt.Errorf("failed to create security group: %w", err)
	}
	l.sess.SecurityGroupID = group.ID
	if err := l.sess.Save(); err != nil {
		return err
	}

	logging.Logger().Info("Launching instance", zap.String("name", l.sess.Name))
	instance, err := l.provisioner.CreateInstance(ctx, provisioning.InstanceSpec{
		Name:            l.sess.Name,
		KeyName:         l.sess.KeyName,
		KeyID:           l.sess.KeyID,
		SecurityGroupID: l.sess.SecurityGroupID,
		Username:        l.cfg.Session.Username,
		SSHPublicKey:    l.keys.PublicKey,
	})
	if err != nil {
		return fmt.Errorf("failed to launch instance: %w", err)
	}
	l.sess.InstanceID = instance.ID
	l.sess.InstanceIP = instance.IP
	if err := l.sess.Save(); err != nil {
		return err
	}

	logging.Logger().Info("Instance running",
		zap.String("instance_id", instance.ID),
		zap.String("ip", instance.IP))
	fmt.Fprintf(l.Out, "launched: %s (connect with ssh -i %s %s@%s)\n",
		instance.IP, l.sess.KeyPath, l.cfg.Session.Username, instance.IP)
	return nil
}

// provisionKeys obtains the session key pair. AWS issues the private material
// itself; the other providers get a locally generated public key, optionally
// reused across runs through the key provider.
func (l *Launcher) provisionKeys(ctx context.Context) error {
	providerIssues := provisioning.IssuesKeyMaterial(l.cfg.Provisioner.Type) && !l.cfg.KeyStorage.Reuse

	if providerIssues {
		logging.Logger().Info("Requesting provider-issued key pair", zap.String("name", l.sess.Name))
		info, err := l.provisioner.CreateKeyPair(ctx, l.sess.Name, "")
		if err != nil {
			return fmt.Errorf("failed to create key pair: %w", err)
		}
		l.keys = ssh.NewKeyPairFromMaterial(info.PrivateKey)
		l.sess.KeyName = info.Name
		l.sess.KeyID = info.ID
	} else {
		keys, err := l.keyProvider.GetOrCreate(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain SSH keys: %w", err)
		}
		l.keys = keys

		info, err := l.provisioner.CreateKeyPair(ctx, l.sess.Name, keys.PublicKey)
		if err != nil {
			return fmt.Errorf("failed to register key pair: %w", err)
		}
		l.sess.KeyName = info.Name
		l.sess.KeyID = info.ID
	}

	keyPath := l.sess.Name + ".pem"
	if err := l.keys.WriteLocal(keyPath); err != nil {
		return err
	}
	l.sess.KeyPath = keyPath
	return nil
}

// Deploy uploads the workload, starts it detached, streams status-endpoint
// log entries until completion, and downloads the results directory.
// A failed results download is reported but does not fail the deploy.
func (l *Launcher) Deploy(ctx context.Context) error {
	if l.sess == nil || l.sess.InstanceIP == "" || l.keys == nil {
		return fmt.Errorf("no running instance to deploy to")
	}

	workload := l.cfg.Workload
	poll := l.cfg.Poll

	logging.Logger().Info("Waiting for SSH and connecting",
		zap.String("ip", l.sess.InstanceIP))
	ctrl, err := l.ctrlFactory(ctx, control.Config{
		Host:           l.sess.InstanceIP,
		Port:           22,
		User:           l.cfg.Session.Username,
		PrivateKey:     l.keys.PrivateKey,
		ConnectTimeout: poll.ConnectTimeout.Std(),
		RetryInterval:  poll.SSHRetryInterval.Std(),
		WaitMax:        poll.SSHWaitMax.Std(),
		SSHTimeout:     30 * time.Second,
		InstanceName:   l.sess.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to instance: %w", err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logging.Logger().Warn("failed to close controller",
				zap.String("instance", l.sess.Name),
				zap.Error(err))
		}
	}()

	logging.Logger().Info("Uploading workload",
		zap.Strings("paths", logging.TruncateSlice(workload.Paths, 10)),
		zap.String("remote_dir", workload.RemoteDir))
	if err := ctrl.Upload(workload.Paths, workload.RemoteDir); err != nil {
		return fmt.Errorf("failed to upload workload: %w", err)
	}

	startCmd := fmt.Sprintf("cd %s && chmod +x %s && nohup ./%s > %s 2>&1 &",
		workload.RemoteDir, workload.StartScript, workload.StartScript, workload.RemoteLog)
	logging.Logger().Info("Starting workload", zap.String("command", startCmd))
	if err := ctrl.Run(startCmd); err != nil {
		return fmt.Errorf("failed to start workload: %w", err)
	}

	fmt.Fprintf(l.Out, "polling %s for workload status\n", l.statusBase())

	watcher := status.NewWatcher(
		status.NewClient(l.statusBase(), poll.HTTPRetryMax),
		poll.StatusInterval.Std(),
		poll.StatusWaitMax.Std(),
	)

	remoteLog := workload.RemoteDir + "/" + workload.RemoteLog
	watcher.OnTick = func() {
		// The log file may not exist until the workload has produced output
		if err := ctrl.Sync(remoteLog, workload.RemoteLog); err != nil {
			logging.Logger().Debug("remote log not mirrored yet", zap.Error(err))
		}
	}

	err = watcher.Watch(ctx, func(entry status.Entry) {
		fmt.Fprintf(l.Out, "%s: %s\n", entry.Time, entry.Msg)
	})
	if err != nil {
		return fmt.Errorf("workload watch ended: %w", err)
	}

	resultsDir := fmt.Sprintf("%s-%s", workload.ResultsPrefix, l.sess.Name)
	logging.Logger().Info("Downloading results",
		zap.String("remote", workload.ResultsPath),
		zap.String("local", resultsDir))
	if err := ctrl.Sync(workload.ResultsPath, resultsDir); err != nil {
		logging.Logger().Warn("failed to download results", zap.Error(err))
		fmt.Fprintf(l.Out, "Error - could not download results: %v\n", err)
		fmt.Fprintf(l.Out, "Check %s for the instance log.\n", workload.RemoteLog)
	}

	return nil
}

// Teardown releases every resource the session records, in dependency order:
// instance, then security group, then key pair, then local files. Steps whose
// resource was never created are skipped; a failed step is recorded and the
// remaining steps are still attempted.
func (l *Launcher) Teardown(ctx context.Context) error {
	if l.sess == nil {
		return nil
	}

	var errs []error

	if l.sess.InstanceID != "" {
		logging.Logger().Info("Terminating instance", zap.String("instance_id", l.sess.InstanceID))
		if err := l.provisioner.TerminateInstance(ctx, l.sess.InstanceID); err != nil {
			errs = append(errs, err)
			logging.Logger().Error("failed to terminate instance", zap.Error(err))
		} else {
			l.sess.InstanceID = ""
			l.sess.InstanceIP = ""
		}
	}

	// The group cannot be removed while the instance is attached, so a failed
	// terminate above generally makes this fail too; it is still attempted.
	if l.sess.SecurityGroupID != "" {
		logging.Logger().Info("Deleting security group", zap.String("group_id", l.sess.SecurityGroupID))
		if err := l.provisioner.DeleteSecurityGroup(ctx, l.sess.SecurityGroupID); err != nil {
			errs = append(errs, err)
			logging.Logger().Error("failed to delete security group", zap.Error(err))
		} else {
			l.sess.SecurityGroupID = ""
		}
	}

	if l.sess.KeyName != "" {
		logging.Logger().Info("Deleting key pair", zap.String("key_name", l.sess.KeyName))
		if err := l.provisioner.DeleteKeyPair(ctx, l.sess.KeyName, l.sess.KeyID); err != nil {
			errs = append(errs, err)
			logging.Logger().Error("failed to delete key pair", zap.Error(err))
		} else {
			l.sess.KeyName = ""
			l.sess.KeyID = ""
		}
	}

	if l.sess.KeyPath != "" {
		if err := ssh.RemoveLocal(l.sess.KeyPath); err != nil {
			errs = append(errs, err)
		} else {
			l.sess.KeyPath = ""
		}
	}

	if len(errs) > 0 {
		// Keep the session file around so a later teardown can retry
		if err := l.sess.Save(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	if err := l.sess.RemoveStateFile(); err != nil {
		return err
	}
	logging.Logger().Info("Teardown complete", zap.String("session", l.sess.Name))
	return nil
}

func (l *Launcher) statusBase() string {
	if l.StatusBase != "" {
		return l.StatusBase
	}
	return "http://" + net.JoinHostPort(l.sess.InstanceIP, strconv.Itoa(l.cfg.Session.StatusPort))
}

// confirmOnTerminal asks the operator whether an interrupt should end the run
func confirmOnTerminal() bool {
	fmt.Fprint(os.Stderr, "Are you sure you want to exit? (y or n): ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(line), "y")
}
