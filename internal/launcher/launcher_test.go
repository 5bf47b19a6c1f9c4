package launcher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"cloudlaunch/internal/config"
	"cloudlaunch/internal/control"
	"cloudlaunch/internal/provisioning"
	"cloudlaunch/internal/session"
	"cloudlaunch/internal/ssh"
)

// fakeProvisioner records every call in order and can be told to fail steps
type fakeProvisioner struct {
	calls []string

	failCreateInstance bool
	failTerminate      bool

	createdKeyPublic string
}

func (f *fakeProvisioner) CreateKeyPair(ctx context.Context, name, publicKey string) (*provisioning.KeyPairInfo, error) {
	f.calls = append(f.calls, "CreateKeyPair")
	f.createdKeyPublic = publicKey
	info := &provisioning.KeyPairInfo{Name: name, ID: "key-1"}
	if publicKey == "" {
		info.PrivateKey = "FAKE-PEM-MATERIAL"
	}
	return info, nil
}

func (f *fakeProvisioner) CreateSecurityGroup(ctx context.Context, name string, ports []int32) (*provisioning.SecurityGroupInfo, error) {
	f.calls = append(f.calls, "CreateSecurityGroup")
	return &provisioning.SecurityGroupInfo{ID: "sg-1", Name: name}, nil
}

func (f *fakeProvisioner) CreateInstance(ctx context.Context, spec provisioning.InstanceSpec) (*provisioning.InstanceInfo, error) {
	f.calls = append(f.calls, "CreateInstance")
	if f.failCreateInstance {
		return nil, fmt.Errorf("capacity exhausted")
	}
	return &provisioning.InstanceInfo{ID: "i-1", IP: "203.0.113.7", Name: spec.Name, Status: "running"}, nil
}

func (f *fakeProvisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	f.calls = append(f.calls, "TerminateInstance")
	if f.failTerminate {
		return fmt.Errorf("terminate denied")
	}
	return nil
}

func (f *fakeProvisioner) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	f.calls = append(f.calls, "DeleteSecurityGroup")
	return nil
}

func (f *fakeProvisioner) DeleteKeyPair(ctx context.Context, name, id string) error {
	f.calls = append(f.calls, "DeleteKeyPair")
	return nil
}

// fakeController satisfies control.Controller without a network
type fakeController struct {
	commands  []string
	uploads   [][]string
	syncFails bool
	closed    bool
}

func (f *fakeController) Close() error {
	f.closed = true
	return nil
}

func (f *fakeController) Run(command string) error {
	f.commands = append(f.commands, command)
	return nil
}

func (f *fakeController) Upload(localPaths []string, remoteDir string) error {
	f.uploads = append(f.uploads, localPaths)
	return nil
}

func (f *fakeController) Sync(remotePath, localPath string) error {
	if f.syncFails {
		return fmt.Errorf("sftp stat failed")
	}
	return nil
}

func testConfig(provider config.ProviderType) *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			NamePrefix:   "test",
			Username:     "ubuntu",
			IngressPorts: []int32{22, 8080},
			StatusPort:   8080,
		},
		Provisioner: config.ProvisionerConfig{Type: provider},
		Workload: config.WorkloadConfig{
			Paths:         []string{"master_script.sh"},
			RemoteDir:     "/tmp",
			StartScript:   "master_script.sh",
			RemoteLog:     "workload.log",
			ResultsPath:   "/home/ubuntu/results",
			ResultsPrefix: "results",
		},
		Poll: config.PollConfig{
			ConnectTimeout:   config.Duration(100 * time.Millisecond),
			SSHRetryInterval: config.Duration(10 * time.Millisecond),
			SSHWaitMax:       config.Duration(time.Second),
			StatusInterval:   config.Duration(10 * time.Millisecond),
			StatusWaitMax:    config.Duration(5 * time.Second),
		},
	}
}

func doneStatusServer(t *testing.T, entries ...string) *httptest.Server {
	t.Helper()
	var logs []string
	for _, e := range entries {
		logs = append(logs, fmt.Sprintf(`{"time":"12:00:00","msg":"%s"}`, e))
	}
	body := fmt.Sprintf(`{"logs":[%s],"done":true}`, strings.Join(logs, ","))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestLauncher(t *testing.T, prov *fakeProvisioner, ctrl *fakeController, statusURL string) (*Launcher, *bytes.Buffer) {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	factory := func(ctx context.Context, cfg control.Config) (control.Controller, error) {
		return ctrl, nil
	}

	l := New(testConfig(config.ProviderAWS), prov, ssh.NewInMemoryKeyProvider(), factory)
	out := &bytes.Buffer{}
	l.Out = out
	l.StatusBase = statusURL
	l.Confirm = func() bool { return true }
	return l, out
}

func TestRunFullLifecycle(t *testing.T) {
	prov := &fakeProvisioner{}
	ctrl := &fakeController{}
	server := doneStatusServer(t, "working", "finished")
	l, out := newTestLauncher(t, prov, ctrl, server.URL)

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	want := []string{
		"CreateKeyPair", "CreateSecurityGroup", "CreateInstance",
		"TerminateInstance", "DeleteSecurityGroup", "DeleteKeyPair",
	}
	if len(prov.calls) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, prov.calls)
	}
	for i := range want {
		if prov.calls[i] != want[i] {
			t.Fatalf("Call %d: expected %s, got %s (all: %v)", i, want[i], prov.calls[i], prov.calls)
		}
	}

	if len(ctrl.uploads) != 1 {
		t.Errorf("Expected one workload upload, got %d", len(ctrl.uploads))
	}
	if len(ctrl.commands) != 1 || !strings.Contains(ctrl.commands[0], "nohup ./master_script.sh") {
		t.Errorf("Expected a detached start command, got %v", ctrl.commands)
	}
	if !ctrl.closed {
		t.Error("Expected the controller to be closed")
	}

	for _, msg := range []string{"working", "finished"} {
		if !strings.Contains(out.String(), msg) {
			t.Errorf("Expected output to contain %q, got:\n%s", msg, out.String())
		}
	}

	// All local files are cleaned up on a successful run
	sess := l.Session()
	if _, err := os.Stat(sess.Name + ".pem"); !os.IsNotExist(err) {
		t.Error("Expected the pem file to be removed")
	}
	if _, err := os.Stat(sess.StateFile()); !os.IsNotExist(err) {
		t.Error("Expected the session file to be removed")
	}
}

func TestRunTearsDownAfterSetupFailure(t *testing.T) {
	prov := &fakeProvisioner{failCreateInstance: true}
	ctrl := &fakeController{}
	l, _ := newTestLauncher(t, prov, ctrl, "http://127.0.0.1:1")

	err := l.Run(context.Background())
	if err == nil {
		t.Fatal("Expected Run() to fail when the instance cannot be created")
	}

	want := []string{"CreateKeyPair", "CreateSecurityGroup", "CreateInstance", "DeleteSecurityGroup", "DeleteKeyPair"}
	if len(prov.calls) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, prov.calls)
	}
	for i := range want {
		if prov.calls[i] != want[i] {
			t.Fatalf("Call %d: expected %s, got %s (all: %v)", i, want[i], prov.calls[i], prov.calls)
		}
	}

	// No instance was created, so no terminate call may happen
	for _, c := range prov.calls {
		if c == "TerminateInstance" {
			t.Error("TerminateInstance must not be called for an instance that never existed")
		}
	}
	if len(ctrl.uploads) != 0 {
		t.Error("Deploy must not run after a failed setup")
	}
}

func TestRunResultsFailureIsNotFatal(t *testing.T) {
	prov := &fakeProvisioner{}
	ctrl := &fakeController{syncFails: true}
	server := doneStatusServer(t, "finished")
	l, out := newTestLauncher(t, prov, ctrl, server.URL)

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if !strings.Contains(out.String(), "could not download results") {
		t.Errorf("Expected the failed download to be reported, got:\n%s", out.String())
	}
	// Teardown still ran in full
	if prov.calls[len(prov.calls)-1] != "DeleteKeyPair" {
		t.Errorf("Expected teardown to complete, calls: %v", prov.calls)
	}
}

func TestTeardownContinuesPastFailedStep(t *testing.T) {
	prov := &fakeProvisioner{failTerminate: true}
	ctrl := &fakeController{}
	l, _ := newTestLauncher(t, prov, ctrl, "http://127.0.0.1:1")

	sess := session.New("test", "aws")
	sess.KeyName = "test-key"
	sess.KeyID = "key-1"
	sess.SecurityGroupID = "sg-1"
	sess.InstanceID = "i-1"
	l.Resume(sess)

	err := l.Teardown(context.Background())
	if err == nil {
		t.Fatal("Expected Teardown() to report the failed terminate")
	}

	want := []string{"TerminateInstance", "DeleteSecurityGroup", "DeleteKeyPair"}
	if len(prov.calls) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, prov.calls)
	}
	for i := range want {
		if prov.calls[i] != want[i] {
			t.Fatalf("Call %d: expected %s, got %s", i, want[i], prov.calls[i])
		}
	}

	// The session file survives so a later teardown can retry the instance
	if _, statErr := os.Stat(sess.StateFile()); statErr != nil {
		t.Error("Expected the session file to be kept after a partial teardown")
	}
	loaded, loadErr := session.Load(sess.StateFile())
	if loadErr != nil {
		t.Fatalf("Failed to reload session: %v", loadErr)
	}
	if loaded.InstanceID != "i-1" {
		t.Error("Expected the failed instance to stay recorded")
	}
	if loaded.SecurityGroupID != "" || loaded.KeyName != "" {
		t.Error("Expected released resources to be cleared from the session")
	}
}

func TestTeardownSkipsResourcesNeverCreated(t *testing.T) {
	prov := &fakeProvisioner{}
	ctrl := &fakeController{}
	l, _ := newTestLauncher(t, prov, ctrl, "http://127.0.0.1:1")

	sess := session.New("test", "aws")
	sess.KeyName = "test-key"
	l.Resume(sess)

	if err := l.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() returned error: %v", err)
	}

	if len(prov.calls) != 1 || prov.calls[0] != "DeleteKeyPair" {
		t.Errorf("Expected only the key pair to be deleted, got %v", prov.calls)
	}
}

func TestTeardownWithoutSession(t *testing.T) {
	prov := &fakeProvisioner{}
	l := New(testConfig(config.ProviderAWS), prov, ssh.NewInMemoryKeyProvider(), nil)

	if err := l.Teardown(context.Background()); err != nil {
		t.Errorf("Teardown() without a session returned error: %v", err)
	}
	if len(prov.calls) != 0 {
		t.Errorf("Expected no provider calls, got %v", prov.calls)
	}
}
