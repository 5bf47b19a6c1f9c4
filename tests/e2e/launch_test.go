package e2e_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"cloudlaunch/internal/config"
	"cloudlaunch/internal/control"
	"cloudlaunch/internal/launcher"
	"cloudlaunch/internal/provisioning"
	"cloudlaunch/internal/session"
	"cloudlaunch/internal/ssh"
)

// SyncCall records a call to Sync
type SyncCall struct {
	RemotePath string
	LocalPath  string
}

// MockProvisioner implements provisioning.Provisioner with call tracking
type MockProvisioner struct {
	mu    sync.Mutex
	Calls []string
}

func (m *MockProvisioner) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *MockProvisioner) CreateKeyPair(ctx context.Context, name, publicKey string) (*provisioning.KeyPairInfo, error) {
	m.record("CreateKeyPair")
	info := &provisioning.KeyPairInfo{Name: name, ID: "mock-key"}
	if publicKey == "" {
		info.PrivateKey = "MOCK-PRIVATE-KEY"
	}
	return info, nil
}

func (m *MockProvisioner) CreateSecurityGroup(ctx context.Context, name string, ports []int32) (*provisioning.SecurityGroupInfo, error) {
	m.record("CreateSecurityGroup")
	return &provisioning.SecurityGroupInfo{ID: "mock-sg", Name: name}, nil
}

func (m *MockProvisioner) CreateInstance(ctx context.Context, spec provisioning.InstanceSpec) (*provisioning.InstanceInfo, error) {
	m.record("CreateInstance")
	return &provisioning.InstanceInfo{
		ID:     "mock-instance-" + spec.Name,
		IP:     "127.0.0.1",
		Name:   spec.Name,
		Status: "running",
	}, nil
}

func (m *MockProvisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	m.record("TerminateInstance")
	return nil
}

func (m *MockProvisioner) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	m.record("DeleteSecurityGroup")
	return nil
}

func (m *MockProvisioner) DeleteKeyPair(ctx context.Context, name, id string) error {
	m.record("DeleteKeyPair")
	return nil
}

// MockController implements control.Controller with tracking of remote operations
type MockController struct {
	mu        sync.Mutex
	Commands  []string
	Uploads   [][]string
	SyncCalls []SyncCall
	Closed    bool
}

func (m *MockController) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockController) Run(command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands = append(m.Commands, command)
	return nil
}

func (m *MockController) Upload(localPaths []string, remoteDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Uploads = append(m.Uploads, localPaths)
	return nil
}

func (m *MockController) Sync(remotePath, localPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncCalls = append(m.SyncCalls, SyncCall{RemotePath: remotePath, LocalPath: localPath})
	return nil
}

func e2eConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			NamePrefix:   "e2e",
			Username:     "ubuntu",
			IngressPorts: []int32{22, 8080},
			StatusPort:   8080,
		},
		Provisioner: config.ProvisionerConfig{Type: config.ProviderAWS},
		Workload: config.WorkloadConfig{
			Paths:         []string{"master_script.sh", "payload"},
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
			StatusWaitMax:    config.Duration(10 * time.Second),
		},
	}
}

var _ = Describe("Launch lifecycle", func() {
	var (
		prov     *MockProvisioner
		ctrl     *MockController
		server   *httptest.Server
		l        *launcher.Launcher
		out      *bytes.Buffer
		origWd   string
		statusMu sync.Mutex
		reports  []string
	)

	BeforeEach(func() {
		var err error
		origWd, err = os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(GinkgoT().TempDir())).To(Succeed())

		prov = &MockProvisioner{}
		ctrl = &MockController{}
		reports = []string{
			`{"logs":[{"time":"12:00:00","msg":"unpacking payload"}],"done":false}`,
			`{"logs":[{"time":"12:00:00","msg":"unpacking payload"},{"time":"12:00:05","msg":"all tasks complete"}],"done":true}`,
		}

		cursor := 0
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			statusMu.Lock()
			defer statusMu.Unlock()
			fmt.Fprint(w, reports[cursor])
			if cursor < len(reports)-1 {
				cursor++
			}
		}))

		factory := func(ctx context.Context, cfg control.Config) (control.Controller, error) {
			return ctrl, nil
		}

		l = launcher.New(e2eConfig(), prov, ssh.NewInMemoryKeyProvider(), factory)
		out = &bytes.Buffer{}
		l.Out = out
		l.StatusBase = server.URL
		l.Confirm = func() bool { return true }
	})

	AfterEach(func() {
		server.Close()
		Expect(os.Chdir(origWd)).To(Succeed())
	})

	It("provisions, deploys, streams logs and tears down in order", func() {
		Expect(l.Run(context.Background())).To(Succeed())

		Expect(prov.Calls).To(Equal([]string{
			"CreateKeyPair",
			"CreateSecurityGroup",
			"CreateInstance",
			"TerminateInstance",
			"DeleteSecurityGroup",
			"DeleteKeyPair",
		}))

		Expect(ctrl.Uploads).To(HaveLen(1))
		Expect(ctrl.Uploads[0]).To(Equal([]string{"master_script.sh", "payload"}))
		Expect(ctrl.Commands).To(HaveLen(1))
		Expect(ctrl.Commands[0]).To(ContainSubstring("cd /tmp"))
		Expect(ctrl.Commands[0]).To(ContainSubstring("nohup ./master_script.sh > workload.log 2>&1 &"))
		Expect(ctrl.Closed).To(BeTrue())

		Expect(out.String()).To(ContainSubstring("unpacking payload"))
		Expect(out.String()).To(ContainSubstring("all tasks complete"))
	})

	It("emits each status log line exactly once", func() {
		Expect(l.Run(context.Background())).To(Succeed())

		lines := bytes.Count(out.Bytes(), []byte("unpacking payload"))
		Expect(lines).To(Equal(1), "repeated polls must not reprint old entries")
	})

	It("downloads the results into a session-named directory", func() {
		Expect(l.Run(context.Background())).To(Succeed())

		sess := l.Session()
		var resultSync *SyncCall
		for i := range ctrl.SyncCalls {
			if ctrl.SyncCalls[i].RemotePath == "/home/ubuntu/results" {
				resultSync = &ctrl.SyncCalls[i]
			}
		}
		Expect(resultSync).NotTo(BeNil())
		Expect(resultSync.LocalPath).To(Equal("results-" + sess.Name))
	})

	It("mirrors the remote log file while polling", func() {
		Expect(l.Run(context.Background())).To(Succeed())

		var mirrored bool
		for _, call := range ctrl.SyncCalls {
			if call.RemotePath == "/tmp/workload.log" && call.LocalPath == "workload.log" {
				mirrored = true
			}
		}
		Expect(mirrored).To(BeTrue())
	})

	It("leaves no local files behind on success", func() {
		Expect(l.Run(context.Background())).To(Succeed())

		sess := l.Session()
		_, err := os.Stat(sess.Name + ".pem")
		Expect(os.IsNotExist(err)).To(BeTrue(), "pem file should be removed")
		_, err = os.Stat(sess.StateFile())
		Expect(os.IsNotExist(err)).To(BeTrue(), "session file should be removed")
	})
})

var _ = Describe("Session persistence", func() {
	var origWd string

	BeforeEach(func() {
		var err error
		origWd, err = os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(GinkgoT().TempDir())).To(Succeed())
	})

	AfterEach(func() {
		Expect(os.Chdir(origWd)).To(Succeed())
	})

	It("persists every resource identifier across a reload", func() {
		sess := session.New("e2e", "digitalocean")
		sess.KeyName = "e2e-key"
		sess.KeyID = "42"
		sess.KeyPath = sess.Name + ".pem"
		sess.SecurityGroupID = "fw-e2e"
		sess.InstanceID = "droplet-e2e"
		sess.InstanceIP = "198.51.100.4"
		Expect(sess.Save()).To(Succeed())

		loaded, err := session.Load(sess.StateFile())
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Name).To(Equal(sess.Name))
		Expect(loaded.Provider).To(Equal("digitalocean"))
		Expect(loaded.KeyID).To(Equal("42"))
		Expect(loaded.SecurityGroupID).To(Equal("fw-e2e"))
		Expect(loaded.InstanceID).To(Equal("droplet-e2e"))
		Expect(loaded.InstanceIP).To(Equal("198.51.100.4"))
	})

	It("supports a teardown-only run from a persisted session", func() {
		sess := session.New("e2e", "aws")
		sess.KeyName = "e2e-key"
		sess.SecurityGroupID = "sg-e2e"
		sess.InstanceID = "i-e2e"
		Expect(sess.Save()).To(Succeed())

		loaded, err := session.Load(sess.StateFile())
		Expect(err).NotTo(HaveOccurred())

		prov := &MockProvisioner{}
		l := launcher.New(e2eConfig(), prov, ssh.NewInMemoryKeyProvider(), nil)
		l.Resume(loaded)
		Expect(l.Teardown(context.Background())).To(Succeed())

		Expect(prov.Calls).To(Equal([]string{
			"TerminateInstance",
			"DeleteSecurityGroup",
			"DeleteKeyPair",
		}))

		_, statErr := os.Stat(loaded.StateFile())
		Expect(os.IsNotExist(statErr)).To(BeTrue(), "session file should be removed after teardown")
	})
})
