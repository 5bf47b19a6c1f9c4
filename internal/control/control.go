package control

import (
	"context"
	"time"
)

// Controller defines the interface for remote system control
type Controller interface {
	// Close closes the connection
	Close() error

	// Run executes a command on the remote host
	Run(command string) error

	// Upload copies local files or directories into a remote directory,
	// recursively, preserving file modes.
	Upload(localPaths []string, remoteDir string) error

	// Sync copies a file or directory from remote host to local machine.
	// Automatically detects whether the path is a file or directory.
	Sync(remotePath, localPath string) error
}

// Config defines configuration for creating controllers
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKey     string // PEM-encoded private key content
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	WaitMax        time.Duration
	SSHTimeout     time.Duration
	InstanceName   string
}

// NewController creates a new controller based on the config.
// It blocks until a raw TCP connect to the remote port succeeds at least once.
func NewController(ctx context.Context, config Config) (Controller, error) {
	return NewSSH(ctx, config)
}
