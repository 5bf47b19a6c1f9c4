package control

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloudlaunch/internal/logging"

	"github.com/alitto/pond/v2"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSH represents an SSH connection and provides methods for remote operations
type SSH struct {
	client       *ssh.Client
	sftpClient   *sftp.Client
	host         string
	user         string
	instanceName string
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// NewSSH creates a new SSH connection. The remote port is probed with raw TCP
// connects first; the SSH handshake is only attempted after one succeeds.
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	if config.Port == 0 {
		config.Port = 22
	}
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))

	if err := WaitForPort(ctx, addr, config.ConnectTimeout, config.RetryInterval, config.WaitMax); err != nil {
		return nil, fmt.Errorf("remote port not reachable: %w", err)
	}

	signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	// Host keys are not pinned: the instance is ephemeral and its identity
	// did not exist before this run.
	clientConfig := &ssh.ClientConfig{
		User: config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         config.SSHTimeout,
	}

	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.User),
		zap.String("host", config.Host),
		zap.String("instance_name", config.InstanceName))

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	return &SSH{
		client:       client,
		sftpClient:   sftpClient,
		host:         config.Host,
		user:         config.User,
		instanceName: config.InstanceName,
	}, nil
}

// WaitForPort dials addr with the given per-attempt timeout until a connect
// succeeds, retrying at interval, bounded by waitMax and ctx.
func WaitForPort(ctx context.Context, addr string, connectTimeout, interval, waitMax time.Duration) error {
	deadline := time.Now().Add(waitMax)
	dialer := net.Dialer{Timeout: connectTimeout}

	for time.Now().Before(deadline) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection probe",
					zap.String("addr", addr),
					zap.Error(closeErr))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logging.Logger().Debug("port not reachable yet, retrying",
			zap.String("addr", addr),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("port %s not reachable after %v", addr, waitMax)
}

// Close closes the SFTP and SSH connections
func (s *SSH) Close() error {
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Run executes a command on the remote host
func (s *SSH) Run(command string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	err = session.Run(command)

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	return err
}

// Upload copies the given local paths into remoteDir. Directories are copied
// recursively. Top-level paths are transferred through a small worker pool;
// errors from any of them fail the whole upload.
func (s *SSH) Upload(localPaths []string, remoteDir string) error {
	logging.Logger().Info("Uploading paths using SFTP",
		zap.Strings("local_paths", logging.TruncateSlice(localPaths, 10)),
		zap.String("remote_dir", remoteDir),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	if err := s.sftpClient.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	pool := pond.NewPool(min(len(localPaths), 4))
	group := pool.NewGroup()

	for _, localPath := range localPaths {
		group.SubmitErr(func() error {
			info, err := os.Stat(localPath)
			if err != nil {
				return fmt.Errorf("failed to stat local path %s: %w", localPath, err)
			}

			remotePath := remoteJoin(remoteDir, filepath.Base(localPath))
			if info.IsDir() {
				return s.uploadDirectory(localPath, remotePath)
			}
			return s.uploadFile(localPath, remotePath, info.Mode())
		})
	}

	err := group.Wait()
	pool.StopAndWait()
	if err != nil {
		return err
	}

	logging.Logger().Info("Upload completed",
		zap.Int("paths", len(localPaths)),
		zap.String("remote_dir", remoteDir),
		zap.String("host", s.host))
	return nil
}

// uploadFile copies a single local file to the remote path
func (s *SSH) uploadFile(localPath, remotePath string, mode os.FileMode) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer safeClose("local file", localFile.Close)

	remoteFile, err := s.sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", remoteFile.Close)

	if _, err := remoteFile.ReadFrom(localFile); err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}

	if err := s.sftpClient.Chmod(remotePath, mode); err != nil {
		logging.Logger().Warn("failed to set remote file permissions",
			zap.String("path", remotePath),
			zap.Error(err))
	}
	return nil
}

// uploadDirectory recursively copies a local directory to the remote path
func (s *SSH) uploadDirectory(localPath, remotePath string) error {
	return filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(localPath, p)
		if err != nil {
			return fmt.Errorf("failed to calculate relative path: %w", err)
		}

		target := remotePath
		if relPath != "." {
			target = remoteJoin(remotePath, filepath.ToSlash(relPath))
		}

		if info.IsDir() {
			if err := s.sftpClient.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create remote directory %s: %w", target, err)
			}
			return nil
		}
		return s.uploadFile(p, target, info.Mode())
	})
}

// Sync copies a file or directory from remote host to local machine using SFTP.
// Automatically detects whether the path is a file or directory and handles accordingly.
func (s *SSH) Sync(remotePath, localPath string) error {
	logging.Logger().Debug("Syncing path using SFTP",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	remoteInfo, err := s.sftpClient.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("failed to stat remote path: %w", err)
	}

	if remoteInfo.IsDir() {
		return s.syncDirectory(remotePath, localPath)
	}
	return s.syncFile(remotePath, localPath, remoteInfo)
}

// copyFile copies a single file from remote to local
func (s *SSH) copyFile(remotePath, localPath string, fileMode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create local directory: %w", err)
	}

	remoteFile, err := s.sftpClient.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer safeClose("remote file", remoteFile.Close)

	localFile, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}
	defer safeClose("local file", localFile.Close)

	bytesWritten, err := localFile.ReadFrom(remoteFile)
	if err != nil {
		return 0, fmt.Errorf("failed to copy file content: %w", err)
	}

	if err := os.Chmod(localPath, fileMode); err != nil {
		logging.Logger().Warn("failed to set file permissions",
			zap.String("path", localPath),
			zap.Error(err))
	}

	return bytesWritten, nil
}

// syncFile copies a single file from remote to local
func (s *SSH) syncFile(remotePath, localPath string, remoteInfo os.FileInfo) error {
	bytesWritten, err := s.copyFile(remotePath, localPath, remoteInfo.Mode())
	if err != nil {
		return err
	}

	logging.Logger().Debug("File synced using SFTP",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.String("host", s.host),
		zap.Int64("size_bytes", bytesWritten))

	return nil
}

// syncDirectory recursively copies a directory from remote to local
func (s *SSH) syncDirectory(remotePath, localPath string) error {
	if err := os.MkdirAll(localPath, 0755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}

	var filesCopied, dirsCreated int64
	var totalBytes int64

	walker := s.sftpClient.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("failed to walk remote directory: %w", err)
		}

		remoteFilePath := walker.Path()
		info := walker.Stat()

		relPath, err := filepath.Rel(remotePath, remoteFilePath)
		if err != nil {
			return fmt.Errorf("failed to calculate relative path: %w", err)
		}

		// Root directory entry is already created
		if relPath == "." {
			continue
		}

		localFilePath := filepath.Join(localPath, relPath)

		if info.IsDir() {
			if err := os.MkdirAll(localFilePath, info.Mode()); err != nil {
				return fmt.Errorf("failed to create local directory: %w", err)
			}
			dirsCreated++
		} else {
			bytesWritten, err := s.copyFile(remoteFilePath, localFilePath, info.Mode())
			if err != nil {
				return err
			}
			filesCopied++
			totalBytes += bytesWritten
		}
	}

	logging.Logger().Info("Directory synced using SFTP",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.Int64("files_copied", filesCopied),
		zap.Int64("dirs_created", dirsCreated),
		zap.Int64("total_bytes", totalBytes))

	return nil
}

// remoteJoin joins remote paths with forward slashes regardless of local OS
func remoteJoin(elem ...string) string {
	return strings.Join(elem, "/")
}
