package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// KeyPair represents an SSH key pair held in memory
type KeyPair struct {
	PrivateKey string // PEM-encoded private key
	PublicKey  string // OpenSSH authorized_keys format
}

// NewKeyPairFromMaterial wraps provider-issued private key material.
// The public half stays empty; providers that issue material register it themselves.
func NewKeyPairFromMaterial(privateKeyPEM string) *KeyPair {
	return &KeyPair{PrivateKey: privateKeyPEM}
}

// GenerateKeyPair generates a new RSA key pair in memory
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: string(privateKeyPEM),
		PublicKey:  string(ssh.MarshalAuthorizedKey(publicKey)),
	}, nil
}

// WriteLocal persists the private key with owner-only permissions.
// The chmod after writing guards against a permissive umask on the open.
func (kp *KeyPair) WriteLocal(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create private key file: %w", err)
	}

	if _, err := f.WriteString(kp.PrivateKey); err != nil {
		f.Close()
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close private key file: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set private key permissions: %w", err)
	}
	return nil
}

// RemoveLocal deletes a persisted private key file, tolerating it being gone already
func RemoveLocal(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove private key: %w", err)
	}
	return nil
}
