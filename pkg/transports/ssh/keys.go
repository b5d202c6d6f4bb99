package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// DefaultKeyName is the file name of the generated project key.
const DefaultKeyName = "id_ed25519"

// EnsureKeyPair returns the path of the ed25519 key in dir, generating the
// pair when it does not exist yet. The public key is returned in
// authorized_keys format.
func EnsureKeyPair(dir, comment string) (string, string, error) {
	keyPath := filepath.Join(dir, DefaultKeyName)

	if _, err := os.Stat(keyPath); err == nil {
		signer, err := LoadSigner(keyPath, "")
		if err != nil {
			return "", "", err
		}
		return keyPath, string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
	} else if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("failed to stat key %s: %w", keyPath, err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("failed to create keys dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode public key: %w", err)
	}
	authorized := string(ssh.MarshalAuthorizedKey(sshPub))
	if err := os.WriteFile(keyPath+".pub", []byte(authorized), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write public key: %w", err)
	}

	return keyPath, authorized, nil
}
