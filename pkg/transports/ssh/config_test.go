package ssh

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh/agent"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" || config.User != "testuser" {
		t.Errorf("unexpected host/user: %s/%s", config.Host, config.User)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{name: "missing host", modifyFunc: func(c *Config) { c.Host = "" }, errorMsg: "host is required"},
		{name: "invalid port", modifyFunc: func(c *Config) { c.Port = 0 }, errorMsg: "invalid port"},
		{name: "missing user", modifyFunc: func(c *Config) { c.User = "" }, errorMsg: "user is required"},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name: "key auth with missing key file",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name: "agent auth without socket",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
				c.AgentSocket = ""
				t.Setenv("SSH_AUTH_SOCK", "")
			},
			errorMsg: "SSH_AUTH_SOCK",
		},
		{name: "unknown auth method", modifyFunc: func(c *Config) { c.AuthMethod = "kerberos" }, errorMsg: "unsupported auth method"},
		{
			name: "strict checking without known hosts",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.StrictHostKeyChecking = true
				c.KnownHostsPath = ""
			},
			errorMsg: "known hosts path is required",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "invalid command timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.CommandTimeout = 0
			},
			errorMsg: "command timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			config.StrictHostKeyChecking = false
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got '%v'", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222
	if address := config.Address(); address != "example.com:2222" {
		t.Errorf("expected address 'example.com:2222', got '%s'", address)
	}

	config.Host = "::1"
	if address := config.Address(); address != "[::1]:2222" {
		t.Errorf("expected bracketed IPv6 address, got '%s'", address)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, cleanup, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer cleanup()

		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected password and keyboard-interactive, got %d methods", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with generated key", func(t *testing.T) {
		keyPath, _, err := EnsureKeyPair(t.TempDir(), "test")
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}

		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, cleanup, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer cleanup()

		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("unparseable key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "bad_key")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
			t.Fatalf("failed to write key: %v", err)
		}

		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		if _, _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "missing")

		if _, _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing known_hosts")
		}
	})

	t.Run("agent authentication", func(t *testing.T) {
		socket := startTestAgent(t)

		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodAgent
		config.AgentSocket = socket
		config.StrictHostKeyChecking = false

		clientConfig, cleanup, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer cleanup()

		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})
}

func TestEnsureKeyPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	keyPath, pub, err := EnsureKeyPair(dir, "stagecraft")
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Errorf("expected ed25519 authorized key, got %q", pub)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("failed to stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected private key mode 0600, got %o", info.Mode().Perm())
	}
	if _, err := os.Stat(keyPath + ".pub"); err != nil {
		t.Errorf("expected public key file: %v", err)
	}

	again, pubAgain, err := EnsureKeyPair(dir, "stagecraft")
	if err != nil {
		t.Fatalf("failed to load existing key: %v", err)
	}
	if again != keyPath || pubAgain != pub {
		t.Error("expected the existing key pair to be reused")
	}
}

// startTestAgent serves an in-memory keyring on a unix socket.
func startTestAgent(t *testing.T) string {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "agent.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	keyring := agent.NewKeyring()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()

	return socket
}
