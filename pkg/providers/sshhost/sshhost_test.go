package sshhost

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/providers"
	"github.com/openfroyo/stagecraft/pkg/transports/ssh"
)

type remoteFile struct {
	data []byte
	mode os.FileMode
}

// fakeHost is an in-memory filesystem shared by every transport to the
// same address.
type fakeHost struct {
	mu    sync.Mutex
	files map[string]remoteFile
}

// fakeTransport implements ssh.Transport over a fakeHost.
type fakeTransport struct {
	host       *fakeHost
	config     *ssh.Config
	connectErr error
	writeErr   error
	connected  bool
	closed     bool
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeTransport) HealthCheck(ctx context.Context) error {
	if !f.connected {
		return &ssh.TransportError{Op: "health", Err: errors.New("not connected"), IsTemporary: true}
	}
	return nil
}

func (f *fakeTransport) Run(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	return &ssh.ExecResult{}, nil
}

func (f *fakeTransport) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	f.host.files[path] = remoteFile{data: append([]byte(nil), data...), mode: mode}
	return nil
}

func (f *fakeTransport) ReadFile(ctx context.Context, path string) ([]byte, os.FileMode, error) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	file, ok := f.host.files[path]
	if !ok {
		return nil, 0, &ssh.TransportError{Op: "read", Path: path, Err: os.ErrNotExist}
	}
	return file.data, file.mode, nil
}

func (f *fakeTransport) Remove(ctx context.Context, path string) error {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	if _, ok := f.host.files[path]; !ok {
		return &ssh.TransportError{Op: "remove", Path: path, Err: os.ErrNotExist}
	}
	delete(f.host.files, path)
	return nil
}

func (f *fakeTransport) Info() ssh.ConnectionInfo {
	return ssh.ConnectionInfo{Host: f.config.Host, Port: f.config.Port, User: f.config.User, Connected: f.connected}
}

// fakeNetwork hands out transports and remembers what it was asked for.
type fakeNetwork struct {
	mu         sync.Mutex
	hosts      map[string]*fakeHost
	dials      []string
	connectErr error
	writeErr   error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{hosts: make(map[string]*fakeHost)}
}

func (n *fakeNetwork) host(addr string) *fakeHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.hosts[addr]
	if !ok {
		h = &fakeHost{files: make(map[string]remoteFile)}
		n.hosts[addr] = h
	}
	return h
}

func (n *fakeNetwork) connect(ctx context.Context, config *ssh.Config) (ssh.Transport, error) {
	addr := config.Address()
	n.mu.Lock()
	n.dials = append(n.dials, config.User+"@"+addr)
	connectErr, writeErr := n.connectErr, n.writeErr
	n.mu.Unlock()
	return &fakeTransport{host: n.host(addr), config: config, connectErr: connectErr, writeErr: writeErr}, nil
}

func setupProvider(t *testing.T) (*Provider, *fakeNetwork) {
	t.Helper()

	network := newFakeNetwork()
	p, err := New(Options{
		KeyPath:               filepath.Join(t.TempDir(), "id_ed25519"),
		InsecureIgnoreHostKey: true,
		DefaultUser:           "deploy",
		Index:                 providers.NewInventory(filepath.Join(t.TempDir(), "inventory")),
		Connect:               network.connect,
		Logger:                zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, network
}

func motd(attrs map[string]interface{}) model.ResourceConfig {
	return model.ResourceConfig{Provider: ProviderID, Type: TypeFile, Name: "motd", Attributes: attrs}
}

func TestNew_RequiresIndex(t *testing.T) {
	if _, err := New(Options{}); !engine.HasCode(err, engine.ErrCodeMissingRequiredField) {
		t.Errorf("expected MISSING_REQUIRED_FIELD, got %v", err)
	}
}

func TestCheckAuth(t *testing.T) {
	p, _ := setupProvider(t)

	err := p.CheckAuth(context.Background())
	if !engine.HasCode(err, engine.ErrCodeAuthFailure) {
		t.Fatalf("expected AUTH_FAILURE for missing key, got %v", err)
	}

	keyPath, _, err := ssh.EnsureKeyPair(filepath.Dir(p.opts.KeyPath), "test")
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	p.opts.KeyPath = keyPath
	if err := p.CheckAuth(context.Background()); err != nil {
		t.Errorf("failed to check auth with generated key: %v", err)
	}

	p.opts.KeyPath = ""
	if err := p.CheckAuth(context.Background()); !engine.HasCode(err, engine.ErrCodeAuthFailure) {
		t.Errorf("expected AUTH_FAILURE with no key configured, got %v", err)
	}
}

func TestCreateAndGetState(t *testing.T) {
	p, network := setupProvider(t)
	ctx := context.Background()

	rc := motd(map[string]interface{}{
		"host":    "10.0.0.5:2222",
		"path":    "/etc/motd",
		"content": "hello\n",
		"mode":    "0640",
	})

	rs, err := p.Create(ctx, rc)
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if rs.Status != model.ResourceRunning {
		t.Errorf("expected running, got %s", rs.Status)
	}

	file := network.host("10.0.0.5:2222").files["/etc/motd"]
	if string(file.data) != "hello\n" || file.mode != 0o640 {
		t.Errorf("unexpected remote file: %q %o", file.data, file.mode)
	}
	if diff := cmp.Diff([]string{"deploy@10.0.0.5:2222"}, network.dials); diff != "" {
		t.Errorf("dials mismatch (-want +got):\n%s", diff)
	}

	states, err := p.GetState(ctx, []model.Identity{rc.Identity(), {Provider: ProviderID, Type: TypeFile, Name: "other"}})
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 state, got %d", len(states))
	}

	// The observed state carries no diff against the declaration.
	if diff := model.DiffAttributes(rc.Attributes, states[0].Attributes); len(diff) != 0 {
		t.Errorf("expected converged state, got diff %v", diff)
	}
	if states[0].Attributes["user"] != "deploy" {
		t.Errorf("expected default user to be recorded, got %v", states[0].Attributes["user"])
	}

	// The cached connection is reused.
	if len(network.dials) != 1 {
		t.Errorf("expected connection reuse, got dials %v", network.dials)
	}

	if _, err := p.Create(ctx, rc); !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestGetState_Drift(t *testing.T) {
	p, network := setupProvider(t)
	ctx := context.Background()

	rc := motd(map[string]interface{}{"host": "web1", "path": "/etc/motd", "content": "v1"})
	if _, err := p.Create(ctx, rc); err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	host := network.host("web1:22")
	host.files["/etc/motd"] = remoteFile{data: []byte("edited"), mode: 0o600}

	states, err := p.GetState(ctx, []model.Identity{rc.Identity()})
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	want := []model.AttributeChange{
		{Key: "content", Before: "edited", After: "v1"},
	}
	if diff := cmp.Diff(want, model.DiffAttributes(rc.Attributes, states[0].Attributes)); diff != "" {
		t.Errorf("drift mismatch (-want +got):\n%s", diff)
	}
	if states[0].Attributes["mode"] != "0600" {
		t.Errorf("expected observed mode 0600, got %v", states[0].Attributes["mode"])
	}

	delete(host.files, "/etc/motd")
	states, err = p.GetState(ctx, []model.Identity{rc.Identity()})
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected a missing remote file to be omitted, got %v", states)
	}
}

func TestUpdate_Move(t *testing.T) {
	p, network := setupProvider(t)
	ctx := context.Background()

	if _, err := p.Create(ctx, motd(map[string]interface{}{"host": "web1", "path": "/etc/motd", "content": "v1"})); err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	rc := motd(map[string]interface{}{"host": "web2", "path": "/etc/motd", "content": "v2"})
	rs, err := p.Update(ctx, rc, nil)
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	if rs.Attributes["host"] != "web2" {
		t.Errorf("expected host web2, got %v", rs.Attributes["host"])
	}

	if _, ok := network.host("web1:22").files["/etc/motd"]; ok {
		t.Error("expected old placement to be removed")
	}
	if got := string(network.host("web2:22").files["/etc/motd"].data); got != "v2" {
		t.Errorf("expected new content on web2, got %q", got)
	}

	_, err = p.Update(ctx, model.ResourceConfig{Provider: ProviderID, Type: TypeFile, Name: "ghost"}, nil)
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestUpdate_Suspend(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	if _, err := p.Create(ctx, motd(map[string]interface{}{"host": "web1", "path": "/etc/motd"})); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	rs, err := p.Update(ctx, motd(map[string]interface{}{model.StatusAttribute: "stopped"}), nil)
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	if rs.Status != model.ResourceStopped {
		t.Errorf("expected stopped, got %s", rs.Status)
	}
	if rs.Attributes["path"] != "/etc/motd" {
		t.Errorf("expected undeclared attributes to be kept, got %v", rs.Attributes)
	}
}

func TestDelete(t *testing.T) {
	p, network := setupProvider(t)
	ctx := context.Background()

	rc := motd(map[string]interface{}{"host": "web1", "path": "/etc/motd"})
	if _, err := p.Create(ctx, rc); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if err := p.Delete(ctx, rc.Identity()); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if len(network.host("web1:22").files) != 0 {
		t.Error("expected remote file to be removed")
	}
	if err := p.Delete(ctx, rc.Identity()); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND for unindexed resource, got %v", err)
	}

	// A file removed out of band drops the index entry and reports NOT_FOUND.
	if _, err := p.Create(ctx, rc); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	delete(network.host("web1:22").files, "/etc/motd")
	if err := p.Delete(ctx, rc.Identity()); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND for missing remote file, got %v", err)
	}
	if rec, _ := p.opts.Index.Get(rc.Identity()); rec != nil {
		t.Error("expected index entry to be dropped")
	}
}

func TestValidation(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rc   model.ResourceConfig
		code string
	}{
		{
			name: "unsupported type",
			rc:   model.ResourceConfig{Provider: ProviderID, Type: "vm", Name: "x", Attributes: map[string]interface{}{"host": "h", "path": "/p"}},
			code: engine.ErrCodeInvalidField,
		},
		{
			name: "missing host",
			rc:   motd(map[string]interface{}{"path": "/etc/motd"}),
			code: engine.ErrCodeMissingRequiredField,
		},
		{
			name: "missing path",
			rc:   motd(map[string]interface{}{"host": "web1"}),
			code: engine.ErrCodeMissingRequiredField,
		},
		{
			name: "relative path",
			rc:   motd(map[string]interface{}{"host": "web1", "path": "etc/motd"}),
			code: engine.ErrCodeInvalidField,
		},
		{
			name: "bad port",
			rc:   motd(map[string]interface{}{"host": "web1:99999", "path": "/etc/motd"}),
			code: engine.ErrCodeInvalidField,
		},
		{
			name: "bad mode",
			rc:   motd(map[string]interface{}{"host": "web1", "path": "/etc/motd", "mode": "0999"}),
			code: engine.ErrCodeInvalidField,
		},
		{
			name: "non-string content",
			rc:   motd(map[string]interface{}{"host": "web1", "path": "/etc/motd", "content": 42}),
			code: engine.ErrCodeInvalidField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Create(ctx, tt.rc)
			if !engine.HasCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
			if !engine.IsPermanent(err) {
				t.Errorf("expected a permanent error, got %v", err)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("auth", func(t *testing.T) {
		p, network := setupProvider(t)
		network.connectErr = &ssh.TransportError{Op: "connect", Err: errors.New("unable to authenticate"), IsAuthError: true}

		_, err := p.Create(ctx, motd(map[string]interface{}{"host": "web1", "path": "/etc/motd"}))
		if !engine.HasCode(err, engine.ErrCodeAuthFailure) {
			t.Errorf("expected AUTH_FAILURE, got %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		p, network := setupProvider(t)
		network.connectErr = &ssh.TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}

		_, err := p.Create(ctx, motd(map[string]interface{}{"host": "web1", "path": "/etc/motd"}))
		if !engine.IsTransient(err) {
			t.Errorf("expected transient error, got %v", err)
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		p, network := setupProvider(t)
		network.writeErr = &ssh.TransportError{Op: "write", Path: "/etc/motd", Err: os.ErrPermission}

		_, err := p.Create(ctx, motd(map[string]interface{}{"host": "web1", "path": "/etc/motd"}))
		if !engine.IsPermanent(err) || !engine.HasCode(err, engine.ErrCodeProviderFailed) {
			t.Errorf("expected permanent PROVIDER_FAILED, got %v", err)
		}
	})
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      interface{}
		want    os.FileMode
		wantErr bool
	}{
		{nil, 0o644, false},
		{"0600", 0o600, false},
		{"755", 0o755, false},
		{float64(420), 0o644, false},
		{420, 0o644, false},
		{"rw-r--r--", 0, true},
		{float64(1.5), 0, true},
		{true, 0, true},
	}

	for _, tt := range tests {
		got, _, err := parseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseMode(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMode(%v) = %o, want %o", tt.in, got, tt.want)
		}
	}
}

func TestClose(t *testing.T) {
	p, _ := setupProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := p.Create(ctx, motd(map[string]interface{}{"host": "web1", "path": "/etc/motd"})); err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if len(p.conns) != 0 {
		t.Errorf("expected no cached connections, got %d", len(p.conns))
	}
}
