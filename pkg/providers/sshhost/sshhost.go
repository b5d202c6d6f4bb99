// Package sshhost implements the "ssh" provider for bring-your-own hosts.
//
// It manages resources of type "file": a file with declared content and
// mode at an absolute path on a remote host, written over SFTP. Because a
// remote host cannot be enumerated by identity, the provider keeps an index
// of placements (identity to host, user and path) in a providers.Inventory
// and verifies each indexed placement against the host when asked for
// state.
package sshhost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/providers"
	"github.com/openfroyo/stagecraft/pkg/transports/ssh"
)

const (
	// ProviderID is the id resources use to select this provider.
	ProviderID = "ssh"

	// TypeFile is the only resource type the provider manages.
	TypeFile = "file"

	defaultMode = "0644"
)

// Attribute keys of a file resource.
const (
	AttrHost    = "host"
	AttrUser    = "user"
	AttrPath    = "path"
	AttrContent = "content"
	AttrMode    = "mode"
)

// ConnectFunc builds a transport for one host. It does not need to
// connect; the provider calls Connect.
type ConnectFunc func(ctx context.Context, config *ssh.Config) (ssh.Transport, error)

// Options configures the provider.
type Options struct {
	// KeyPath is the private key offered to every host.
	KeyPath string

	// KnownHostsPath verifies host keys unless InsecureIgnoreHostKey is set.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool

	// DefaultUser is used when a resource does not name a user.
	DefaultUser string

	// Index records where each resource was placed. Required.
	Index *providers.Inventory

	// Connect overrides how transports are built. Defaults to ssh.NewClient.
	Connect ConnectFunc

	Logger zerolog.Logger
}

// Provider is the ssh CloudProvider.
type Provider struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	conns map[string]ssh.Transport
}

var _ engine.CloudProvider = (*Provider)(nil)

// New creates an ssh provider.
func New(opts Options) (*Provider, error) {
	if opts.Index == nil {
		return nil, engine.NewConfigError(engine.ErrCodeMissingRequiredField, "ssh provider requires a placement index")
	}
	if opts.DefaultUser == "" {
		opts.DefaultUser = "root"
	}
	if opts.Connect == nil {
		opts.Connect = func(_ context.Context, config *ssh.Config) (ssh.Transport, error) {
			return ssh.NewClient(config)
		}
	}

	return &Provider{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "provider").Str("provider", ProviderID).Logger(),
		now:    time.Now,
		conns:  make(map[string]ssh.Transport),
	}, nil
}

// placement is a parsed file resource.
type placement struct {
	host    string
	port    int
	user    string
	path    string
	content string
	mode    os.FileMode

	// modeRepr is the mode as declared, echoed back in observed state.
	modeRepr interface{}
}

func (pl placement) key() string {
	return pl.user + "@" + net.JoinHostPort(pl.host, strconv.Itoa(pl.port))
}

func (pl placement) samePlace(other placement) bool {
	return pl.key() == other.key() && pl.path == other.path
}

// CheckAuth verifies the configured private key can be loaded.
func (p *Provider) CheckAuth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.opts.KeyPath == "" {
		return engine.NewAuthError(ProviderID, errors.New("no private key configured"))
	}
	if _, err := ssh.LoadSigner(p.opts.KeyPath, ""); err != nil {
		return engine.NewAuthError(ProviderID, err)
	}
	return nil
}

// GetState reads every indexed placement among selectors from its host.
// Identities that are not indexed, or whose file is gone, are omitted.
func (p *Provider) GetState(ctx context.Context, selectors []model.Identity) ([]model.ResourceState, error) {
	states := make([]model.ResourceState, 0, len(selectors))
	for _, id := range selectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := p.opts.Index.Get(id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}

		rs, err := p.observe(ctx, *rec)
		if err != nil {
			return nil, err
		}
		if rs != nil {
			states = append(states, *rs)
		}
	}
	return states, nil
}

// Create writes a new file. An indexed identity is a conflict.
func (p *Provider) Create(ctx context.Context, rc model.ResourceConfig) (*model.ResourceState, error) {
	id := rc.Identity()
	pl, err := p.parse(id, rc.Attributes)
	if err != nil {
		return nil, err
	}

	rec, err := p.opts.Index.Get(id)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return nil, engine.NewAlreadyExistsError(id.String(), nil).WithOperation("create")
	}

	if err := p.write(ctx, id, pl); err != nil {
		return nil, err
	}

	rs := model.ResourceState{
		Identity:       id,
		Status:         statusOf(rc.Attributes),
		Attributes:     p.recordAttributes(rc.Attributes, pl),
		ProviderID:     ProviderID + "-" + uuid.New().String()[:8],
		DependsOn:      rc.DependsOn,
		CheckpointedAt: p.now().UTC(),
	}
	if err := p.opts.Index.Put(rs); err != nil {
		return nil, engine.NewTransientError("failed to index placement", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(id.String())
	}

	p.logger.Info().Str("resource", id.String()).Str("host", pl.key()).Str("path", pl.path).Msg("File created")
	return &rs, nil
}

// Update rewrites the file. A changed host or path moves it: the new
// placement is written before the old one is removed.
func (p *Provider) Update(ctx context.Context, rc model.ResourceConfig, diff []model.AttributeChange) (*model.ResourceState, error) {
	id := rc.Identity()

	rec, err := p.opts.Index.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, engine.NewNotFoundError(id.String(), nil).WithOperation("update")
	}

	attrs := model.CloneAttributes(rec.Attributes)
	if attrs == nil {
		attrs = make(map[string]interface{}, len(rc.Attributes))
	}
	for k, v := range model.NormalizeAttributes(rc.Attributes) {
		attrs[k] = v
	}

	pl, err := p.parse(id, attrs)
	if err != nil {
		return nil, err
	}
	old, err := p.parse(id, rec.Attributes)
	if err != nil {
		return nil, err
	}

	if err := p.write(ctx, id, pl); err != nil {
		return nil, err
	}
	if !old.samePlace(pl) {
		if err := p.remove(ctx, id, old); err != nil && !engine.HasCode(err, engine.ErrCodeNotFound) {
			return nil, err
		}
		p.logger.Info().Str("resource", id.String()).Str("from", old.key()+":"+old.path).
			Str("to", pl.key()+":"+pl.path).Msg("File moved")
	}

	rec.Attributes = p.recordAttributes(attrs, pl)
	rec.Status = statusOf(attrs)
	rec.DependsOn = rc.DependsOn
	rec.CheckpointedAt = p.now().UTC()
	if err := p.opts.Index.Put(*rec); err != nil {
		return nil, engine.NewTransientError("failed to index placement", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(id.String())
	}

	p.logger.Info().Str("resource", id.String()).Int("changes", len(diff)).Msg("File updated")
	return rec, nil
}

// Delete removes the file and its index entry. A file already gone from
// its host drops the entry and reports NOT_FOUND.
func (p *Provider) Delete(ctx context.Context, id model.Identity) error {
	rec, err := p.opts.Index.Get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return engine.NewNotFoundError(id.String(), nil).WithOperation("delete")
	}

	pl, err := p.parse(id, rec.Attributes)
	if err != nil {
		return err
	}

	removeErr := p.remove(ctx, id, pl)
	if removeErr != nil && !engine.HasCode(removeErr, engine.ErrCodeNotFound) {
		return removeErr
	}
	if _, err := p.opts.Index.Delete(id); err != nil {
		return engine.NewTransientError("failed to drop placement", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(id.String())
	}
	if removeErr != nil {
		return removeErr
	}

	p.logger.Info().Str("resource", id.String()).Str("host", pl.key()).Str("path", pl.path).Msg("File deleted")
	return nil
}

// Close closes every cached connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", key, err))
		}
		delete(p.conns, key)
	}
	return errors.Join(errs...)
}

func (p *Provider) observe(ctx context.Context, rec model.ResourceState) (*model.ResourceState, error) {
	pl, err := p.parse(rec.Identity, rec.Attributes)
	if err != nil {
		return nil, err
	}

	conn, err := p.transport(ctx, rec.Identity, pl)
	if err != nil {
		return nil, err
	}
	data, mode, err := conn.ReadFile(ctx, pl.path)
	if errors.Is(err, os.ErrNotExist) {
		p.logger.Warn().Str("resource", rec.Identity.String()).Str("path", pl.path).Msg("Indexed file is missing on host")
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, rec.Identity, "get_state")
	}

	attrs := model.CloneAttributes(rec.Attributes)
	attrs[AttrContent] = string(data)
	if mode.Perm() == pl.mode {
		attrs[AttrMode] = pl.modeRepr
	} else {
		attrs[AttrMode] = fmt.Sprintf("%04o", mode.Perm())
	}

	return &model.ResourceState{
		Identity:       rec.Identity,
		Status:         rec.Status,
		Attributes:     model.NormalizeAttributes(attrs),
		ProviderID:     rec.ProviderID,
		DependsOn:      rec.DependsOn,
		CheckpointedAt: rec.CheckpointedAt,
	}, nil
}

func (p *Provider) write(ctx context.Context, id model.Identity, pl placement) error {
	conn, err := p.transport(ctx, id, pl)
	if err != nil {
		return err
	}
	if err := conn.WriteFile(ctx, pl.path, []byte(pl.content), pl.mode); err != nil {
		return classify(err, id, "write")
	}
	return nil
}

func (p *Provider) remove(ctx context.Context, id model.Identity, pl placement) error {
	conn, err := p.transport(ctx, id, pl)
	if err != nil {
		return err
	}
	if err := conn.Remove(ctx, pl.path); err != nil {
		return classify(err, id, "remove")
	}
	return nil
}

// transport returns a connected transport for the placement's host,
// reusing a cached one when it still answers.
func (p *Provider) transport(ctx context.Context, id model.Identity, pl placement) (ssh.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pl.key()
	if conn, ok := p.conns[key]; ok {
		if err := conn.HealthCheck(ctx); err == nil {
			return conn, nil
		}
		_ = conn.Close()
		delete(p.conns, key)
	}

	config := ssh.DefaultConfig(pl.host, pl.user)
	config.Port = pl.port
	config.PrivateKeyPath = p.opts.KeyPath
	if p.opts.KnownHostsPath != "" {
		config.KnownHostsPath = p.opts.KnownHostsPath
	}
	config.StrictHostKeyChecking = !p.opts.InsecureIgnoreHostKey

	conn, err := p.opts.Connect(ctx, config)
	if err != nil {
		return nil, engine.NewPermanentError("invalid connection settings", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(id.String())
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, classify(err, id, "connect")
	}

	p.conns[key] = conn
	p.logger.Debug().Str("host", key).Msg("Connected")
	return conn, nil
}

func (p *Provider) parse(id model.Identity, attrs map[string]interface{}) (placement, error) {
	if id.Type != TypeFile {
		return placement{}, invalid(id, fmt.Sprintf("unsupported resource type %q", id.Type))
	}

	host, _ := attrs[AttrHost].(string)
	if host == "" {
		return placement{}, engine.NewConfigError(engine.ErrCodeMissingRequiredField, "host is required").
			WithResource(id.String())
	}
	pl := placement{host: host, port: 22}
	if h, portStr, err := net.SplitHostPort(host); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return placement{}, invalid(id, fmt.Sprintf("invalid port in host %q", host))
		}
		pl.host, pl.port = h, port
	}

	pl.user, _ = attrs[AttrUser].(string)
	if pl.user == "" {
		pl.user = p.opts.DefaultUser
	}

	pl.path, _ = attrs[AttrPath].(string)
	if pl.path == "" {
		return placement{}, engine.NewConfigError(engine.ErrCodeMissingRequiredField, "path is required").
			WithResource(id.String())
	}
	if !path.IsAbs(pl.path) {
		return placement{}, invalid(id, fmt.Sprintf("path %q must be absolute", pl.path))
	}
	pl.path = path.Clean(pl.path)

	switch c := attrs[AttrContent].(type) {
	case nil:
	case string:
		pl.content = c
	default:
		return placement{}, invalid(id, "content must be a string")
	}

	mode, repr, err := parseMode(attrs[AttrMode])
	if err != nil {
		return placement{}, invalid(id, err.Error())
	}
	pl.mode, pl.modeRepr = mode, repr
	return pl, nil
}

// recordAttributes is what the index stores: the declared attributes with
// user and mode filled in.
func (p *Provider) recordAttributes(attrs map[string]interface{}, pl placement) map[string]interface{} {
	out := model.NormalizeAttributes(attrs)
	if _, ok := out[AttrUser]; !ok {
		out[AttrUser] = pl.user
	}
	if _, ok := out[AttrMode]; !ok {
		out[AttrMode] = pl.modeRepr
	}
	return out
}

// parseMode accepts an octal string ("0644", "755") or a number already
// holding the permission bits.
func parseMode(v interface{}) (os.FileMode, interface{}, error) {
	switch m := v.(type) {
	case nil:
		return 0o644, defaultMode, nil
	case string:
		bits, err := strconv.ParseUint(m, 8, 32)
		if err != nil || bits > 0o777 {
			return 0, nil, fmt.Errorf("invalid mode %q", m)
		}
		return os.FileMode(bits), m, nil
	case float64:
		if m < 0 || m > 0o777 || m != float64(int(m)) {
			return 0, nil, fmt.Errorf("invalid mode %v", m)
		}
		return os.FileMode(int(m)), m, nil
	case int:
		if m < 0 || m > 0o777 {
			return 0, nil, fmt.Errorf("invalid mode %d", m)
		}
		return os.FileMode(m), float64(m), nil
	default:
		return 0, nil, fmt.Errorf("invalid mode %v", v)
	}
}

func statusOf(attrs map[string]interface{}) model.ResourceStatus {
	if s, ok := attrs[model.StatusAttribute].(string); ok && model.ResourceStatus(s) == model.ResourceStopped {
		return model.ResourceStopped
	}
	return model.ResourceRunning
}

func invalid(id model.Identity, msg string) error {
	return engine.NewConfigError(engine.ErrCodeInvalidField, msg).WithResource(id.String())
}

// classify maps transport failures onto the engine's error classes.
func classify(err error, id model.Identity, op string) error {
	switch {
	case ssh.IsAuthError(err):
		return engine.NewAuthError(ProviderID, err).WithResource(id.String()).WithOperation(op)
	case errors.Is(err, os.ErrNotExist):
		return engine.NewNotFoundError(id.String(), err).WithOperation(op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case ssh.IsTemporary(err):
		return engine.NewTransientError("ssh host unavailable", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(id.String()).
			WithOperation(op)
	default:
		return engine.NewPermanentError("ssh operation failed", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(id.String()).
			WithOperation(op)
	}
}
