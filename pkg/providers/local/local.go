// Package local implements the "local" provider: resources are records in
// a JSON inventory on disk. It needs no credentials and backs development
// stages and tests.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
	"github.com/openfroyo/stagecraft/pkg/providers"
)

// ProviderID is the id resources use to select this provider.
const ProviderID = "local"

// Provider is the local CloudProvider.
type Provider struct {
	inventory *providers.Inventory
	logger    zerolog.Logger
	now       func() time.Time

	// mu serializes check-then-write sequences on the inventory.
	mu sync.Mutex
}

var _ engine.CloudProvider = (*Provider)(nil)

// New creates a local provider storing its inventory under dir.
func New(dir string, logger zerolog.Logger) *Provider {
	return &Provider{
		inventory: providers.NewInventory(dir),
		logger:    logger.With().Str("component", "provider").Str("provider", ProviderID).Logger(),
		now:       time.Now,
	}
}

// CheckAuth verifies the inventory directory is writable.
func (p *Provider) CheckAuth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.inventory.CheckWritable(); err != nil {
		return engine.NewAuthError(ProviderID, fmt.Errorf("inventory %s is not writable: %w", p.inventory.Dir(), err))
	}
	return nil
}

// GetState returns the recorded resources among selectors.
func (p *Provider) GetState(ctx context.Context, selectors []model.Identity) ([]model.ResourceState, error) {
	states := make([]model.ResourceState, 0, len(selectors))
	for _, id := range selectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rs, err := p.inventory.Get(id)
		if err != nil {
			return nil, err
		}
		if rs != nil {
			states = append(states, *rs)
		}
	}
	return states, nil
}

// Create records a new resource. An existing record is a conflict.
func (p *Provider) Create(ctx context.Context, rc model.ResourceConfig) (*model.ResourceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := rc.Identity()
	existing, err := p.inventory.Get(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, engine.NewAlreadyExistsError(id.String(), nil).WithOperation("create")
	}

	rs := model.ResourceState{
		Identity:       id,
		Status:         statusOf(rc.Attributes),
		Attributes:     model.CloneAttributes(rc.Attributes),
		ProviderID:     ProviderID + "-" + uuid.New().String()[:8],
		DependsOn:      rc.DependsOn,
		CheckpointedAt: p.now().UTC(),
	}
	if err := p.inventory.Put(rs); err != nil {
		return nil, engine.NewTransientError("failed to record resource", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(id.String())
	}

	p.logger.Debug().Str("resource", id.String()).Str("provider_id", rs.ProviderID).Msg("Resource created")
	return &rs, nil
}

// Update replaces the declared attributes of an existing record. Keys the
// declaration does not mention are kept.
func (p *Provider) Update(ctx context.Context, rc model.ResourceConfig, diff []model.AttributeChange) (*model.ResourceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := rc.Identity()
	rs, err := p.inventory.Get(id)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, engine.NewNotFoundError(id.String(), nil).WithOperation("update")
	}

	attrs := model.CloneAttributes(rs.Attributes)
	if attrs == nil {
		attrs = make(map[string]interface{}, len(rc.Attributes))
	}
	for k, v := range model.NormalizeAttributes(rc.Attributes) {
		attrs[k] = v
	}

	rs.Attributes = attrs
	rs.Status = statusOf(attrs)
	rs.DependsOn = rc.DependsOn
	rs.CheckpointedAt = p.now().UTC()
	if err := p.inventory.Put(*rs); err != nil {
		return nil, engine.NewTransientError("failed to record resource", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(id.String())
	}

	p.logger.Debug().Str("resource", id.String()).Int("changes", len(diff)).Msg("Resource updated")
	return rs, nil
}

// Delete removes a record. A missing record is reported as NOT_FOUND.
func (p *Provider) Delete(ctx context.Context, id model.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existed, err := p.inventory.Delete(id)
	if err != nil {
		return engine.NewTransientError("failed to delete resource", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(id.String())
	}
	if !existed {
		return engine.NewNotFoundError(id.String(), nil).WithOperation("delete")
	}

	p.logger.Debug().Str("resource", id.String()).Msg("Resource deleted")
	return nil
}

// List returns every resource this provider has recorded.
func (p *Provider) List() ([]model.ResourceState, error) {
	return p.inventory.List(ProviderID)
}

// statusOf derives the power state from the reserved status attribute.
func statusOf(attrs map[string]interface{}) model.ResourceStatus {
	if s, ok := attrs[model.StatusAttribute].(string); ok && model.ResourceStatus(s) == model.ResourceStopped {
		return model.ResourceStopped
	}
	return model.ResourceRunning
}
