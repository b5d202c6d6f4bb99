package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

func setupProvider(t *testing.T) (*Provider, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "inventory")
	return New(dir, zerolog.Nop()), dir
}

func server(name string, attrs map[string]interface{}) model.ResourceConfig {
	return model.ResourceConfig{Provider: ProviderID, Type: "server", Name: name, Attributes: attrs}
}

func TestCheckAuth(t *testing.T) {
	p, dir := setupProvider(t)

	if err := p.CheckAuth(context.Background()); err != nil {
		t.Fatalf("failed to check auth: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected inventory dir to be created: %v", err)
	}

	// A file where the directory should be makes the inventory unusable.
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocked, nil, 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	bad := New(blocked, zerolog.Nop())
	err := bad.CheckAuth(context.Background())
	if !engine.HasCode(err, engine.ErrCodeAuthFailure) {
		t.Errorf("expected AUTH_FAILURE, got %v", err)
	}
}

func TestCreateGetState(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	rc := server("web", map[string]interface{}{"size": "small", "cpus": 2})
	rc.DependsOn = []string{"net"}

	rs, err := p.Create(ctx, rc)
	if err != nil {
		t.Fatalf("failed to create: %v", err)
	}
	if rs.Status != model.ResourceRunning {
		t.Errorf("expected running, got %s", rs.Status)
	}
	if rs.ProviderID == "" {
		t.Error("expected a provider id")
	}

	missing := model.Identity{Provider: ProviderID, Type: "server", Name: "db"}
	states, err := p.GetState(ctx, []model.Identity{rc.Identity(), missing})
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected unknown identities to be omitted, got %d states", len(states))
	}

	want := map[string]interface{}{"size": "small", "cpus": float64(2)}
	if diff := cmp.Diff(want, states[0].Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"net"}, states[0].DependsOn); diff != "" {
		t.Errorf("depends_on mismatch (-want +got):\n%s", diff)
	}

	if _, err := p.Create(ctx, rc); !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		t.Errorf("expected ALREADY_EXISTS on second create, got %v", err)
	}
	if !engine.IsConflict(func() error { _, err := p.Create(ctx, rc); return err }()) {
		t.Error("duplicate create must be classified as a conflict")
	}
}

func TestUpdate(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	if _, err := p.Create(ctx, server("web", map[string]interface{}{"size": "small", "zone": "a"})); err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	rc := server("web", map[string]interface{}{"size": "large", model.StatusAttribute: "stopped"})
	diff := model.DiffAttributes(rc.Attributes, map[string]interface{}{"size": "small"})
	rs, err := p.Update(ctx, rc, diff)
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	if rs.Status != model.ResourceStopped {
		t.Errorf("expected stopped, got %s", rs.Status)
	}
	want := map[string]interface{}{"size": "large", "zone": "a", "status": "stopped"}
	if d := cmp.Diff(want, rs.Attributes); d != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", d)
	}

	_, err = p.Update(ctx, server("ghost", nil), nil)
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND updating unknown resource, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	rc := server("web", nil)
	if _, err := p.Create(ctx, rc); err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	if err := p.Delete(ctx, rc.Identity()); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if err := p.Delete(ctx, rc.Identity()); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND deleting twice, got %v", err)
	}

	states, err := p.GetState(ctx, []model.Identity{rc.Identity()})
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected no state after delete, got %v", states)
	}
}

func TestList(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a", "c/with/slashes"} {
		if _, err := p.Create(ctx, server(name, nil)); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}

	states, err := p.List()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	var names []string
	for _, s := range states {
		names = append(names, s.Identity.Name)
	}
	if d := cmp.Diff([]string{"a", "b", "c/with/slashes"}, names); d != "" {
		t.Errorf("names mismatch (-want +got):\n%s", d)
	}
}

func TestCorruptRecord(t *testing.T) {
	p, dir := setupProvider(t)
	ctx := context.Background()

	rc := server("web", nil)
	if _, err := p.Create(ctx, rc); err != nil {
		t.Fatalf("failed to create: %v", err)
	}

	path := filepath.Join(dir, "local", "server", "web.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("failed to corrupt record: %v", err)
	}

	_, err := p.GetState(ctx, []model.Identity{rc.Identity()})
	if !engine.HasCode(err, engine.ErrCodeCorruptRecord) {
		t.Errorf("expected CORRUPT_RECORD, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	p, _ := setupProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Create(ctx, server("web", nil)); err == nil {
		t.Error("expected error for cancelled context")
	}
	if _, err := p.GetState(ctx, []model.Identity{{Provider: ProviderID, Type: "server", Name: "web"}}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
