package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/stagecraft/pkg/engine"
	"github.com/openfroyo/stagecraft/pkg/model"
)

// Inventory keeps one JSON file per resource under
// dir/<provider>/<type>/<name>.json. Writes go through a temporary file
// and a rename, so a reader never sees a partial record.
type Inventory struct {
	dir string
	mu  sync.RWMutex
}

// NewInventory returns an inventory rooted at dir. The directory is
// created on first write.
func NewInventory(dir string) *Inventory {
	return &Inventory{dir: dir}
}

// Dir returns the inventory root.
func (inv *Inventory) Dir() string {
	return inv.dir
}

// Get returns the record for id, or nil when there is none.
func (inv *Inventory) Get(id model.Identity) (*model.ResourceState, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.read(inv.path(id))
}

// Put writes rs, replacing any existing record.
func (inv *Inventory) Put(rs model.ResourceState) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	target := inv.path(rs.Identity)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create inventory dir: %w", err)
	}

	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode inventory record %s: %w", rs.Identity, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".record-*")
	if err != nil {
		return fmt.Errorf("failed to write inventory record %s: %w", rs.Identity, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write inventory record %s: %w", rs.Identity, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write inventory record %s: %w", rs.Identity, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write inventory record %s: %w", rs.Identity, err)
	}
	return nil
}

// Delete removes the record for id and reports whether one existed.
func (inv *Inventory) Delete(id model.Identity) (bool, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	err := os.Remove(inv.path(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to delete inventory record %s: %w", id, err)
	}
}

// List returns every record of provider, sorted by identity.
func (inv *Inventory) List(provider string) ([]model.ResourceState, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	root := filepath.Join(inv.dir, url.PathEscape(provider))
	var records []model.ResourceState

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		rs, err := inv.read(path)
		if err != nil {
			return err
		}
		if rs != nil {
			records = append(records, *rs)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Identity.String() < records[j].Identity.String()
	})
	return records, nil
}

// CheckWritable verifies the inventory root can be created and written.
func (inv *Inventory) CheckWritable() error {
	if err := os.MkdirAll(inv.dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(inv.dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (inv *Inventory) read(path string) (*model.ResourceState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory record: %w", err)
	}

	var rs model.ResourceState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, engine.NewCorruptRecordError(path, err)
	}
	return &rs, nil
}

func (inv *Inventory) path(id model.Identity) string {
	return filepath.Join(inv.dir,
		url.PathEscape(id.Provider),
		url.PathEscape(id.Type),
		url.PathEscape(id.Name)+".json")
}
