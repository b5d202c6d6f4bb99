package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StateDirName is the per-project directory holding state and keys.
const StateDirName = ".stagecraft"

// DefaultConfigNames are probed in the project root, in merge order, when
// no config file is given explicitly. Overrides come after the base file.
var DefaultConfigNames = []string{
	"stagecraft.yaml",
	"stagecraft.yml",
	"stagecraft.cue",
	"stagecraft.toml",
	"stagecraft.override.yaml",
	"stagecraft.override.yml",
	"stagecraft.override.cue",
	"stagecraft.override.toml",
}

// ProjectPaths holds every filesystem location an invocation uses. It is
// resolved once and passed explicitly.
type ProjectPaths struct {
	// Root is the absolute project directory.
	Root string

	// ConfigFiles are the absolute source paths in merge order.
	ConfigFiles []string

	// StateDir is Root/.stagecraft.
	StateDir string

	// StateDB is the SQLite state database.
	StateDB string

	// InventoryDir holds the local provider's inventory files.
	InventoryDir string

	// KeysDir holds generated SSH keys.
	KeysDir string

	// PolicyDir holds optional rego policies.
	PolicyDir string
}

// ResolvePaths resolves the project layout. projectDir defaults to the
// working directory; configFiles are taken relative to the project root
// and default to DefaultConfigNames that exist.
func ResolvePaths(projectDir string, configFiles []string) (ProjectPaths, error) {
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return ProjectPaths{}, fmt.Errorf("failed to get working directory: %w", err)
		}
		projectDir = wd
	}
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return ProjectPaths{}, fmt.Errorf("failed to resolve project dir %s: %w", projectDir, err)
	}

	p := ProjectPaths{
		Root:      root,
		StateDir:  filepath.Join(root, StateDirName),
		PolicyDir: filepath.Join(root, "policies"),
	}
	p.StateDB = filepath.Join(p.StateDir, "state.db")
	p.InventoryDir = filepath.Join(p.StateDir, "inventory")
	p.KeysDir = filepath.Join(p.StateDir, "keys")

	if len(configFiles) == 0 {
		for _, name := range DefaultConfigNames {
			candidate := filepath.Join(root, name)
			if _, err := os.Stat(candidate); err == nil {
				p.ConfigFiles = append(p.ConfigFiles, candidate)
			}
		}
		if len(p.ConfigFiles) == 0 {
			return ProjectPaths{}, fmt.Errorf("no config file found in %s (looked for %s)",
				root, strings.Join(DefaultConfigNames[:4], ", "))
		}
		return p, nil
	}

	for _, f := range configFiles {
		p.ConfigFiles = append(p.ConfigFiles, p.Resolve(f))
	}
	return p, nil
}

// Resolve makes path absolute against the project root. A leading "~/"
// expands to the user's home directory.
func (p ProjectPaths) Resolve(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.Root, path)
}

// ResolveVolume resolves a volume's host path. Named volumes (no path
// separator and no leading dot) are returned unchanged.
func (p ProjectPaths) ResolveVolume(host string) string {
	if host == "" || (!strings.ContainsAny(host, `/\`) && !strings.HasPrefix(host, ".") && !strings.HasPrefix(host, "~")) {
		return host
	}
	return p.Resolve(host)
}

// EnsureStateDir creates the state, inventory and keys directories.
func (p ProjectPaths) EnsureStateDir() error {
	for _, dir := range []string{p.StateDir, p.InventoryDir, p.KeysDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Scope is the state scope of a stage.
func Scope(project, stage string) string {
	return project + "/" + stage
}
