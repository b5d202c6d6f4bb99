package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Identity is the stable (provider, type, name) key that correlates
// declared and observed resources across invocations.
type Identity struct {
	Provider string `json:"provider" yaml:"provider"`
	Type     string `json:"type" yaml:"type"`
	Name     string `json:"name" yaml:"name"`
}

// String renders the identity as provider/type/name.
func (id Identity) String() string {
	return id.Provider + "/" + id.Type + "/" + id.Name
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Provider == "" && id.Type == "" && id.Name == ""
}

// ParseIdentity parses provider/type/name.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Identity{}, fmt.Errorf("invalid resource identity %q (want provider/type/name)", s)
	}
	return Identity{Provider: parts[0], Type: parts[1], Name: parts[2]}, nil
}

// SortIdentities orders identities lexically by their string form.
func SortIdentities(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// ResourceConfig is a declared compute resource.
type ResourceConfig struct {
	Provider   string                 `json:"provider" yaml:"provider" toml:"provider" validate:"required"`
	Type       string                 `json:"type" yaml:"type" toml:"type" validate:"required"`
	Name       string                 `json:"name" yaml:"name" toml:"name" validate:"required"`
	Attributes map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty" toml:"attributes,omitempty"`

	// DependsOn names other resources of the same stage whose actions must
	// succeed before this one runs.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" toml:"depends_on,omitempty"`
}

// Identity returns the resource's identity key.
func (rc ResourceConfig) Identity() Identity {
	return Identity{Provider: rc.Provider, Type: rc.Type, Name: rc.Name}
}

// Clone returns a deep copy of the declaration.
func (rc ResourceConfig) Clone() ResourceConfig {
	out := rc
	out.Attributes = CloneAttributes(rc.Attributes)
	out.DependsOn = cloneStrings(rc.DependsOn)
	return out
}

// ResourceStatus is the observed run state of a resource.
type ResourceStatus string

const (
	ResourceRunning ResourceStatus = "running"
	ResourceStopped ResourceStatus = "stopped"
	ResourceUnknown ResourceStatus = "unknown"
)

// Validate checks the status value.
func (s ResourceStatus) Validate() error {
	switch s {
	case ResourceRunning, ResourceStopped, ResourceUnknown:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// StatusAttribute is the reserved attribute key carrying desired power
// state for suspend plans.
const StatusAttribute = "status"

// ResourceState is the observed counterpart of a ResourceConfig.
type ResourceState struct {
	Identity   Identity               `json:"identity"`
	Status     ResourceStatus         `json:"status"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// ProviderID is the backend's own identifier, if it assigns one.
	ProviderID string `json:"provider_id,omitempty"`

	// DependsOn records the declared prerequisites at checkpoint time so
	// that prune plans can order deletes.
	DependsOn []string `json:"depends_on,omitempty"`

	CheckpointedAt time.Time `json:"checkpointed_at"`
}

// ComparableAttributes returns the observed attributes with the observed
// status filled in under StatusAttribute when the record lacks it.
func (rs ResourceState) ComparableAttributes() map[string]interface{} {
	attrs := CloneAttributes(rs.Attributes)
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	if _, ok := attrs[StatusAttribute]; !ok && rs.Status != "" {
		attrs[StatusAttribute] = string(rs.Status)
	}
	return attrs
}

// Resuming returns a copy of rc that powers a stopped resource back on.
// A declaration that sets StatusAttribute itself is returned unchanged.
func (rc ResourceConfig) Resuming(observed ResourceState) ResourceConfig {
	out := rc.Clone()
	if _, declared := out.Attributes[StatusAttribute]; declared {
		return out
	}
	if observed.ComparableAttributes()[StatusAttribute] != string(ResourceStopped) {
		return out
	}
	if out.Attributes == nil {
		out.Attributes = make(map[string]interface{}, 1)
	}
	out.Attributes[StatusAttribute] = string(ResourceRunning)
	return out
}

// CloneAttributes deep-copies an attribute map through JSON, which also
// normalises numeric types.
func CloneAttributes(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	return NormalizeAttributes(in)
}

// NormalizeAttributes round-trips attributes through JSON so that values
// decoded from different sources compare equal (int 2 vs float64 2).
func NormalizeAttributes(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]interface{}, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return in
	}
	return out
}

// AttributeChange is one attribute-level difference.
type AttributeChange struct {
	Key    string      `json:"key"`
	Before interface{} `json:"before,omitempty"`
	After  interface{} `json:"after,omitempty"`
}

// DiffAttributes compares the declared keys of desired against observed.
// Keys only present in observed are provider-computed and ignored.
func DiffAttributes(desired, observed map[string]interface{}) []AttributeChange {
	d := NormalizeAttributes(desired)
	o := NormalizeAttributes(observed)

	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changes []AttributeChange
	for _, k := range keys {
		before, ok := o[k]
		if ok && reflect.DeepEqual(before, d[k]) {
			continue
		}
		changes = append(changes, AttributeChange{Key: k, Before: before, After: d[k]})
	}
	return changes
}
