package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Port publishes a container port on the host.
type Port struct {
	HostIP    string `json:"host_ip,omitempty" yaml:"host_ip,omitempty" toml:"host_ip,omitempty" validate:"omitempty,ip"`
	Host      int    `json:"host" yaml:"host" toml:"host" validate:"min=1,max=65535"`
	Container int    `json:"container" yaml:"container" toml:"container" validate:"min=1,max=65535"`
	Protocol  string `json:"protocol,omitempty" yaml:"protocol,omitempty" toml:"protocol,omitempty" validate:"omitempty,oneof=tcp udp"`
}

// Volume mounts a host path into a container.
type Volume struct {
	Host      string `json:"host" yaml:"host" toml:"host" validate:"required"`
	Container string `json:"container" yaml:"container" toml:"container" validate:"required"`
	ReadOnly  bool   `json:"read_only,omitempty" yaml:"read_only,omitempty" toml:"read_only,omitempty"`
}

// Duration is a time.Duration that decodes from "1500ms"-style strings or
// from integer milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParsePort parses "[ip:]host:container[/proto]" or a bare container port.
func ParsePort(spec string) (Port, error) {
	var p Port
	s := strings.TrimSpace(spec)
	if s == "" {
		return p, fmt.Errorf("empty port spec")
	}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		p.Protocol = strings.ToLower(s[i+1:])
		s = s[:i]
	}
	parts := strings.Split(s, ":")
	var hostPart, containerPart string
	switch len(parts) {
	case 1:
		hostPart, containerPart = parts[0], parts[0]
	case 2:
		hostPart, containerPart = parts[0], parts[1]
	case 3:
		p.HostIP = parts[0]
		hostPart, containerPart = parts[1], parts[2]
	default:
		return p, fmt.Errorf("invalid port spec %q", spec)
	}
	var err error
	if p.Host, err = strconv.Atoi(hostPart); err != nil {
		return p, fmt.Errorf("invalid host port in %q: %w", spec, err)
	}
	if p.Container, err = strconv.Atoi(containerPart); err != nil {
		return p, fmt.Errorf("invalid container port in %q: %w", spec, err)
	}
	return p, nil
}

// String renders the port in short syntax.
func (p Port) String() string {
	proto := p.Proto()
	if p.HostIP != "" {
		return fmt.Sprintf("%s:%d:%d/%s", p.HostIP, p.Host, p.Container, proto)
	}
	return fmt.Sprintf("%d:%d/%s", p.Host, p.Container, proto)
}

// Proto returns the protocol, defaulting to tcp.
func (p Port) Proto() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return p.Protocol
}

// ParseVolume parses "host:container[:ro|:rw]".
func ParseVolume(spec string) (Volume, error) {
	var v Volume
	parts := strings.Split(strings.TrimSpace(spec), ":")
	switch len(parts) {
	case 2:
	case 3:
		switch parts[2] {
		case "ro":
			v.ReadOnly = true
		case "rw":
		default:
			return v, fmt.Errorf("invalid volume mode %q in %q", parts[2], spec)
		}
	default:
		return v, fmt.Errorf("invalid volume spec %q", spec)
	}
	v.Host, v.Container = parts[0], parts[1]
	if v.Host == "" || v.Container == "" {
		return v, fmt.Errorf("invalid volume spec %q", spec)
	}
	return v, nil
}

// String renders the volume in short syntax.
func (v Volume) String() string {
	if v.ReadOnly {
		return v.Host + ":" + v.Container + ":ro"
	}
	return v.Host + ":" + v.Container
}

// ParseDuration accepts Go duration strings and bare integers (milliseconds).
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(ms) * time.Millisecond), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(d), nil
}

// String renders the duration in Go syntax.
func (d Duration) String() string { return time.Duration(d).String() }

// YAML

type portFields Port
type volumeFields Volume

// UnmarshalYAML accepts the short string syntax or a mapping.
func (p *Port) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParsePort(node.Value)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var f portFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*p = Port(f)
	return nil
}

// UnmarshalYAML accepts the short string syntax or a mapping.
func (v *Volume) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseVolume(node.Value)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}
	var f volumeFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*v = Volume(f)
	return nil
}

// UnmarshalYAML accepts "5s" or integer milliseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// JSON

// UnmarshalJSON accepts the short string syntax or an object.
func (p *Port) UnmarshalJSON(data []byte) error {
	if s, ok := jsonString(data); ok {
		parsed, err := ParsePort(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var f portFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*p = Port(f)
	return nil
}

// UnmarshalJSON accepts the short string syntax or an object.
func (v *Volume) UnmarshalJSON(data []byte) error {
	if s, ok := jsonString(data); ok {
		parsed, err := ParseVolume(s)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}
	var f volumeFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Volume(f)
	return nil
}

// UnmarshalJSON accepts "5s" or integer milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s, ok := jsonString(data)
	if !ok {
		s = string(bytes.TrimSpace(data))
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func jsonString(data []byte) (string, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	return s, true
}

// TOML

// UnmarshalTOML accepts the short string syntax or a table.
func (p *Port) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		parsed, err := ParsePort(v)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	case map[string]interface{}:
		return remarshal(v, (*portFields)(p))
	default:
		return fmt.Errorf("unsupported port value %T", data)
	}
}

// UnmarshalTOML accepts the short string syntax or a table.
func (v *Volume) UnmarshalTOML(data interface{}) error {
	switch val := data.(type) {
	case string:
		parsed, err := ParseVolume(val)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	case map[string]interface{}:
		return remarshal(val, (*volumeFields)(v))
	default:
		return fmt.Errorf("unsupported volume value %T", data)
	}
}

// UnmarshalTOML accepts "5s" or integer milliseconds.
func (d *Duration) UnmarshalTOML(data interface{}) error {
	var parsed Duration
	var err error
	switch v := data.(type) {
	case string:
		parsed, err = ParseDuration(v)
	case int64:
		parsed = Duration(time.Duration(v) * time.Millisecond)
	default:
		err = fmt.Errorf("unsupported duration value %T", data)
	}
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// remarshal moves a decoded TOML table into a struct through its json tags.
func remarshal(in map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
