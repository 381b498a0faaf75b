package spec

import (
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	shellwords "github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// PortEntry is a service port in either authored form: the shorthand
// string "published:target[/protocol]" or the structured mapping.
// Exactly one form is populated after decoding.
type PortEntry struct {
	Shorthand string
	Published int
	Target    int
	Protocol  string
}

func (p *PortEntry) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		p.Shorthand = value.Value
		return nil
	case yaml.MappingNode:
		var s struct {
			Published int    `yaml:"published"`
			Target    int    `yaml:"target"`
			Protocol  string `yaml:"protocol"`
		}
		if err := value.Decode(&s); err != nil {
			return err
		}
		p.Published, p.Target, p.Protocol = s.Published, s.Target, s.Protocol
		return nil
	}
	return fmt.Errorf("port entry: expected string or mapping, got %s", value.Tag)
}

// Canonical resolves either authored form to the structured shape.
func (p PortEntry) Canonical() (published, target int, protocol string, err error) {
	if p.Shorthand != "" {
		return ParsePortShorthand(p.Shorthand)
	}
	protocol = strings.ToLower(p.Protocol)
	if protocol == "" {
		protocol = "tcp"
	}
	if protocol != "tcp" && protocol != "udp" {
		return 0, 0, "", fmt.Errorf("protocol %q: expected tcp or udp", p.Protocol)
	}
	if err := checkPortRange(p.Published); err != nil {
		return 0, 0, "", fmt.Errorf("published port %w", err)
	}
	if err := checkPortRange(p.Target); err != nil {
		return 0, 0, "", fmt.Errorf("target port %w", err)
	}
	return p.Published, p.Target, protocol, nil
}

// ParsePortShorthand parses "published:target[/protocol]". The protocol
// defaults to tcp. Host IP bindings and port ranges are rejected.
func ParsePortShorthand(s string) (published, target int, protocol string, err error) {
	mappings, err := nat.ParsePortSpec(s)
	if err != nil {
		return 0, 0, "", fmt.Errorf("port %q: %w", s, err)
	}
	if len(mappings) != 1 {
		return 0, 0, "", fmt.Errorf("port %q: ranges are not supported", s)
	}
	m := mappings[0]
	if m.Binding.HostIP != "" {
		return 0, 0, "", fmt.Errorf("port %q: host IP bindings are not supported", s)
	}
	if m.Binding.HostPort == "" {
		return 0, 0, "", fmt.Errorf("port %q: expected published:target[/protocol]", s)
	}
	published, err = nat.ParsePort(m.Binding.HostPort)
	if err != nil {
		return 0, 0, "", fmt.Errorf("port %q: %w", s, err)
	}
	protocol = m.Port.Proto()
	if protocol != "tcp" && protocol != "udp" {
		return 0, 0, "", fmt.Errorf("port %q: protocol %q: expected tcp or udp", s, protocol)
	}
	target = m.Port.Int()
	if err := checkPortRange(published); err != nil {
		return 0, 0, "", fmt.Errorf("port %q: published port %w", s, err)
	}
	if err := checkPortRange(target); err != nil {
		return 0, 0, "", fmt.Errorf("port %q: target port %w", s, err)
	}
	return published, target, protocol, nil
}

func checkPortRange(n int) error {
	if n < 1 || n > 65535 {
		return fmt.Errorf("%d outside 1-65535", n)
	}
	return nil
}

// VolumeEntry is a service mount in either authored form: the shorthand
// string "source:target[:ro|rw]" or the structured mapping. The source
// may start with a symbolic directory prefix such as $_data.
type VolumeEntry struct {
	Shorthand string
	Source    string
	Target    string
	ReadOnly  bool
}

func (v *VolumeEntry) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		v.Shorthand = value.Value
		return nil
	case yaml.MappingNode:
		var s struct {
			Source   string `yaml:"source"`
			Target   string `yaml:"target"`
			ReadOnly bool   `yaml:"read_only"`
		}
		if err := value.Decode(&s); err != nil {
			return err
		}
		v.Source, v.Target, v.ReadOnly = s.Source, s.Target, s.ReadOnly
		return nil
	}
	return fmt.Errorf("volume entry: expected string or mapping, got %s", value.Tag)
}

// Canonical resolves either authored form to the structured shape.
func (v VolumeEntry) Canonical() (source, target string, readOnly bool, err error) {
	if v.Shorthand != "" {
		return ParseVolumeShorthand(v.Shorthand)
	}
	if v.Source == "" || v.Target == "" {
		return "", "", false, fmt.Errorf("volume: source and target are required")
	}
	return v.Source, v.Target, v.ReadOnly, nil
}

// ParseVolumeShorthand parses "source:target[:ro|rw]".
func ParseVolumeShorthand(s string) (source, target string, readOnly bool, err error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
	case 3:
		switch parts[2] {
		case "ro":
			readOnly = true
		case "rw":
		default:
			return "", "", false, fmt.Errorf("volume %q: access mode %q: expected ro or rw", s, parts[2])
		}
	default:
		return "", "", false, fmt.Errorf("volume %q: expected source:target[:ro|rw]", s)
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", false, fmt.Errorf("volume %q: source and target are required", s)
	}
	return parts[0], parts[1], readOnly, nil
}

// Command accepts either a shell-style string (split with shellwords)
// or an explicit argv list.
type Command []string

func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*c = nil
			return nil
		}
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		words, err := shellwords.Parse(s)
		if err != nil {
			return fmt.Errorf("command %q: %w", s, err)
		}
		*c = words
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	}
	return fmt.Errorf("command: expected string or list, got %s", value.Tag)
}

// Environment accepts either a mapping of variables or a list of "K=V"
// entries. Scalar mapping values are stringified.
type Environment map[string]string

func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	out := map[string]string{}
	switch value.Kind {
	case yaml.MappingNode:
		var m map[string]any
		if err := value.Decode(&m); err != nil {
			return err
		}
		for k, v := range m {
			out[k] = scalarString(v)
		}
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		for _, kv := range list {
			k, v, _ := strings.Cut(kv, "=")
			out[k] = v
		}
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*e = nil
			return nil
		}
		return fmt.Errorf("environment: expected mapping or list, got scalar")
	default:
		return fmt.Errorf("environment: expected mapping or list, got %s", value.Tag)
	}
	*e = out
	return nil
}

// StringOrList accepts a single string as a one-element list.
type StringOrList []string

func (s *StringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*s = nil
			return nil
		}
		var str string
		if err := value.Decode(&str); err != nil {
			return err
		}
		*s = StringOrList{str}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = StringOrList(list)
		return nil
	}
	return fmt.Errorf("expected string or list, got %s", value.Tag)
}

// ModeString preserves a permission literal such as "0750" across
// decoding. The literal is always read as octal.
type ModeString string

func (m *ModeString) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("mode: expected scalar, got %s", value.Tag)
	}
	if value.Tag == "!!null" {
		*m = ""
		return nil
	}
	*m = ModeString(value.Value)
	return nil
}

// FileMode parses the octal literal into a permission value.
func (m ModeString) FileMode() (fs.FileMode, error) {
	s := strings.TrimPrefix(string(m), "0o")
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("mode %q: not an octal permission", string(m))
	}
	if n > 0o7777 {
		return 0, fmt.Errorf("mode %q: outside permission range", string(m))
	}
	return fs.FileMode(n), nil
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
