// Package manifest reads raw stack input. A file may hold a single
// stack mapping, a top-level list of stacks, or multiple YAML
// documents; multiplicity is normalized to a flat list of mappings so
// the rest of the pipeline never branches on input shape.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dockhand/dockhand/internal/spec"
)

// Load reads zero or more raw stack mappings from r.
func Load(r io.Reader) ([]map[string]any, error) {
	dec := yaml.NewDecoder(r)
	var out []map[string]any
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse stack input: %w", err)
		}
		v, err := nodeToAny(&doc)
		if err != nil {
			return nil, err
		}
		switch x := v.(type) {
		case nil:
			// empty document
		case map[string]any:
			out = append(out, x)
		case []any:
			for i, e := range x {
				m, ok := e.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("stack list entry %d: expected a mapping", i)
				}
				out = append(out, m)
			}
		default:
			return nil, errors.New("stack input: expected a mapping or a list of mappings")
		}
	}
	return out, nil
}

// LoadFile reads raw stack mappings from path.
func LoadFile(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	docs, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return docs, nil
}

// LoadOverride reads the optional highest-precedence override mapping.
// Override files hold exactly one mapping, applied to every stack.
func LoadOverride(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	docs, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	switch len(docs) {
	case 0:
		return map[string]any{}, nil
	case 1:
		return docs[0], nil
	}
	return nil, fmt.Errorf("%s: override file must hold a single mapping", path)
}

// Decode converts a merged mapping into the typed stack model. Run the
// validator on the mapping first: shape violations surface there with
// field paths, while errors here are mechanical decode failures.
func Decode(merged map[string]any) (*spec.Stack, error) {
	b, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged stack: %w", err)
	}
	var st spec.Stack
	if err := yaml.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode merged stack: %w", err)
	}
	if st.State == "" {
		st.State = spec.StatePresent
	}
	return &st, nil
}

// nodeToAny converts a parsed YAML node into plain Go values for the
// merge layers: mappings with string keys, []any sequences, and
// scalars. Octal integer literals are kept as their authored text so
// permission values survive the generic merge unrewritten.
func nodeToAny(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeToAny(n.Content[0])
	case yaml.AliasNode:
		return nodeToAny(n.Alias)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			kn, vn := n.Content[i], n.Content[i+1]
			if kn.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", kn.Line)
			}
			v, err := nodeToAny(vn)
			if err != nil {
				return nil, err
			}
			m[kn.Value] = v
		}
		return m, nil
	case yaml.SequenceNode:
		s := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeToAny(c)
			if err != nil {
				return nil, err
			}
			s = append(s, v)
		}
		return s, nil
	case yaml.ScalarNode:
		return scalarToAny(n)
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}

func scalarToAny(n *yaml.Node) (any, error) {
	switch n.Tag {
	case "!!null":
		return nil, nil
	case "!!bool":
		var b bool
		err := n.Decode(&b)
		return b, err
	case "!!int":
		if isOctalLiteral(n.Value) {
			return n.Value, nil
		}
		var i int
		err := n.Decode(&i)
		return i, err
	case "!!float":
		var f float64
		err := n.Decode(&f)
		return f, err
	default:
		return n.Value, nil
	}
}

func isOctalLiteral(s string) bool {
	if strings.HasPrefix(s, "0o") || strings.HasPrefix(s, "0O") {
		return true
	}
	if len(s) < 2 || s[0] != '0' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '7' {
			return false
		}
	}
	return true
}
