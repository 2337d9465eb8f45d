package state

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
)

// ParseFunc validates raw appliance bytes into a Partial. The supervisor
// accepts any ParseFunc so tests and alternative schemas can be injected.
type ParseFunc func(raw []byte) (Partial, error)

// Full is a complete, validated device document.
type Full struct {
	tree map[string]any
}

// Partial is a validated deep-partial device document. Only subsystems
// declared in the schema are kept.
type Partial struct {
	tree map[string]any
}

// Subsystems returns the subsystems present in the partial.
func (p Partial) Subsystems() SubsystemSet {
	s := make(SubsystemSet, len(p.tree))
	for k := range p.tree {
		s[Subsystem(k)] = struct{}{}
	}
	return s
}

// Empty reports whether the partial carries no known subsystem.
func (p Partial) Empty() bool {
	return len(p.tree) == 0
}

// MarshalJSON encodes the partial wrapped in the root key, ready to send to
// the appliance.
func (p Partial) MarshalJSON() ([]byte, error) {
	tree := p.tree
	if tree == nil {
		tree = map[string]any{}
	}
	return json.Marshal(map[string]any{RootKey: tree})
}

// MarshalJSON encodes the document wrapped in the root key.
func (f Full) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{RootKey: f.tree})
}

// ParseDocument validates a complete device document. Every required field
// of both subsystems must be present.
func ParseDocument(raw []byte) (Full, error) {
	tree, err := parse(raw, false, "parse document")
	if err != nil {
		return Full{}, err
	}
	return Full{tree: tree}, nil
}

// ParsePartial validates a deep-partial device document: present fields
// must have the declared types, nothing is required. Unknown subsystems are
// dropped, so the result may be empty.
func ParsePartial(raw []byte) (Partial, error) {
	tree, err := parse(raw, true, "parse update")
	if err != nil {
		return Partial{}, err
	}
	return Partial{tree: tree}, nil
}

func parse(raw []byte, partial bool, op string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fault.FromValidation(op, []fault.Issue{{Message: fmt.Sprintf("invalid JSON: %v", err)}})
	}

	m, ok := root.(map[string]any)
	if !ok {
		return nil, fault.FromValidation(op, []fault.Issue{{Message: "expected object, received " + jsonType(root)}})
	}
	inner, ok := m[RootKey]
	if !ok {
		return nil, fault.FromValidation(op, []fault.Issue{{Path: RootKey, Message: "required"}})
	}

	c := &checker{partial: partial}
	cleaned := c.check(deviceSchema, inner, []string{RootKey})
	if len(c.issues) > 0 {
		return nil, fault.FromValidation(op, c.issues)
	}

	tree, _ := cleaned.(map[string]any)
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// deepCopy copies a decoded JSON value.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
