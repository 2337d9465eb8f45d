package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// EqualFunc compares two decoded JSON leaf values.
type EqualFunc func(a, b any) bool

// JSONEqual is the default leaf comparison: scalars compare by value,
// arrays and anything else deeply.
func JSONEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	default:
		return reflect.DeepEqual(a, b)
	}
}

// Option configures a Store.
type Option func(*Store)

// WithEqual replaces the leaf equality predicate.
func WithEqual(eq EqualFunc) Option {
	return func(s *Store) {
		if eq != nil {
			s.equal = eq
		}
	}
}

// Store owns the device snapshot. Merge is the only mutator.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Readers never block each other.
type Store struct {
	mu      sync.RWMutex
	tree    map[string]any
	encoded []byte
	version uint64
	equal   EqualFunc
}

// NewStore builds a store from a complete document. A Partial cannot be
// used here, so a store never exists without a full snapshot.
func NewStore(doc Full, opts ...Option) (*Store, error) {
	s := &Store{
		tree:  deepCopy(doc.tree).(map[string]any),
		equal: JSONEqual,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.encode(); err != nil {
		return nil, err
	}
	return s, nil
}

// Merge applies a partial update and returns the subsystems whose content
// changed. For each subsystem in the partial, fields are compared against the
// snapshot until the first difference; subsystems with no difference are
// left untouched. When nothing differs the snapshot is not written at all and
// the returned set is empty.
func (s *Store) Merge(p Partial) (SubsystemSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make(SubsystemSet)
	for name, pv := range p.tree {
		if differs(pv, s.tree[name], s.equal) {
			changed[Subsystem(name)] = struct{}{}
		}
	}
	if len(changed) == 0 {
		return changed, nil
	}

	for sub := range changed {
		name := string(sub)
		src, _ := p.tree[name].(map[string]any)
		dst, ok := s.tree[name].(map[string]any)
		if !ok {
			dst = make(map[string]any, len(src))
			s.tree[name] = dst
		}
		mergeInto(dst, src)
	}

	if err := s.encode(); err != nil {
		return nil, err
	}
	s.version++
	return changed, nil
}

// Snapshot returns a freshly decoded copy of the current document.
func (s *Store) Snapshot() Device {
	s.mu.RLock()
	raw := s.encoded
	s.mu.RUnlock()

	var doc Document
	// raw was produced by encode from a schema-checked tree.
	_ = json.Unmarshal(raw, &doc)
	return doc.Device
}

// JSON returns the encoded document, root key included.
func (s *Store) JSON() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.encoded))
	copy(out, s.encoded)
	return out
}

// Subsystem returns the encoded content of one subsystem.
func (s *Store) Subsystem(sub Subsystem) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tree[string(sub)]
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Version counts the merges that changed the snapshot.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// encode refreshes the cached encoding. Caller holds s.mu.
func (s *Store) encode() error {
	raw, err := json.Marshal(map[string]any{RootKey: s.tree})
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	s.encoded = raw
	return nil
}

// differs reports whether applying p over cur would change anything.
// Recursion stops at the first difference.
func differs(p, cur any, eq EqualFunc) bool {
	pm, pIsMap := p.(map[string]any)
	cm, cIsMap := cur.(map[string]any)
	switch {
	case pIsMap && cIsMap:
		for k, pv := range pm {
			cv, ok := cm[k]
			if !ok || differs(pv, cv, eq) {
				return true
			}
		}
		return false
	case pIsMap != cIsMap:
		return true
	default:
		return !eq(p, cur)
	}
}

// mergeInto deep-merges src into dst, copying values so dst never shares
// structure with src.
func mergeInto(dst, src map[string]any) {
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = deepCopy(sv)
	}
}
