package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// RawConfig holds the structural and hyperparameter documents as loaded.
// It is never modified after Load; every accessor returns copies.
type RawConfig struct {
	root           string
	structuralPath string
	paramsPath     string
	structural     Node
	params         Node
}

// Node is a read-only view of a YAML mapping.
type Node struct {
	path string
	m    map[string]interface{}
}

// Root returns the project root that relative paths resolve against.
func (r *RawConfig) Root() string {
	return r.root
}

// StructuralPath returns the absolute path of the structural document.
func (r *RawConfig) StructuralPath() string {
	return r.structuralPath
}

// ParamsPath returns the absolute path of the hyperparameter document.
func (r *RawConfig) ParamsPath() string {
	return r.paramsPath
}

// Structural returns the structural document.
func (r *RawConfig) Structural() Node {
	return r.structural
}

// Params returns the hyperparameter document.
func (r *RawConfig) Params() Node {
	return r.params
}

// Hyperparameters returns a flat copy of the whole hyperparameter document.
func (r *RawConfig) Hyperparameters() map[string]interface{} {
	return r.params.Map()
}

// Resolve returns p unchanged when absolute, otherwise joined to the root.
func (r *RawConfig) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.root, p)
}

// Path returns the node's dotted location, empty for a document root.
func (n Node) Path() string {
	return n.path
}

// Has reports whether key is present.
func (n Node) Has(key string) bool {
	_, ok := n.m[key]
	return ok
}

// Keys returns the node's keys in sorted order.
func (n Node) Keys() []string {
	keys := make([]string, 0, len(n.m))
	for k := range n.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a deep copy of the value under key.
func (n Node) Get(key string) (interface{}, bool) {
	v, ok := n.m[key]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Node returns the mapping under key. A missing or non-mapping value yields
// an empty node.
func (n Node) Node(key string) Node {
	child, _ := n.m[key].(map[string]interface{})
	return Node{path: joinPath(n.path, key), m: child}
}

// String returns the scalar under key when it is a string.
func (n Node) String(key string) (string, bool) {
	s, ok := n.m[key].(string)
	return s, ok
}

// Lookup resolves a dotted path such as "data_ingestion.root_dir".
func (n Node) Lookup(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	cur := n
	for _, p := range parts[:len(parts)-1] {
		if _, ok := cur.m[p].(map[string]interface{}); !ok {
			return nil, false
		}
		cur = cur.Node(p)
	}
	return cur.Get(parts[len(parts)-1])
}

// Map returns a deep copy of the node's mapping.
func (n Node) Map() map[string]interface{} {
	out, _ := deepCopy(n.m).(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	return out
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// normalize converts maps decoded with non-string keys into string-keyed maps.
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case []interface{}:
		for i, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}
