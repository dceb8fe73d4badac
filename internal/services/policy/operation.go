// Package policy decides which upstream operations a linked account may
// perform. Operations are registered once at startup; per-account policy
// documents allow individual operation keys or whole categories.
package policy

import (
	"fmt"
	"slices"
	"sort"
)

// Category groups operations for coarse policies.
type Category string

const (
	CategoryRead  Category = "read"
	CategoryWrite Category = "write"
)

// Categories lists every valid category.
var Categories = []Category{CategoryRead, CategoryWrite}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// Operation describes one upstream operation, e.g. a GraphQL query id.
type Operation struct {
	Key         string   `json:"key"`
	Name        string   `json:"operation_name"`
	MethodHint  string   `json:"method_hint"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
}

// Registry is the immutable catalog of operations. It is safe for
// concurrent use.
type Registry struct {
	ops  map[string]Operation
	keys []string // sorted
}

// NewRegistry builds a registry. Duplicate keys and unknown categories are
// errors.
func NewRegistry(ops ...Operation) (*Registry, error) {
	r := &Registry{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		if op.Key == "" {
			return nil, fmt.Errorf("operation %q has no key", op.Name)
		}
		if !op.Category.Valid() {
			return nil, fmt.Errorf("operation %s: unknown category %q", op.Key, op.Category)
		}
		if _, dup := r.ops[op.Key]; dup {
			return nil, fmt.Errorf("operation %s registered twice", op.Key)
		}
		r.ops[op.Key] = op
		r.keys = append(r.keys, op.Key)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Lookup returns the operation registered under key.
func (r *Registry) Lookup(key string) (Operation, bool) {
	op, ok := r.ops[key]
	return op, ok
}

// OperationInfo is Lookup returning nil for unknown keys.
func (r *Registry) OperationInfo(key string) *Operation {
	op, ok := r.ops[key]
	if !ok {
		return nil
	}
	return &op
}

// Keys returns every registered key in sorted order.
func (r *Registry) Keys() []string {
	return slices.Clone(r.keys)
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	return len(r.keys)
}

// All returns the operations sorted by key.
func (r *Registry) All() []Operation {
	out := make([]Operation, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.ops[k])
	}
	return out
}

func (r *Registry) byCategory(c Category) []string {
	var out []string
	for _, k := range r.keys {
		if r.ops[k].Category == c {
			out = append(out, k)
		}
	}
	return out
}

// ReadOperations returns the keys of all read operations.
func (r *Registry) ReadOperations() []string { return r.byCategory(CategoryRead) }

// WriteOperations returns the keys of all write operations.
func (r *Registry) WriteOperations() []string { return r.byCategory(CategoryWrite) }
