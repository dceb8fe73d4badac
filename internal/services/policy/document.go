package policy

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Set is an unordered set of strings that marshals as a sorted JSON array.
type Set map[string]struct{}

// NewSet returns a set holding items.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s Set) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewSet(items...)
	return nil
}

// Document is a stored account policy.
type Document struct {
	AllowedOperations Set `json:"allowed_operations"`
	AllowedCategories Set `json:"allowed_categories"`
}

// NewDocument builds a document from operation keys and categories.
func NewDocument(operations []string, categories []Category) *Document {
	d := &Document{AllowedOperations: NewSet(operations...), AllowedCategories: NewSet()}
	for _, c := range categories {
		d.AllowedCategories[string(c)] = struct{}{}
	}
	return d
}

// AllowsCategory reports whether the whole category is allowed.
func (d *Document) AllowsCategory(c Category) bool {
	return d != nil && d.AllowedCategories.Has(string(c))
}

// Equal reports whether both documents allow the same keys and categories.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	return equalSets(d.AllowedOperations, other.AllowedOperations) &&
		equalSets(d.AllowedCategories, other.AllowedCategories)
}

func equalSets(a, b Set) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b.Has(k) {
			return false
		}
	}
	return true
}

// FromMap decodes a document from its generic map form. Missing lists are
// empty.
func FromMap(m map[string]any) (*Document, error) {
	var raw struct {
		AllowedOperations []string `mapstructure:"allowed_operations"`
		AllowedCategories []string `mapstructure:"allowed_categories"`
	}
	if err := mapstructure.Decode(m, &raw); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return &Document{
		AllowedOperations: NewSet(raw.AllowedOperations...),
		AllowedCategories: NewSet(raw.AllowedCategories...),
	}, nil
}

// ToMap returns the generic map form with sorted lists.
func (d *Document) ToMap() map[string]any {
	return map[string]any{
		"allowed_operations": d.AllowedOperations.Sorted(),
		"allowed_categories": d.AllowedCategories.Sorted(),
	}
}

// Value implements driver.Valuer for writing to database
func (d *Document) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for reading from database
func (d *Document) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*d = Document{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("failed to scan policy document: unexpected %T", value)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal policy document: %w", err)
	}
	if doc.AllowedOperations == nil {
		doc.AllowedOperations = NewSet()
	}
	if doc.AllowedCategories == nil {
		doc.AllowedCategories = NewSet()
	}
	*d = doc
	return nil
}
