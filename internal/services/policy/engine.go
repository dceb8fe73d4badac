package policy

import (
	"fmt"
	"sort"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

// Template names.
const (
	TemplateDefault   = "default"
	TemplateReadOnly  = "read_only"
	TemplateWriteOnly = "write_only"
)

// Engine evaluates policy documents against a registry.
type Engine struct {
	registry  *Registry
	metrics   *telemetry.Metrics
	templates map[string]*Document
}

// NewEngine creates an engine. metrics may be nil.
func NewEngine(registry *Registry, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		registry: registry,
		metrics:  metrics,
		templates: map[string]*Document{
			TemplateDefault:   NewDocument(registry.Keys(), []Category{CategoryRead, CategoryWrite}),
			TemplateReadOnly:  NewDocument(nil, []Category{CategoryRead}),
			TemplateWriteOnly: NewDocument(nil, []Category{CategoryWrite}),
		},
	}
}

// Registry returns the operation catalog the engine evaluates against.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// IsAllowed reports whether doc permits the operation key. Unknown keys are
// never allowed, whatever the document says. A nil document means the
// default template.
func (e *Engine) IsAllowed(key string, doc *Document) bool {
	op, ok := e.registry.Lookup(key)
	if !ok {
		e.metrics.PolicyDecision("unknown", false)
		return false
	}
	if doc == nil {
		doc = e.templates[TemplateDefault]
	}
	allowed := doc.AllowedOperations.Has(key) || doc.AllowsCategory(op.Category)
	e.metrics.PolicyDecision(op.Name, allowed)
	return allowed
}

// Check is IsAllowed returning a Forbidden error on denial.
func (e *Engine) Check(key string, doc *Document) error {
	if e.IsAllowed(key, doc) {
		return nil
	}
	name := key
	if op, ok := e.registry.Lookup(key); ok {
		name = op.Name
	}
	return auth.Forbidden(fmt.Sprintf("Operation %s is not allowed by the account policy", name))
}

// Template returns a copy of the named template.
func (e *Engine) Template(name string) (*Document, error) {
	t, ok := e.templates[name]
	if !ok {
		return nil, auth.NotFound(fmt.Sprintf("Unknown policy template %q", name))
	}
	return NewDocument(t.AllowedOperations.Sorted(), categoriesOf(t)), nil
}

// Default returns a copy of the default template.
func (e *Engine) Default() *Document {
	d, _ := e.Template(TemplateDefault)
	return d
}

// TemplateNames lists the available templates.
func (e *Engine) TemplateNames() []string {
	names := make([]string, 0, len(e.templates))
	for name := range e.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func categoriesOf(d *Document) []Category {
	out := make([]Category, 0, len(d.AllowedCategories))
	for _, c := range d.AllowedCategories.Sorted() {
		out = append(out, Category(c))
	}
	return out
}
