package gadget

import (
	"fmt"
	"sort"

	"github.com/gadgetcore/runtime/pkg/registry"
)

// RegistryMissError reports a lookup miss. Lookup itself returns
// (nil, false) per the §6 "lookup(name) → Gadget | none" contract, but
// RegistryMissError carries the valid-names list the scheduler needs when it
// reports a miss to the model.
type RegistryMissError struct {
	Name       string
	ValidNames []string
}

func (e *RegistryMissError) Error() string {
	return fmt.Sprintf("unknown gadget %q (valid: %v)", e.Name, e.ValidNames)
}

// Registry owns gadget instances for the lifetime of one agent run.
type Registry struct {
	base *registry.BaseRegistry[Gadget]
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[Gadget]()}
}

// Register adds a gadget under its own name.
func (r *Registry) Register(g Gadget) error {
	return r.base.Register(g.Name(), g)
}

// Lookup matches the §6 registry contract: lookup(name) → Gadget | none.
func (r *Registry) Lookup(name string) (Gadget, bool) {
	return r.base.Get(name)
}

// MustLookup returns a *RegistryMissError carrying the sorted list of valid
// names, for building the executor's registry-miss result message.
func (r *Registry) MustLookup(name string) (Gadget, error) {
	g, ok := r.base.Get(name)
	if !ok {
		return nil, &RegistryMissError{Name: name, ValidNames: r.Names()}
	}
	return g, nil
}

// Names lists all registered gadget names, sorted.
func (r *Registry) Names() []string {
	items := r.base.List()
	names := make([]string, 0, len(items))
	for _, g := range items {
		names = append(names, g.Name())
	}
	sort.Strings(names)
	return names
}
