package plugin

import (
	"context"
	"fmt"
)

// Catalog is an insertion-ordered set of definitions keyed by ID.
// Iteration order is the order definitions were added in.
type Catalog struct {
	order []string
	defs  map[string]Definition
}

// NewCatalog builds a catalog, rejecting empty and duplicate IDs.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := c.add(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustCatalog is NewCatalog for static definitions; it panics on error.
func MustCatalog(defs ...Definition) *Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) add(d Definition) error {
	if d.ID == "" {
		return fmt.Errorf("plugin definition without id (name %q)", d.Name)
	}
	if _, exists := c.defs[d.ID]; exists {
		return fmt.Errorf("plugin %q already defined", d.ID)
	}
	c.defs[d.ID] = d
	c.order = append(c.order, d.ID)
	return nil
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// IDs returns the IDs in catalog order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.order...)
}

// Get returns the definition for id.
func (c *Catalog) Get(id string) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	d, ok := c.defs[id]
	return d, ok
}

// All returns the definitions in catalog order.
func (c *Catalog) All() []Definition {
	if c == nil {
		return nil
	}
	out := make([]Definition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.defs[id])
	}
	return out
}

// For returns the definitions that carry a lifecycle for kind, in catalog order.
func (c *Catalog) For(kind Kind) *Catalog {
	sub := &Catalog{defs: make(map[string]Definition)}
	for _, d := range c.All() {
		if d.Supports(kind) {
			sub.defs[d.ID] = d
			sub.order = append(sub.order, d.ID)
		}
	}
	return sub
}

// Provider enumerates every plugin definition known to the process.
type Provider func(ctx context.Context) (*Catalog, error)

// Static returns a provider that always yields c.
func Static(c *Catalog) Provider {
	return func(context.Context) (*Catalog, error) { return c, nil }
}

// Combine concatenates the catalogs of several providers in argument order.
// An ID defined by two providers is an error.
func Combine(providers ...Provider) Provider {
	return func(ctx context.Context) (*Catalog, error) {
		out := &Catalog{defs: make(map[string]Definition)}
		for _, p := range providers {
			c, err := p(ctx)
			if err != nil {
				return nil, err
			}
			for _, d := range c.All() {
				if err := out.add(d); err != nil {
					return nil, err
				}
			}
		}
		return out, nil
	}
}
