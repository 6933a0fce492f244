package tools

import (
	"fmt"
	"sort"
)

// Catalog is an immutable set of tools keyed by name.
type Catalog struct {
	tools map[string]Tool
	order []string
}

// NewCatalog builds a catalog. Names must be unique and non-empty.
func NewCatalog(tools ...Tool) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			return nil, fmt.Errorf("tool cannot be nil")
		}
		name := t.Descriptor().Name
		if name == "" {
			return nil, fmt.Errorf("tool name cannot be empty")
		}
		if _, dup := c.tools[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		c.tools[name] = t
		c.order = append(c.order, name)
	}
	return c, nil
}

// Get returns the named tool.
func (c *Catalog) Get(name string) (Tool, error) {
	t, ok := c.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Has reports whether name is in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.tools[name]
	return ok
}

// Descriptors returns every descriptor in registration order.
func (c *Catalog) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name].Descriptor())
	}
	return out
}

// Names returns the sorted tool names.
func (c *Catalog) Names() []string {
	out := append([]string(nil), c.order...)
	sort.Strings(out)
	return out
}

func (c *Catalog) Len() int { return len(c.order) }

// Builtin returns the locally implemented tools. episodes may be nil, in
// which case knowledge_search is omitted.
func Builtin(policy HostPolicy, episodes EpisodeSearcher) ([]Tool, error) {
	out := []Tool{
		NewHTTPProbe(nil, policy),
		NewDNSLookup(nil, policy),
		NewTCPConnect(nil, policy),
	}
	if episodes != nil {
		ks, err := NewKnowledgeSearch(episodes)
		if err != nil {
			return nil, err
		}
		out = append(out, ks)
	}
	return out, nil
}
