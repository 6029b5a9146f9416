package event

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmptyType is returned when a catalog definition has no type
	ErrEmptyType = errors.New("event: definition type is empty")

	// ErrDuplicateType is returned when a catalog lists a type twice
	ErrDuplicateType = errors.New("event: duplicate definition type")
)

// Definition describes one accepted event type
type Definition struct {
	Type    string `yaml:"type"`
	Command bool   `yaml:"command"`
}

// Catalog is the immutable set of accepted event types
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog builds a catalog from definitions
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if strings.TrimSpace(def.Type) == "" {
			return nil, ErrEmptyType
		}
		if _, exists := c.defs[def.Type]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateType, def.Type)
		}
		c.defs[def.Type] = def
	}
	return c, nil
}

// DefaultDefinitions returns the built-in event types
func DefaultDefinitions() []Definition {
	return []Definition{
		{Type: "ping", Command: false},
		{Type: "get-status", Command: true},
	}
}

// DefaultCatalog returns a catalog with the built-in event types
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(DefaultDefinitions()...)
	return c
}

// Lookup returns the definition for an event type. Type names are case-sensitive.
func (c *Catalog) Lookup(eventType string) (Definition, bool) {
	def, ok := c.defs[eventType]
	return def, ok
}

// Types returns the sorted list of accepted types
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.defs))
	for t := range c.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of definitions
func (c *Catalog) Len() int {
	return len(c.defs)
}
