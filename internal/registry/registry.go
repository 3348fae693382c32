// Package registry describes every entity table the sync engine knows how
// to replicate.
//
// The registry is compiled into the binary rather than loaded from
// configuration: unknown-table references are a programming error, and
// validating the full descriptor set at startup catches them before the
// first network call. Descriptors are immutable after construction.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTimeColumn is the change-detection column used when a descriptor
// does not name one, and the fallback column when the configured column is
// missing from the server schema.
const DefaultTimeColumn = "updated_at"

// ErrUnknownTable is returned when a lookup names a table the registry
// does not describe.
var ErrUnknownTable = errors.New("unknown table")

// Descriptor describes one synchronizable entity table.
type Descriptor struct {
	// ClientName is the logical table name used by callers and stored in
	// the local mirror.
	ClientName string

	// ServerTable is the physical table name used for pull queries.
	ServerTable string

	// Fields is the column projection requested from the server.
	Fields []string

	// PageSize bounds how many records a single pull returns.
	PageSize int

	// TimeColumn is the change-detection timestamp column.
	// Empty means DefaultTimeColumn.
	TimeColumn string
}

// EffectiveTimeColumn returns the configured time column, or
// DefaultTimeColumn when none is set.
func (d Descriptor) EffectiveTimeColumn() string {
	if d.TimeColumn == "" {
		return DefaultTimeColumn
	}
	return d.TimeColumn
}

// Registry maps client-facing table names to their descriptors.
type Registry struct {
	byName map[string]Descriptor
	names  []string
}

// New builds a registry from the given descriptors and validates them.
//
// Validation failures are returned as a single error; a registry that
// fails validation must not be used.
func New(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor, len(descriptors))}

	for i, d := range descriptors {
		if d.ClientName == "" {
			return nil, fmt.Errorf("descriptor %d: client name cannot be empty", i)
		}
		if d.ServerTable == "" {
			return nil, fmt.Errorf("descriptor %q: server table cannot be empty", d.ClientName)
		}
		if len(d.Fields) == 0 {
			return nil, fmt.Errorf("descriptor %q: field projection cannot be empty", d.ClientName)
		}
		if d.PageSize <= 0 {
			return nil, fmt.Errorf("descriptor %q: page size must be positive, got %d", d.ClientName, d.PageSize)
		}
		if _, dup := r.byName[d.ClientName]; dup {
			return nil, fmt.Errorf("descriptor %q: duplicate client name", d.ClientName)
		}
		r.byName[d.ClientName] = d
		r.names = append(r.names, d.ClientName)
	}

	return r, nil
}

// Lookup resolves a client-facing table name to its descriptor.
//
// Returns ErrUnknownTable (wrapped with the list of valid names) when the
// name is not registered.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q (valid tables: %s)",
			ErrUnknownTable, name, strings.Join(r.names, ", "))
	}
	return d, nil
}

// Names returns the registered client-facing table names in registration
// order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of registered tables.
func (r *Registry) Len() int {
	return len(r.names)
}
