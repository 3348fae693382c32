package registry

import "fmt"

// TableMap translates client-facing logical table names to the physical
// table names used for writes.
//
// The translation is deliberately separate from the pull registry: several
// entities read from one physical table but write through another (the
// messages outbox, for example), and the push path must never fall back to
// the read-side name when the write-side mapping is missing.
type TableMap struct {
	byName map[string]string
}

// NewTableMap builds a table map from logical name to physical write table.
func NewTableMap(mapping map[string]string) *TableMap {
	byName := make(map[string]string, len(mapping))
	for logical, physical := range mapping {
		byName[logical] = physical
	}
	return &TableMap{byName: byName}
}

// Resolve returns the physical write table for a logical name.
//
// Returns ErrUnknownTable when the logical name has no write mapping.
func (m *TableMap) Resolve(logical string) (string, error) {
	physical, ok := m.byName[logical]
	if !ok {
		return "", fmt.Errorf("%w: no write mapping for %q", ErrUnknownTable, logical)
	}
	return physical, nil
}
