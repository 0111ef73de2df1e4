// Package registry implements the partition-key metadata registry: a small
// table-like store mapping each partition key to its datatype and, for
// bit-vector backends, its bitsize.
package registry

import (
	"fmt"
	"sync"
)

// Datatype is the fixed set of identifier domains a partition key may hold.
type Datatype int

const (
	// DatatypeInteger identifies an int64 identifier domain.
	DatatypeInteger Datatype = iota
	// DatatypeFloat identifies a float64 identifier domain.
	DatatypeFloat
	// DatatypeText identifies a string identifier domain.
	DatatypeText
	// DatatypeTimestamp identifies a time.Time identifier domain.
	DatatypeTimestamp
	// DatatypeGeometry identifies a WKB geometry identifier domain.
	DatatypeGeometry
)

// String returns the canonical lower-case name used in CHECK constraints and
// CLI output.
func (d Datatype) String() string {
	switch d {
	case DatatypeInteger:
		return "integer"
	case DatatypeFloat:
		return "float"
	case DatatypeText:
		return "text"
	case DatatypeTimestamp:
		return "timestamp"
	case DatatypeGeometry:
		return "geometry"
	default:
		return fmt.Sprintf("datatype(%d)", int(d))
	}
}

// ParseDatatype maps a registry/config string back to a Datatype.
func ParseDatatype(s string) (Datatype, error) {
	switch s {
	case "integer":
		return DatatypeInteger, nil
	case "float":
		return DatatypeFloat, nil
	case "text":
		return DatatypeText, nil
	case "timestamp":
		return DatatypeTimestamp, nil
	case "geometry":
		return DatatypeGeometry, nil
	default:
		return 0, fmt.Errorf("registry: unknown datatype %q", s)
	}
}

// ErrCode enumerates the registry's own error conditions.
type ErrCode int

const (
	// NotFoundErr indicates the partition key has not been registered.
	NotFoundErr ErrCode = iota
	// ConflictErr indicates a re-registration attempt with a different
	// datatype, or a bitsize shrink.
	ConflictErr
)

// Error is the error type returned by the registry.
type Error struct {
	Code    ErrCode
	Message string
}

func (e *Error) Error() string { return e.Message }

// IsNotFound reports whether err is a registry NotFoundErr.
func IsNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == NotFoundErr
}

// IsConflict reports whether err is a registry ConflictErr.
func IsConflict(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == ConflictErr
}

func notFoundError(pk string) *Error {
	return &Error{Code: NotFoundErr, Message: fmt.Sprintf("registry: partition key %q not registered", pk)}
}

func conflictError(f string, a ...interface{}) *Error {
	return &Error{Code: ConflictErr, Message: fmt.Sprintf(f, a...)}
}

// Entry is one partition key's registered metadata.
type Entry struct {
	PartitionKey string
	Datatype     Datatype
	// Bitsize is only meaningful for backends using the DatatypeInteger
	// bit-vector realisation; zero means "not applicable".
	Bitsize int
}

// Registry is an in-memory, concurrency-safe partition-key registry. The
// in-memory backend (memstore) keeps its registry here; the PostgreSQL and
// Redis backends keep their own registry tables and do not use this type.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// Register idempotently registers pk with datatype. Re-registering with a
// conflicting datatype fails with ConflictErr. bitsize is ignored for
// non-integer datatypes.
func (r *Registry) Register(pk string, datatype Datatype, bitsize int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if datatype != DatatypeInteger {
		bitsize = 0
	}

	existing, ok := r.entries[pk]
	if !ok {
		r.entries[pk] = &Entry{PartitionKey: pk, Datatype: datatype, Bitsize: bitsize}
		return nil
	}

	if existing.Datatype != datatype {
		return conflictError("registry: partition key %q already registered with datatype %s, cannot register as %s", pk, existing.Datatype, datatype)
	}

	if bitsize > 0 {
		if bitsize < existing.Bitsize {
			return conflictError("registry: partition key %q bitsize cannot shrink from %d to %d", pk, existing.Bitsize, bitsize)
		}
		existing.Bitsize = bitsize
	}

	return nil
}

// Get returns the entry for pk, or a NotFoundErr.
func (r *Registry) Get(pk string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[pk]
	if !ok {
		return nil, notFoundError(pk)
	}
	cpy := *e
	return &cpy, nil
}

// List returns every registered entry, sorted by partition key is left to
// callers that need a stable order; iteration order here is unspecified.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		cpy := *e
		out = append(out, &cpy)
	}
	return out
}

// Remove drops pk from the registry. It is not an error to remove an absent
// key; callers (delete_partition) treat this as idempotent.
func (r *Registry) Remove(pk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, pk)
}
