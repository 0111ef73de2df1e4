// Package memstore implements an in-memory cachehandler.Store used as the
// reference backend and by higher-layer tests that do not want a live
// database. It supports multi-reader/single-writer concurrency, following
// the reader-writer lock discipline of the teacher's in-memory document
// store, simplified to a flat per-partition map since there is no nested
// document tree to walk here.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func init() {
	cachehandler.Register("memstore", cachehandler.FactoryFunc(func(cfg map[string]interface{}) (cachehandler.Store, error) {
		return New(), nil
	}))
}

type entry struct {
	ids      cachehandler.IdentifierSet
	isNull   bool
	lastSeen time.Time
}

type partition struct {
	datatype registry.Datatype
	entries  map[string]*entry
	queries  map[string]string
	statuses map[string]cachehandler.QueryStatus
}

// touch records key as seen now, registering the entry if absent.
func (p *partition) touch(key string) {
	e, ok := p.entries[key]
	if !ok {
		e = &entry{}
		p.entries[key] = e
	}
	e.lastSeen = time.Now()
}

// Store is the in-memory reference realisation of cachehandler.Store.
type Store struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	registry   *registry.Registry
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		partitions: map[string]*partition{},
		registry:   registry.New(),
	}
}

func (s *Store) supportedDatatypes() map[registry.Datatype]bool {
	return map[registry.Datatype]bool{
		registry.DatatypeInteger:   true,
		registry.DatatypeFloat:     true,
		registry.DatatypeText:      true,
		registry.DatatypeTimestamp: true,
		registry.DatatypeGeometry:  true,
	}
}

// SupportedDatatypes implements cachehandler.Store.
func (s *Store) SupportedDatatypes() []registry.Datatype {
	return []registry.Datatype{
		registry.DatatypeInteger,
		registry.DatatypeFloat,
		registry.DatatypeText,
		registry.DatatypeTimestamp,
		registry.DatatypeGeometry,
	}
}

// RegisterPartitionKey implements cachehandler.Store.
func (s *Store) RegisterPartitionKey(_ context.Context, pk string, datatype registry.Datatype, opts map[string]interface{}) error {
	if !s.supportedDatatypes()[datatype] {
		return cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "memstore: datatype %s not supported", datatype)
	}

	bitsize := 0
	if v, ok := opts["bitsize"].(int); ok {
		bitsize = v
	}

	if err := s.registry.Register(pk, datatype, bitsize); err != nil {
		return cachehandler.NewError(cachehandler.DatatypeConflict, err, "memstore: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[pk]; !ok {
		s.partitions[pk] = &partition{
			datatype: datatype,
			entries:  map[string]*entry{},
			queries:  map[string]string{},
			statuses: map[string]cachehandler.QueryStatus{},
		}
	}
	return nil
}

func (s *Store) partitionFor(pk string) (*partition, error) {
	p, ok := s.partitions[pk]
	if !ok {
		return nil, cachehandler.NewError(cachehandler.BackendMissing, nil, "memstore: partition key %q not registered", pk)
	}
	return p, nil
}

// SetCache implements cachehandler.Store.
func (s *Store) SetCache(_ context.Context, key string, ids cachehandler.IdentifierSet, pk string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return false, err
	}
	p.entries[key] = &entry{ids: ids, lastSeen: time.Now()}
	return true, nil
}

// Get implements cachehandler.Store.
func (s *Store) Get(_ context.Context, key string, pk string) (cachehandler.IdentifierSet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return cachehandler.IdentifierSet{}, false, err
	}
	e, ok := p.entries[key]
	if !ok || e.isNull {
		return cachehandler.IdentifierSet{}, false, nil
	}
	return e.ids, true, nil
}

// SetNull implements cachehandler.Store.
func (s *Store) SetNull(_ context.Context, key string, pk string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return false, err
	}
	p.entries[key] = &entry{isNull: true, lastSeen: time.Now()}
	return true, nil
}

// IsNull implements cachehandler.Store.
func (s *Store) IsNull(_ context.Context, key string, pk string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return false, err
	}
	e, ok := p.entries[key]
	return ok && e.isNull, nil
}

// Exists implements cachehandler.Store.
func (s *Store) Exists(_ context.Context, key string, pk string, checkQuery bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return false, err
	}
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	if checkQuery {
		return p.statuses[key] == cachehandler.StatusOK, nil
	}
	return true, nil
}

// FilterExistingKeys implements cachehandler.Store.
func (s *Store) FilterExistingKeys(_ context.Context, keys []string, pk string, checkQuery bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if _, ok := p.entries[k]; !ok {
			continue
		}
		if checkQuery && p.statuses[k] != cachehandler.StatusOK {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// GetIntersected implements cachehandler.Store.
func (s *Store) GetIntersected(_ context.Context, keys []string, pk string) (cachehandler.IdentifierSet, int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return cachehandler.IdentifierSet{}, 0, false, err
	}

	var present []cachehandler.IdentifierSet
	for _, k := range keys {
		e, ok := p.entries[k]
		if !ok || e.isNull {
			continue
		}
		present = append(present, e.ids)
	}
	if len(present) == 0 {
		return cachehandler.IdentifierSet{}, 0, false, nil
	}

	switch p.datatype {
	case registry.DatatypeInteger:
		sets := make([][]int64, len(present))
		for i, e := range present {
			sets[i] = e.Ints
		}
		merged := cachehandler.IntersectInt64(sets...)
		if len(merged) == 0 {
			return cachehandler.IdentifierSet{}, len(present), false, nil
		}
		return cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: merged}, len(present), true, nil
	case registry.DatatypeText:
		sets := make([][]string, len(present))
		for i, e := range present {
			sets[i] = e.Texts
		}
		merged := cachehandler.IntersectText(sets...)
		if len(merged) == 0 {
			return cachehandler.IdentifierSet{}, len(present), false, nil
		}
		return cachehandler.IdentifierSet{Datatype: registry.DatatypeText, Texts: merged}, len(present), true, nil
	default:
		return cachehandler.IdentifierSet{}, 0, false, cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "memstore: intersection not implemented for datatype %s", p.datatype)
	}
}

// Delete implements cachehandler.Store.
func (s *Store) Delete(_ context.Context, key string, pk string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return false, err
	}
	_, existed := p.entries[key]
	delete(p.entries, key)
	delete(p.queries, key)
	delete(p.statuses, key)
	return existed, nil
}

// DeletePartition implements cachehandler.Store.
func (s *Store) DeletePartition(_ context.Context, pk string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.partitions[pk]
	delete(s.partitions, pk)
	s.registry.Remove(pk)
	return existed, nil
}

// SetQuery implements cachehandler.Store.
func (s *Store) SetQuery(_ context.Context, key string, text string, pk string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return false, err
	}
	p.queries[key] = text
	p.touch(key)
	return true, nil
}

// GetQuery implements cachehandler.Store.
func (s *Store) GetQuery(_ context.Context, key string, pk string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return "", false, err
	}
	text, ok := p.queries[key]
	return text, ok, nil
}

// GetAllQueries implements cachehandler.Store.
func (s *Store) GetAllQueries(_ context.Context, pk string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(p.queries))
	for k, v := range p.queries {
		out[k] = v
	}
	return out, nil
}

// SetQueryStatus implements cachehandler.Store.
func (s *Store) SetQueryStatus(_ context.Context, key string, pk string, status cachehandler.QueryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return err
	}
	p.statuses[key] = status
	if status == cachehandler.StatusOK {
		p.touch(key)
	}
	return nil
}

// GetQueryStatus implements cachehandler.Store.
func (s *Store) GetQueryStatus(_ context.Context, key string, pk string) (cachehandler.QueryStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return "", false, err
	}
	status, ok := p.statuses[key]
	return status, ok, nil
}

// GetAllKeys implements cachehandler.Store.
func (s *Store) GetAllKeys(_ context.Context, pk string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(p.entries))
	for k := range p.entries {
		out = append(out, k)
	}
	return out, nil
}

// GetPartitionKeys implements cachehandler.Store.
func (s *Store) GetPartitionKeys(_ context.Context) ([]registry.Entry, error) {
	entries := s.registry.List()
	out := make([]registry.Entry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out, nil
}

// Close implements cachehandler.Store. The in-memory backend holds no
// external resources.
func (s *Store) Close() error { return nil }

// ListEntryMeta implements cachehandler.Maintainable.
func (s *Store) ListEntryMeta(_ context.Context, pk string) ([]cachehandler.EntryMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.partitionFor(pk)
	if err != nil {
		return nil, err
	}
	out := make([]cachehandler.EntryMeta, 0, len(p.entries))
	for k, e := range p.entries {
		out = append(out, cachehandler.EntryMeta{
			Key:         k,
			LastSeen:    e.lastSeen.UnixNano(),
			Cardinality: e.ids.Len(),
		})
	}
	return out, nil
}
