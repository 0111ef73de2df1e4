// Package pgroaring implements cachehandler.Store using a Roaring bitmap per
// (fingerprint, partition_key) entry, serialised into a PostgreSQL BYTEA
// column. Roaring compresses large, sparse or clustered integer identifier
// domains far better than a flat bit-vector (cachehandler/pgbit), at the
// cost of needing a full deserialise before any set operation.
package pgroaring

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func init() {
	cachehandler.Register("pgroaring", cachehandler.FactoryFunc(func(cfg map[string]interface{}) (cachehandler.Store, error) {
		dsn, _ := cfg["dsn"].(string)
		prefix, _ := cfg["table_prefix"].(string)
		if prefix == "" {
			prefix = "partitioncache_roaring"
		}
		return Open(context.Background(), dsn, prefix)
	}))
}

// Store is the Roaring-bitmap realisation of cachehandler.Store.
type Store struct {
	pool   dbPool
	prefix string
}

// dbPool narrows *pgxpool.Pool to the surface this backend exercises, so
// tests substitute pgxmock instead of a live database.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

// Open connects to dsn and ensures the backend's tables exist.
func Open(ctx context.Context, dsn, prefix string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgroaring: connect: %w", err)
	}
	return newWithPool(ctx, pool, prefix)
}

func newWithPool(ctx context.Context, pool dbPool, prefix string) (*Store, error) {
	s := &Store{pool: pool, prefix: prefix}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) registryTable() string { return s.prefix + "_registry" }
func (s *Store) cacheTable() string    { return s.prefix + "_cache" }
func (s *Store) queryTable() string    { return s.prefix + "_query" }

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			partition_key TEXT PRIMARY KEY,
			datatype TEXT NOT NULL
		)`, s.registryTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			is_null BOOLEAN NOT NULL DEFAULT false,
			bitmap BYTEA,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (key, partition_key)
		)`, s.cacheTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			query_text TEXT,
			status TEXT,
			PRIMARY KEY (key, partition_key)
		)`, s.queryTable()),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgroaring: ensure schema: %w", err)
		}
	}
	return nil
}

// SupportedDatatypes implements cachehandler.Store. Roaring bitmaps index
// uint32 values, so only the integer identifier domain applies.
func (s *Store) SupportedDatatypes() []registry.Datatype {
	return []registry.Datatype{registry.DatatypeInteger}
}

// RegisterPartitionKey implements cachehandler.Store.
func (s *Store) RegisterPartitionKey(ctx context.Context, pk string, datatype registry.Datatype, _ map[string]interface{}) error {
	if datatype != registry.DatatypeInteger {
		return cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "pgroaring: datatype %s not supported", datatype)
	}
	var existing string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&existing)
	if err == pgx.ErrNoRows {
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (partition_key, datatype) VALUES ($1, $2)`, s.registryTable()), pk, datatype.String())
		if err != nil {
			return cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: register %q", pk)
		}
		return nil
	}
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: lookup registry for %q", pk)
	}
	if existing != datatype.String() {
		return cachehandler.NewError(cachehandler.DatatypeConflict, nil, "pgroaring: partition key %q already registered as %s", pk, existing)
	}
	return nil
}

func (s *Store) datatypeOf(ctx context.Context, pk string) error {
	var name string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&name)
	if err == pgx.ErrNoRows {
		return cachehandler.NewError(cachehandler.BackendMissing, nil, "pgroaring: partition key %q not registered", pk)
	}
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: lookup datatype for %q", pk)
	}
	return nil
}

func bitmapFromInts(ids []int64) (*roaring.Bitmap, error) {
	bm := roaring.New()
	for _, v := range ids {
		if v < 0 || v > int64(^uint32(0)) {
			return nil, cachehandler.NewError(cachehandler.DomainOverflow, nil, "pgroaring: identifier %d out of uint32 range", v)
		}
		bm.Add(uint32(v))
	}
	return bm, nil
}

func serializeBitmap(bm *roaring.Bitmap) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeBitmap(raw []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(raw) == 0 {
		return bm, nil
	}
	if _, err := bm.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return bm, nil
}

func intsFromBitmap(bm *roaring.Bitmap) []int64 {
	vals := bm.ToArray()
	out := make([]int64, len(vals))
	for i, v := range vals {
		out[i] = int64(v)
	}
	return out
}

// SetCache implements cachehandler.Store.
func (s *Store) SetCache(ctx context.Context, key string, ids cachehandler.IdentifierSet, pk string) (bool, error) {
	if err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	bm, err := bitmapFromInts(ids.Ints)
	if err != nil {
		return false, err
	}
	raw, err := serializeBitmap(bm)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: serialise bitmap for %q/%q", pk, key)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, bitmap, last_seen) VALUES ($1, $2, false, $3, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = false, bitmap = $3, last_seen = now()
	`, s.cacheTable()), key, pk, raw)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: set cache %q/%q", pk, key)
	}
	return true, nil
}

func (s *Store) getBitmap(ctx context.Context, key, pk string) (*roaring.Bitmap, bool, bool, error) {
	var isNull bool
	var raw []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT is_null, bitmap FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk).Scan(&isNull, &raw)
	if err == pgx.ErrNoRows {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: get %q/%q", pk, key)
	}
	if isNull {
		return nil, true, true, nil
	}
	bm, err := deserializeBitmap(raw)
	if err != nil {
		return nil, false, false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: deserialise bitmap for %q/%q", pk, key)
	}
	return bm, false, true, nil
}

// Get implements cachehandler.Store.
func (s *Store) Get(ctx context.Context, key string, pk string) (cachehandler.IdentifierSet, bool, error) {
	bm, isNull, present, err := s.getBitmap(ctx, key, pk)
	if err != nil || !present || isNull {
		return cachehandler.IdentifierSet{}, false, err
	}
	return cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: intsFromBitmap(bm)}, true, nil
}

// SetNull implements cachehandler.Store.
func (s *Store) SetNull(ctx context.Context, key string, pk string) (bool, error) {
	if err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, bitmap, last_seen) VALUES ($1, $2, true, NULL, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = true, bitmap = NULL, last_seen = now()
	`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: set null %q/%q", pk, key)
	}
	return true, nil
}

// IsNull implements cachehandler.Store.
func (s *Store) IsNull(ctx context.Context, key string, pk string) (bool, error) {
	_, isNull, present, err := s.getBitmap(ctx, key, pk)
	return present && isNull, err
}

// Exists implements cachehandler.Store.
func (s *Store) Exists(ctx context.Context, key string, pk string, checkQuery bool) (bool, error) {
	_, _, present, err := s.getBitmap(ctx, key, pk)
	if err != nil || !present {
		return false, err
	}
	if !checkQuery {
		return true, nil
	}
	status, ok, err := s.GetQueryStatus(ctx, key, pk)
	if err != nil {
		return false, err
	}
	return ok && status == cachehandler.StatusOK, nil
}

// FilterExistingKeys implements cachehandler.Store.
func (s *Store) FilterExistingKeys(ctx context.Context, keys []string, pk string, checkQuery bool) ([]string, error) {
	var out []string
	for _, k := range keys {
		ok, err := s.Exists(ctx, k, pk, checkQuery)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// GetIntersected implements cachehandler.Store.
func (s *Store) GetIntersected(ctx context.Context, keys []string, pk string) (cachehandler.IdentifierSet, int, bool, error) {
	var merged *roaring.Bitmap
	hits := 0
	for _, k := range keys {
		bm, isNull, present, err := s.getBitmap(ctx, k, pk)
		if err != nil {
			return cachehandler.IdentifierSet{}, 0, false, err
		}
		if !present || isNull {
			continue
		}
		hits++
		if merged == nil {
			merged = bm
			continue
		}
		merged.And(bm)
	}
	if merged == nil || merged.IsEmpty() {
		return cachehandler.IdentifierSet{}, hits, false, nil
	}
	return cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: intsFromBitmap(merged)}, hits, true, nil
}

// Delete implements cachehandler.Store.
func (s *Store) Delete(ctx context.Context, key string, pk string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: delete %q/%q", pk, key)
	}
	_, _ = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk)
	return tag.RowsAffected() > 0, nil
}

// DeletePartition implements cachehandler.Store.
func (s *Store) DeletePartition(ctx context.Context, pk string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.registryTable()), pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: delete partition %q", pk)
	}
	_, _ = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	_, _ = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.queryTable()), pk)
	return tag.RowsAffected() > 0, nil
}

// SetQuery implements cachehandler.Store.
func (s *Store) SetQuery(ctx context.Context, key string, text string, pk string) (bool, error) {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, query_text) VALUES ($1, $2, $3)
		ON CONFLICT (key, partition_key) DO UPDATE SET query_text = $3
	`, s.queryTable()), key, pk, text)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: set query %q/%q", pk, key)
	}
	return true, nil
}

// GetQuery implements cachehandler.Store.
func (s *Store) GetQuery(ctx context.Context, key string, pk string) (string, bool, error) {
	var text *string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT query_text FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk).Scan(&text)
	if err == pgx.ErrNoRows || (err == nil && text == nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: get query %q/%q", pk, key)
	}
	return *text, true, nil
}

// GetAllQueries implements cachehandler.Store.
func (s *Store) GetAllQueries(ctx context.Context, pk string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key, query_text FROM %s WHERE partition_key = $1`, s.queryTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: get all queries %q", pk)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var key string
		var text *string
		if err := rows.Scan(&key, &text); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: scan query row")
		}
		if text != nil {
			out[key] = *text
		}
	}
	return out, rows.Err()
}

// SetQueryStatus implements cachehandler.Store.
func (s *Store) SetQueryStatus(ctx context.Context, key string, pk string, status cachehandler.QueryStatus) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, status) VALUES ($1, $2, $3)
		ON CONFLICT (key, partition_key) DO UPDATE SET status = $3
	`, s.queryTable()), key, pk, string(status))
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: set query status %q/%q", pk, key)
	}
	return nil
}

// GetQueryStatus implements cachehandler.Store.
func (s *Store) GetQueryStatus(ctx context.Context, key string, pk string) (cachehandler.QueryStatus, bool, error) {
	var status *string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk).Scan(&status)
	if err == pgx.ErrNoRows || (err == nil && status == nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: get query status %q/%q", pk, key)
	}
	return cachehandler.QueryStatus(*status), true, nil
}

// GetAllKeys implements cachehandler.Store.
func (s *Store) GetAllKeys(ctx context.Context, pk string) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: get all keys %q", pk)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: scan key row")
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetPartitionKeys implements cachehandler.Store.
func (s *Store) GetPartitionKeys(ctx context.Context) ([]registry.Entry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT partition_key, datatype FROM %s`, s.registryTable()))
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: get partition keys")
	}
	defer rows.Close()

	var out []registry.Entry
	for rows.Next() {
		var pk, name string
		if err := rows.Scan(&pk, &name); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: scan registry row")
		}
		dt, err := registry.ParseDatatype(name)
		if err != nil {
			continue
		}
		out = append(out, registry.Entry{PartitionKey: pk, Datatype: dt})
	}
	return out, rows.Err()
}

// ListEntryMeta implements cachehandler.Maintainable.
func (s *Store) ListEntryMeta(ctx context.Context, pk string) ([]cachehandler.EntryMeta, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key, last_seen, bitmap FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: list entry meta %q", pk)
	}
	defer rows.Close()

	var out []cachehandler.EntryMeta
	for rows.Next() {
		var key string
		var lastSeen time.Time
		var raw []byte
		if err := rows.Scan(&key, &lastSeen, &raw); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgroaring: scan entry meta row")
		}
		bm, err := deserializeBitmap(raw)
		card := 0
		if err == nil {
			card = int(bm.GetCardinality())
		}
		out = append(out, cachehandler.EntryMeta{Key: key, LastSeen: lastSeen.UnixNano(), Cardinality: card})
	}
	return out, rows.Err()
}

// Close implements cachehandler.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
