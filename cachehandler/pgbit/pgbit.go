// Package pgbit implements cachehandler.Store as a PostgreSQL bit-vector:
// one BYTEA column per (fingerprint, partition_key) row, each bit position
// corresponding to one identifier. Intersection is a byte-wise AND rather
// than a per-application set operation, and growing a partition's bit width
// is serialised with a session-level advisory lock (pg_advisory_lock) so two concurrent
// writers never race on the registered bitsize.
package pgbit

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func init() {
	cachehandler.Register("pgbit", cachehandler.FactoryFunc(func(cfg map[string]interface{}) (cachehandler.Store, error) {
		dsn, _ := cfg["dsn"].(string)
		prefix, _ := cfg["table_prefix"].(string)
		if prefix == "" {
			prefix = "partitioncache_bit"
		}
		return Open(context.Background(), dsn, prefix)
	}))
}

// Store is the bit-vector realisation of cachehandler.Store.
type Store struct {
	pool   dbPool
	prefix string
}

// Open connects to dsn and ensures the backend's tables exist.
func Open(ctx context.Context, dsn, prefix string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgbit: connect: %w", err)
	}
	return newWithPool(ctx, pool, prefix)
}

func newWithPool(ctx context.Context, pool dbPool, prefix string) (*Store, error) {
	s := &Store{prefix: prefix}
	s.pool = pool
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// dbPool narrows *pgxpool.Pool to what this backend needs, the same
// substitution point dbprocessor uses to unit-test against pgxmock rather
// than a live database.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

func (s *Store) registryTable() string { return s.prefix + "_registry" }
func (s *Store) cacheTable() string    { return s.prefix + "_cache" }
func (s *Store) queryTable() string    { return s.prefix + "_query" }

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			partition_key TEXT PRIMARY KEY,
			datatype TEXT NOT NULL,
			bitsize INT NOT NULL DEFAULT 0
		)`, s.registryTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			is_null BOOLEAN NOT NULL DEFAULT false,
			bits BYTEA,
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
			return fmt.Errorf("pgbit: ensure schema: %w", err)
		}
	}
	return nil
}

// advisoryLockKey derives a stable int64 key for pg_advisory_lock from
// pk, so bitsize growth on different partitions never contends.
func advisoryLockKey(pk string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(pk))
	return int64(h.Sum64())
}

// SupportedDatatypes implements cachehandler.Store. The bit-vector backend
// only has a meaningful encoding for integer identifier domains.
func (s *Store) SupportedDatatypes() []registry.Datatype {
	return []registry.Datatype{registry.DatatypeInteger}
}

// RegisterPartitionKey implements cachehandler.Store. opts["bitsize"] sets
// the initial bit width; it only ever grows on later calls.
func (s *Store) RegisterPartitionKey(ctx context.Context, pk string, datatype registry.Datatype, opts map[string]interface{}) error {
	if datatype != registry.DatatypeInteger {
		return cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "pgbit: datatype %s not supported", datatype)
	}
	bitsize := 0
	if v, ok := opts["bitsize"].(int); ok {
		bitsize = v
	}

	tx, err := s.beginAdvisory(ctx, pk)
	if err != nil {
		return err
	}
	defer tx.rollback(ctx)

	var existingType string
	var existingSize int
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype, bitsize FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&existingType, &existingSize)
	if err == pgx.ErrNoRows {
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (partition_key, datatype, bitsize) VALUES ($1, $2, $3)`, s.registryTable()), pk, datatype.String(), bitsize)
		if err != nil {
			return cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: register %q", pk)
		}
		return tx.commit(ctx)
	}
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: lookup registry for %q", pk)
	}
	if existingType != datatype.String() {
		return cachehandler.NewError(cachehandler.DatatypeConflict, nil, "pgbit: partition key %q already registered as %s", pk, existingType)
	}
	if bitsize > existingSize {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET bitsize = $1 WHERE partition_key = $2`, s.registryTable()), bitsize, pk); err != nil {
			return cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: grow bitsize for %q", pk)
		}
	}
	return tx.commit(ctx)
}

// advisoryTx is a thin wrapper so RegisterPartitionKey's single-connection
// advisory lock acquisition reads like the transactional commit/rollback
// pattern used elsewhere, without requiring a full pgx.Tx from the narrowed
// dbPool interface.
type advisoryTx struct {
	pool  dbPool
	key   int64
	ctx   context.Context
	ended bool
}

func (s *Store) beginAdvisory(ctx context.Context, pk string) (*advisoryTx, error) {
	key := advisoryLockKey(pk)
	if _, err := s.pool.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: acquire advisory lock for %q", pk)
	}
	return &advisoryTx{pool: s.pool, key: key, ctx: ctx}, nil
}

func (t *advisoryTx) commit(ctx context.Context) error {
	if t.ended {
		return nil
	}
	t.ended = true
	_, err := t.pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, t.key)
	return err
}

func (t *advisoryTx) rollback(ctx context.Context) {
	if t.ended {
		return
	}
	t.ended = true
	_, _ = t.pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, t.key)
}

func (s *Store) datatypeOf(ctx context.Context, pk string) error {
	var name string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&name)
	if err == pgx.ErrNoRows {
		return cachehandler.NewError(cachehandler.BackendMissing, nil, "pgbit: partition key %q not registered", pk)
	}
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: lookup datatype for %q", pk)
	}
	return nil
}

// bitsetFromInts encodes ids as a byte slice with one bit set per value.
func bitsetFromInts(ids []int64) []byte {
	max := int64(-1)
	for _, v := range ids {
		if v > max {
			max = v
		}
	}
	if max < 0 {
		return nil
	}
	out := make([]byte, max/8+1)
	for _, v := range ids {
		out[v/8] |= 1 << uint(v%8)
	}
	return out
}

// intsFromBitset decodes a bit-vector byte slice back into sorted positions.
func intsFromBitset(bits []byte) []int64 {
	var out []int64
	for i, b := range bits {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				out = append(out, int64(i)*8+int64(bit))
			}
		}
	}
	return out
}

func andBitsets(sets [][]byte) []byte {
	if len(sets) == 0 {
		return nil
	}
	minLen := len(sets[0])
	for _, s := range sets[1:] {
		if len(s) < minLen {
			minLen = len(s)
		}
	}
	out := make([]byte, minLen)
	for i := 0; i < minLen; i++ {
		b := byte(0xFF)
		for _, s := range sets {
			b &= s[i]
		}
		out[i] = b
	}
	return out
}

// SetCache implements cachehandler.Store.
func (s *Store) SetCache(ctx context.Context, key string, ids cachehandler.IdentifierSet, pk string) (bool, error) {
	if err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	bits := bitsetFromInts(ids.Ints)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, bits, last_seen) VALUES ($1, $2, false, $3, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = false, bits = $3, last_seen = now()
	`, s.cacheTable()), key, pk, bits)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: set cache %q/%q", pk, key)
	}
	return true, nil
}

func (s *Store) getBits(ctx context.Context, key, pk string) ([]byte, bool, bool, error) {
	var isNull bool
	var bits []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT is_null, bits FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk).Scan(&isNull, &bits)
	if err == pgx.ErrNoRows {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: get %q/%q", pk, key)
	}
	return bits, isNull, true, nil
}

// Get implements cachehandler.Store.
func (s *Store) Get(ctx context.Context, key string, pk string) (cachehandler.IdentifierSet, bool, error) {
	bits, isNull, present, err := s.getBits(ctx, key, pk)
	if err != nil || !present || isNull {
		return cachehandler.IdentifierSet{}, false, err
	}
	return cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: intsFromBitset(bits)}, true, nil
}

// SetNull implements cachehandler.Store.
func (s *Store) SetNull(ctx context.Context, key string, pk string) (bool, error) {
	if err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, bits, last_seen) VALUES ($1, $2, true, NULL, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = true, bits = NULL, last_seen = now()
	`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: set null %q/%q", pk, key)
	}
	return true, nil
}

// IsNull implements cachehandler.Store.
func (s *Store) IsNull(ctx context.Context, key string, pk string) (bool, error) {
	_, isNull, present, err := s.getBits(ctx, key, pk)
	return present && isNull, err
}

// Exists implements cachehandler.Store.
func (s *Store) Exists(ctx context.Context, key string, pk string, checkQuery bool) (bool, error) {
	_, _, present, err := s.getBits(ctx, key, pk)
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
	var sets [][]byte
	for _, k := range keys {
		bits, isNull, present, err := s.getBits(ctx, k, pk)
		if err != nil {
			return cachehandler.IdentifierSet{}, 0, false, err
		}
		if !present || isNull {
			continue
		}
		sets = append(sets, bits)
	}
	if len(sets) == 0 {
		return cachehandler.IdentifierSet{}, 0, false, nil
	}
	merged := intsFromBitset(andBitsets(sets))
	if len(merged) == 0 {
		return cachehandler.IdentifierSet{}, len(sets), false, nil
	}
	return cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: merged}, len(sets), true, nil
}

// Delete implements cachehandler.Store.
func (s *Store) Delete(ctx context.Context, key string, pk string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: delete %q/%q", pk, key)
	}
	_, _ = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk)
	return tag.RowsAffected() > 0, nil
}

// DeletePartition implements cachehandler.Store.
func (s *Store) DeletePartition(ctx context.Context, pk string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.registryTable()), pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: delete partition %q", pk)
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
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: set query %q/%q", pk, key)
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
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: get query %q/%q", pk, key)
	}
	return *text, true, nil
}

// GetAllQueries implements cachehandler.Store.
func (s *Store) GetAllQueries(ctx context.Context, pk string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key, query_text FROM %s WHERE partition_key = $1`, s.queryTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: get all queries %q", pk)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var key string
		var text *string
		if err := rows.Scan(&key, &text); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: scan query row")
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
		return cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: set query status %q/%q", pk, key)
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
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: get query status %q/%q", pk, key)
	}
	return cachehandler.QueryStatus(*status), true, nil
}

// GetAllKeys implements cachehandler.Store.
func (s *Store) GetAllKeys(ctx context.Context, pk string) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: get all keys %q", pk)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: scan key row")
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetPartitionKeys implements cachehandler.Store.
func (s *Store) GetPartitionKeys(ctx context.Context) ([]registry.Entry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT partition_key, datatype, bitsize FROM %s`, s.registryTable()))
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: get partition keys")
	}
	defer rows.Close()

	var out []registry.Entry
	for rows.Next() {
		var pk, name string
		var bitsize int
		if err := rows.Scan(&pk, &name, &bitsize); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: scan registry row")
		}
		dt, err := registry.ParseDatatype(name)
		if err != nil {
			continue
		}
		out = append(out, registry.Entry{PartitionKey: pk, Datatype: dt, Bitsize: bitsize})
	}
	return out, rows.Err()
}

// ListEntryMeta implements cachehandler.Maintainable.
func (s *Store) ListEntryMeta(ctx context.Context, pk string) ([]cachehandler.EntryMeta, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key, last_seen, bits FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: list entry meta %q", pk)
	}
	defer rows.Close()

	var out []cachehandler.EntryMeta
	for rows.Next() {
		var key string
		var lastSeen time.Time
		var bits []byte
		if err := rows.Scan(&key, &lastSeen, &bits); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgbit: scan entry meta row")
		}
		out = append(out, cachehandler.EntryMeta{Key: key, LastSeen: lastSeen.UnixNano(), Cardinality: len(intsFromBitset(bits))})
	}
	return out, rows.Err()
}

// Close implements cachehandler.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
