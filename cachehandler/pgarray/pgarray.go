// Package pgarray implements cachehandler.Store on top of PostgreSQL native
// arrays: one row per (fingerprint, partition_key), the identifier set held
// directly as a typed column (bigint[], double precision[], text[], or
// timestamptz[]). It is the simplest of the PostgreSQL-backed realisations
// and the one every other SQL backend here is measured against.
package pgarray

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func init() {
	cachehandler.Register("pgarray", cachehandler.FactoryFunc(func(cfg map[string]interface{}) (cachehandler.Store, error) {
		dsn, _ := cfg["dsn"].(string)
		prefix, _ := cfg["table_prefix"].(string)
		if prefix == "" {
			prefix = "partitioncache_array"
		}
		return Open(dsn, prefix)
	}))
}

// Store is the PostgreSQL-array realisation of cachehandler.Store.
type Store struct {
	db     *sql.DB
	prefix string
}

// Open connects to dsn via lib/pq and ensures the backend's tables exist.
func Open(dsn, prefix string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgarray: open: %w", err)
	}
	return newWithDB(db, prefix)
}

func newWithDB(db *sql.DB, prefix string) (*Store, error) {
	s := &Store{db: db, prefix: prefix}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) registryTable() string { return s.prefix + "_registry" }
func (s *Store) cacheTable() string    { return s.prefix + "_cache" }
func (s *Store) queryTable() string    { return s.prefix + "_query" }

func (s *Store) ensureSchema() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			partition_key TEXT PRIMARY KEY,
			datatype TEXT NOT NULL
		)`, s.registryTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			is_null BOOLEAN NOT NULL DEFAULT false,
			ints BIGINT[],
			floats DOUBLE PRECISION[],
			texts TEXT[],
			timestamps TIMESTAMPTZ[],
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
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("pgarray: ensure schema: %w", err)
		}
	}
	return nil
}

// SupportedDatatypes implements cachehandler.Store.
func (s *Store) SupportedDatatypes() []registry.Datatype {
	return []registry.Datatype{
		registry.DatatypeInteger,
		registry.DatatypeFloat,
		registry.DatatypeText,
		registry.DatatypeTimestamp,
	}
}

// RegisterPartitionKey implements cachehandler.Store.
func (s *Store) RegisterPartitionKey(ctx context.Context, pk string, datatype registry.Datatype, _ map[string]interface{}) error {
	switch datatype {
	case registry.DatatypeInteger, registry.DatatypeFloat, registry.DatatypeText, registry.DatatypeTimestamp:
	default:
		return cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "pgarray: datatype %s not supported", datatype)
	}

	var existing string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (partition_key, datatype) VALUES ($1, $2)`, s.registryTable()), pk, datatype.String())
		if err != nil {
			return cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: register %q", pk)
		}
		return nil
	case err != nil:
		return cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: lookup registry for %q", pk)
	case existing != datatype.String():
		return cachehandler.NewError(cachehandler.DatatypeConflict, nil, "pgarray: partition key %q already registered as %s", pk, existing)
	}
	return nil
}

func (s *Store) datatypeOf(ctx context.Context, pk string) (registry.Datatype, error) {
	var name string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, cachehandler.NewError(cachehandler.BackendMissing, nil, "pgarray: partition key %q not registered", pk)
	}
	if err != nil {
		return 0, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: lookup datatype for %q", pk)
	}
	dt, err := registry.ParseDatatype(name)
	if err != nil {
		return 0, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: parse datatype for %q", pk)
	}
	return dt, nil
}

// SetCache implements cachehandler.Store.
func (s *Store) SetCache(ctx context.Context, key string, ids cachehandler.IdentifierSet, pk string) (bool, error) {
	if _, err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, ints, floats, texts, timestamps, last_seen)
		VALUES ($1, $2, false, $3, $4, $5, $6, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET
			is_null = false, ints = $3, floats = $4, texts = $5, timestamps = $6, last_seen = now()
	`, s.cacheTable()), key, pk, pq.Array(ids.Ints), pq.Array(ids.Floats), pq.Array(ids.Texts), pq.Array(ids.Timestamps))
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: set cache %q/%q", pk, key)
	}
	return true, nil
}

// Get implements cachehandler.Store.
func (s *Store) Get(ctx context.Context, key string, pk string) (cachehandler.IdentifierSet, bool, error) {
	dt, err := s.datatypeOf(ctx, pk)
	if err != nil {
		return cachehandler.IdentifierSet{}, false, err
	}

	var isNull bool
	var ints pq.Int64Array
	var floats pq.Float64Array
	var texts pq.StringArray
	var timestamps []time.Time
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT is_null, ints, floats, texts, timestamps FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk)
	if err := row.Scan(&isNull, &ints, &floats, &texts, pq.Array(&timestamps)); err != nil {
		if err == sql.ErrNoRows {
			return cachehandler.IdentifierSet{}, false, nil
		}
		return cachehandler.IdentifierSet{}, false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: get %q/%q", pk, key)
	}
	if isNull {
		return cachehandler.IdentifierSet{}, false, nil
	}
	return rowToSet(dt, ints, floats, texts, timestamps), true, nil
}

func rowToSet(dt registry.Datatype, ints []int64, floats []float64, texts []string, timestamps []time.Time) cachehandler.IdentifierSet {
	switch dt {
	case registry.DatatypeInteger:
		return cachehandler.IdentifierSet{Datatype: dt, Ints: ints}
	case registry.DatatypeFloat:
		return cachehandler.IdentifierSet{Datatype: dt, Floats: floats}
	case registry.DatatypeText:
		return cachehandler.IdentifierSet{Datatype: dt, Texts: texts}
	case registry.DatatypeTimestamp:
		return cachehandler.IdentifierSet{Datatype: dt, Timestamps: timestamps}
	default:
		return cachehandler.IdentifierSet{}
	}
}

// SetNull implements cachehandler.Store.
func (s *Store) SetNull(ctx context.Context, key string, pk string) (bool, error) {
	if _, err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, last_seen) VALUES ($1, $2, true, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = true, ints = NULL, floats = NULL, texts = NULL, timestamps = NULL, last_seen = now()
	`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: set null %q/%q", pk, key)
	}
	return true, nil
}

// IsNull implements cachehandler.Store.
func (s *Store) IsNull(ctx context.Context, key string, pk string) (bool, error) {
	var isNull bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT is_null FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk).Scan(&isNull)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: is null %q/%q", pk, key)
	}
	return isNull, nil
}

// Exists implements cachehandler.Store.
func (s *Store) Exists(ctx context.Context, key string, pk string, checkQuery bool) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk).Scan(&n)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: exists %q/%q", pk, key)
	}
	if n == 0 {
		return false, nil
	}
	if !checkQuery {
		return true, nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: status %q/%q", pk, key)
	}
	return status == string(cachehandler.StatusOK), nil
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

// GetIntersected implements cachehandler.Store. It materialises each
// present entry's array through the application and intersects there; the
// Lazy path below avoids this for large sets.
func (s *Store) GetIntersected(ctx context.Context, keys []string, pk string) (cachehandler.IdentifierSet, int, bool, error) {
	dt, err := s.datatypeOf(ctx, pk)
	if err != nil {
		return cachehandler.IdentifierSet{}, 0, false, err
	}

	var intSets [][]int64
	var textSets [][]string
	hits := 0
	for _, k := range keys {
		ids, ok, err := s.Get(ctx, k, pk)
		if err != nil {
			return cachehandler.IdentifierSet{}, 0, false, err
		}
		if !ok {
			continue
		}
		hits++
		switch dt {
		case registry.DatatypeInteger:
			intSets = append(intSets, ids.Ints)
		case registry.DatatypeText:
			textSets = append(textSets, ids.Texts)
		}
	}
	if hits == 0 {
		return cachehandler.IdentifierSet{}, 0, false, nil
	}

	switch dt {
	case registry.DatatypeInteger:
		merged := cachehandler.IntersectInt64(intSets...)
		if len(merged) == 0 {
			return cachehandler.IdentifierSet{}, hits, false, nil
		}
		return cachehandler.IdentifierSet{Datatype: dt, Ints: merged}, hits, true, nil
	case registry.DatatypeText:
		merged := cachehandler.IntersectText(textSets...)
		if len(merged) == 0 {
			return cachehandler.IdentifierSet{}, hits, false, nil
		}
		return cachehandler.IdentifierSet{Datatype: dt, Texts: merged}, hits, true, nil
	default:
		return cachehandler.IdentifierSet{}, 0, false, cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "pgarray: intersection not implemented for datatype %s", dt)
	}
}

// GetIntersectedLazy implements cachehandler.Lazy, expressing the
// intersection as a SELECT over unnest()'d arrays so the caller can embed it
// as a subquery without round-tripping identifiers through Go.
func (s *Store) GetIntersectedLazy(ctx context.Context, keys []string, pk string) (string, int, bool, error) {
	present, err := s.FilterExistingKeys(ctx, keys, pk, false)
	if err != nil {
		return "", 0, false, err
	}
	if len(present) == 0 {
		return "", 0, false, nil
	}

	dt, err := s.datatypeOf(ctx, pk)
	if err != nil {
		return "", 0, false, err
	}
	column := arrayColumnFor(dt)
	if column == "" {
		return "", 0, false, cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "pgarray: lazy intersection not implemented for datatype %s", dt)
	}

	parts := make([]string, len(present))
	for i, k := range present {
		parts[i] = fmt.Sprintf(`SELECT unnest(%s) AS id FROM %s WHERE key = %s AND partition_key = %s`, column, s.cacheTable(), quoteLiteral(k), quoteLiteral(pk))
	}
	sqlText := "(" + joinIntersect(parts) + ")"
	return sqlText, len(present), true, nil
}

func joinIntersect(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " INTERSECT " + p
	}
	return out
}

func arrayColumnFor(dt registry.Datatype) string {
	switch dt {
	case registry.DatatypeInteger:
		return "ints"
	case registry.DatatypeFloat:
		return "floats"
	case registry.DatatypeText:
		return "texts"
	case registry.DatatypeTimestamp:
		return "timestamps"
	default:
		return ""
	}
}

// SetCacheLazy implements cachehandler.Lazy by aggregating selectSQL's
// result column into the appropriate array column in one INSERT.
func (s *Store) SetCacheLazy(ctx context.Context, key string, selectSQL string, pk string) (bool, error) {
	if err := rejectUnsafeLazyQuery(selectSQL); err != nil {
		return false, err
	}
	dt, err := s.datatypeOf(ctx, pk)
	if err != nil {
		return false, err
	}
	column := arrayColumnFor(dt)
	if column == "" {
		return false, cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "pgarray: lazy insert not implemented for datatype %s", dt)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, %s, last_seen)
		SELECT %s, %s, false, array_agg(id), now() FROM (%s) AS src(id)
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = false, %s = excluded.%s, last_seen = now()
	`, s.cacheTable(), column, quoteLiteral(key), quoteLiteral(pk), selectSQL, column, column)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: set cache lazy %q/%q", pk, key)
	}
	return true, nil
}

// Delete implements cachehandler.Store.
func (s *Store) Delete(ctx context.Context, key string, pk string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: delete %q/%q", pk, key)
	}
	_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk)
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeletePartition implements cachehandler.Store.
func (s *Store) DeletePartition(ctx context.Context, pk string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.registryTable()), pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: delete partition %q", pk)
	}
	_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.queryTable()), pk)
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetQuery implements cachehandler.Store.
func (s *Store) SetQuery(ctx context.Context, key string, text string, pk string) (bool, error) {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, query_text) VALUES ($1, $2, $3)
		ON CONFLICT (key, partition_key) DO UPDATE SET query_text = $3
	`, s.queryTable()), key, pk, text)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: set query %q/%q", pk, key)
	}
	return true, nil
}

// GetQuery implements cachehandler.Store.
func (s *Store) GetQuery(ctx context.Context, key string, pk string) (string, bool, error) {
	var text sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT query_text FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk).Scan(&text)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: get query %q/%q", pk, key)
	}
	return text.String, text.Valid, nil
}

// GetAllQueries implements cachehandler.Store.
func (s *Store) GetAllQueries(ctx context.Context, pk string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, query_text FROM %s WHERE partition_key = $1`, s.queryTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: get all queries %q", pk)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var key string
		var text sql.NullString
		if err := rows.Scan(&key, &text); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: scan query row")
		}
		out[key] = text.String
	}
	return out, rows.Err()
}

// SetQueryStatus implements cachehandler.Store.
func (s *Store) SetQueryStatus(ctx context.Context, key string, pk string, status cachehandler.QueryStatus) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, status) VALUES ($1, $2, $3)
		ON CONFLICT (key, partition_key) DO UPDATE SET status = $3
	`, s.queryTable()), key, pk, string(status))
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: set query status %q/%q", pk, key)
	}
	return nil
}

// GetQueryStatus implements cachehandler.Store.
func (s *Store) GetQueryStatus(ctx context.Context, key string, pk string) (cachehandler.QueryStatus, bool, error) {
	var status sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk).Scan(&status)
	if err == sql.ErrNoRows || (err == nil && !status.Valid) {
		return "", false, nil
	}
	if err != nil {
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: get query status %q/%q", pk, key)
	}
	return cachehandler.QueryStatus(status.String), true, nil
}

// GetAllKeys implements cachehandler.Store.
func (s *Store) GetAllKeys(ctx context.Context, pk string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: get all keys %q", pk)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: scan key row")
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetPartitionKeys implements cachehandler.Store.
func (s *Store) GetPartitionKeys(ctx context.Context) ([]registry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT partition_key, datatype FROM %s`, s.registryTable()))
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: get partition keys")
	}
	defer rows.Close()

	var out []registry.Entry
	for rows.Next() {
		var pk, name string
		if err := rows.Scan(&pk, &name); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: scan registry row")
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
	dt, err := s.datatypeOf(ctx, pk)
	if err != nil {
		return nil, err
	}
	column := arrayColumnFor(dt)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, last_seen, coalesce(array_length(%s, 1), 0) FROM %s WHERE partition_key = $1`, column, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: list entry meta %q", pk)
	}
	defer rows.Close()

	var out []cachehandler.EntryMeta
	for rows.Next() {
		var key string
		var lastSeen time.Time
		var n int
		if err := rows.Scan(&key, &lastSeen, &n); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "pgarray: scan entry meta row")
		}
		out = append(out, cachehandler.EntryMeta{Key: key, LastSeen: lastSeen.UnixNano(), Cardinality: n})
	}
	return out, rows.Err()
}

// Close implements cachehandler.Store.
func (s *Store) Close() error { return s.db.Close() }

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func rejectUnsafeLazyQuery(selectSQL string) error {
	lower := strings.ToLower(selectSQL)
	for _, kw := range []string{"drop ", "delete ", "truncate ", "alter ", "insert ", "update ", ";"} {
		if strings.Contains(lower, kw) {
			return cachehandler.NewError(cachehandler.UnsafeLazyQuery, nil, "pgarray: selectSQL contains disallowed keyword %q", kw)
		}
	}
	return nil
}
