// Package geombox implements cachehandler.SpatialLazy by storing each
// entry's raw WKB geometries in PostgreSQL/PostGIS and reducing
// intersection to an axis-aligned bounding-box overlap, buffered by the
// caller's requested distance. It trades precision for a filter PostGIS can
// evaluate with a plain "&&" bounding-box index lookup.
package geombox

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func init() {
	cachehandler.Register("geombox", cachehandler.FactoryFunc(func(cfg map[string]interface{}) (cachehandler.Store, error) {
		dsn, _ := cfg["dsn"].(string)
		prefix, _ := cfg["table_prefix"].(string)
		if prefix == "" {
			prefix = "partitioncache_geombox"
		}
		srid := 4326
		if v, ok := cfg["srid"].(int); ok && v != 0 {
			srid = v
		}
		return Open(context.Background(), dsn, prefix, srid)
	}))
}

// Store is the bounding-box realisation of cachehandler.Store.
type Store struct {
	pool   dbPool
	prefix string
	srid   int
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

// Open connects to dsn and ensures the backend's tables exist.
func Open(ctx context.Context, dsn, prefix string, srid int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("geombox: connect: %w", err)
	}
	return newWithPool(ctx, pool, prefix, srid)
}

func newWithPool(ctx context.Context, pool dbPool, prefix string, srid int) (*Store, error) {
	s := &Store{pool: pool, prefix: prefix, srid: srid}
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
			min_x DOUBLE PRECISION,
			min_y DOUBLE PRECISION,
			max_x DOUBLE PRECISION,
			max_y DOUBLE PRECISION,
			geometries BYTEA[],
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
			return fmt.Errorf("geombox: ensure schema: %w", err)
		}
	}
	return nil
}

// SupportedDatatypes implements cachehandler.Store.
func (s *Store) SupportedDatatypes() []registry.Datatype {
	return []registry.Datatype{registry.DatatypeGeometry}
}

// RegisterPartitionKey implements cachehandler.Store.
func (s *Store) RegisterPartitionKey(ctx context.Context, pk string, datatype registry.Datatype, _ map[string]interface{}) error {
	if datatype != registry.DatatypeGeometry {
		return cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "geombox: datatype %s not supported", datatype)
	}
	var existing string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&existing)
	if err == pgx.ErrNoRows {
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (partition_key, datatype) VALUES ($1, $2)`, s.registryTable()), pk, datatype.String())
		if err != nil {
			return cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: register %q", pk)
		}
		return nil
	}
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: lookup registry for %q", pk)
	}
	if existing != datatype.String() {
		return cachehandler.NewError(cachehandler.DatatypeConflict, nil, "geombox: partition key %q already registered as %s", pk, existing)
	}
	return nil
}

func (s *Store) datatypeOf(ctx context.Context, pk string) error {
	var name string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&name)
	if err == pgx.ErrNoRows {
		return cachehandler.NewError(cachehandler.BackendMissing, nil, "geombox: partition key %q not registered", pk)
	}
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: lookup datatype for %q", pk)
	}
	return nil
}

type bbox struct{ minX, minY, maxX, maxY float64 }

func boundsOf(geometries [][]byte) (bbox, error) {
	b := bbox{minX: math.Inf(1), minY: math.Inf(1), maxX: math.Inf(-1), maxY: math.Inf(-1)}
	for _, raw := range geometries {
		g, err := wkb.Read(bytes.NewReader(raw))
		if err != nil {
			return bbox{}, fmt.Errorf("geombox: decode wkb: %w", err)
		}
		gb := g.Bounds()
		if gb.Min(0) < b.minX {
			b.minX = gb.Min(0)
		}
		if gb.Min(1) < b.minY {
			b.minY = gb.Min(1)
		}
		if gb.Max(0) > b.maxX {
			b.maxX = gb.Max(0)
		}
		if gb.Max(1) > b.maxY {
			b.maxY = gb.Max(1)
		}
	}
	return b, nil
}

func (b bbox) valid() bool { return b.minX <= b.maxX && b.minY <= b.maxY }

func (b bbox) buffered(d float64) bbox {
	return bbox{minX: b.minX - d, minY: b.minY - d, maxX: b.maxX + d, maxY: b.maxY + d}
}

func (b bbox) intersect(o bbox) (bbox, bool) {
	r := bbox{
		minX: math.Max(b.minX, o.minX),
		minY: math.Max(b.minY, o.minY),
		maxX: math.Min(b.maxX, o.maxX),
		maxY: math.Min(b.maxY, o.maxY),
	}
	return r, r.valid()
}

func (b bbox) polygonWKB(layout geom.Layout, srid int) ([]byte, error) {
	ring := []float64{
		b.minX, b.minY,
		b.maxX, b.minY,
		b.maxX, b.maxY,
		b.minX, b.maxY,
		b.minX, b.minY,
	}
	poly := geom.NewPolygonFlat(layout, ring, []int{len(ring)}).SetSRID(srid)
	var buf bytes.Buffer
	if err := wkb.Write(&buf, wkb.NDR, poly); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetCache implements cachehandler.Store.
func (s *Store) SetCache(ctx context.Context, key string, ids cachehandler.IdentifierSet, pk string) (bool, error) {
	if err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	b, err := boundsOf(ids.Geometries)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.InvalidQuery, err, "geombox: set cache %q/%q", pk, key)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, min_x, min_y, max_x, max_y, geometries, last_seen)
		VALUES ($1, $2, false, $3, $4, $5, $6, $7, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = false, min_x = $3, min_y = $4, max_x = $5, max_y = $6, geometries = $7, last_seen = now()
	`, s.cacheTable()), key, pk, b.minX, b.minY, b.maxX, b.maxY, ids.Geometries)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: set cache %q/%q", pk, key)
	}
	return true, nil
}

type row struct {
	isNull      bool
	bbox        bbox
	geometries  [][]byte
	present     bool
}

func (s *Store) getRow(ctx context.Context, key, pk string) (row, error) {
	var isNull bool
	var minX, minY, maxX, maxY *float64
	var geometries [][]byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT is_null, min_x, min_y, max_x, max_y, geometries FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk).
		Scan(&isNull, &minX, &minY, &maxX, &maxY, &geometries)
	if err == pgx.ErrNoRows {
		return row{}, nil
	}
	if err != nil {
		return row{}, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: get %q/%q", pk, key)
	}
	r := row{isNull: isNull, present: true, geometries: geometries}
	if minX != nil {
		r.bbox = bbox{minX: *minX, minY: *minY, maxX: *maxX, maxY: *maxY}
	}
	return r, nil
}

// Get implements cachehandler.Store.
func (s *Store) Get(ctx context.Context, key string, pk string) (cachehandler.IdentifierSet, bool, error) {
	r, err := s.getRow(ctx, key, pk)
	if err != nil || !r.present || r.isNull {
		return cachehandler.IdentifierSet{}, false, err
	}
	return cachehandler.IdentifierSet{Datatype: registry.DatatypeGeometry, Geometries: r.geometries}, true, nil
}

// SetNull implements cachehandler.Store.
func (s *Store) SetNull(ctx context.Context, key string, pk string) (bool, error) {
	if err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, geometries, last_seen) VALUES ($1, $2, true, NULL, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = true, min_x = NULL, min_y = NULL, max_x = NULL, max_y = NULL, geometries = NULL, last_seen = now()
	`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: set null %q/%q", pk, key)
	}
	return true, nil
}

// IsNull implements cachehandler.Store.
func (s *Store) IsNull(ctx context.Context, key string, pk string) (bool, error) {
	r, err := s.getRow(ctx, key, pk)
	return r.present && r.isNull, err
}

// Exists implements cachehandler.Store.
func (s *Store) Exists(ctx context.Context, key string, pk string, checkQuery bool) (bool, error) {
	r, err := s.getRow(ctx, key, pk)
	if err != nil || !r.present {
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

// GetIntersected implements cachehandler.Store. The result's Geometries
// field holds a single WKB polygon: the overlapping bounding box across
// every present, non-NULL entry.
func (s *Store) GetIntersected(ctx context.Context, keys []string, pk string) (cachehandler.IdentifierSet, int, bool, error) {
	var acc bbox
	hits := 0
	for _, k := range keys {
		r, err := s.getRow(ctx, k, pk)
		if err != nil {
			return cachehandler.IdentifierSet{}, 0, false, err
		}
		if !r.present || r.isNull {
			continue
		}
		if hits == 0 {
			acc = r.bbox
		} else {
			var ok bool
			acc, ok = acc.intersect(r.bbox)
			if !ok {
				return cachehandler.IdentifierSet{}, hits + 1, false, nil
			}
		}
		hits++
	}
	if hits == 0 {
		return cachehandler.IdentifierSet{}, 0, false, nil
	}
	wkbBytes, err := acc.polygonWKB(geom.XY, s.srid)
	if err != nil {
		return cachehandler.IdentifierSet{}, hits, false, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: encode intersection polygon")
	}
	return cachehandler.IdentifierSet{Datatype: registry.DatatypeGeometry, Geometries: [][]byte{wkbBytes}}, hits, true, nil
}

// GetSpatialFilter implements cachehandler.SpatialLazy.
func (s *Store) GetSpatialFilter(ctx context.Context, keys []string, pk string, bufferDistance float64) ([]byte, int, bool, error) {
	ids, _, ok, err := s.GetIntersected(ctx, keys, pk)
	if err != nil || !ok {
		return nil, 0, ok, err
	}
	b, err := boundsOf(ids.Geometries)
	if err != nil {
		return nil, 0, false, err
	}
	if bufferDistance > 0 {
		b = b.buffered(bufferDistance)
	}
	wkbBytes, err := b.polygonWKB(geom.XY, s.srid)
	if err != nil {
		return nil, 0, false, err
	}
	return wkbBytes, s.srid, true, nil
}

// GetSpatialFilterLazy implements cachehandler.SpatialLazy, expressing the
// buffered bounding box as a PostGIS expression evaluated server-side.
func (s *Store) GetSpatialFilterLazy(ctx context.Context, keys []string, pk string, bufferDistance float64) (string, bool, error) {
	wkbBytes, srid, ok, err := s.GetSpatialFilter(ctx, keys, pk, bufferDistance)
	if err != nil || !ok {
		return "", ok, err
	}
	return fmt.Sprintf("ST_GeomFromWKB('\\x%x', %d)", wkbBytes, srid), true, nil
}

// GetIntersectedLazy implements cachehandler.Lazy by delegating to the
// bounding-box intersection and expressing it as a PostGIS literal.
func (s *Store) GetIntersectedLazy(ctx context.Context, keys []string, pk string) (string, int, bool, error) {
	ids, hits, ok, err := s.GetIntersected(ctx, keys, pk)
	if err != nil || !ok {
		return "", hits, ok, err
	}
	return fmt.Sprintf("SELECT ST_GeomFromWKB('\\x%x', %d)", ids.Geometries[0], s.srid), hits, true, nil
}

// SetCacheLazy implements cachehandler.Lazy. Unlike the set-based backends,
// geombox has no application-level identifier to materialise from selectSQL
// alone without also knowing which geometry column to read, so it refuses
// with UnsafeLazyQuery rather than guessing a column name.
func (s *Store) SetCacheLazy(ctx context.Context, key string, selectSQL string, pk string) (bool, error) {
	return false, cachehandler.NewError(cachehandler.UnsafeLazyQuery, nil, "geombox: lazy insert requires an explicit geometry column, use SetCache")
}

// Delete implements cachehandler.Store.
func (s *Store) Delete(ctx context.Context, key string, pk string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: delete %q/%q", pk, key)
	}
	_, _ = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk)
	return tag.RowsAffected() > 0, nil
}

// DeletePartition implements cachehandler.Store.
func (s *Store) DeletePartition(ctx context.Context, pk string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.registryTable()), pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: delete partition %q", pk)
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
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: set query %q/%q", pk, key)
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
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: get query %q/%q", pk, key)
	}
	return *text, true, nil
}

// GetAllQueries implements cachehandler.Store.
func (s *Store) GetAllQueries(ctx context.Context, pk string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key, query_text FROM %s WHERE partition_key = $1`, s.queryTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: get all queries %q", pk)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var key string
		var text *string
		if err := rows.Scan(&key, &text); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: scan query row")
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
		return cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: set query status %q/%q", pk, key)
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
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: get query status %q/%q", pk, key)
	}
	return cachehandler.QueryStatus(*status), true, nil
}

// GetAllKeys implements cachehandler.Store.
func (s *Store) GetAllKeys(ctx context.Context, pk string) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: get all keys %q", pk)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: scan key row")
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetPartitionKeys implements cachehandler.Store.
func (s *Store) GetPartitionKeys(ctx context.Context) ([]registry.Entry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT partition_key, datatype FROM %s`, s.registryTable()))
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: get partition keys")
	}
	defer rows.Close()

	var out []registry.Entry
	for rows.Next() {
		var pk, name string
		if err := rows.Scan(&pk, &name); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: scan registry row")
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
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key, last_seen, geometries FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: list entry meta %q", pk)
	}
	defer rows.Close()

	var out []cachehandler.EntryMeta
	for rows.Next() {
		var key string
		var lastSeen time.Time
		var geometries [][]byte
		if err := rows.Scan(&key, &lastSeen, &geometries); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "geombox: scan entry meta row")
		}
		out = append(out, cachehandler.EntryMeta{Key: key, LastSeen: lastSeen.UnixNano(), Cardinality: len(geometries)})
	}
	return out, rows.Err()
}

// Close implements cachehandler.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
