// Package h3grid implements cachehandler.SpatialLazy by tessellating each
// geometry's centroid onto Uber's H3 hexagonal grid and storing the
// resulting cell indices instead of the raw geometry. Intersection becomes
// a set operation over cell IDs, and a buffered spatial filter becomes a
// k-ring expansion of the surviving cells, which is far cheaper than
// re-evaluating ST_DWithin against the original geometries.
package h3grid

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/uber/h3-go/v4"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

const defaultResolution = 9

func init() {
	cachehandler.Register("h3grid", cachehandler.FactoryFunc(func(cfg map[string]interface{}) (cachehandler.Store, error) {
		dsn, _ := cfg["dsn"].(string)
		prefix, _ := cfg["table_prefix"].(string)
		if prefix == "" {
			prefix = "partitioncache_h3grid"
		}
		res := defaultResolution
		if v, ok := cfg["resolution"].(int); ok && v != 0 {
			res = v
		}
		return Open(context.Background(), dsn, prefix, res)
	}))
}

// Store is the H3-grid realisation of cachehandler.Store.
type Store struct {
	pool       dbPool
	prefix     string
	resolution int
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

// Open connects to dsn and ensures the backend's tables exist.
func Open(ctx context.Context, dsn, prefix string, resolution int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("h3grid: connect: %w", err)
	}
	return newWithPool(ctx, pool, prefix, resolution)
}

func newWithPool(ctx context.Context, pool dbPool, prefix string, resolution int) (*Store, error) {
	s := &Store{pool: pool, prefix: prefix, resolution: resolution}
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
			datatype TEXT NOT NULL,
			resolution INT NOT NULL
		)`, s.registryTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			is_null BOOLEAN NOT NULL DEFAULT false,
			cells BIGINT[],
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
			return fmt.Errorf("h3grid: ensure schema: %w", err)
		}
	}
	return nil
}

// SupportedDatatypes implements cachehandler.Store.
func (s *Store) SupportedDatatypes() []registry.Datatype {
	return []registry.Datatype{registry.DatatypeGeometry}
}

// RegisterPartitionKey implements cachehandler.Store.
func (s *Store) RegisterPartitionKey(ctx context.Context, pk string, datatype registry.Datatype, opts map[string]interface{}) error {
	if datatype != registry.DatatypeGeometry {
		return cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "h3grid: datatype %s not supported", datatype)
	}
	res := s.resolution
	if v, ok := opts["resolution"].(int); ok && v != 0 {
		res = v
	}
	var existingType string
	var existingRes int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype, resolution FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&existingType, &existingRes)
	if err == pgx.ErrNoRows {
		_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (partition_key, datatype, resolution) VALUES ($1, $2, $3)`, s.registryTable()), pk, datatype.String(), res)
		if err != nil {
			return cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: register %q", pk)
		}
		return nil
	}
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: lookup registry for %q", pk)
	}
	if existingType != datatype.String() {
		return cachehandler.NewError(cachehandler.DatatypeConflict, nil, "h3grid: partition key %q already registered as %s", pk, existingType)
	}
	return nil
}

func (s *Store) resolutionOf(ctx context.Context, pk string) (int, error) {
	var res int
	var name string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT datatype, resolution FROM %s WHERE partition_key = $1`, s.registryTable()), pk).Scan(&name, &res)
	if err == pgx.ErrNoRows {
		return 0, cachehandler.NewError(cachehandler.BackendMissing, nil, "h3grid: partition key %q not registered", pk)
	}
	if err != nil {
		return 0, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: lookup registry for %q", pk)
	}
	return res, nil
}

// cellsFromGeometries decodes each WKB geometry's bounds midpoint as an
// approximate centroid and maps it to an H3 cell at resolution.
func cellsFromGeometries(geometries [][]byte, resolution int) ([]h3.Cell, error) {
	seen := map[h3.Cell]bool{}
	var out []h3.Cell
	for _, raw := range geometries {
		g, err := wkb.Read(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("h3grid: decode wkb: %w", err)
		}
		b := g.Bounds()
		lat := (b.Min(1) + b.Max(1)) / 2
		lng := (b.Min(0) + b.Max(0)) / 2
		cell := h3.LatLngToCell(h3.NewLatLng(lat, lng), resolution)
		if seen[cell] {
			continue
		}
		seen[cell] = true
		out = append(out, cell)
	}
	return out, nil
}

func cellsToInt64(cells []h3.Cell) []int64 {
	out := make([]int64, len(cells))
	for i, c := range cells {
		out[i] = int64(c)
	}
	return out
}

func int64ToCells(vals []int64) []h3.Cell {
	out := make([]h3.Cell, len(vals))
	for i, v := range vals {
		out[i] = h3.Cell(uint64(v))
	}
	return out
}

func intersectCells(sets [][]h3.Cell) []h3.Cell {
	if len(sets) == 0 {
		return nil
	}
	counts := map[h3.Cell]int{}
	for _, set := range sets {
		seen := map[h3.Cell]bool{}
		for _, c := range set {
			if seen[c] {
				continue
			}
			seen[c] = true
			counts[c]++
		}
	}
	var out []h3.Cell
	for c, n := range counts {
		if n == len(sets) {
			out = append(out, c)
		}
	}
	return out
}

// cellBoundaryWKB encodes a single H3 cell's boundary polygon as WKB.
func cellBoundaryWKB(cell h3.Cell, srid int) ([]byte, error) {
	boundary := cell.Boundary()
	flat := make([]float64, 0, (len(boundary)+1)*2)
	for _, v := range boundary {
		flat = append(flat, v.Lng, v.Lat)
	}
	flat = append(flat, boundary[0].Lng, boundary[0].Lat)
	poly := geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}).SetSRID(srid)
	var buf bytes.Buffer
	if err := wkb.Write(&buf, wkb.NDR, poly); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetCache implements cachehandler.Store.
func (s *Store) SetCache(ctx context.Context, key string, ids cachehandler.IdentifierSet, pk string) (bool, error) {
	res, err := s.resolutionOf(ctx, pk)
	if err != nil {
		return false, err
	}
	cells, err := cellsFromGeometries(ids.Geometries, res)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.InvalidQuery, err, "h3grid: set cache %q/%q", pk, key)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, cells, last_seen) VALUES ($1, $2, false, $3, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = false, cells = $3, last_seen = now()
	`, s.cacheTable()), key, pk, cellsToInt64(cells))
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: set cache %q/%q", pk, key)
	}
	return true, nil
}

func (s *Store) getCells(ctx context.Context, key, pk string) ([]h3.Cell, bool, bool, error) {
	var isNull bool
	var vals []int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT is_null, cells FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk).Scan(&isNull, &vals)
	if err == pgx.ErrNoRows {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: get %q/%q", pk, key)
	}
	return int64ToCells(vals), isNull, true, nil
}

func cellsToGeometries(cells []h3.Cell, srid int) ([][]byte, error) {
	out := make([][]byte, 0, len(cells))
	for _, c := range cells {
		b, err := cellBoundaryWKB(c, srid)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Get implements cachehandler.Store.
func (s *Store) Get(ctx context.Context, key string, pk string) (cachehandler.IdentifierSet, bool, error) {
	cells, isNull, present, err := s.getCells(ctx, key, pk)
	if err != nil || !present || isNull {
		return cachehandler.IdentifierSet{}, false, err
	}
	geometries, err := cellsToGeometries(cells, 4326)
	if err != nil {
		return cachehandler.IdentifierSet{}, false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: decode cell boundaries for %q/%q", pk, key)
	}
	return cachehandler.IdentifierSet{Datatype: registry.DatatypeGeometry, Geometries: geometries}, true, nil
}

// SetNull implements cachehandler.Store.
func (s *Store) SetNull(ctx context.Context, key string, pk string) (bool, error) {
	if _, err := s.resolutionOf(ctx, pk); err != nil {
		return false, err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, cells, last_seen) VALUES ($1, $2, true, NULL, now())
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = true, cells = NULL, last_seen = now()
	`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: set null %q/%q", pk, key)
	}
	return true, nil
}

// IsNull implements cachehandler.Store.
func (s *Store) IsNull(ctx context.Context, key string, pk string) (bool, error) {
	_, isNull, present, err := s.getCells(ctx, key, pk)
	return present && isNull, err
}

// Exists implements cachehandler.Store.
func (s *Store) Exists(ctx context.Context, key string, pk string, checkQuery bool) (bool, error) {
	_, _, present, err := s.getCells(ctx, key, pk)
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

// GetIntersected implements cachehandler.Store. Geometries holds the
// boundary polygon of each surviving H3 cell.
func (s *Store) GetIntersected(ctx context.Context, keys []string, pk string) (cachehandler.IdentifierSet, int, bool, error) {
	var sets [][]h3.Cell
	for _, k := range keys {
		cells, isNull, present, err := s.getCells(ctx, k, pk)
		if err != nil {
			return cachehandler.IdentifierSet{}, 0, false, err
		}
		if !present || isNull {
			continue
		}
		sets = append(sets, cells)
	}
	if len(sets) == 0 {
		return cachehandler.IdentifierSet{}, 0, false, nil
	}
	merged := intersectCells(sets)
	if len(merged) == 0 {
		return cachehandler.IdentifierSet{}, len(sets), false, nil
	}
	geometries, err := cellsToGeometries(merged, 4326)
	if err != nil {
		return cachehandler.IdentifierSet{}, len(sets), false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: decode intersected boundaries")
	}
	return cachehandler.IdentifierSet{Datatype: registry.DatatypeGeometry, Geometries: geometries}, len(sets), true, nil
}

// GetSpatialFilter implements cachehandler.SpatialLazy. bufferDistance is
// interpreted as a k-ring radius in grid cells, rounded up, rather than a
// metric distance: H3 has no native metric buffer, only ring expansion.
func (s *Store) GetSpatialFilter(ctx context.Context, keys []string, pk string, bufferDistance float64) ([]byte, int, bool, error) {
	var sets [][]h3.Cell
	for _, k := range keys {
		cells, isNull, present, err := s.getCells(ctx, k, pk)
		if err != nil {
			return nil, 0, false, err
		}
		if !present || isNull {
			continue
		}
		sets = append(sets, cells)
	}
	if len(sets) == 0 {
		return nil, 0, false, nil
	}
	merged := intersectCells(sets)
	if len(merged) == 0 {
		return nil, 0, false, nil
	}

	k := int(bufferDistance)
	if float64(k) < bufferDistance {
		k++
	}
	if k > 0 {
		ringed := map[h3.Cell]bool{}
		for _, c := range merged {
			disk, err := h3.GridDisk(c, k)
			if err != nil {
				return nil, 0, false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: expand grid disk")
			}
			for _, d := range disk {
				ringed[d] = true
			}
		}
		merged = merged[:0]
		for c := range ringed {
			merged = append(merged, c)
		}
	}

	polys, err := cellsToGeometries(merged, 4326)
	if err != nil {
		return nil, 0, false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: encode spatial filter")
	}
	mpoly := geom.NewMultiPolygon(geom.XY).SetSRID(4326)
	for _, raw := range polys {
		g, err := wkb.Read(bytes.NewReader(raw))
		if err != nil {
			return nil, 0, false, err
		}
		poly, ok := g.(*geom.Polygon)
		if !ok {
			continue
		}
		if err := mpoly.Push(poly); err != nil {
			return nil, 0, false, err
		}
	}
	var buf bytes.Buffer
	if err := wkb.Write(&buf, wkb.NDR, mpoly); err != nil {
		return nil, 0, false, err
	}
	return buf.Bytes(), 4326, true, nil
}

// GetSpatialFilterLazy implements cachehandler.SpatialLazy, delegating the
// boundary lookup to the zachasme/h3-pg PostgreSQL extension so the ring
// expansion and union happen server-side rather than round-tripping cells.
func (s *Store) GetSpatialFilterLazy(ctx context.Context, keys []string, pk string, bufferDistance float64) (string, bool, error) {
	var sets [][]h3.Cell
	for _, k := range keys {
		cells, isNull, present, err := s.getCells(ctx, k, pk)
		if err != nil {
			return "", false, err
		}
		if !present || isNull {
			continue
		}
		sets = append(sets, cells)
	}
	if len(sets) == 0 {
		return "", false, nil
	}
	merged := intersectCells(sets)
	if len(merged) == 0 {
		return "", false, nil
	}
	vals := cellsToInt64(merged)
	literals := make([]byte, 0, len(vals)*20)
	for i, v := range vals {
		if i > 0 {
			literals = append(literals, ',')
		}
		literals = append(literals, []byte(fmt.Sprintf("%d", v))...)
	}
	k := int(bufferDistance)
	if float64(k) < bufferDistance {
		k++
	}
	if k > 0 {
		return fmt.Sprintf("SELECT ST_Union(h3_cell_to_boundary_geometry(d)) FROM unnest(ARRAY[%s]::bigint[]) AS c, h3_grid_disk(c, %d) AS d", literals, k), true, nil
	}
	return fmt.Sprintf("SELECT ST_Union(h3_cell_to_boundary_geometry(c)) FROM unnest(ARRAY[%s]::bigint[]) AS c", literals), true, nil
}

// GetIntersectedLazy implements cachehandler.Lazy over the raw cell IDs.
func (s *Store) GetIntersectedLazy(ctx context.Context, keys []string, pk string) (string, int, bool, error) {
	var sets [][]h3.Cell
	for _, k := range keys {
		cells, isNull, present, err := s.getCells(ctx, k, pk)
		if err != nil {
			return "", 0, false, err
		}
		if !present || isNull {
			continue
		}
		sets = append(sets, cells)
	}
	if len(sets) == 0 {
		return "", 0, false, nil
	}
	merged := intersectCells(sets)
	if len(merged) == 0 {
		return "", len(sets), false, nil
	}
	vals := cellsToInt64(merged)
	literals := make([]byte, 0, len(vals)*20)
	for i, v := range vals {
		if i > 0 {
			literals = append(literals, ',')
		}
		literals = append(literals, []byte(fmt.Sprintf("%d", v))...)
	}
	return fmt.Sprintf("SELECT unnest(ARRAY[%s]::bigint[])", literals), len(sets), true, nil
}

// SetCacheLazy implements cachehandler.Lazy by storing the rows selectSQL
// produces directly as cell IDs.
func (s *Store) SetCacheLazy(ctx context.Context, key string, selectSQL string, pk string) (bool, error) {
	if _, err := s.resolutionOf(ctx, pk); err != nil {
		return false, err
	}
	if err := rejectUnsafeLazyQuery(selectSQL); err != nil {
		return false, err
	}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (key, partition_key, is_null, cells, last_seen)
		SELECT $1, $2, false, array_agg(c), now() FROM (%s) AS src(c)
		ON CONFLICT (key, partition_key) DO UPDATE SET is_null = false, cells = excluded.cells, last_seen = now()
	`, s.cacheTable(), selectSQL)
	if _, err := s.pool.Exec(ctx, stmt, key, pk); err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: set cache lazy %q/%q", pk, key)
	}
	return true, nil
}

func rejectUnsafeLazyQuery(sql string) error {
	lower := strings.ToLower(sql)
	for _, kw := range []string{"drop ", "delete ", "insert ", "update ", "alter ", "truncate ", ";"} {
		if strings.Contains(lower, kw) {
			return cachehandler.NewError(cachehandler.UnsafeLazyQuery, nil, "h3grid: lazy query contains unsafe keyword %q", kw)
		}
	}
	return nil
}

// Delete implements cachehandler.Store.
func (s *Store) Delete(ctx context.Context, key string, pk string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.cacheTable()), key, pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: delete %q/%q", pk, key)
	}
	_, _ = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND partition_key = $2`, s.queryTable()), key, pk)
	return tag.RowsAffected() > 0, nil
}

// DeletePartition implements cachehandler.Store.
func (s *Store) DeletePartition(ctx context.Context, pk string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.registryTable()), pk)
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: delete partition %q", pk)
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
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: set query %q/%q", pk, key)
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
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: get query %q/%q", pk, key)
	}
	return *text, true, nil
}

// GetAllQueries implements cachehandler.Store.
func (s *Store) GetAllQueries(ctx context.Context, pk string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key, query_text FROM %s WHERE partition_key = $1`, s.queryTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: get all queries %q", pk)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var key string
		var text *string
		if err := rows.Scan(&key, &text); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: scan query row")
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
		return cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: set query status %q/%q", pk, key)
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
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: get query status %q/%q", pk, key)
	}
	return cachehandler.QueryStatus(*status), true, nil
}

// GetAllKeys implements cachehandler.Store.
func (s *Store) GetAllKeys(ctx context.Context, pk string) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: get all keys %q", pk)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: scan key row")
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetPartitionKeys implements cachehandler.Store.
func (s *Store) GetPartitionKeys(ctx context.Context) ([]registry.Entry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT partition_key, datatype FROM %s`, s.registryTable()))
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: get partition keys")
	}
	defer rows.Close()

	var out []registry.Entry
	for rows.Next() {
		var pk, name string
		if err := rows.Scan(&pk, &name); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: scan registry row")
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
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key, last_seen, cells FROM %s WHERE partition_key = $1`, s.cacheTable()), pk)
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: list entry meta %q", pk)
	}
	defer rows.Close()

	var out []cachehandler.EntryMeta
	for rows.Next() {
		var key string
		var lastSeen time.Time
		var vals []int64
		if err := rows.Scan(&key, &lastSeen, &vals); err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "h3grid: scan entry meta row")
		}
		out = append(out, cachehandler.EntryMeta{Key: key, LastSeen: lastSeen.UnixNano(), Cardinality: len(vals)})
	}
	return out, rows.Err()
}

// Close implements cachehandler.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
