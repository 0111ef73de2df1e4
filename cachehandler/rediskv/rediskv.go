// Package rediskv implements cachehandler.Store over Redis, using native
// SET/SINTERSTORE/SADD for the integer and text identifier domains so
// intersection runs inside Redis rather than the application.
package rediskv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/registry"
)

func init() {
	cachehandler.Register("rediskv", cachehandler.FactoryFunc(func(cfg map[string]interface{}) (cachehandler.Store, error) {
		addr, _ := cfg["addr"].(string)
		if addr == "" {
			addr = "localhost:6379"
		}
		password, _ := cfg["password"].(string)
		db, _ := cfg["db"].(int)
		prefix, _ := cfg["prefix"].(string)
		if prefix == "" {
			prefix = "partitioncache"
		}
		client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
		return New(client, prefix), nil
	}))
}

// Store is the Redis realisation of cachehandler.Store.
type Store struct {
	client redis.Cmdable
	prefix string
}

// New wraps an existing redis.Cmdable (a *redis.Client, or a miniredis-backed
// client in tests) as a Store.
func New(client redis.Cmdable, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) registryKey(pk string) string { return fmt.Sprintf("%s:registry:%s", s.prefix, pk) }
func (s *Store) setKey(pk, key string) string { return fmt.Sprintf("%s:set:%s:%s", s.prefix, pk, key) }
func (s *Store) nullKey(pk, key string) string {
	return fmt.Sprintf("%s:null:%s:%s", s.prefix, pk, key)
}
func (s *Store) queryKey(pk, key string) string {
	return fmt.Sprintf("%s:query:%s:%s", s.prefix, pk, key)
}
func (s *Store) statusKey(pk, key string) string {
	return fmt.Sprintf("%s:status:%s:%s", s.prefix, pk, key)
}
func (s *Store) keysIndex(pk string) string { return fmt.Sprintf("%s:keys:%s", s.prefix, pk) }
func (s *Store) seenIndex(pk string) string { return fmt.Sprintf("%s:seen:%s", s.prefix, pk) }
func (s *Store) partitionsIndex() string    { return s.prefix + ":partitions" }
func (s *Store) tmpKey(pk string, suffix int) string {
	return fmt.Sprintf("%s:tmp:%s:%d", s.prefix, pk, suffix)
}

// SupportedDatatypes implements cachehandler.Store. Redis sets only hold
// members comparable by exact string match, so only the integer and text
// domains are accepted; float, timestamp and geometry are not.
func (s *Store) SupportedDatatypes() []registry.Datatype {
	return []registry.Datatype{registry.DatatypeInteger, registry.DatatypeText}
}

// RegisterPartitionKey implements cachehandler.Store.
func (s *Store) RegisterPartitionKey(ctx context.Context, pk string, datatype registry.Datatype, _ map[string]interface{}) error {
	if datatype != registry.DatatypeInteger && datatype != registry.DatatypeText {
		return cachehandler.NewError(cachehandler.UnsupportedDatatype, nil, "rediskv: datatype %s not supported", datatype)
	}
	existing, err := s.client.Get(ctx, s.registryKey(pk)).Result()
	if err == redis.Nil {
		if err := s.client.Set(ctx, s.registryKey(pk), datatype.String(), 0).Err(); err != nil {
			return cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: register %q", pk)
		}
		if err := s.client.SAdd(ctx, s.partitionsIndex(), pk).Err(); err != nil {
			return cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: index partition %q", pk)
		}
		return nil
	}
	if err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: lookup registry for %q", pk)
	}
	if existing != datatype.String() {
		return cachehandler.NewError(cachehandler.DatatypeConflict, nil, "rediskv: partition key %q already registered as %s", pk, existing)
	}
	return nil
}

func (s *Store) datatypeOf(ctx context.Context, pk string) (registry.Datatype, error) {
	name, err := s.client.Get(ctx, s.registryKey(pk)).Result()
	if err == redis.Nil {
		return 0, cachehandler.NewError(cachehandler.BackendMissing, nil, "rediskv: partition key %q not registered", pk)
	}
	if err != nil {
		return 0, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: lookup datatype for %q", pk)
	}
	dt, parseErr := registry.ParseDatatype(name)
	if parseErr != nil {
		return 0, cachehandler.NewError(cachehandler.BackendTransient, parseErr, "rediskv: corrupt registry entry for %q", pk)
	}
	return dt, nil
}

func membersFor(ids cachehandler.IdentifierSet) []string {
	switch ids.Datatype {
	case registry.DatatypeInteger:
		out := make([]string, len(ids.Ints))
		for i, v := range ids.Ints {
			out[i] = strconv.FormatInt(v, 10)
		}
		return out
	case registry.DatatypeText:
		return append([]string(nil), ids.Texts...)
	default:
		return nil
	}
}

func idsFrom(datatype registry.Datatype, members []string) cachehandler.IdentifierSet {
	switch datatype {
	case registry.DatatypeInteger:
		out := make([]int64, 0, len(members))
		for _, m := range members {
			v, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, v)
		}
		return cachehandler.IdentifierSet{Datatype: registry.DatatypeInteger, Ints: out}
	case registry.DatatypeText:
		return cachehandler.IdentifierSet{Datatype: registry.DatatypeText, Texts: members}
	default:
		return cachehandler.IdentifierSet{}
	}
}

// SetCache implements cachehandler.Store.
func (s *Store) SetCache(ctx context.Context, key string, ids cachehandler.IdentifierSet, pk string) (bool, error) {
	if _, err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	setKey := s.setKey(pk, key)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, setKey)
	pipe.Del(ctx, s.nullKey(pk, key))
	members := membersFor(ids)
	if len(members) > 0 {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		pipe.SAdd(ctx, setKey, args...)
	}
	pipe.SAdd(ctx, s.keysIndex(pk), key)
	pipe.HSet(ctx, s.seenIndex(pk), key, time.Now().UnixNano())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: set cache %q/%q", pk, key)
	}
	return true, nil
}

// Get implements cachehandler.Store.
func (s *Store) Get(ctx context.Context, key string, pk string) (cachehandler.IdentifierSet, bool, error) {
	datatype, err := s.datatypeOf(ctx, pk)
	if err != nil {
		return cachehandler.IdentifierSet{}, false, err
	}
	isNull, err := s.client.Exists(ctx, s.nullKey(pk, key)).Result()
	if err != nil {
		return cachehandler.IdentifierSet{}, false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: check null %q/%q", pk, key)
	}
	if isNull > 0 {
		return cachehandler.IdentifierSet{}, false, nil
	}
	exists, err := s.client.Exists(ctx, s.setKey(pk, key)).Result()
	if err != nil {
		return cachehandler.IdentifierSet{}, false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: check exists %q/%q", pk, key)
	}
	if exists == 0 {
		return cachehandler.IdentifierSet{}, false, nil
	}
	members, err := s.client.SMembers(ctx, s.setKey(pk, key)).Result()
	if err != nil {
		return cachehandler.IdentifierSet{}, false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: get %q/%q", pk, key)
	}
	return idsFrom(datatype, members), true, nil
}

// SetNull implements cachehandler.Store.
func (s *Store) SetNull(ctx context.Context, key string, pk string) (bool, error) {
	if _, err := s.datatypeOf(ctx, pk); err != nil {
		return false, err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.setKey(pk, key))
	pipe.Set(ctx, s.nullKey(pk, key), "1", 0)
	pipe.SAdd(ctx, s.keysIndex(pk), key)
	pipe.HSet(ctx, s.seenIndex(pk), key, time.Now().UnixNano())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: set null %q/%q", pk, key)
	}
	return true, nil
}

// IsNull implements cachehandler.Store.
func (s *Store) IsNull(ctx context.Context, key string, pk string) (bool, error) {
	n, err := s.client.Exists(ctx, s.nullKey(pk, key)).Result()
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: check null %q/%q", pk, key)
	}
	return n > 0, nil
}

// Exists implements cachehandler.Store.
func (s *Store) Exists(ctx context.Context, key string, pk string, checkQuery bool) (bool, error) {
	setExists, err := s.client.Exists(ctx, s.setKey(pk, key)).Result()
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: exists %q/%q", pk, key)
	}
	nullExists, err := s.client.Exists(ctx, s.nullKey(pk, key)).Result()
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: exists null %q/%q", pk, key)
	}
	if setExists == 0 && nullExists == 0 {
		return false, nil
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

// GetIntersected implements cachehandler.Store, using SINTERSTORE into a
// scratch key so the intersection runs inside Redis.
func (s *Store) GetIntersected(ctx context.Context, keys []string, pk string) (cachehandler.IdentifierSet, int, bool, error) {
	datatype, err := s.datatypeOf(ctx, pk)
	if err != nil {
		return cachehandler.IdentifierSet{}, 0, false, err
	}

	var present []string
	for _, k := range keys {
		isNull, err := s.client.Exists(ctx, s.nullKey(pk, k)).Result()
		if err != nil {
			return cachehandler.IdentifierSet{}, 0, false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: check null %q/%q", pk, k)
		}
		if isNull > 0 {
			continue
		}
		exists, err := s.client.Exists(ctx, s.setKey(pk, k)).Result()
		if err != nil {
			return cachehandler.IdentifierSet{}, 0, false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: check exists %q/%q", pk, k)
		}
		if exists > 0 {
			present = append(present, s.setKey(pk, k))
		}
	}
	if len(present) == 0 {
		return cachehandler.IdentifierSet{}, 0, false, nil
	}

	scratch := s.tmpKey(pk, int(time.Now().UnixNano()%1_000_000_007))
	defer s.client.Del(ctx, scratch)

	if err := s.client.SInterStore(ctx, scratch, present...).Err(); err != nil {
		return cachehandler.IdentifierSet{}, len(present), false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: intersect %q", pk)
	}
	members, err := s.client.SMembers(ctx, scratch).Result()
	if err != nil {
		return cachehandler.IdentifierSet{}, len(present), false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: read intersection %q", pk)
	}
	if len(members) == 0 {
		return cachehandler.IdentifierSet{}, len(present), false, nil
	}
	return idsFrom(datatype, members), len(present), true, nil
}

// GetIntersectedLazy implements cachehandler.Lazy on top of GetIntersected:
// the intersection is computed in Redis (SINTERSTORE), read back, and
// returned as `SELECT unnest(ARRAY[...])` over the identifiers as literals,
// with single quotes in text identifiers doubled. Redis has no SQL engine to
// push the expression into, so the identifiers pass through the application.
func (s *Store) GetIntersectedLazy(ctx context.Context, keys []string, pk string) (string, int, bool, error) {
	ids, hits, ok, err := s.GetIntersected(ctx, keys, pk)
	if err != nil || !ok {
		return "", hits, ok, err
	}
	members := membersFor(ids)
	out := make([]byte, 0, len(members)*8+24)
	out = append(out, "SELECT unnest(ARRAY["...)
	for i, m := range members {
		if i > 0 {
			out = append(out, ',')
		}
		if ids.Datatype == registry.DatatypeText {
			out = append(out, '\'')
			for _, c := range []byte(m) {
				if c == '\'' {
					out = append(out, '\'')
				}
				out = append(out, c)
			}
			out = append(out, '\'')
		} else {
			out = append(out, []byte(m)...)
		}
	}
	out = append(out, "])"...)
	return string(out), hits, true, nil
}

// SetCacheLazy implements cachehandler.Lazy. Redis cannot execute
// selectSQL, so this backend refuses rather than silently no-op-ing.
func (s *Store) SetCacheLazy(_ context.Context, _ string, _ string, _ string) (bool, error) {
	return false, cachehandler.NewError(cachehandler.UnsafeLazyQuery, nil, "rediskv: lazy SQL insertion is not supported, use SetCache")
}

// Delete implements cachehandler.Store.
func (s *Store) Delete(ctx context.Context, key string, pk string) (bool, error) {
	pipe := s.client.TxPipeline()
	delSet := pipe.Del(ctx, s.setKey(pk, key))
	pipe.Del(ctx, s.nullKey(pk, key))
	pipe.Del(ctx, s.queryKey(pk, key))
	pipe.Del(ctx, s.statusKey(pk, key))
	pipe.SRem(ctx, s.keysIndex(pk), key)
	pipe.HDel(ctx, s.seenIndex(pk), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: delete %q/%q", pk, key)
	}
	return delSet.Val() > 0, nil
}

// DeletePartition implements cachehandler.Store.
func (s *Store) DeletePartition(ctx context.Context, pk string) (bool, error) {
	keys, err := s.client.SMembers(ctx, s.keysIndex(pk)).Result()
	if err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: list keys for partition %q", pk)
	}
	pipe := s.client.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, s.setKey(pk, k))
		pipe.Del(ctx, s.nullKey(pk, k))
		pipe.Del(ctx, s.queryKey(pk, k))
		pipe.Del(ctx, s.statusKey(pk, k))
	}
	pipe.Del(ctx, s.keysIndex(pk))
	pipe.Del(ctx, s.seenIndex(pk))
	regDel := pipe.Del(ctx, s.registryKey(pk))
	pipe.SRem(ctx, s.partitionsIndex(), pk)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: delete partition %q", pk)
	}
	return regDel.Val() > 0, nil
}

// SetQuery implements cachehandler.Store.
func (s *Store) SetQuery(ctx context.Context, key string, text string, pk string) (bool, error) {
	if err := s.client.Set(ctx, s.queryKey(pk, key), text, 0).Err(); err != nil {
		return false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: set query %q/%q", pk, key)
	}
	return true, nil
}

// GetQuery implements cachehandler.Store.
func (s *Store) GetQuery(ctx context.Context, key string, pk string) (string, bool, error) {
	text, err := s.client.Get(ctx, s.queryKey(pk, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: get query %q/%q", pk, key)
	}
	return text, true, nil
}

// GetAllQueries implements cachehandler.Store.
func (s *Store) GetAllQueries(ctx context.Context, pk string) (map[string]string, error) {
	keys, err := s.client.SMembers(ctx, s.keysIndex(pk)).Result()
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: get all queries %q", pk)
	}
	out := map[string]string{}
	for _, k := range keys {
		text, ok, err := s.GetQuery(ctx, k, pk)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = text
		}
	}
	return out, nil
}

// SetQueryStatus implements cachehandler.Store.
func (s *Store) SetQueryStatus(ctx context.Context, key string, pk string, status cachehandler.QueryStatus) error {
	if err := s.client.Set(ctx, s.statusKey(pk, key), string(status), 0).Err(); err != nil {
		return cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: set query status %q/%q", pk, key)
	}
	return nil
}

// GetQueryStatus implements cachehandler.Store.
func (s *Store) GetQueryStatus(ctx context.Context, key string, pk string) (cachehandler.QueryStatus, bool, error) {
	status, err := s.client.Get(ctx, s.statusKey(pk, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: get query status %q/%q", pk, key)
	}
	return cachehandler.QueryStatus(status), true, nil
}

// GetAllKeys implements cachehandler.Store.
func (s *Store) GetAllKeys(ctx context.Context, pk string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.keysIndex(pk)).Result()
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: get all keys %q", pk)
	}
	return keys, nil
}

// GetPartitionKeys implements cachehandler.Store.
func (s *Store) GetPartitionKeys(ctx context.Context) ([]registry.Entry, error) {
	pks, err := s.client.SMembers(ctx, s.partitionsIndex()).Result()
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: get partition keys")
	}
	out := make([]registry.Entry, 0, len(pks))
	for _, pk := range pks {
		dt, err := s.datatypeOf(ctx, pk)
		if err != nil {
			continue
		}
		out = append(out, registry.Entry{PartitionKey: pk, Datatype: dt})
	}
	return out, nil
}

// ListEntryMeta implements cachehandler.Maintainable.
func (s *Store) ListEntryMeta(ctx context.Context, pk string) ([]cachehandler.EntryMeta, error) {
	keys, err := s.client.SMembers(ctx, s.keysIndex(pk)).Result()
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: list entry meta %q", pk)
	}
	seen, err := s.client.HGetAll(ctx, s.seenIndex(pk)).Result()
	if err != nil {
		return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: read last-seen index %q", pk)
	}
	out := make([]cachehandler.EntryMeta, 0, len(keys))
	for _, k := range keys {
		card, err := s.client.SCard(ctx, s.setKey(pk, k)).Result()
		if err != nil {
			return nil, cachehandler.NewError(cachehandler.BackendTransient, err, "rediskv: cardinality %q/%q", pk, k)
		}
		var lastSeen int64
		if v, ok := seen[k]; ok {
			lastSeen, _ = strconv.ParseInt(v, 10, 64)
		}
		out = append(out, cachehandler.EntryMeta{Key: k, LastSeen: lastSeen, Cardinality: int(card)})
	}
	return out, nil
}

// Close implements cachehandler.Store.
func (s *Store) Close() error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
