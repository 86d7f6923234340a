package cache

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrNilClient = errors.New("cache: nil redis client")

const maxWatchRetries = 10

// RedisStorage keeps stores in Redis so several proxy instances can share them.
//
// Layout, relative to the configured prefix:
//
//	stores              sorted set of store names, scored by creation sequence
//	seq                 counter for creation and insertion sequences
//	store:<name>:data   hash of key -> msgpack encoded entry
//	store:<name>:order  sorted set of keys, scored by insertion sequence
type RedisStorage struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

type RedisConfig struct {
	Client goredis.UniversalClient
	// Prefix for all keys written by the storage. Defaults to "offline-cache:".
	Prefix string
	// CloseClient closes the client on Close; set only if the storage exclusively owns it.
	CloseClient bool
}

func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "offline-cache:"
	}
	return &RedisStorage{rdb: cfg.Client, prefix: cfg.Prefix, closeClient: cfg.CloseClient}, nil
}

type redisEntry struct {
	StoredAt int64  `msgpack:"t"`
	Bytes    []byte `msgpack:"b"`
}

func (r *RedisStorage) storesKey() string {
	return r.prefix + "stores"
}

func (r *RedisStorage) seqKey() string {
	return r.prefix + "seq"
}

func (r *RedisStorage) dataKey(name string) string {
	return r.prefix + "store:" + name + ":data"
}

func (r *RedisStorage) orderKey(name string) string {
	return r.prefix + "store:" + name + ":order"
}

func (r *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	seq, err := r.rdb.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return nil, err
	}
	err = r.rdb.ZAddNX(ctx, r.storesKey(), goredis.Z{Score: float64(seq), Member: name}).Err()
	if err != nil {
		return nil, err
	}
	return &redisStore{name: name, r: r}, nil
}

func (r *RedisStorage) Get(ctx context.Context, name string) (Store, bool, error) {
	ok, err := r.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &redisStore{name: name, r: r}, true, nil
}

func (r *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := r.rdb.ZScore(ctx, r.storesKey(), name).Err()
	if err == goredis.Nil {
		return false, nil
	}
	return err == nil, err
}

func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	return r.rdb.ZRange(ctx, r.storesKey(), 0, -1).Result()
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *goredis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.storesKey(), name)
		pipe.Del(ctx, r.dataKey(name), r.orderKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// Close releases the underlying redis client only when this storage owns it.
func (r *RedisStorage) Close() error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

type redisStore struct {
	name string
	r    *RedisStorage
}

func (st *redisStore) Name() string {
	return st.name
}

func (st *redisStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	b, err := st.r.rdb.HGet(ctx, st.r.dataKey(st.name), key).Bytes()
	if err == goredis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var re redisEntry
	if err := msgpack.Unmarshal(b, &re); err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: time.Unix(0, re.StoredAt), Bytes: re.Bytes}, true, nil
}

func (st *redisStore) Put(ctx context.Context, entry Entry) error {
	return st.PutAll(ctx, []Entry{entry})
}

// PutAll writes inside a transaction that watches the store list, so a store
// deleted concurrently is never written to and leaves no orphaned keys.
func (st *redisStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		b, err := msgpack.Marshal(redisEntry{StoredAt: e.StoredAt.UnixNano(), Bytes: e.Bytes})
		if err != nil {
			return err
		}
		values[e.Key] = b
	}
	last, err := st.r.rdb.IncrBy(ctx, st.r.seqKey(), int64(len(entries))).Result()
	if err != nil {
		return err
	}
	first := last - int64(len(entries)) + 1
	members := make([]goredis.Z, len(entries))
	for i, e := range entries {
		members[i] = goredis.Z{Score: float64(first + int64(i)), Member: e.Key}
	}

	write := func(tx *goredis.Tx) error {
		err := tx.ZScore(ctx, st.r.storesKey(), st.name).Err()
		if err == goredis.Nil {
			return ErrStoreNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, st.r.dataKey(st.name), values)
			pipe.ZAdd(ctx, st.r.orderKey(st.name), members...)
			return nil
		})
		return err
	}
	// the store list also changes when other stores are opened; retry those
	for i := 0; i < maxWatchRetries; i++ {
		err = st.r.rdb.Watch(ctx, write, st.r.storesKey())
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (st *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	var removed *goredis.IntCmd
	_, err := st.r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.HDel(ctx, st.r.dataKey(st.name), key)
		pipe.ZRem(ctx, st.r.orderKey(st.name), key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (st *redisStore) Keys(ctx context.Context) ([]string, error) {
	return st.r.rdb.ZRange(ctx, st.r.orderKey(st.name), 0, -1).Result()
}
