package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Database is the key-value store backing ledger, bank and API state.
// Writes that must land together go through a Batch.
type Database interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Keys returns every key that starts with prefix, in ascending order.
	Keys(prefix []byte) ([][]byte, error)
	NewBatch() Batch
	Close() error
}

// Batch collects writes that are applied atomically by Write.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Len() int
	Write() error
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.data[string(key)]
	return ok, nil
}

func (db *MemDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) Keys(prefix []byte) ([][]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	p := string(prefix)
	var keys []string
	for k := range db.data {
		if len(k) >= len(p) && k[:len(p)] == p {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

func (db *MemDB) NewBatch() Batch { return &memBatch{db: db} }

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() error { return nil }

type memOp struct {
	key    string
	value  []byte
	delete bool
}

type memBatch struct {
	db  *MemDB
	ops []memOp
}

func (b *memBatch) Put(key, value []byte) {
	b.ops = append(b.ops, memOp{key: string(key), value: append([]byte(nil), value...)})
}

func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{key: string(key), delete: true})
}

func (b *memBatch) Len() int { return len(b.ops) }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.data, op.key)
			continue
		}
		b.db.data[op.key] = op.value
	}
	return nil
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.db.Has(key, nil)
}

func (ldb *LevelDB) Put(key, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) Keys(prefix []byte) ([][]byte, error) {
	iter := ldb.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	return keys, iter.Error()
}

func (ldb *LevelDB) NewBatch() Batch {
	return &levelBatch{db: ldb.db, batch: new(leveldb.Batch)}
}

// Close closes the database connection.
func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}

type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelBatch) Put(key, value []byte) { b.batch.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.batch.Delete(key) }
func (b *levelBatch) Len() int              { return b.batch.Len() }
func (b *levelBatch) Write() error          { return b.db.Write(b.batch, nil) }
