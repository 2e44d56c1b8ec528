package ixdb

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/google/btree"
)

const memDegree = 32

type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	closed  bool
	writer  bool
}

// newMemStorage returns a transient in-memory storage. Transactions get
// copy-on-write clones of every bucket, so snapshots are cheap.
func newMemStorage() *memStorage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, ErrClosed
		}
		s.writer = true
	}

	snap := make(map[string]*memBucket, len(s.buckets))
	for k, b := range s.buckets {
		snap[k] = b.clone()
	}
	return &memTx{
		writable: writable,
		base:     s,
		buckets:  snap,
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memBucket
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) Bucket(name string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	b := tx.buckets[name]
	if b == nil {
		return nil
	}
	return memBucketHandle{tx: tx, b: b}
}

func (tx *memTx) CreateBucket(name string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	b := tx.buckets[name]
	if b == nil {
		b = &memBucket{items: newMemTree()}
		tx.buckets[name] = b
	}
	return memBucketHandle{tx: tx, b: b}, nil
}

func (tx *memTx) DeleteBucket(name string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if tx.buckets[name] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, name)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return ErrClosed
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 {
	var n int64
	for _, b := range tx.buckets {
		n += b.size
	}
	return n
}

type memKV struct {
	key   []byte
	value []byte
}

func memKVLess(a, b memKV) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func newMemTree() *btree.BTreeG[memKV] {
	return btree.NewG(memDegree, memKVLess)
}

type memBucket struct {
	items *btree.BTreeG[memKV]
	seq   uint64
	size  int64
}

func (b *memBucket) clone() *memBucket {
	return &memBucket{items: b.items.Clone(), seq: b.seq, size: b.size}
}

type memBucketHandle struct {
	tx *memTx
	b  *memBucket
}

func (b memBucketHandle) Get(key []byte) []byte {
	kv, ok := b.b.items.Get(memKV{key: key})
	if !ok {
		return nil
	}
	return kv.value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	kv := memKV{key: slices.Clone(key), value: slices.Clone(value)}
	if kv.value == nil {
		kv.value = []byte{}
	}
	if old, ok := b.b.items.ReplaceOrInsert(kv); ok {
		b.b.size -= int64(len(old.key) + len(old.value))
	}
	b.b.size += int64(len(kv.key) + len(kv.value))
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if old, ok := b.b.items.Delete(memKV{key: key}); ok {
		b.b.size -= int64(len(old.key) + len(old.value))
	}
	return nil
}

func (b memBucketHandle) NextSequence() (uint64, error) {
	if !b.tx.writable {
		return 0, fmt.Errorf("tx not writable")
	}
	b.b.seq++
	return b.b.seq, nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{h: b}
}

func (b memBucketHandle) Stats() bucketStats {
	return bucketStats{
		KeyN:      b.b.items.Len(),
		LeafInuse: b.b.size,
		LeafAlloc: b.b.size,
	}
}

// memCursor navigates by key rather than by position, so deleting the
// current item leaves Next and Prev well-defined.
type memCursor struct {
	h   memBucketHandle
	key []byte
}

func (c *memCursor) set(kv memKV, ok bool) ([]byte, []byte) {
	if !ok {
		c.key = nil
		return nil, nil
	}
	c.key = kv.key
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.set(c.h.b.items.Min())
}

func (c *memCursor) Last() ([]byte, []byte) {
	return c.set(c.h.b.items.Max())
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	var found memKV
	var ok bool
	c.h.b.items.AscendGreaterOrEqual(memKV{key: seek}, func(kv memKV) bool {
		found, ok = kv, true
		return false
	})
	return c.set(found, ok)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	var found memKV
	var ok bool
	c.h.b.items.AscendGreaterOrEqual(memKV{key: c.key}, func(kv memKV) bool {
		if bytes.Equal(kv.key, c.key) {
			return true
		}
		found, ok = kv, true
		return false
	})
	return c.set(found, ok)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	var found memKV
	var ok bool
	c.h.b.items.DescendLessOrEqual(memKV{key: c.key}, func(kv memKV) bool {
		if bytes.Equal(kv.key, c.key) {
			return true
		}
		found, ok = kv, true
		return false
	})
	return c.set(found, ok)
}

func (c *memCursor) Delete() error {
	if c.key == nil {
		return nil
	}
	return c.h.Delete(c.key)
}
