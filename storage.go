package ixdb

import "errors"

// ErrBucketNotFound is returned by storageTx.DeleteBucket when the bucket doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

// storage is a sorted key-value backend: bbolt on disk, or a btree in memory.
type storage interface {
	// BeginTx starts a new transaction. At most one writable transaction is
	// open at a time; read transactions see a stable snapshot.
	BeginTx(writable bool) (storageTx, error)
	Close() error
}

type storageTx interface {
	Writable() bool

	// Bucket returns nil if the bucket doesn't exist.
	Bucket(name string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (storageBucket, error)

	DeleteBucket(name string) error

	Commit() error

	// Rollback aborts the transaction. It is safe to call multiple times,
	// including after Commit.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown / not applicable).
	Size() int64
}

// storageBucket is a sorted key-value collection. Returned slices are only
// valid for the life of the transaction.
type storageBucket interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	Cursor() storageCursor

	// NextSequence returns an autoincrementing integer for the bucket.
	NextSequence() (uint64, error)

	Stats() bucketStats
}

type bucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s bucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// storageCursor iterates over a sorted bucket. All methods return nil keys
// when the cursor runs off either end.
type storageCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	Next() (key, value []byte)
	Prev() (key, value []byte)

	// Delete deletes the current key-value pair.
	Delete() error
}
