package ixdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	stagingBucket = "staging"
	checksumLen   = 8
)

// Staging holds the generated form of records between being written by a
// writer or the backfill and being applied to an index. Ids come from a bucket
// sequence, so they are monotonic but may skip values.
//
// Each payload is stored as an xxhash64 checksum followed by the payload.
type Staging struct {
	st     storage
	cache  *lru.Cache[uint64, []byte]
	logger *slog.Logger
}

func newStaging(st storage, cacheSize int, logger *slog.Logger) (*Staging, error) {
	s := &Staging{st: st, logger: logger}
	if cacheSize > 0 {
		s.cache = must(lru.New[uint64, []byte](cacheSize))
	}
	err := s.update(func(b storageBucket) error { return nil })
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Staging) update(f func(b storageBucket) error) error {
	tx, err := s.st.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	b, err := tx.CreateBucket(stagingBucket)
	if err != nil {
		return err
	}
	if err := f(b); err != nil {
		return err
	}
	return tx.Commit()
}

// Stage stores whatever write produces and returns the new payload id.
func (s *Staging) Stage(write func(w io.Writer) error) (uint64, error) {
	var bb bytesBuilder
	bb.Grow(checksumLen)
	if err := write(&bb); err != nil {
		return 0, err
	}
	payload := bb.Buf[checksumLen:]
	binary.BigEndian.PutUint64(bb.Buf, xxhash.Sum64(payload))

	var id uint64
	err := s.update(func(b storageBucket) error {
		var err error
		id, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(u64key(id), bb.Buf)
	})
	if err != nil {
		return 0, stagingErr(id, err)
	}
	if s.cache != nil {
		s.cache.Add(id, payload)
	}
	return id, nil
}

// Get returns a reader over the payload, or a nil reader if id is unknown.
func (s *Staging) Get(id uint64) (io.Reader, error) {
	data, err := s.get(id)
	if data == nil || err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func (s *Staging) get(id uint64) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(id); ok {
			return data, nil
		}
	}

	tx, err := s.st.BeginTx(false)
	if err != nil {
		return nil, stagingErr(id, err)
	}
	defer tx.Rollback()
	b := tx.Bucket(stagingBucket)
	if b == nil {
		return nil, nil
	}
	raw := b.Get(u64key(id))
	if raw == nil {
		return nil, nil
	}
	if len(raw) < checksumLen {
		return nil, stagingErr(id, dataErrf(raw, 0, nil, "payload too short"))
	}
	payload := raw[checksumLen:]
	if sum := binary.BigEndian.Uint64(raw); sum != xxhash.Sum64(payload) {
		return nil, stagingErr(id, dataErrf(raw, 0, nil, "checksum mismatch: stored %016x", sum))
	}
	payload = cloneBytes(payload)
	if s.cache != nil {
		s.cache.Add(id, payload)
	}
	return payload, nil
}

// Delete reclaims the given payloads. Unknown ids are ignored.
func (s *Staging) Delete(ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	if s.cache != nil {
		for _, id := range ids {
			s.cache.Remove(id)
		}
	}
	err := s.update(func(b storageBucket) error {
		for _, id := range ids {
			if err := b.Delete(u64key(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stagingErr(ids[0], err)
	}
	if s.logger != nil && len(ids) > 1 {
		s.logger.Debug("ixdb: reclaimed staged payloads", slog.Int("count", len(ids)))
	}
	return nil
}

// Len returns the number of payloads currently staged.
func (s *Staging) Len() (int, error) {
	tx, err := s.st.BeginTx(false)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	b := tx.Bucket(stagingBucket)
	if b == nil {
		return 0, nil
	}
	return b.Stats().KeyN, nil
}
