package ixdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	rowsBucket = "rows"
	sideBucket = "side"
	metaBucket = "meta"
)

var hardCommitKey = []byte("hc")

// fieldUpdater applies records to an index store. Writes accumulate in one
// long-lived write transaction that Commit makes durable; the hard commit op
// is stored in the same transaction, so the store and its hard commit always
// agree.
type fieldUpdater struct {
	def    *IndexDef
	cell   *storeCell
	logger *slog.Logger

	tx        storageTx
	applied   uint64 // highest op applied since open
	committed uint64
	pending   int

	subsMu sync.Mutex
	subs   map[int]func(op uint64)
	nextID int
}

func newFieldUpdater(def *IndexDef, cell *storeCell, logger *slog.Logger) (*fieldUpdater, error) {
	u := &fieldUpdater{
		def:    def,
		cell:   cell,
		logger: logger,
		subs:   make(map[int]func(op uint64)),
	}
	if err := u.init(); err != nil {
		return nil, err
	}
	hc, err := u.LastHardCommit()
	if err != nil {
		return nil, err
	}
	u.applied, u.committed = hc, hc
	return u, nil
}

func (u *fieldUpdater) init() error {
	tx, err := u.cell.storage().BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, name := range []string{rowsBucket, sideBucket, metaBucket} {
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (u *fieldUpdater) begin() (storageTx, error) {
	if u.tx == nil {
		tx, err := u.cell.storage().BeginTx(true)
		if err != nil {
			return nil, err
		}
		u.tx = tx
	}
	return u.tx, nil
}

func (u *fieldUpdater) buckets() (rows, side tree, err error) {
	tx, err := u.begin()
	if err != nil {
		return tree{}, tree{}, err
	}
	return tree{tx.Bucket(rowsBucket)}, tree{tx.Bucket(sideBucket)}, nil
}

// Apply replaces whatever rows the entity had with the rows of the record
// read from r. Applying the same op twice leaves the same state.
func (u *fieldUpdater) Apply(op, id uint64, r io.Reader) error {
	rec, err := decodeRecord(u.def, r)
	if err != nil {
		return indexErrf(u.def.name, op, id, err, "apply")
	}
	return u.applyRecord(op, id, rec)
}

func (u *fieldUpdater) applyRecord(op, id uint64, rec *Record) error {
	rows, side, err := u.buckets()
	if err != nil {
		return err
	}
	if err := u.removeRows(rows, side, id); err != nil {
		return indexErrf(u.def.name, op, id, err, "apply")
	}

	// Bolt keeps references to keys and values until commit, so each row
	// gets its own key slice.
	sortVal := appendTuple(nil, rec.Sort)
	err = expandKeys(rec.Keys, func(combo []Value) error {
		return rows.Put(appendRowKey(nil, combo, id), sortVal)
	})
	if err != nil {
		return indexErrf(u.def.name, op, id, err, "apply")
	}

	sideVal, err := msgpack.Marshal(rec.Keys)
	if err != nil {
		return indexErrf(u.def.name, op, id, err, "apply")
	}
	if err := side.Put(u64key(id), sideVal); err != nil {
		return indexErrf(u.def.name, op, id, err, "apply")
	}
	return u.advance(op)
}

// Delete removes every row of the entity and its side entry.
func (u *fieldUpdater) Delete(op, id uint64) error {
	rows, side, err := u.buckets()
	if err != nil {
		return err
	}
	if err := u.removeRows(rows, side, id); err != nil {
		return indexErrf(u.def.name, op, id, err, "delete")
	}
	if err := side.Delete(u64key(id)); err != nil {
		return indexErrf(u.def.name, op, id, err, "delete")
	}
	return u.advance(op)
}

func (u *fieldUpdater) removeRows(rows, side tree, id uint64) error {
	raw := side.Get(u64key(id))
	if raw == nil {
		return nil
	}
	var old [][]Value
	if err := msgpack.Unmarshal(raw, &old); err != nil {
		return dataErrf(raw, 0, err, "side entry")
	}
	key := getKeyBytes()
	defer func() { releaseKeyBytes(key) }()
	return expandKeys(old, func(combo []Value) error {
		key = appendRowKey(key[:0], combo, id)
		return rows.Delete(key)
	})
}

func (u *fieldUpdater) advance(op uint64) error {
	if op > u.applied {
		u.applied = op
	}
	u.pending++
	return nil
}

func appendRowKey(buf []byte, combo []Value, id uint64) []byte {
	buf = appendTuple(buf, combo)
	return Uint(id).AppendTo(buf)
}

// expandKeys calls fn with every combination of per-field values, iterating
// like an odometer. Any field without values yields no combinations.
func expandKeys(keys [][]Value, fn func(combo []Value) error) error {
	for _, vals := range keys {
		if len(vals) == 0 {
			return nil
		}
	}
	idx := make([]int, len(keys))
	combo := make([]Value, len(keys))
	for {
		for i, vals := range keys {
			combo[i] = vals[idx[i]]
		}
		if err := fn(combo); err != nil {
			return err
		}
		i := len(keys) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(keys[i]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return nil
		}
	}
}

// Pending returns the number of ops applied since the last hard commit.
func (u *fieldUpdater) Pending() int {
	return u.pending
}

// Commit durably records everything applied so far, with the highest applied
// op as the hard commit, and notifies subscribers.
func (u *fieldUpdater) Commit() error {
	if u.tx == nil {
		return nil
	}
	tx := u.tx
	u.tx = nil
	defer tx.Rollback()
	meta := tx.Bucket(metaBucket)
	err := meta.Put(hardCommitKey, u64key(u.applied))
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		op := u.applied
		u.applied, u.pending = u.committed, 0
		return indexErrf(u.def.name, op, 0, err, "commit")
	}
	u.pending = 0
	u.committed = u.applied
	u.cell.bump()

	hc := u.applied
	u.logger.LogAttrs(context.Background(), slog.LevelDebug, "ixdb: hard commit", slog.String("index", u.def.name), slog.Uint64("hc", hc))

	u.subsMu.Lock()
	subs := make([]func(uint64), 0, len(u.subs))
	for _, fn := range u.subs {
		subs = append(subs, fn)
	}
	u.subsMu.Unlock()
	for _, fn := range subs {
		fn(hc)
	}
	return nil
}

// Rollback discards everything applied since the last hard commit.
func (u *fieldUpdater) Rollback() {
	if u.tx != nil {
		u.tx.Rollback()
		u.tx = nil
	}
	u.applied = u.committed
	u.pending = 0
}

func (u *fieldUpdater) OnHardCommit(fn func(op uint64)) func() {
	u.subsMu.Lock()
	defer u.subsMu.Unlock()
	id := u.nextID
	u.nextID++
	u.subs[id] = fn
	return func() {
		u.subsMu.Lock()
		defer u.subsMu.Unlock()
		delete(u.subs, id)
	}
}

// LastHardCommit reads the durable hard commit op, 0 if nothing was ever
// committed.
func (u *fieldUpdater) LastHardCommit() (uint64, error) {
	v, err := u.cell.acquire()
	if err != nil {
		return 0, err
	}
	defer v.Release()
	meta, ok := v.tree(metaBucket)
	if !ok {
		return 0, nil
	}
	raw := meta.Get(hardCommitKey)
	if raw == nil {
		return 0, nil
	}
	return decodeU64key(raw)
}

// Clear drops all index data by swapping in a fresh store.
func (u *fieldUpdater) Clear() error {
	u.Rollback()
	if err := u.cell.swap(); err != nil {
		return fmt.Errorf("index %q: clear: %w", u.def.name, err)
	}
	u.applied, u.committed = 0, 0
	return u.init()
}

// Get returns the key values stored for an entity, or nil if it has no side
// entry. It reads committed state.
func (u *fieldUpdater) Get(id uint64) ([][]Value, error) {
	v, err := u.cell.acquire()
	if err != nil {
		return nil, err
	}
	defer v.Release()
	side, ok := v.tree(sideBucket)
	if !ok {
		return nil, nil
	}
	raw := side.Get(u64key(id))
	if raw == nil {
		return nil, nil
	}
	var keys [][]Value
	if err := msgpack.NewDecoder(bytes.NewReader(raw)).Decode(&keys); err != nil {
		return nil, dataErrf(raw, 0, err, "side entry")
	}
	return keys, nil
}

var _ Updater = (*fieldUpdater)(nil)
