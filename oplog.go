package ixdb

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// EntryType tags an operation log entry.
type EntryType byte

const (
	EntryHardCommit        EntryType = 'C'
	EntryStore             EntryType = 'S'
	EntryDeletion          EntryType = 'D'
	EntryRebuildMax        EntryType = 'M'
	EntryGenerationPointer EntryType = 'G'
)

func (t EntryType) String() string {
	switch t {
	case EntryHardCommit:
		return "HARD_COMMIT"
	case EntryStore:
		return "STORE"
	case EntryDeletion:
		return "DELETION"
	case EntryRebuildMax:
		return "REBUILD_MAX"
	case EntryGenerationPointer:
		return "GENERATION_POINTER"
	default:
		return fmt.Sprintf("0x%02x", byte(t))
	}
}

// IsWork reports whether entries of this type mutate the index.
func (t EntryType) IsWork() bool {
	return t == EntryStore || t == EntryDeletion
}

// LogEntry is one operation log record. DataID is the entity id for work
// entries, the last stored entity id for hard commits, and the source id for
// rebuild markers.
type LogEntry struct {
	Type     EntryType
	DataID   uint64
	StagedID uint64
}

func (e LogEntry) String() string {
	if e.Type == EntryStore {
		return fmt.Sprintf("%v(%d, staged=%d)", e.Type, e.DataID, e.StagedID)
	}
	return fmt.Sprintf("%v(%d)", e.Type, e.DataID)
}

func (e LogEntry) encode() []byte {
	buf := make([]byte, 0, 1+2*10)
	buf = append(buf, byte(e.Type))
	buf = appendUvarint(buf, e.DataID)
	buf = appendUvarint(buf, e.StagedID)
	return buf
}

func decodeLogEntry(raw []byte) (LogEntry, error) {
	d := makeByteDecoder(raw)
	tag, err := d.Byte()
	if err != nil {
		return LogEntry{}, dataErrf(raw, 0, ErrCorruptLogEntry, "empty log entry")
	}
	switch t := EntryType(tag); t {
	case EntryHardCommit, EntryStore, EntryDeletion, EntryRebuildMax, EntryGenerationPointer:
		e := LogEntry{Type: t}
		if e.DataID, err = d.Uvarint(); err != nil {
			return LogEntry{}, dataErrf(raw, d.Off(), ErrCorruptLogEntry, "data id")
		}
		if e.StagedID, err = d.Uvarint(); err != nil {
			return LogEntry{}, dataErrf(raw, d.Off(), ErrCorruptLogEntry, "staged id")
		}
		return e, nil
	default:
		return LogEntry{}, dataErrf(raw, 0, ErrCorruptLogEntry, "unknown log entry tag 0x%02x", tag)
	}
}

// Markers are stored outside the op key space as [opID][entry].
func encodeMarker(op uint64, e LogEntry) []byte {
	return append(u64key(op), e.encode()...)
}

func decodeMarker(raw []byte) (uint64, LogEntry, error) {
	if len(raw) < 8 {
		return 0, LogEntry{}, dataErrf(raw, 0, ErrCorruptLogEntry, "short marker")
	}
	op, _ := decodeU64key(raw[:8])
	e, err := decodeLogEntry(raw[8:])
	return op, e, err
}

var (
	rebuildMaxKey = []byte{byte(EntryRebuildMax)}
	genPointerKey = []byte{byte(EntryGenerationPointer)}
)

// OpLog is the durable, trimmable log of index operations for one index.
//
// Real operations append at the tail. While a rebuild watermark W is set,
// backfill operations append below W, and tail appends land above W, so the
// two streams never collide and numeric order is their total order.
type OpLog struct {
	st       storage
	index    string
	opsName  string
	markName string
	discard  func(stagedIDs []uint64) error
	logger   *slog.Logger
}

func openOpLog(st storage, index string, discard func([]uint64) error, logger *slog.Logger) (*OpLog, error) {
	l := &OpLog{
		st:       st,
		index:    index,
		opsName:  "log/" + index,
		markName: "logm/" + index,
		discard:  discard,
		logger:   logger,
	}
	err := l.update(func(ops, marks tree) error {
		if k, _ := ops.First(); k == nil {
			return ops.Put(u64key(0), LogEntry{Type: EntryHardCommit}.encode())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *OpLog) update(f func(ops, marks tree) error) error {
	tx, err := l.st.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ops, err := tx.CreateBucket(l.opsName)
	if err != nil {
		return err
	}
	marks, err := tx.CreateBucket(l.markName)
	if err != nil {
		return err
	}
	if err := f(tree{ops}, tree{marks}); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *OpLog) view(f func(ops, marks tree) error) error {
	tx, err := l.st.BeginTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ops, marks := tx.Bucket(l.opsName), tx.Bucket(l.markName)
	if ops == nil || marks == nil {
		return fmt.Errorf("ixdb: log %q is missing", l.index)
	}
	return f(tree{ops}, tree{marks})
}

func readMarker(marks tree, key []byte) (uint64, LogEntry, error) {
	raw := marks.Get(key)
	if raw == nil {
		return 0, LogEntry{}, nil
	}
	return decodeMarker(raw)
}

func lastOp(ops tree) (uint64, error) {
	k, _ := ops.Last()
	if k == nil {
		return 0, nil
	}
	return decodeU64key(k)
}

func (l *OpLog) AppendStore(dataID, stagedID uint64) (uint64, error) {
	return l.appendTail(LogEntry{Type: EntryStore, DataID: dataID, StagedID: stagedID})
}

func (l *OpLog) AppendDelete(dataID uint64) (uint64, error) {
	return l.appendTail(LogEntry{Type: EntryDeletion, DataID: dataID})
}

func (l *OpLog) appendTail(e LogEntry) (uint64, error) {
	var op uint64
	err := l.update(func(ops, marks tree) error {
		last, err := lastOp(ops)
		if err != nil {
			return err
		}
		w, _, err := readMarker(marks, rebuildMaxKey)
		if err != nil {
			return err
		}
		op = max(last, w) + 1
		return ops.Put(u64key(op), e.encode())
	})
	if err != nil {
		return 0, err
	}
	return op, nil
}

// AppendRebuild appends a backfill entry right after the largest op below the
// watermark and advances the generation pointer to it. When the new op reaches
// the watermark, both markers are dropped and done is true.
func (l *OpLog) AppendRebuild(dataID, stagedID uint64) (op uint64, done bool, err error) {
	err = l.update(func(ops, marks tree) error {
		w, _, err := readMarker(marks, rebuildMaxKey)
		if err != nil {
			return err
		}
		if w == 0 {
			return ErrBackfillExhausted
		}
		var prev uint64
		if k, _ := ops.Lower(u64key(w)); k != nil {
			if prev, err = decodeU64key(k); err != nil {
				return err
			}
		}
		op = prev + 1
		if err := ops.Put(u64key(op), LogEntry{Type: EntryStore, DataID: dataID, StagedID: stagedID}.encode()); err != nil {
			return err
		}
		if op >= w {
			done = true
			if err := marks.Delete(rebuildMaxKey); err != nil {
				return err
			}
			return marks.Delete(genPointerKey)
		}
		return marks.Put(genPointerKey, encodeMarker(op, LogEntry{Type: EntryGenerationPointer, DataID: dataID}))
	})
	return op, done, err
}

// SetRebuildMax reserves count backfill ops above the current generation
// pointer. A zero count removes the watermark. The log must not contain
// real operations in the reserved range.
func (l *OpLog) SetRebuildMax(count, lastSourceID uint64) error {
	return l.update(func(ops, marks tree) error {
		gp, _, err := readMarker(marks, genPointerKey)
		if err != nil {
			return err
		}
		if err := marks.Delete(rebuildMaxKey); err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		return marks.Put(rebuildMaxKey, encodeMarker(gp+count, LogEntry{Type: EntryRebuildMax, DataID: lastSourceID}))
	})
}

// RebuildMax returns the watermark op and the largest source id the backfill
// must reach, or zeros if no backfill is pending.
func (l *OpLog) RebuildMax() (op, sourceID uint64, err error) {
	err = l.view(func(ops, marks tree) error {
		var e LogEntry
		op, e, err = readMarker(marks, rebuildMaxKey)
		sourceID = e.DataID
		return err
	})
	return
}

func (l *OpLog) GenerationPointer() (op, sourceID uint64, err error) {
	err = l.view(func(ops, marks tree) error {
		var e LogEntry
		op, e, err = readMarker(marks, genPointerKey)
		sourceID = e.DataID
		return err
	})
	return
}

func (l *OpLog) SetGenerationPointer(op, sourceID uint64) error {
	return l.update(func(ops, marks tree) error {
		w, _, err := readMarker(marks, rebuildMaxKey)
		if err != nil {
			return err
		}
		if op > w {
			return fmt.Errorf("%w: generation pointer %d beyond watermark %d", ErrBackfillExhausted, op, w)
		}
		return marks.Put(genPointerKey, encodeMarker(op, LogEntry{Type: EntryGenerationPointer, DataID: sourceID}))
	})
}

func (l *OpLog) RemoveGenerationPointer() error {
	return l.update(func(ops, marks tree) error {
		return marks.Delete(genPointerKey)
	})
}

// FinishRebuild drops the watermark and the generation pointer. Used when the
// source runs out before filling the reserved range.
func (l *OpLog) FinishRebuild() error {
	return l.update(func(ops, marks tree) error {
		if err := marks.Delete(rebuildMaxKey); err != nil {
			return err
		}
		return marks.Delete(genPointerKey)
	})
}

// LastRebuildOp returns the largest op below the watermark, or 0 if no
// backfill is pending.
func (l *OpLog) LastRebuildOp() (uint64, error) {
	var result uint64
	err := l.view(func(ops, marks tree) error {
		w, _, err := readMarker(marks, rebuildMaxKey)
		if err != nil || w == 0 {
			return err
		}
		if k, _ := ops.Lower(u64key(w)); k != nil {
			result, err = decodeU64key(k)
		}
		return err
	})
	return result, err
}

func (l *OpLog) LatestOp() (uint64, error) {
	var result uint64
	err := l.view(func(ops, marks tree) error {
		var err error
		result, err = lastOp(ops)
		return err
	})
	return result, err
}

// LastHardCommit returns the op of the hard commit marker anchoring the log.
func (l *OpLog) LastHardCommit() (uint64, error) {
	var result uint64
	err := l.view(func(ops, marks tree) error {
		k, v := ops.First()
		if k == nil {
			return nil
		}
		e, err := decodeLogEntry(v)
		if err != nil {
			return err
		}
		if e.Type == EntryHardCommit {
			result, err = decodeU64key(k)
		}
		return err
	})
	return result, err
}

// SetLastHardCommit discards every entry at or below id, reclaiming staged
// payloads of discarded stores, and anchors the log with a hard commit at id.
// The hard commit records the last stored entity id seen in the trimmed range.
func (l *OpLog) SetLastHardCommit(id uint64) error {
	var staged []uint64
	err := l.update(func(ops, marks tree) error {
		var lastStored uint64
		for _, k := range ops.keys(nil, u64key(id)) {
			e, err := decodeLogEntry(ops.Get(k))
			if err != nil {
				return err
			}
			switch e.Type {
			case EntryStore:
				staged = append(staged, e.StagedID)
				lastStored = e.DataID
			case EntryHardCommit:
				lastStored = e.DataID
			case EntryDeletion:
			default:
				return dataErrf(k, 0, ErrCorruptLogEntry, "marker %v in op space", e.Type)
			}
			if err := ops.Delete(k); err != nil {
				return err
			}
		}
		return ops.Put(u64key(id), LogEntry{Type: EntryHardCommit, DataID: lastStored}.encode())
	})
	if err != nil {
		return err
	}
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "ixdb: log trimmed", slog.String("index", l.index), slog.Uint64("hc", id), slog.Int("staged", len(staged)))
	return l.reclaim(staged)
}

func (l *OpLog) reclaim(staged []uint64) error {
	if l.discard == nil || len(staged) == 0 {
		return nil
	}
	return l.discard(staged)
}

// LastStoredID walks back from currentOp to the nearest store or hard commit
// and returns its entity id.
func (l *OpLog) LastStoredID(currentOp uint64) (uint64, error) {
	var result uint64
	err := l.view(func(ops, marks tree) error {
		c := ops.cursor()
		for k, v := seekFloor(c, u64key(currentOp)); k != nil; k, v = c.Prev() {
			e, err := decodeLogEntry(v)
			if err != nil {
				return err
			}
			if e.Type == EntryStore || e.Type == EntryHardCommit {
				result = e.DataID
				return nil
			}
		}
		return nil
	})
	return result, err
}

// Clear reclaims every staged payload the log references, then wipes the log
// and its markers and anchors it with a hard commit at 0.
func (l *OpLog) Clear() error {
	var staged []uint64
	err := l.update(func(ops, marks tree) error {
		var derr error
		ops.Ascend(nil, func(k, v []byte) bool {
			e, err := decodeLogEntry(v)
			if err != nil {
				derr = err
				return false
			}
			if e.Type == EntryStore {
				staged = append(staged, e.StagedID)
			}
			return true
		})
		if derr != nil {
			return derr
		}
		for _, k := range ops.keys(nil, nil) {
			if err := ops.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range marks.keys(nil, nil) {
			if err := marks.Delete(k); err != nil {
				return err
			}
		}
		return ops.Put(u64key(0), LogEntry{Type: EntryHardCommit}.encode())
	})
	if err != nil {
		return err
	}
	return l.reclaim(staged)
}

// Iterator returns work entries after op from, in op order.
func (l *OpLog) Iterator(from uint64) *LogIterator {
	return l.IteratorRange(from, math.MaxUint64)
}

// IteratorRange returns work entries in (from, to].
func (l *OpLog) IteratorRange(from, to uint64) *LogIterator {
	return &LogIterator{log: l, after: from, to: to}
}

const logIterBatch = 128

type logItem struct {
	op uint64
	e  LogEntry
}

// LogIterator reads the log in batches, one read transaction per batch, so it
// observes entries appended while iterating.
type LogIterator struct {
	log   *OpLog
	after uint64
	to    uint64
	batch []logItem
	pos   int
	cur   logItem
	err   error
}

func (it *LogIterator) Next() bool {
	for {
		if it.pos < len(it.batch) {
			it.cur = it.batch[it.pos]
			it.pos++
			return true
		}
		if it.err != nil || it.after >= it.to {
			return false
		}
		if !it.refill() {
			return false
		}
	}
}

func (it *LogIterator) refill() bool {
	it.batch, it.pos = it.batch[:0], 0
	var scanned bool
	it.err = it.log.view(func(ops, marks tree) error {
		var derr error
		ops.Ascend(u64key(it.after+1), func(k, v []byte) bool {
			op, err := decodeU64key(k)
			if err != nil {
				derr = err
				return false
			}
			if op > it.to {
				it.after = it.to
				return false
			}
			e, err := decodeLogEntry(v)
			if err != nil {
				derr = err
				return false
			}
			scanned = true
			it.after = op
			if e.Type.IsWork() {
				it.batch = append(it.batch, logItem{op, e})
			}
			return len(it.batch) < logIterBatch
		})
		return derr
	})
	return len(it.batch) > 0 || (it.err == nil && scanned)
}

func (it *LogIterator) Op() uint64      { return it.cur.op }
func (it *LogIterator) Entry() LogEntry { return it.cur.e }
func (it *LogIterator) Err() error      { return it.err }

// Entries calls fn for every op entry from op from onwards, including
// bookkeeping entries, followed by the markers (with their ops).
func (l *OpLog) Entries(from uint64, fn func(op uint64, e LogEntry, marker bool) error) error {
	return l.view(func(ops, marks tree) error {
		var ferr error
		ops.Ascend(u64key(from), func(k, v []byte) bool {
			op, err := decodeU64key(k)
			if err == nil {
				var e LogEntry
				if e, err = decodeLogEntry(v); err == nil {
					err = fn(op, e, false)
				}
			}
			ferr = err
			return err == nil
		})
		if ferr != nil {
			return ferr
		}
		for _, key := range [][]byte{rebuildMaxKey, genPointerKey} {
			op, e, err := readMarker(marks, key)
			if err != nil {
				return err
			}
			if e.Type != 0 {
				if err := fn(op, e, true); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
