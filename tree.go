package ixdb

import "bytes"

// tree is a sorted map view over a storage bucket with the navigation the
// log and the query executor rely on.
type tree struct {
	b storageBucket
}

func (t tree) Get(k []byte) []byte   { return t.b.Get(k) }
func (t tree) Put(k, v []byte) error { return t.b.Put(k, v) }
func (t tree) Delete(k []byte) error { return t.b.Delete(k) }
func (t tree) First() (k, v []byte)  { return t.b.Cursor().First() }
func (t tree) Last() (k, v []byte)   { return t.b.Cursor().Last() }
func (t tree) Len() int              { return t.b.Stats().KeyN }
func (t tree) cursor() storageCursor { return t.b.Cursor() }

// Lower returns the greatest key strictly less than key.
func (t tree) Lower(key []byte) (k, v []byte) {
	c := t.b.Cursor()
	k, v = c.Seek(key)
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

// Ascend calls fn for every key >= from in order until fn returns false.
// A nil from starts at the first key.
func (t tree) Ascend(from []byte, fn func(k, v []byte) bool) {
	c := t.b.Cursor()
	var k, v []byte
	if from == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(from)
	}
	for ; k != nil; k, v = c.Next() {
		if !fn(k, v) {
			return
		}
	}
}

// keys collects keys in [from, to] inclusive; to == nil means unbounded.
// Deleting collected keys afterwards avoids mutating under a live cursor.
func (t tree) keys(from, to []byte) [][]byte {
	var result [][]byte
	t.Ascend(from, func(k, _ []byte) bool {
		if to != nil && bytes.Compare(k, to) > 0 {
			return false
		}
		result = append(result, cloneBytes(k))
		return true
	})
	return result
}

// seekFloor positions c at the greatest key <= key.
func seekFloor(c storageCursor, key []byte) (k, v []byte) {
	k, v = c.Seek(key)
	if k == nil {
		return c.Last()
	}
	if bytes.Equal(k, key) {
		return k, v
	}
	return c.Prev()
}
