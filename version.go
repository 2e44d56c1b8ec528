package ixdb

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// storeCell owns an index store handle. Readers hold the cell shared for the
// life of a Version; swapping the underlying store takes it exclusively, so a
// swap waits until every outstanding Version is released.
type storeCell struct {
	mu   sync.RWMutex
	path string // empty for in-memory
	opt  *Options
	st   storage
	gen  atomic.Uint64
}

func openStoreCell(path string, opt *Options) (*storeCell, error) {
	c := &storeCell{path: path, opt: opt}
	st, err := c.open()
	if err != nil {
		return nil, err
	}
	c.st = st
	return c, nil
}

func (c *storeCell) open() (storage, error) {
	if c.path == "" {
		return newMemStorage(), nil
	}
	return openBoltStorage(c.path, c.opt)
}

// storage returns the live store for the single writer. Callers must not
// retain it across swap.
func (c *storeCell) storage() storage {
	return c.st
}

// acquire opens a read snapshot of the current committed state.
func (c *storeCell) acquire() (*Version, error) {
	c.mu.RLock()
	if c.st == nil {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	tx, err := c.st.BeginTx(false)
	if err != nil {
		c.mu.RUnlock()
		return nil, err
	}
	return &Version{cell: c, tx: tx, gen: c.gen.Load()}, nil
}

// swap replaces the store with an empty one, discarding all data.
func (c *storeCell) swap() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return ErrClosed
	}
	if err := c.st.Close(); err != nil {
		return err
	}
	c.st = nil
	if c.path != "" {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("ixdb: removing %s: %w", c.path, err)
		}
	}
	st, err := c.open()
	if err != nil {
		return err
	}
	c.st = st
	c.gen.Add(1)
	return nil
}

func (c *storeCell) bump() {
	c.gen.Add(1)
}

func (c *storeCell) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return nil
	}
	err := c.st.Close()
	c.st = nil
	return err
}

// Version is a read snapshot of an index store. It must be released.
type Version struct {
	cell     *storeCell
	tx       storageTx
	gen      uint64
	released bool
}

// Generation is the number of hard commits (and resets) the store had seen
// when the snapshot was taken.
func (v *Version) Generation() uint64 {
	return v.gen
}

// Size returns the number of index rows visible in the snapshot.
func (v *Version) Size() int {
	t, ok := v.tree(rowsBucket)
	if !ok {
		return 0
	}
	return t.Len()
}

func (v *Version) tree(name string) (tree, bool) {
	b := v.tx.Bucket(name)
	if b == nil {
		return tree{}, false
	}
	return tree{b}, true
}

func (v *Version) Release() {
	if v.released {
		return
	}
	v.released = true
	v.tx.Rollback()
	v.cell.mu.RUnlock()
}
