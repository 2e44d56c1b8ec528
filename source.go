package ixdb

import (
	"slices"
	"sync"
)

// Source is the primary data a backfill regenerates an index from.
type Source interface {
	// Size returns the number of objects.
	Size() uint64
	// LargestID returns the largest object id, 0 if empty.
	LargestID() uint64
	// Iterate calls fn for every object with minExcl < id <= maxIncl in id
	// order, stopping at the first error fn returns.
	Iterate(minExcl, maxIncl uint64, fn func(id uint64, obj any) error) error
}

type sliceItem struct {
	ID  uint64
	Obj any
}

// SliceSource is a Source over objects appended in increasing id order.
type SliceSource struct {
	items []sliceItem
}

func (s *SliceSource) Add(id uint64, obj any) {
	if n := len(s.items); n > 0 && s.items[n-1].ID >= id {
		panic("SliceSource ids must be increasing")
	}
	s.items = append(s.items, sliceItem{id, obj})
}

func (s *SliceSource) Size() uint64 { return uint64(len(s.items)) }

func (s *SliceSource) LargestID() uint64 {
	if len(s.items) == 0 {
		return 0
	}
	return s.items[len(s.items)-1].ID
}

func (s *SliceSource) Iterate(minExcl, maxIncl uint64, fn func(id uint64, obj any) error) error {
	i, _ := slices.BinarySearchFunc(s.items, minExcl+1, func(it sliceItem, id uint64) int {
		switch {
		case it.ID < id:
			return -1
		case it.ID > id:
			return 1
		}
		return 0
	})
	for ; i < len(s.items) && s.items[i].ID <= maxIncl; i++ {
		if err := fn(s.items[i].ID, s.items[i].Obj); err != nil {
			return err
		}
	}
	return nil
}

// MapSource is a mutable, concurrency-safe Source, convenient when the same
// objects are also written through Index.Put.
type MapSource struct {
	mu   sync.RWMutex
	objs map[uint64]any
}

func NewMapSource() *MapSource {
	return &MapSource{objs: make(map[uint64]any)}
}

func (s *MapSource) Put(id uint64, obj any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[id] = obj
}

func (s *MapSource) Delete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objs, id)
}

func (s *MapSource) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.objs))
}

func (s *MapSource) LargestID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result uint64
	for id := range s.objs {
		result = max(result, id)
	}
	return result
}

func (s *MapSource) Iterate(minExcl, maxIncl uint64, fn func(id uint64, obj any) error) error {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.objs))
	for id := range s.objs {
		if id > minExcl && id <= maxIncl {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	for _, id := range ids {
		s.mu.RLock()
		obj, ok := s.objs[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(id, obj); err != nil {
			return err
		}
	}
	return nil
}
