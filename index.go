package ixdb

import (
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

var errZeroID = errors.New("ixdb: entity id must be positive")

// Index is an open secondary index.
type Index struct {
	def  *IndexDef
	db   *DB
	cell *storeCell
	upd  *fieldUpdater
	log  *OpLog
	ctl  *Controller
	gen  fieldGenerator
}

func (idx *Index) Name() string      { return idx.def.name }
func (idx *Index) Def() *IndexDef    { return idx.def }
func (idx *Index) Log() *OpLog       { return idx.log }
func (idx *Index) State() State      { return idx.ctl.State() }
func (idx *Index) IsQueryable() bool { return idx.ctl.IsQueryable() }
func (idx *Index) IsUpToDate() bool  { return idx.ctl.IsUpToDate() }

// Start brings the index up to date; see Controller.Start.
func (idx *Index) Start(src Source) error {
	return idx.ctl.Start(src)
}

// Put records the new state of an entity and returns its op. Before Start
// goes live the write is only logged. Writes logged before the very first
// Start are superseded by the source backfill.
func (idx *Index) Put(id uint64, obj any) (uint64, error) {
	if id == 0 {
		return 0, errZeroID
	}
	sid, err := idx.db.staging.Stage(func(w io.Writer) error {
		return idx.gen.Generate(obj, w)
	})
	if err != nil {
		return 0, indexErrf(idx.def.name, 0, id, err, "generate")
	}
	return idx.ctl.write(id, sid, false)
}

func (idx *Index) Delete(id uint64) (uint64, error) {
	if id == 0 {
		return 0, errZeroID
	}
	return idx.ctl.write(id, 0, true)
}

// Flush hard commits applied work and trims the log.
func (idx *Index) Flush() error {
	return idx.ctl.Flush()
}

// Acquire returns a read snapshot of the index store. Callers must Release it.
func (idx *Index) Acquire() (*Version, error) {
	return idx.cell.acquire()
}

// Query runs q against the latest hard committed state. Unsupported clauses
// fail with ErrUnsupportedQueryConstraint before anything is read.
func (idx *Index) Query(q *Query) (*Result, error) {
	timer := prometheus.NewTimer(QueryDuration.WithLabelValues(idx.def.name))
	defer timer.ObserveDuration()

	p, err := compileQuery(idx.def, q)
	if err != nil {
		return nil, err
	}
	v, err := idx.cell.acquire()
	if err != nil {
		return nil, err
	}
	defer v.Release()
	rows, ok := v.tree(rowsBucket)
	if !ok {
		return &Result{Offset: q.Offset, Limit: q.Limit}, nil
	}
	return p.execute(rows, idx.db.logger)
}

// Lookup returns the committed key values of an entity, or ErrNotFound.
func (idx *Index) Lookup(id uint64) ([][]Value, error) {
	keys, err := idx.upd.Get(id)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, ErrNotFound
	}
	return keys, nil
}

func (idx *Index) Stats() (IndexStats, error) {
	var s IndexStats
	s.State = idx.ctl.State()
	v, err := idx.cell.acquire()
	if err != nil {
		return s, err
	}
	v.stats(&s)
	v.Release()
	err = idx.log.stats(&s)
	return s, err
}
