package ixdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const engineFileName = "engine.db"

type Options struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	InMemory  bool
	ReadOnly  bool
	MmapSize  int

	// CommitEvery is the number of ops applied during replay and backfill
	// between hard commits.
	CommitEvery int

	// ProgressInterval throttles rebuild progress events and logs.
	ProgressInterval time.Duration

	// BackfillBatchSize is the number of source objects pulled per Iterate call.
	BackfillBatchSize int

	// StagingCacheSize is the number of staged payloads kept in memory.
	// Negative disables the cache.
	StagingCacheSize int

	Now func() time.Time

	// Registerer receives the package metrics. Nil means metrics are
	// maintained but not registered anywhere.
	Registerer prometheus.Registerer
}

func (opt *Options) setDefaults() {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.CommitEvery <= 0 {
		opt.CommitEvery = 1000
	}
	if opt.ProgressInterval <= 0 {
		opt.ProgressInterval = 10 * time.Second
	}
	if opt.BackfillBatchSize <= 0 {
		opt.BackfillBatchSize = 256
	}
	if opt.StagingCacheSize == 0 {
		opt.StagingCacheSize = 1024
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
}

// DB is an engine instance: one operation log and staging area shared by a
// fixed set of indexes, each with its own store.
type DB struct {
	dir     string
	opt     Options
	logger  *slog.Logger
	engine  storage
	staging *Staging
	events  broadcaster

	indexes map[string]*Index
	order   []*Index
	closed  atomic.Bool
}

// Open opens or creates an engine in dir. With Options.InMemory, dir is
// ignored and nothing touches disk.
func Open(dir string, opt Options, defs ...*IndexDef) (*DB, error) {
	opt.setDefaults()
	db := &DB{
		dir:     dir,
		opt:     opt,
		logger:  opt.Logger,
		indexes: make(map[string]*Index, len(defs)),
	}

	if opt.Registerer != nil {
		if err := registerMetrics(opt.Registerer); err != nil {
			return nil, fmt.Errorf("ixdb: registering metrics: %w", err)
		}
	}

	if opt.InMemory {
		db.engine = newMemStorage()
	} else {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, fmt.Errorf("ixdb: %w", err)
		}
		st, err := openBoltStorage(filepath.Join(dir, engineFileName), &db.opt)
		if err != nil {
			return nil, err
		}
		db.engine = st
	}

	staging, err := newStaging(db.engine, opt.StagingCacheSize, db.logger)
	if err != nil {
		db.engine.Close()
		return nil, err
	}
	db.staging = staging

	for _, def := range defs {
		if err := db.addIndex(def); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func IndexFileName(name string) string {
	return "index-" + name + ".db"
}

func (db *DB) addIndex(def *IndexDef) error {
	if db.indexes[def.name] != nil {
		return fmt.Errorf("ixdb: duplicate index %q", def.name)
	}
	var path string
	if !db.opt.InMemory {
		path = filepath.Join(db.dir, IndexFileName(def.name))
	}
	cell, err := openStoreCell(path, &db.opt)
	if err != nil {
		return err
	}
	upd, err := newFieldUpdater(def, cell, db.logger)
	if err != nil {
		cell.close()
		return err
	}
	log, err := openOpLog(db.engine, def.name, func(ids []uint64) error {
		return db.staging.Delete(ids...)
	}, db.logger)
	if err != nil {
		cell.close()
		return err
	}
	gen := fieldGenerator{def}
	idx := &Index{
		def:  def,
		db:   db,
		cell: cell,
		upd:  upd,
		log:  log,
		gen:  gen,
		ctl:  newController(def.name, log, upd, gen, db.staging, &db.events, &db.opt),
	}
	db.indexes[def.name] = idx
	db.order = append(db.order, idx)
	return nil
}

// Index returns the named index, or nil.
func (db *DB) Index(name string) *Index {
	return db.indexes[name]
}

func (db *DB) Indexes() []*Index {
	return db.order
}

// Start runs recovery for the named index; see Controller.Start.
func (db *DB) Start(name string, src Source) error {
	idx := db.indexes[name]
	if idx == nil {
		return fmt.Errorf("ixdb: unknown index %q", name)
	}
	return idx.Start(src)
}

// Subscribe registers fn for rebuild events of every index. Events are
// delivered synchronously on the goroutine that produces them.
func (db *DB) Subscribe(fn func(Event)) (unsubscribe func()) {
	return db.events.Subscribe(fn)
}

func (db *DB) Staging() *Staging {
	return db.staging
}

// DumpLog writes a human-readable listing of an index's operation log.
func (db *DB) DumpLog(name string, w io.Writer) error {
	idx := db.indexes[name]
	if idx == nil {
		return fmt.Errorf("ixdb: unknown index %q", name)
	}
	return idx.log.Dump(w)
}

// Close closes every index, then the engine store. Indexes that never went
// live lose their uncommitted work.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, idx := range db.order {
		if err := idx.ctl.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := idx.cell.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
