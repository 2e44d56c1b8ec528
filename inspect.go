package ixdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Inspector gives read-only access to an engine directory without index
// definitions. Nothing is written, so it is safe to use on a copy of a
// crashed engine.
type Inspector struct {
	dir    string
	opt    Options
	engine storage
}

func Inspect(dir string, opt Options) (*Inspector, error) {
	opt.setDefaults()
	opt.ReadOnly = true
	path := filepath.Join(dir, engineFileName)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ixdb: %w", err)
	}
	st, err := openBoltStorage(path, &opt)
	if err != nil {
		return nil, err
	}
	return &Inspector{dir: dir, opt: opt, engine: st}, nil
}

// IndexNames lists the indexes that have a store in the directory.
func (in *Inspector) IndexNames() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(in.dir, IndexFileName("*")))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range matches {
		base := filepath.Base(m)
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(base, "index-"), ".db"))
	}
	slices.Sort(names)
	return names, nil
}

func (in *Inspector) log(name string) *OpLog {
	return &OpLog{
		st:       in.engine,
		index:    name,
		opsName:  "log/" + name,
		markName: "logm/" + name,
		logger:   in.opt.Logger,
	}
}

func (in *Inspector) DumpLog(name string, w io.Writer) error {
	return in.log(name).Dump(w)
}

// Stats reports the index store and log footprint of the named index.
func (in *Inspector) Stats(name string) (IndexStats, error) {
	var s IndexStats
	if err := in.log(name).stats(&s); err != nil {
		return s, err
	}
	path := filepath.Join(in.dir, IndexFileName(name))
	st, err := openBoltStorage(path, &in.opt)
	if err != nil {
		return s, err
	}
	defer st.Close()
	cell := &storeCell{path: path, opt: &in.opt, st: st}
	v, err := cell.acquire()
	if err != nil {
		return s, err
	}
	defer v.Release()
	v.stats(&s)
	return s, nil
}

// StagedCount returns the number of staged payloads awaiting reclamation.
func (in *Inspector) StagedCount() (int, error) {
	s := &Staging{st: in.engine}
	return s.Len()
}

func (in *Inspector) Close() error {
	if in.engine == nil {
		return errors.New("ixdb: inspector already closed")
	}
	err := in.engine.Close()
	in.engine = nil
	return err
}
