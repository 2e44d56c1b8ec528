package ixdb

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var RebuildProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "ixdb",
	Subsystem: "rebuild",
	Name:      "progress",
}, []string{"index"})

var RebuildTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "ixdb",
	Subsystem: "rebuild",
	Name:      "total",
}, []string{"index"})

// ReplayedOps counts applied ops by kind: backfill, store and delete during
// recovery, live once the index serves writes.
var ReplayedOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ixdb",
	Subsystem: "rebuild",
	Name:      "replayed_ops_total",
}, []string{"index", "kind"})

var IndexResets = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ixdb",
	Subsystem: "rebuild",
	Name:      "index_resets_total",
}, []string{"index"})

var QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ixdb",
	Subsystem: "query",
	Name:      "duration_seconds",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"index"})

// Collectors returns every metric this package maintains.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{RebuildProgress, RebuildTotal, ReplayedOps, IndexResets, QueryDuration}
}

func registerMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// IndexStats describes the on-disk footprint of an index and its log.
type IndexStats struct {
	Rows       int
	Entities   int
	RowsSize   int64
	RowsAlloc  int64
	SideSize   int64
	SideAlloc  int64
	Generation uint64

	LogEntries int
	HardCommit uint64
	LatestOp   uint64
	RebuildMax uint64
	GenPointer uint64
	State      State
}

func (s *IndexStats) TotalSize() int64 {
	return s.RowsSize + s.SideSize
}

func (s *IndexStats) TotalAlloc() int64 {
	return s.RowsAlloc + s.SideAlloc
}

func (v *Version) stats(s *IndexStats) {
	s.Generation = v.gen
	if t, ok := v.tree(rowsBucket); ok {
		bs := t.b.Stats()
		s.Rows, s.RowsSize, s.RowsAlloc = bs.KeyN, bs.LeafInuse, bs.TotalAlloc()
	}
	if t, ok := v.tree(sideBucket); ok {
		bs := t.b.Stats()
		s.Entities, s.SideSize, s.SideAlloc = bs.KeyN, bs.LeafInuse, bs.TotalAlloc()
	}
}

func (l *OpLog) stats(s *IndexStats) error {
	return l.view(func(ops, marks tree) error {
		s.LogEntries = ops.Len()
		var err error
		if s.LatestOp, err = lastOp(ops); err != nil {
			return err
		}
		if k, v := ops.First(); k != nil {
			if e, err := decodeLogEntry(v); err != nil {
				return err
			} else if e.Type == EntryHardCommit {
				s.HardCommit, _ = decodeU64key(k)
			}
		}
		if s.RebuildMax, _, err = readMarker(marks, rebuildMaxKey); err != nil {
			return err
		}
		s.GenPointer, _, err = readMarker(marks, genPointerKey)
		return err
	})
}
