package ixdb

import (
	"fmt"
	"io"
	"strings"
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

// Dump writes every log entry and marker, one per line.
func (l *OpLog) Dump(w io.Writer) error {
	fmt.Fprintln(w, dumpSep1)
	fmt.Fprintf(w, "log %s\n", l.index)
	var n int
	var markers bool
	err := l.Entries(0, func(op uint64, e LogEntry, marker bool) error {
		if marker && !markers {
			fmt.Fprintln(w, dumpSep2)
			markers = true
		}
		if !marker {
			n++
		}
		_, err := fmt.Fprintf(w, "%s.%d = %v\n", l.index, op, e)
		return err
	})
	if err != nil {
		fmt.Fprintf(w, "** ERROR: %v\n", err)
		return err
	}
	fmt.Fprintln(w, dumpSep2)
	fmt.Fprintf(w, "%d entries\n", n)
	return nil
}

// Dump writes the index rows visible in the snapshot as decoded tuples.
func (v *Version) Dump(w io.Writer, name string) error {
	t, ok := v.tree(rowsBucket)
	if !ok {
		return nil
	}
	fmt.Fprintln(w, dumpSep1)
	fmt.Fprintf(w, "%s (%d rows, generation %d)\n", name, t.Len(), v.gen)
	var rowPos int
	t.Ascend(nil, func(k, val []byte) bool {
		rowPos++
		key, err := decodeTuple(k)
		if err != nil {
			fmt.Fprintf(w, "%s.%d ** ERROR: %v\n", name, rowPos, err)
			return true
		}
		sortVals, err := decodeTuple(val)
		if err != nil {
			fmt.Fprintf(w, "%s.%d ** ERROR: %v\n", name, rowPos, err)
			return true
		}
		fmt.Fprintf(w, "%s.%d: %v => %v\n", name, rowPos, key, sortVals)
		return true
	})
	return nil
}

func (s IndexStats) String() string {
	return fmt.Sprintf("state = %v, rows = %d, entities = %d, generation = %d, rows_size = %d, side_size = %d, total_alloc = %d, log_entries = %d, hc = %d, latest_op = %d, rebuild_max = %d, gp = %d",
		s.State, s.Rows, s.Entities, s.Generation, s.RowsSize, s.SideSize, s.TotalAlloc(), s.LogEntries, s.HardCommit, s.LatestOp, s.RebuildMax, s.GenPointer)
}
