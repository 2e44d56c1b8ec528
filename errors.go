package ixdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCorruptLogEntry means the operation log holds an entry with an
	// unrecognized tag. The log cannot be trusted past that point.
	ErrCorruptLogEntry = errors.New("corrupt operation log entry")

	// ErrBackfillExhausted is returned when a backfill operation would land
	// beyond the current rebuild watermark.
	ErrBackfillExhausted = errors.New("backfill exhausted")

	// ErrStagingIO wraps any failure to read or write the staged payload store.
	ErrStagingIO = errors.New("staged payload I/O failure")

	// ErrUnsupportedQueryConstraint is returned by Query before any scan when
	// a clause cannot be turned into a bound or a predicate.
	ErrUnsupportedQueryConstraint = errors.New("unsupported query constraint")

	// ErrKeyTooLarge is returned when a record would produce an index row key
	// longer than the store accepts.
	ErrKeyTooLarge = errors.New("ixdb: index key too large")

	ErrClosed   = errors.New("ixdb: closed")
	ErrNotFound = errors.New("ixdb: not found")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// IndexError attributes a failure to an index and, when known, to the
// operation being applied.
type IndexError struct {
	Index string
	Op    uint64
	ID    uint64
	Msg   string
	Err   error
}

func indexErrf(index string, op, id uint64, err error, format string, args ...any) error {
	return &IndexError{index, op, id, fmt.Sprintf(format, args...), err}
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

func (e *IndexError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Index)
	if e.Op != 0 {
		fmt.Fprintf(&buf, "@%d", e.Op)
	}
	if e.ID != 0 {
		fmt.Fprintf(&buf, "/%d", e.ID)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// QueryError describes a rejected clause. It always wraps
// ErrUnsupportedQueryConstraint.
type QueryError struct {
	Field string
	Msg   string
}

func queryErrf(field string, format string, args ...any) error {
	return &QueryError{field, fmt.Sprintf(format, args...)}
}

func (e *QueryError) Unwrap() error {
	return ErrUnsupportedQueryConstraint
}

func (e *QueryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrUnsupportedQueryConstraint, e.Msg)
	}
	return fmt.Sprintf("%v: %s: %s", ErrUnsupportedQueryConstraint, e.Field, e.Msg)
}

func stagingErr(id uint64, err error) error {
	return fmt.Errorf("%w: payload %d: %w", ErrStagingIO, id, err)
}
