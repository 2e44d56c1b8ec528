package ixdb

import (
	"errors"
	"io"
	"testing"
)

func stageString(s *Staging, data string) (uint64, error) {
	return s.Stage(func(w io.Writer) error {
		_, err := io.WriteString(w, data)
		return err
	})
}

func readStaged(t testing.TB, s *Staging, id uint64) string {
	t.Helper()
	r, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get(%d) failed: %v", id, err)
	}
	if r == nil {
		return "<missing>"
	}
	return string(must(io.ReadAll(r)))
}

func TestStaging(t *testing.T) {
	for _, cacheSize := range []int{-1, 16} {
		s := must(newStaging(newMemStorage(), cacheSize, testLogger(t)))
		id1 := must(stageString(s, "hello"))
		id2 := must(stageString(s, ""))
		if id2 <= id1 {
			t.Fatalf("ids not increasing: %d, %d", id1, id2)
		}
		deepEqual(t, readStaged(t, s, id1), "hello")
		deepEqual(t, readStaged(t, s, id2), "")
		deepEqual(t, readStaged(t, s, 999), "<missing>")
		deepEqual(t, must(s.Len()), 2)

		success(t, s.Delete(id1, 999))
		deepEqual(t, readStaged(t, s, id1), "<missing>")
		deepEqual(t, must(s.Len()), 1)
	}
}

func TestStagingWriteFailure(t *testing.T) {
	s := must(newStaging(newMemStorage(), 0, nil))
	boom := errors.New("boom")
	_, err := s.Stage(func(w io.Writer) error { return boom })
	if err != boom {
		t.Fatalf("Stage = %v, wanted the generator error", err)
	}
	deepEqual(t, must(s.Len()), 0)
}

func TestStagingChecksum(t *testing.T) {
	st := newMemStorage()
	s := must(newStaging(st, -1, nil))
	id := must(stageString(s, "payload"))

	tx := must(st.BeginTx(true))
	b := tx.Bucket(stagingBucket)
	raw := append([]byte{}, b.Get(u64key(id))...)
	raw[len(raw)-1] ^= 0xFF
	ensure(b.Put(u64key(id), raw))
	ensure(tx.Commit())

	_, err := s.Get(id)
	if !errors.Is(err, ErrStagingIO) {
		t.Fatalf("Get(corrupted) = %v, wanted ErrStagingIO", err)
	}
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("Get(corrupted) = %v, wanted a DataError inside", err)
	}
}

func TestStagingClosed(t *testing.T) {
	st := newMemStorage()
	s := must(newStaging(st, -1, nil))
	st.Close()
	if _, err := stageString(s, "x"); !errors.Is(err, ErrStagingIO) || !errors.Is(err, ErrClosed) {
		t.Fatalf("Stage on closed store = %v, wanted ErrStagingIO wrapping ErrClosed", err)
	}
}
