package ixdb

import (
	"path/filepath"
	"testing"
)

func forEachStorage(t *testing.T, f func(t *testing.T, st storage)) {
	t.Run("mem", func(t *testing.T) {
		st := newMemStorage()
		t.Cleanup(func() { st.Close() })
		f(t, st)
	})
	t.Run("bolt", func(t *testing.T) {
		st := must(openBoltStorage(filepath.Join(t.TempDir(), "test.db"), &Options{IsTesting: true}))
		t.Cleanup(func() { st.Close() })
		f(t, st)
	})
}

func writeTx(t testing.TB, st storage, f func(tx storageTx)) {
	t.Helper()
	tx := must(st.BeginTx(true))
	defer tx.Rollback()
	f(tx)
	success(t, tx.Commit())
}

func keyOf(k []byte) uint64 {
	if k == nil {
		return 0
	}
	return must(decodeU64key(k))
}

func TestStorageTreeNavigation(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			b := must(tx.CreateBucket("nums"))
			for _, v := range []uint64{10, 20, 30} {
				ensure(b.Put(u64key(v), []byte{byte(v)}))
			}
		})

		tx := must(st.BeginTx(false))
		defer tx.Rollback()
		tr := tree{tx.Bucket("nums")}

		o := func(name string, f func([]byte) ([]byte, []byte), arg, e uint64) {
			t.Helper()
			k, _ := f(u64key(arg))
			if a := keyOf(k); a != e {
				t.Errorf("%s(%d) = %d, wanted %d", name, arg, a, e)
			}
		}
		floor := func(k []byte) ([]byte, []byte) { return seekFloor(tr.cursor(), k) }
		o("seekFloor", floor, 25, 20)
		o("seekFloor", floor, 20, 20)
		o("seekFloor", floor, 5, 0)
		o("seekFloor", floor, 99, 30)
		o("Lower", tr.Lower, 20, 10)
		o("Lower", tr.Lower, 10, 0)
		o("Lower", tr.Lower, 99, 30)

		var got []uint64
		for _, k := range tr.keys(u64key(15), u64key(30)) {
			got = append(got, keyOf(k))
		}
		deepEqual(t, got, []uint64{20, 30})
		if n := tr.Len(); n != 3 {
			t.Errorf("Len = %d, wanted 3", n)
		}
		if v := tr.Get(u64key(20)); len(v) != 1 || v[0] != 20 {
			t.Errorf("Get(20) = %x", v)
		}
	})
}

func TestStorageSnapshotIsolation(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			ensure(must(tx.CreateBucket("b")).Put([]byte("k"), []byte("v1")))
		})

		rtx := must(st.BeginTx(false))
		defer rtx.Rollback()

		writeTx(t, st, func(tx storageTx) {
			ensure(tx.Bucket("b").Put([]byte("k"), []byte("v2")))
			ensure(tx.Bucket("b").Put([]byte("k2"), []byte("new")))
		})

		if v := string(rtx.Bucket("b").Get([]byte("k"))); v != "v1" {
			t.Errorf("old snapshot sees %q, wanted v1", v)
		}
		if v := rtx.Bucket("b").Get([]byte("k2")); v != nil {
			t.Errorf("old snapshot sees k2 = %q", v)
		}

		tx := must(st.BeginTx(false))
		defer tx.Rollback()
		if v := string(tx.Bucket("b").Get([]byte("k"))); v != "v2" {
			t.Errorf("new snapshot sees %q, wanted v2", v)
		}
	})
}

func TestStorageRollbackDiscards(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			must(tx.CreateBucket("b"))
		})
		tx := must(st.BeginTx(true))
		ensure(tx.Bucket("b").Put([]byte("k"), []byte("v")))
		success(t, tx.Rollback())
		success(t, tx.Rollback())

		rtx := must(st.BeginTx(false))
		defer rtx.Rollback()
		if v := rtx.Bucket("b").Get([]byte("k")); v != nil {
			t.Errorf("rolled back write visible: %q", v)
		}
	})
}

func TestStorageSequenceAndBuckets(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			b := must(tx.CreateBucket("seq"))
			deepEqual(t, must(b.NextSequence()), uint64(1))
			deepEqual(t, must(b.NextSequence()), uint64(2))
		})
		writeTx(t, st, func(tx storageTx) {
			deepEqual(t, must(tx.Bucket("seq").NextSequence()), uint64(3))
			success(t, tx.DeleteBucket("seq"))
			if err := tx.DeleteBucket("seq"); err != ErrBucketNotFound {
				t.Errorf("DeleteBucket(missing) = %v, wanted ErrBucketNotFound", err)
			}
			if tx.Bucket("seq") != nil {
				t.Errorf("deleted bucket still present")
			}
		})
	})
}

func TestStorageCursorDelete(t *testing.T) {
	forEachStorage(t, func(t *testing.T, st storage) {
		writeTx(t, st, func(tx storageTx) {
			b := must(tx.CreateBucket("b"))
			for v := uint64(1); v <= 5; v++ {
				ensure(b.Put(u64key(v), nil))
			}
		})
		writeTx(t, st, func(tx storageTx) {
			tr := tree{tx.Bucket("b")}
			for _, k := range tr.keys(u64key(2), u64key(4)) {
				ensure(tr.Delete(k))
			}
		})

		tx := must(st.BeginTx(false))
		defer tx.Rollback()
		var got []uint64
		tree{tx.Bucket("b")}.Ascend(nil, func(k, _ []byte) bool {
			got = append(got, keyOf(k))
			return true
		})
		deepEqual(t, got, []uint64{1, 5})
	})
}

func TestMemStorageClosed(t *testing.T) {
	st := newMemStorage()
	st.Close()
	if _, err := st.BeginTx(false); err != ErrClosed {
		t.Fatalf("BeginTx after Close = %v, wanted ErrClosed", err)
	}
}
