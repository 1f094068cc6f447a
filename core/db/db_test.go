package db

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/sukunadb/core/btree"
	metamanager "github.com/sushant-115/sukunadb/core/meta_manager"
)

// --- Test Helpers ---

func newTestDB(t *testing.T, opts Options) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := Open(path, opts)
	require.NoError(t, err)
	return database, path
}

func val(k uint64) []byte {
	v := make([]byte, btree.ValueSize)
	binary.LittleEndian.PutUint64(v, ^k)
	return v
}

// mustInsert runs one committed write transaction inserting [lo, hi).
func mustInsert(t *testing.T, database *DB, lo, hi uint64) {
	t.Helper()
	tx, err := database.Begin(true)
	require.NoError(t, err)
	for k := lo; k < hi; k++ {
		require.NoError(t, tx.Insert(k, val(k)))
	}
	require.NoError(t, tx.Commit())
}

func viewKeys(t *testing.T, database *DB) []uint64 {
	t.Helper()
	var keys []uint64
	require.NoError(t, database.View(func(tx *Tx) error {
		return tx.ForEach(func(k uint64, v []byte) error {
			keys = append(keys, k)
			return nil
		})
	}))
	return keys
}

func rangeKeys(lo, hi uint64) []uint64 {
	keys := make([]uint64, 0, hi-lo)
	for k := lo; k < hi; k++ {
		keys = append(keys, k)
	}
	return keys
}

// --- Test Cases ---

// TestOpenEmptyDatabase: a fresh file initializes to an empty tree;
// iteration yields nothing and no key exists.
func TestOpenEmptyDatabase(t *testing.T) {
	database, _ := newTestDB(t, Options{})
	defer database.Close()

	require.Empty(t, viewKeys(t, database))
	require.NoError(t, database.View(func(tx *Tx) error {
		ok, err := tx.Exists(42)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}

// TestDurabilityAcrossReopen commits a key set, closes and reopens the
// file, and expects the identical set back.
func TestDurabilityAcrossReopen(t *testing.T) {
	database, path := newTestDB(t, Options{})
	mustInsert(t, database, 1, 51)
	require.Equal(t, rangeKeys(1, 51), viewKeys(t, database))
	require.NoError(t, database.Close())

	database2, err := Open(path, Options{})
	require.NoError(t, err)
	defer database2.Close()
	require.Equal(t, rangeKeys(1, 51), viewKeys(t, database2))

	require.NoError(t, database2.View(func(tx *Tx) error {
		got, ok, err := tx.Get(7)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, val(7), got)
		return nil
	}))
}

// TestRollbackDiscardsChanges: an uncommitted write transaction leaves
// no trace, in memory or on disk.
func TestRollbackDiscardsChanges(t *testing.T) {
	database, path := newTestDB(t, Options{})
	mustInsert(t, database, 1, 4)

	tx, err := database.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(99, val(99)))
	require.NoError(t, tx.Delete(1))
	require.NoError(t, tx.Rollback())

	require.Equal(t, []uint64{1, 2, 3}, viewKeys(t, database))
	require.NoError(t, database.Close())

	database2, err := Open(path, Options{})
	require.NoError(t, err)
	defer database2.Close()
	require.Equal(t, []uint64{1, 2, 3}, viewKeys(t, database2))
}

// TestReaderSnapshotIgnoresWriter: a reader that begins before a
// writer commits sees only committed state; a reader beginning after
// the commit sees the new state.
func TestReaderSnapshotIgnoresWriter(t *testing.T) {
	database, _ := newTestDB(t, Options{})
	defer database.Close()
	mustInsert(t, database, 1, 3)

	reader, err := database.Begin(false)
	require.NoError(t, err)

	writer, err := database.Begin(true)
	require.NoError(t, err)
	require.NoError(t, writer.Insert(3, val(3)))

	var seen []uint64
	require.NoError(t, reader.ForEach(func(k uint64, v []byte) error {
		seen = append(seen, k)
		return nil
	}))
	require.Equal(t, []uint64{1, 2}, seen)

	require.NoError(t, writer.Commit())
	require.NoError(t, reader.Rollback())

	require.Equal(t, []uint64{1, 2, 3}, viewKeys(t, database))
}

// TestReaderCannotMutateOrCommit: mutations and commit on a read
// transaction fail with ErrTransactionReadOnly.
func TestReaderCannotMutateOrCommit(t *testing.T) {
	database, _ := newTestDB(t, Options{})
	defer database.Close()

	tx, err := database.Begin(false)
	require.NoError(t, err)
	require.ErrorIs(t, tx.Insert(1, val(1)), ErrTransactionReadOnly)
	require.ErrorIs(t, tx.Delete(1), ErrTransactionReadOnly)
	require.ErrorIs(t, tx.Commit(), ErrTransactionReadOnly)
	require.NoError(t, tx.Rollback())
}

// TestReadOnlyOpen: a read-only handle serves reads but refuses write
// transactions with ErrDatabaseReadOnly.
func TestReadOnlyOpen(t *testing.T) {
	database, path := newTestDB(t, Options{})
	mustInsert(t, database, 1, 6)
	require.NoError(t, database.Close())

	ro, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Begin(true)
	require.ErrorIs(t, err, ErrDatabaseReadOnly)
	require.Equal(t, rangeKeys(1, 6), viewKeys(t, ro))
}

// TestViewManagedRollbackIsFatal: manual rollback inside View panics.
func TestViewManagedRollbackIsFatal(t *testing.T) {
	database, _ := newTestDB(t, Options{})
	defer database.Close()

	require.Panics(t, func() {
		database.View(func(tx *Tx) error {
			return tx.Rollback()
		})
	})
}

// TestViewSurfacesCallbackError: the callback's error comes back after
// the managed rollback.
func TestViewSurfacesCallbackError(t *testing.T) {
	database, _ := newTestDB(t, Options{})
	defer database.Close()

	wantErr := os.ErrDeadlineExceeded
	err := database.View(func(tx *Tx) error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	// The managed transaction was rolled back, so no live transaction
	// blocks further work.
	mustInsert(t, database, 1, 2)
}

// TestCloseFailsWithOpenTransactions: close fails fast while any
// transaction is live.
func TestCloseFailsWithOpenTransactions(t *testing.T) {
	database, _ := newTestDB(t, Options{})

	tx, err := database.Begin(false)
	require.NoError(t, err)
	require.ErrorIs(t, database.Close(), ErrOpenTransactions)
	require.NoError(t, tx.Rollback())
	require.NoError(t, database.Close())
}

// TestCrashSafetyMetaFallback corrupts the newer meta page on disk
// after a commit and expects reopen to succeed from the older meta,
// with that meta's snapshot visible. The commit never wrote slot 1, so
// slot 1 still holds the initialization meta.
func TestCrashSafetyMetaFallback(t *testing.T) {
	database, path := newTestDB(t, Options{})
	pageSize := database.pageSize
	mustInsert(t, database, 1, 6)
	require.NoError(t, database.Close())

	// Find the newer slot from the raw txids and break its checksum.
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	slotMeta := func(slot int) metamanager.Meta {
		buf := make([]byte, metamanager.Size)
		_, err := file.ReadAt(buf, int64(slot)*int64(pageSize))
		require.NoError(t, err)
		return metamanager.Unmarshal(buf)
	}
	newer := 0
	if slotMeta(1).TxID > slotMeta(0).TxID {
		newer = 1
	}
	olderTxID := slotMeta(1 - newer).TxID
	_, err = file.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF},
		int64(newer)*int64(pageSize)+metamanager.Size-4)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	database2, err := Open(path, Options{})
	require.NoError(t, err)
	defer database2.Close()
	require.Equal(t, olderTxID, database2.meta.Current().TxID)

	// The older meta still points at the initial root page, whose
	// committed contents remain readable.
	require.Equal(t, rangeKeys(1, 6), viewKeys(t, database2))
}

// TestOpenFailsWhenBothMetasCorrupt: with both checksums broken the
// handle cannot open; the file is left on disk for external recovery.
func TestOpenFailsWhenBothMetasCorrupt(t *testing.T) {
	database, path := newTestDB(t, Options{})
	pageSize := database.pageSize
	mustInsert(t, database, 1, 3)
	require.NoError(t, database.Close())

	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	for slot := 0; slot < 2; slot++ {
		_, err = file.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF},
			int64(slot)*int64(pageSize)+metamanager.Size-4)
		require.NoError(t, err)
	}
	require.NoError(t, file.Close())

	_, err = Open(path, Options{})
	require.ErrorIs(t, err, ErrInvalidMeta)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

// TestMetaSelectionNewerWins: after two commits the reopened handle
// resumes from the higher txid.
func TestMetaSelectionNewerWins(t *testing.T) {
	database, path := newTestDB(t, Options{})
	mustInsert(t, database, 1, 3)
	mustInsert(t, database, 3, 5)
	txid := database.meta.Current().TxID
	require.NoError(t, database.Close())

	database2, err := Open(path, Options{})
	require.NoError(t, err)
	defer database2.Close()
	require.Equal(t, txid, database2.meta.Current().TxID)
	require.Equal(t, rangeKeys(1, 5), viewKeys(t, database2))
}

// TestMmapGrowth opens with a deliberately tiny read mmap and commits
// enough data to force remaps; later readers must still see every key.
func TestMmapGrowth(t *testing.T) {
	database, _ := newTestDB(t, Options{MmapInitSize: 2 * 4096, PageSize: 4096})
	defer database.Close()

	mustInsert(t, database, 0, 200)
	require.Equal(t, rangeKeys(0, 200), viewKeys(t, database))
}

// TestConcurrentReaders runs several managed readers against a
// committed key set; every one of them must observe the full set.
func TestConcurrentReaders(t *testing.T) {
	database, _ := newTestDB(t, Options{})
	defer database.Close()
	mustInsert(t, database, 0, 100)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 5; j++ {
				count := 0
				err := database.View(func(tx *Tx) error {
					return tx.ForEach(func(k uint64, v []byte) error {
						count++
						return nil
					})
				})
				if err != nil {
					return err
				}
				if count != 100 {
					return os.ErrInvalid
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// TestSerializedWriters: a second write transaction blocks until the
// first finishes; both key sets land.
func TestSerializedWriters(t *testing.T) {
	database, _ := newTestDB(t, Options{})
	defer database.Close()

	first, err := database.Begin(true)
	require.NoError(t, err)
	require.NoError(t, first.Insert(1, val(1)))

	done := make(chan error, 1)
	go func() {
		tx, err := database.Begin(true)
		if err != nil {
			done <- err
			return
		}
		if err := tx.Insert(2, val(2)); err != nil {
			done <- err
			return
		}
		done <- tx.Commit()
	}()

	require.NoError(t, first.Commit())
	require.NoError(t, <-done)
	require.Equal(t, []uint64{1, 2}, viewKeys(t, database))
}

// TestTransactionDoneErrors: operations on a finished transaction fail
// with ErrTransactionDone.
func TestTransactionDoneErrors(t *testing.T) {
	database, _ := newTestDB(t, Options{})
	defer database.Close()

	tx, err := database.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.ErrorIs(t, tx.Insert(1, val(1)), ErrTransactionDone)
	require.ErrorIs(t, tx.Commit(), ErrTransactionDone)
	require.ErrorIs(t, tx.Rollback(), ErrTransactionDone)
}
