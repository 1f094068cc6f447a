// Package db is the database façade: it opens and initializes the
// single-file store, hands out transactions under the coarse
// single-writer/many-readers policy, and exposes the managed-read
// helper.
package db

import (
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sushant-115/sukunadb/core/btree"
	metamanager "github.com/sushant-115/sukunadb/core/meta_manager"
	pagemanager "github.com/sushant-115/sukunadb/core/page_manager"
	commonutils "github.com/sushant-115/sukunadb/internal/common_utils"
)

// DefaultMmapInitSize is the initial reader mmap size when the caller
// does not choose one. Larger values amortize remaps for long readers.
const DefaultMmapInitSize = 1 << 20

// Options configures Open.
type Options struct {
	// PageSize is used only when creating a fresh file. On existing
	// files the value is replaced by the one read from meta. Zero means
	// the host memory page size.
	PageSize int
	// MmapInitSize is the initial size of the read mmap.
	MmapInitSize int
	// ReadOnly opens the file with a shared OS lock in read-only mode;
	// Begin(true) then fails with ErrDatabaseReadOnly.
	ReadOnly bool
	// Logger receives structured engine logs. Nil means no logging.
	Logger *zap.Logger
	// Meter receives engine metrics. Nil means no-op instruments.
	Meter metric.Meter
}

// DB is an open database handle.
type DB struct {
	path     string
	file     *os.File
	pager    *pagemanager.Pager
	meta     *metamanager.Manager
	caps     btree.Capacity
	pageSize int
	readOnly bool
	logger   *zap.Logger
	metrics  *metrics

	// writerLock serializes write transactions for their whole
	// lifetime.
	writerLock sync.Mutex
	// metaLock guards the transaction registry and the writer slot.
	metaLock sync.Mutex
	// mmapLock is held shared by every reader for its lifetime; a remap
	// of the reader mmap acquires it exclusively and therefore waits
	// for all readers to drain.
	mmapLock sync.RWMutex

	readers map[*Tx]struct{}
	writer  *Tx
	mmap    []byte
	opened  bool
}

// Open opens or creates the database file at path. A zero-length file
// is initialized with two meta pages, a reserved freelist page and an
// empty leaf root.
func Open(path string, opts Options) (*DB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sukunadb")

	flags := os.O_CREATE | os.O_RDWR
	lock := unix.LOCK_EX
	if opts.ReadOnly {
		flags = os.O_RDONLY
		lock = unix.LOCK_SH
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open database file %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), lock|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("lock database file %s: %w", path, ErrDatabaseLocked)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat database file: %w", err)
	}

	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = os.Getpagesize()
	}

	var mgr *metamanager.Manager
	if info.Size() == 0 {
		if opts.ReadOnly {
			file.Close()
			return nil, fmt.Errorf("cannot initialize %s: %w", path, ErrDatabaseReadOnly)
		}
		mgr, err = metamanager.Init(file, pageSize, logger)
	} else {
		mgr, err = metamanager.Load(file, pageSize, logger)
	}
	if err != nil {
		file.Close()
		return nil, err
	}
	pageSize = mgr.PageSize()

	caps, err := btree.DefaultCapacity(pageSize)
	if err != nil {
		file.Close()
		return nil, err
	}

	pager, err := pagemanager.Open(path, pageSize, opts.ReadOnly, logger)
	if err != nil {
		file.Close()
		return nil, err
	}

	db := &DB{
		path:     path,
		file:     file,
		pager:    pager,
		meta:     mgr,
		caps:     caps,
		pageSize: pageSize,
		readOnly: opts.ReadOnly,
		logger:   logger,
		readers:  make(map[*Tx]struct{}),
	}
	if db.metrics, err = newMetrics(opts.Meter); err != nil {
		pager.Close()
		file.Close()
		return nil, err
	}

	mmapSize := opts.MmapInitSize
	if mmapSize <= 0 {
		mmapSize = DefaultMmapInitSize
	}
	if size := fileSize(file); size > int64(mmapSize) {
		mmapSize = int(size)
	}
	if err := db.mapFile(mmapSize); err != nil {
		pager.Close()
		file.Close()
		return nil, err
	}

	db.opened = true
	logger.Info("database open",
		zap.String("path", path),
		zap.Int("page_size", pageSize),
		zap.Bool("read_only", opts.ReadOnly),
		zap.Uint64("txid", mgr.Current().TxID))
	return db, nil
}

func fileSize(file *os.File) int64 {
	info, err := file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (db *DB) mapFile(size int) error {
	size = commonutils.AlignUp(size, os.Getpagesize())
	m, err := unix.Mmap(int(db.file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap database file: %w", err)
	}
	db.mmap = m
	return nil
}

// growMmap remaps the reader mmap after the file has grown past it. It
// blocks until every reader drains.
func (db *DB) growMmap() error {
	size := fileSize(db.file)
	if size <= int64(len(db.mmap)) {
		return nil
	}
	db.mmapLock.Lock()
	defer db.mmapLock.Unlock()
	if err := unix.Munmap(db.mmap); err != nil {
		return fmt.Errorf("unmap database file: %w", err)
	}
	db.mmap = nil
	return db.mapFile(int(size))
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close flushes and closes the database. It fails fast when any
// transaction is still open.
func (db *DB) Close() error {
	db.metaLock.Lock()
	if !db.opened {
		db.metaLock.Unlock()
		return ErrDatabaseNotOpen
	}
	if len(db.readers) > 0 || db.writer != nil {
		db.metaLock.Unlock()
		return fmt.Errorf("%d readers, writer=%v: %w",
			len(db.readers), db.writer != nil, ErrOpenTransactions)
	}
	db.opened = false
	db.metaLock.Unlock()

	var firstErr error
	if err := db.pager.Close(); err != nil {
		firstErr = err
	}
	if db.mmap != nil {
		if err := unix.Munmap(db.mmap); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmap database file: %w", err)
		}
		db.mmap = nil
	}
	unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
	if err := db.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.logger.Info("database closed", zap.String("path", db.path))
	return firstErr
}

// Begin starts a transaction. A writable transaction blocks until any
// prior writer finishes; only one writer exists at a time. Readers run
// concurrently against the meta snapshot taken here.
//
// Nesting a write transaction under a read transaction on the same
// goroutine deadlocks when the writer's commit needs to remap the
// reader mmap; callers must not nest transactions.
func (db *DB) Begin(writable bool) (*Tx, error) {
	db.metaLock.Lock()
	opened := db.opened
	db.metaLock.Unlock()
	if !opened {
		return nil, ErrDatabaseNotOpen
	}

	if writable {
		if db.readOnly {
			return nil, ErrDatabaseReadOnly
		}
		db.writerLock.Lock()

		db.metaLock.Lock()
		if !db.opened {
			db.metaLock.Unlock()
			db.writerLock.Unlock()
			return nil, ErrDatabaseNotOpen
		}
		meta := db.meta.Current()
		tx := &Tx{
			db:        db,
			writable:  true,
			meta:      meta,
			pagerSnap: db.pager.SnapshotState(),
		}
		tx.tree = btree.New(db.pager, meta.Root, db.caps, db.logger)
		db.writer = tx
		db.metaLock.Unlock()
		db.metrics.add(db.metrics.begins, 1)
		return tx, nil
	}

	db.mmapLock.RLock()
	db.metaLock.Lock()
	if !db.opened {
		db.metaLock.Unlock()
		db.mmapLock.RUnlock()
		return nil, ErrDatabaseNotOpen
	}
	meta := db.meta.Current()
	tx := &Tx{
		db:   db,
		meta: meta,
	}
	tx.tree = btree.New(&readerPages{db: db, maxPage: meta.MaxPage}, meta.Root, db.caps, db.logger)
	db.readers[tx] = struct{}{}
	db.metaLock.Unlock()
	db.metrics.add(db.metrics.begins, 1)
	return tx, nil
}

// View runs fn inside a managed read transaction and rolls it back
// unconditionally afterwards. Calling Rollback inside fn is fatal.
func (db *DB) View(fn func(*Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	tx.managed = true
	defer func() {
		tx.managed = false
		tx.rollback()
	}()
	return fn(tx)
}

// commit finishes a write transaction: every dirty page is written
// back, then the alternate meta slot is advanced. New readers observe
// the transaction's effects from that point on.
func (db *DB) commit(tx *Tx) error {
	flushed, err := db.pager.FlushDirty()
	if err != nil {
		return fmt.Errorf("flush dirty pages: %w", err)
	}
	if _, err := db.meta.Commit(tx.tree.Root(), db.pager.HighWater()); err != nil {
		return err
	}
	if err := db.growMmap(); err != nil {
		return err
	}

	stats := tx.tree.Stats()
	db.metrics.add(db.metrics.commits, 1)
	db.metrics.add(db.metrics.pagesFlushed, int64(flushed))
	db.metrics.add(db.metrics.splits, int64(stats.Splits))
	db.metrics.add(db.metrics.merges, int64(stats.Merges))
	db.metrics.add(db.metrics.transfers, int64(stats.Transfers))
	db.logger.Debug("transaction committed",
		zap.Uint64("txid", db.meta.Current().TxID),
		zap.Int("pages_flushed", flushed))

	db.metaLock.Lock()
	db.writer = nil
	db.metaLock.Unlock()
	db.writerLock.Unlock()
	return nil
}

// release undoes transaction registration and, for a writer, discards
// its page buffers.
func (db *DB) release(tx *Tx) {
	if tx.writable {
		db.pager.Restore(tx.pagerSnap)
		db.metaLock.Lock()
		db.writer = nil
		db.metaLock.Unlock()
		db.writerLock.Unlock()
		return
	}
	db.metaLock.Lock()
	delete(db.readers, tx)
	db.metaLock.Unlock()
	db.mmapLock.RUnlock()
}

// readerPages serves page buffers to read transactions straight out of
// the reader mmap, bounded by the snapshot's max_page. Mutating methods
// fail; read transactions never reach them through the Tx surface.
type readerPages struct {
	db      *DB
	maxPage pagemanager.PageIdx
}

func (r *readerPages) PageByIdx(idx pagemanager.PageIdx) ([]byte, error) {
	if idx >= r.maxPage {
		return nil, fmt.Errorf("page %d beyond snapshot max %d: %w",
			idx, r.maxPage, pagemanager.ErrPageNotFound)
	}
	off := int(idx) * r.db.pageSize
	if off+r.db.pageSize > len(r.db.mmap) {
		return nil, fmt.Errorf("page %d beyond mmap: %w", idx, pagemanager.ErrPageNotFound)
	}
	return r.db.mmap[off : off+r.db.pageSize], nil
}

func (r *readerPages) NextEmptyPage() (pagemanager.PageIdx, []byte, error) {
	return 0, nil, ErrTransactionReadOnly
}

func (r *readerPages) Reclaim(pagemanager.PageIdx) error {
	return ErrTransactionReadOnly
}

func (r *readerPages) MarkDirty(pagemanager.PageIdx) {}
