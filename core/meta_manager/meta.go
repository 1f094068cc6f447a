// Package metamanager maintains the two redundant meta pages at the
// head of the database file. Commits alternate between the two slots so
// that a torn meta write always leaves one valid, self-consistent meta
// behind; on open the valid meta with the higher transaction id wins.
package metamanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/sukunadb/core/page_manager"
)

const (
	// MetaPage0 and MetaPage1 hold the two redundant meta records.
	MetaPage0 pagemanager.PageIdx = 0
	MetaPage1 pagemanager.PageIdx = 1
	// FreelistPage is reserved for a persisted freelist. Its layout is
	// not committed yet; the page stays zero-filled.
	FreelistPage pagemanager.PageIdx = 2
	// InitialRootPage is the root of a freshly initialized tree, an
	// empty leaf.
	InitialRootPage pagemanager.PageIdx = 3

	// Size is the length of the serialized meta record.
	Size = 28

	offPageSize = 0
	offRoot     = 4
	offFreelist = 8
	offMaxPage  = 12
	offTxID     = 16
	offChecksum = 24

	// minPageSize rejects garbage page sizes when sniffing an existing
	// file.
	minPageSize = 512
)

var (
	// ErrInvalidMeta is returned when neither meta page validates.
	ErrInvalidMeta = errors.New("no valid meta page")
)

// Meta is the fixed record written at offset 0 of both meta pages. The
// checksum covers every byte preceding the checksum field.
type Meta struct {
	PageSize uint32
	Root     pagemanager.PageIdx
	Freelist pagemanager.PageIdx
	MaxPage  pagemanager.PageIdx
	TxID     uint64
	Checksum uint32
}

// MarshalTo writes the record into buf, which must hold at least Size
// bytes. The stored checksum field is written as-is; call Seal first to
// recompute it.
func (m Meta) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[offPageSize:], m.PageSize)
	binary.LittleEndian.PutUint32(buf[offRoot:], uint32(m.Root))
	binary.LittleEndian.PutUint32(buf[offFreelist:], uint32(m.Freelist))
	binary.LittleEndian.PutUint32(buf[offMaxPage:], uint32(m.MaxPage))
	binary.LittleEndian.PutUint64(buf[offTxID:], m.TxID)
	binary.LittleEndian.PutUint32(buf[offChecksum:], m.Checksum)
}

// Unmarshal decodes a meta record from buf.
func Unmarshal(buf []byte) Meta {
	return Meta{
		PageSize: binary.LittleEndian.Uint32(buf[offPageSize:]),
		Root:     pagemanager.PageIdx(binary.LittleEndian.Uint32(buf[offRoot:])),
		Freelist: pagemanager.PageIdx(binary.LittleEndian.Uint32(buf[offFreelist:])),
		MaxPage:  pagemanager.PageIdx(binary.LittleEndian.Uint32(buf[offMaxPage:])),
		TxID:     binary.LittleEndian.Uint64(buf[offTxID:]),
		Checksum: binary.LittleEndian.Uint32(buf[offChecksum:]),
	}
}

// Sum computes the CRC-32 over every byte preceding the checksum field.
func (m Meta) Sum() uint32 {
	var buf [Size]byte
	m.MarshalTo(buf[:])
	return crc32.ChecksumIEEE(buf[:offChecksum])
}

// Seal recomputes and stores the checksum.
func (m *Meta) Seal() {
	m.Checksum = m.Sum()
}

// Valid reports whether the record passes validation. A zero checksum
// marks an uninitialized record and is accepted; any other value must
// match the recomputed CRC. Structural sanity per the persistence
// invariants: the page size must be plausible and root and freelist
// must lie below max_page.
func (m Meta) Valid() bool {
	if m.Checksum != 0 && m.Checksum != m.Sum() {
		return false
	}
	if m.PageSize < minPageSize {
		return false
	}
	return m.Root < m.MaxPage && m.Freelist < m.MaxPage
}

// Manager owns the two meta slots of an open database file.
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
	current  Meta
	// older is the slot (0 or 1) holding the meta with the smaller
	// txid; it is the one the next commit overwrites.
	older  int
	logger *zap.Logger
}

// Init lays out a blank database file: two meta pages with txids 0 and
// 1, a zeroed freelist page and a zeroed root page (an empty leaf). All
// four pages go out in a single contiguous write followed by fsync.
func Init(file *os.File, pageSize int, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	buf := make([]byte, 4*pageSize)
	for slot := 0; slot < 2; slot++ {
		m := Meta{
			PageSize: uint32(pageSize),
			Root:     InitialRootPage,
			Freelist: FreelistPage,
			MaxPage:  4,
			TxID:     uint64(slot),
		}
		m.Seal()
		m.MarshalTo(buf[slot*pageSize:])
	}
	if _, err := file.WriteAt(buf, 0); err != nil {
		return nil, fmt.Errorf("write initial pages: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("sync initial pages: %w", err)
	}
	mgr := &Manager{
		file:     file,
		pageSize: pageSize,
		logger:   logger.Named("meta"),
	}
	mgr.current = mgr.readSlot(buf, 1)
	mgr.older = 0
	mgr.logger.Info("initialized database file",
		zap.Int("page_size", pageSize),
		zap.Uint32("root", uint32(InitialRootPage)))
	return mgr, nil
}

func (mgr *Manager) readSlot(buf []byte, slot int) Meta {
	return Unmarshal(buf[slot*mgr.pageSize:])
}

// Load reads both meta pages of an existing file and selects the
// authoritative one: the valid record with the higher txid. The page
// size is taken from slot 0 when plausible, otherwise from
// fallbackPageSize.
func Load(file *os.File, fallbackPageSize int, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var head [Size]byte
	if _, err := file.ReadAt(head[:], 0); err != nil {
		return nil, fmt.Errorf("read meta page 0: %w", err)
	}
	m0 := Unmarshal(head[:])
	pageSize := int(m0.PageSize)
	if pageSize < minPageSize {
		pageSize = fallbackPageSize
	}
	var second [Size]byte
	if _, err := file.ReadAt(second[:], int64(pageSize)); err != nil {
		return nil, fmt.Errorf("read meta page 1: %w", err)
	}
	m1 := Unmarshal(second[:])

	mgr := &Manager{
		file:     file,
		pageSize: pageSize,
		logger:   logger.Named("meta"),
	}
	switch {
	case m0.Valid() && m1.Valid():
		if m0.TxID >= m1.TxID {
			mgr.current, mgr.older = m0, 1
		} else {
			mgr.current, mgr.older = m1, 0
		}
	case m0.Valid():
		mgr.current, mgr.older = m0, 1
	case m1.Valid():
		mgr.current, mgr.older = m1, 0
	default:
		return nil, fmt.Errorf("meta pages 0 and 1 both failed validation: %w", ErrInvalidMeta)
	}
	mgr.pageSize = int(mgr.current.PageSize)
	mgr.logger.Debug("selected meta",
		zap.Uint64("txid", mgr.current.TxID),
		zap.Uint32("root", uint32(mgr.current.Root)),
		zap.Int("older_slot", mgr.older))
	return mgr, nil
}

// Current returns the authoritative meta.
func (mgr *Manager) Current() Meta {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.current
}

// PageSize returns the page size recorded in the authoritative meta.
func (mgr *Manager) PageSize() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.pageSize
}

// Commit writes the next meta into the older slot: txid advances by
// one, root and max_page are replaced, the freelist is set to
// FreelistPage.
// On success the written meta becomes authoritative and the slots swap
// roles.
func (mgr *Manager) Commit(root, maxPage pagemanager.PageIdx) (Meta, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	next := mgr.current
	next.TxID++
	next.Root = root
	next.MaxPage = maxPage
	next.Freelist = FreelistPage
	next.Seal()

	var buf [Size]byte
	next.MarshalTo(buf[:])
	off := int64(mgr.older) * int64(mgr.pageSize)
	if _, err := mgr.file.WriteAt(buf[:], off); err != nil {
		return Meta{}, fmt.Errorf("write meta slot %d: %w", mgr.older, err)
	}
	if err := mgr.file.Sync(); err != nil {
		return Meta{}, fmt.Errorf("sync meta slot %d: %w", mgr.older, err)
	}
	mgr.current = next
	mgr.older = 1 - mgr.older
	mgr.logger.Debug("committed meta",
		zap.Uint64("txid", next.TxID),
		zap.Uint32("root", uint32(next.Root)),
		zap.Uint32("max_page", uint32(next.MaxPage)))
	return next, nil
}
