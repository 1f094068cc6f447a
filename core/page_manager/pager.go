// Package pagemanager owns the database file and hands out page buffers
// by index. Page I/O goes through short-lived, page-granular memory
// mappings so that flushes get msync durability without explicit
// read/write syscalls.
package pagemanager

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	commonutils "github.com/sushant-115/sukunadb/internal/common_utils"
)

// PageIdx identifies a page within the database file.
type PageIdx uint32

const (
	// MaxPages bounds the in-memory slot table. Indices at or beyond it
	// fail with ErrPageNotFound.
	MaxPages PageIdx = 1 << 20
)

var (
	ErrPageNotFound = errors.New("page not found")
	ErrPagerClosed  = errors.New("pager is closed")
	ErrReadOnly     = errors.New("pager opened read-only")
)

// Pager maps PageIdx to a page-sized byte buffer backed by the file.
// A buffer is materialized on first access and stays resident until the
// page is reclaimed or the pager closes. Buffers returned by PageByIdx
// are shared; mutation is only permitted to the current writer.
type Pager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	osPage   int64
	readOnly bool
	closed   bool

	slots map[PageIdx][]byte
	dirty map[PageIdx]struct{}
	freed map[PageIdx]struct{}
	// high is one past the highest slot known to be occupied, on disk or
	// in memory.
	high PageIdx

	logger *zap.Logger
}

// Snapshot captures the allocation state of the pager so that a write
// transaction can be rolled back.
type Snapshot struct {
	high  PageIdx
	freed map[PageIdx]struct{}
}

// Open opens path in read/write mode, creating it exclusively first and
// falling back to a plain open when the file already exists. With
// readOnly set it opens an existing file read-only.
func Open(path string, pageSize int, readOnly bool, logger *zap.Logger) (*Pager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		file *os.File
		err  error
	)
	if readOnly {
		file, err = os.OpenFile(path, os.O_RDONLY, 0o644)
	} else {
		file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if errors.Is(err, os.ErrExist) {
			file, err = os.OpenFile(path, os.O_RDWR, 0o644)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open page file %s: %w", path, err)
	}

	p := &Pager{
		file:     file,
		path:     path,
		pageSize: pageSize,
		osPage:   int64(os.Getpagesize()),
		readOnly: readOnly,
		slots:    make(map[PageIdx][]byte),
		dirty:    make(map[PageIdx]struct{}),
		freed:    make(map[PageIdx]struct{}),
		logger:   logger.Named("pager"),
	}
	n, err := p.NumPages()
	if err != nil {
		file.Close()
		return nil, err
	}
	p.high = n
	return p, nil
}

// PageSize returns the configured page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// PageByIdx returns the buffer for page idx, reading it from the file on
// first access. Accessing a page past the current end of the file
// yields a zero buffer; a writable pager also extends the file.
func (p *Pager) PageByIdx(idx PageIdx) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPagerClosed
	}
	if idx >= MaxPages {
		return nil, fmt.Errorf("page %d out of range: %w", idx, ErrPageNotFound)
	}
	if buf, ok := p.slots[idx]; ok {
		return buf, nil
	}
	buf := make([]byte, p.pageSize)
	read, err := p.mapRead(idx, buf)
	if err != nil {
		return nil, err
	}
	if !read {
		p.logger.Debug("page beyond file end, serving zero buffer", zap.Uint32("page", uint32(idx)))
	}
	p.slots[idx] = buf
	if idx >= p.high {
		p.high = idx + 1
	}
	return buf, nil
}

// NextEmptyPage scans the slot table for the first unoccupied slot,
// materializes a zero buffer for it and returns it. The new page is
// marked dirty so the next flush persists it.
func (p *Pager) NextEmptyPage() (PageIdx, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, nil, ErrPagerClosed
	}
	if p.readOnly {
		return 0, nil, ErrReadOnly
	}
	for idx := PageIdx(0); idx < MaxPages; idx++ {
		if p.occupiedLocked(idx) {
			continue
		}
		buf := make([]byte, p.pageSize)
		p.slots[idx] = buf
		p.dirty[idx] = struct{}{}
		delete(p.freed, idx)
		if idx >= p.high {
			p.high = idx + 1
		}
		p.logger.Debug("allocated page", zap.Uint32("page", uint32(idx)))
		return idx, buf, nil
	}
	return 0, nil, fmt.Errorf("no free page slot: %w", ErrPageNotFound)
}

func (p *Pager) occupiedLocked(idx PageIdx) bool {
	if _, ok := p.slots[idx]; ok {
		return true
	}
	if _, ok := p.freed[idx]; ok {
		return false
	}
	return idx < p.high
}

// MarkDirty records that the buffer for idx has been mutated and must be
// written back on the next flush. Unknown indices are ignored.
func (p *Pager) MarkDirty(idx PageIdx) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[idx]; ok {
		p.dirty[idx] = struct{}{}
	}
}

// FlushPage writes the buffer for idx back to the file through a
// write mapping and msyncs it.
func (p *Pager) FlushPage(idx PageIdx) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushPageLocked(idx)
}

func (p *Pager) flushPageLocked(idx PageIdx) error {
	if p.closed {
		return ErrPagerClosed
	}
	if p.readOnly {
		return ErrReadOnly
	}
	buf, ok := p.slots[idx]
	if !ok {
		return fmt.Errorf("flush page %d: %w", idx, ErrPageNotFound)
	}
	if err := p.mapWrite(idx, buf); err != nil {
		return err
	}
	delete(p.dirty, idx)
	return nil
}

// FlushDirty writes every dirty page in ascending index order and
// releases the buffers of pages reclaimed since the last flush. It
// returns the number of pages written.
func (p *Pager) FlushDirty() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idxs := make([]PageIdx, 0, len(p.dirty))
	for idx := range p.dirty {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	for _, idx := range idxs {
		if err := p.flushPageLocked(idx); err != nil {
			return 0, err
		}
	}
	for idx := range p.freed {
		delete(p.slots, idx)
	}
	return len(idxs), nil
}

// Reclaim zeroes the page, marks it dirty so the zeroes reach disk with
// the next flush, and frees its slot for reallocation.
func (p *Pager) Reclaim(idx PageIdx) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPagerClosed
	}
	if p.readOnly {
		return ErrReadOnly
	}
	buf, ok := p.slots[idx]
	if !ok {
		if idx >= p.high {
			return fmt.Errorf("reclaim page %d: %w", idx, ErrPageNotFound)
		}
		buf = make([]byte, p.pageSize)
		p.slots[idx] = buf
	}
	clear(buf)
	p.dirty[idx] = struct{}{}
	p.freed[idx] = struct{}{}
	p.logger.Debug("reclaimed page", zap.Uint32("page", uint32(idx)))
	return nil
}

// SnapshotState captures the allocation state for later rollback.
func (p *Pager) SnapshotState() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	freed := make(map[PageIdx]struct{}, len(p.freed))
	for idx := range p.freed {
		freed[idx] = struct{}{}
	}
	return Snapshot{high: p.high, freed: freed}
}

// Restore discards every dirty buffer and rewinds the allocation state
// to the given snapshot. Dropped buffers are re-read from the file on
// their next access.
func (p *Pager) Restore(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx := range p.dirty {
		delete(p.slots, idx)
	}
	p.dirty = make(map[PageIdx]struct{})
	p.freed = s.freed
	p.high = s.high
}

// HighWater returns one past the highest occupied page index.
func (p *Pager) HighWater() PageIdx {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high
}

// NumPages reports the number of whole pages currently in the file.
func (p *Pager) NumPages() (PageIdx, error) {
	info, err := p.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat page file: %w", err)
	}
	return PageIdx(info.Size() / int64(p.pageSize)), nil
}

// Close flushes every live page and closes the file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if !p.readOnly {
		idxs := make([]PageIdx, 0, len(p.slots))
		for idx := range p.slots {
			idxs = append(idxs, idx)
		}
		sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
		for _, idx := range idxs {
			if err := p.flushPageLocked(idx); err != nil {
				return err
			}
		}
	}
	p.closed = true
	p.slots = nil
	p.dirty = nil
	p.freed = nil
	return p.file.Close()
}

// mapRead copies page idx from the file into buf through a transient
// read mapping. It reports false when the page lies past the end of the
// file, in which case the file is extended and buf is left zeroed.
func (p *Pager) mapRead(idx PageIdx, buf []byte) (bool, error) {
	off := int64(idx) * int64(p.pageSize)
	info, err := p.file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat page file: %w", err)
	}
	if off+int64(p.pageSize) > info.Size() {
		if p.readOnly {
			return false, nil
		}
		if err := unix.Ftruncate(int(p.file.Fd()), off+int64(p.pageSize)); err != nil {
			return false, fmt.Errorf("extend page file to page %d: %w", idx, err)
		}
		return false, nil
	}
	m, delta, err := p.mapRange(off, unix.PROT_READ)
	if err != nil {
		return false, err
	}
	copy(buf, m[delta:delta+int64(p.pageSize)])
	if err := unix.Munmap(m); err != nil {
		return false, fmt.Errorf("unmap page %d: %w", idx, err)
	}
	return true, nil
}

// mapWrite copies buf into the file through a transient write mapping
// and issues a synchronous msync.
func (p *Pager) mapWrite(idx PageIdx, buf []byte) error {
	off := int64(idx) * int64(p.pageSize)
	info, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("stat page file: %w", err)
	}
	if off+int64(p.pageSize) > info.Size() {
		if err := unix.Ftruncate(int(p.file.Fd()), off+int64(p.pageSize)); err != nil {
			return fmt.Errorf("extend page file to page %d: %w", idx, err)
		}
	}
	m, delta, err := p.mapRange(off, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return err
	}
	copy(m[delta:delta+int64(p.pageSize)], buf)
	if err := unix.Msync(m, unix.MS_SYNC); err != nil {
		unix.Munmap(m)
		return fmt.Errorf("msync page %d: %w", idx, err)
	}
	if err := unix.Munmap(m); err != nil {
		return fmt.Errorf("unmap page %d: %w", idx, err)
	}
	return nil
}

// mapRange maps a page-granular region of the file covering
// [off, off+pageSize). The mapping starts at off aligned down to a host
// page boundary; the returned delta is the position of off within it.
func (p *Pager) mapRange(off int64, prot int) ([]byte, int64, error) {
	aligned := commonutils.AlignDown(off, p.osPage)
	delta := off - aligned
	length := int(delta) + p.pageSize
	m, err := unix.Mmap(int(p.file.Fd()), aligned, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap offset %d len %d: %w", aligned, length, err)
	}
	return m, delta, nil
}
