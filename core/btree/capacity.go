package btree

import (
	"errors"
	"fmt"

	commonutils "github.com/sushant-115/sukunadb/internal/common_utils"
)

var (
	// ErrBadCapacity marks a page size too small for the rebalancing
	// algorithm to be well-defined.
	ErrBadCapacity = errors.New("page size yields unusable cell capacity")
)

// Capacity holds the per-variant cell limits derived from the page
// size. Every non-root node keeps between Min and Max cells inclusive.
// Tests override it to force small fan-outs.
type Capacity struct {
	LeafMax     int
	LeafMin     int
	InternalMax int
	InternalMin int
}

// DefaultCapacity derives the cell limits from pageSize. The max for
// each variant must exceed 3 and the min must exceed 1; anything
// smaller is a configuration error.
func DefaultCapacity(pageSize int) (Capacity, error) {
	start := commonutils.AlignUp(headerSize, 8)
	caps := Capacity{
		LeafMax:     (pageSize - start) / leafCellSize,
		InternalMax: (pageSize - start) / internalCellSize,
	}
	caps.LeafMin = caps.LeafMax / 2
	caps.InternalMin = caps.InternalMax / 2
	if err := caps.Validate(pageSize); err != nil {
		return Capacity{}, err
	}
	return caps, nil
}

// Validate checks the limits against the rebalancing preconditions and
// the page size.
func (c Capacity) Validate(pageSize int) error {
	if c.LeafMax <= 3 || c.InternalMax <= 3 {
		return fmt.Errorf("cells_max leaf=%d internal=%d (need > 3): %w",
			c.LeafMax, c.InternalMax, ErrBadCapacity)
	}
	if c.LeafMin <= 1 || c.InternalMin <= 1 {
		return fmt.Errorf("cells_min leaf=%d internal=%d (need > 1): %w",
			c.LeafMin, c.InternalMin, ErrBadCapacity)
	}
	if cellsStart+c.LeafMax*leafCellSize > pageSize ||
		cellsStart+c.InternalMax*internalCellSize > pageSize {
		return fmt.Errorf("cell capacity exceeds page size %d: %w", pageSize, ErrBadCapacity)
	}
	return nil
}
