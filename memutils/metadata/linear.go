package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/memutils"
)

// Linear is a Metadata implementation that represents a simple bump arena. Allocations are placed at the
// aligned end of the previous allocation and cannot be freed individually: the whole arena is released
// at once with Reset.
type Linear struct {
	metadataBase

	offset          int
	used            int
	allocationCount int
	peak            int
}

var _ Metadata = &Linear{}

// NewLinear creates a Linear arena managing size units
func NewLinear(size int) *Linear {
	return &Linear{metadataBase: metadataBase{size: size}}
}

func (m *Linear) Used() int            { return m.used }
func (m *Linear) AllocationCount() int { return m.allocationCount }
func (m *Linear) IsEmpty() bool        { return m.allocationCount == 0 }

// Offset returns the current end of the arena: the lowest offset the next allocation could be placed at
func (m *Linear) Offset() int { return m.offset }

// Peak returns the highest offset the arena has reached since it was created
func (m *Linear) Peak() int { return m.peak }

// Allocate reserves size units at the next offset aligned to alignment, which must be a power of two.
// memutils.ErrOutOfStaging is returned if the arena does not have room; the arena is unchanged in that case.
func (m *Linear) Allocate(size int, alignment uint) (int, error) {
	if size <= 0 {
		return 0, errors.Newf("attempted to allocate %d units from a linear arena", size)
	}
	if alignment == 0 {
		alignment = 1
	}
	memutils.DebugCheckPow2(alignment, "alignment")

	offset := memutils.AlignUp(m.offset, alignment)
	if offset+size > m.size {
		return 0, errors.Wrapf(memutils.ErrOutOfStaging, "%d units at alignment %d do not fit: %d of %d units in use",
			size, alignment, m.offset, m.size)
	}

	m.used += size
	m.allocationCount++
	m.offset = offset + size
	if m.offset > m.peak {
		m.peak = m.offset
	}

	return offset, nil
}

// Reset releases every allocation in the arena
func (m *Linear) Reset() {
	m.offset = 0
	m.used = 0
	m.allocationCount = 0
}

func (m *Linear) Validate() error {
	if m.offset > m.size {
		return errors.Errorf("the arena offset %d is past its size %d", m.offset, m.size)
	}
	if m.used > m.offset {
		return errors.Errorf("%d units are in use, but the arena offset is only %d", m.used, m.offset)
	}
	if m.allocationCount == 0 && (m.used != 0 || m.offset != 0) {
		return errors.Errorf("the arena has no allocations but its offset is %d", m.offset)
	}
	return nil
}

func (m *Linear) AddStatistics(stats *memutils.Statistics) {
	stats.AllocationCount += m.allocationCount
	stats.Capacity += m.size
	stats.Used += m.used
}

// AddDetailedStatistics adds the arena's tail as its only unused range. Alignment padding between
// allocations is not reported as separate ranges.
func (m *Linear) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Capacity += m.size
	stats.AllocationCount += m.allocationCount
	stats.Used += m.used
	if m.offset < m.size {
		stats.AddUnusedRange(m.size - m.offset)
	}
}

func (m *Linear) PrintJSON(json jwriter.ObjectState) {
	unusedRanges := 0
	if m.offset < m.size {
		unusedRanges = 1
	}
	m.printJSON(json, m.used, m.allocationCount, unusedRanges)
	json.Name("Peak").Int(m.peak)
}
