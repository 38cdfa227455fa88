package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes the occupancy of an allocator. Capacity and Used are expressed in the allocator's own
// unit: elements for geometry pools, pages for the texture cache, bytes for arenas and staging windows.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	Capacity        int
	Used            int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.Capacity = 0
	s.Used = 0
}

// Free returns the number of units not currently in use
func (s *Statistics) Free() int {
	return s.Capacity - s.Used
}

func (s *Statistics) PrintJSON(json jwriter.ObjectState) {
	json.Name("Blocks").Int(s.BlockCount)
	json.Name("Allocations").Int(s.AllocationCount)
	json.Name("Capacity").Int(s.Capacity)
	json.Name("Used").Int(s.Used)
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.Used += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) PrintJSON(json jwriter.ObjectState) {
	s.Statistics.PrintJSON(json)
	json.Name("UnusedRanges").Int(s.UnusedRangeCount)
	if s.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}
	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
