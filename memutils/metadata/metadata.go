package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/memutils"
)

// Metadata represents the bookkeeping for a single range of units (elements, bytes) managed by some
// allocator. It does not own any memory: consumers apply the offsets it hands out to the device objects
// they manage.
type Metadata interface {
	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// Size returns the number of units currently managed by the metadata
	Size() int
	// Used returns the number of units currently handed out to live allocations
	Used() int
	// AllocationCount returns the number of live allocations. This number should generally be the number
	// of successful allocations minus the number of successful frees.
	AllocationCount() int
	// IsEmpty will return true if this metadata has no live allocations
	IsEmpty() bool

	// AddStatistics sums this metadata's allocation statistics into the provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)
	// AddDetailedStatistics sums this metadata's allocation statistics into the provided
	// memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// PrintJSON populates a json object with information about this metadata
	PrintJSON(json jwriter.ObjectState)
}

// metadataBase provides a few shared utilities for Metadata implementations
type metadataBase struct {
	size int
}

// Size returns the number of units managed by the metadata
func (m *metadataBase) Size() int { return m.size }

func (m *metadataBase) printJSON(json jwriter.ObjectState, used, allocationCount, unusedRangeCount int) {
	json.Name("TotalUnits").Int(m.size)
	json.Name("UnusedUnits").Int(m.size - used)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
