// Package deletion defers the destruction of device objects until the frame slot that retired them has
// been reacquired, which proves the device has finished every submission that could still use them.
package deletion

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/memutils"
	"golang.org/x/exp/slog"
)

// Kind records what sort of object an entry holds, for logs and statistics
type Kind uint8

const (
	KindBuffer Kind = iota
	KindImage
	KindMemory
	KindPages
	KindGeometry
	kindCount
)

var kindMapping = map[Kind]string{
	KindBuffer:   "KindBuffer",
	KindImage:    "KindImage",
	KindMemory:   "KindMemory",
	KindPages:    "KindPages",
	KindGeometry: "KindGeometry",
}

func (k Kind) String() string {
	return kindMapping[k]
}

type entry struct {
	kind   Kind
	object device.Object
	frame  uint64
}

// Statistics counts the entries that have passed through a Queue
type Statistics struct {
	Pending   int
	Retired   [kindCount]int
	Destroyed [kindCount]int
}

// Queue is a fixed-capacity ring of pending destructions. Retire records, for the slot the frame occupies,
// how far the queue had been written; Reclaim destroys everything up to that mark once the slot comes back
// around. The read and write cursors only ever increase.
type Queue struct {
	logger    *slog.Logger
	slotCount uint64

	entries []entry
	read    uint64
	write   uint64

	marks      []uint64
	markFrames []uint64

	stats Statistics
}

// NewQueue creates a Queue with room for capacity pending entries, for use with slotCount frame slots
func NewQueue(logger *slog.Logger, capacity, slotCount int) *Queue {
	if capacity <= 0 || slotCount <= 0 {
		panic(errors.AssertionFailedf("invalid deletion queue capacity %d or slot count %d", capacity, slotCount))
	}

	return &Queue{
		logger:     logger,
		slotCount:  uint64(slotCount),
		entries:    make([]entry, capacity),
		marks:      make([]uint64, slotCount),
		markFrames: make([]uint64, slotCount),
	}
}

// Len returns the number of entries awaiting destruction
func (q *Queue) Len() int {
	return int(q.write - q.read)
}

// Capacity returns the number of entries the queue can hold
func (q *Queue) Capacity() int {
	return len(q.entries)
}

// Retire schedules object for destruction once the slot that frame occupies has been reacquired.
// If the queue is full, memutils.ErrQueueFull is returned and the object is not queued: this is a
// capacity-planning failure and should be treated as fatal.
func (q *Queue) Retire(frame uint64, kind Kind, object device.Object) error {
	q.logger.Debug("Queue::Retire", slog.Uint64("Frame", frame), slog.String("Kind", kind.String()))

	if object == nil {
		panic(errors.AssertionFailedf("attempted to retire a nil %s", kind))
	}

	if q.write-q.read >= uint64(len(q.entries)) {
		return errors.Wrapf(memutils.ErrQueueFull, "deletion queue holds %d entries; retiring %s at frame %d", len(q.entries), kind, frame)
	}

	slot := frame % q.slotCount
	if q.markFrames[slot] > frame {
		panic(errors.AssertionFailedf("retiring at frame %d, but slot %d has already been used by frame %d", frame, slot, q.markFrames[slot]))
	}

	q.entries[q.write%uint64(len(q.entries))] = entry{kind: kind, object: object, frame: frame}
	q.write++
	q.marks[slot] = q.write
	q.markFrames[slot] = frame
	q.stats.Retired[kind]++

	return nil
}

// Reclaim destroys every entry retired up through the previous occupant of frame's slot, and returns the
// number of objects destroyed. The caller must already know that the device has finished all work
// submitted for that occupant.
func (q *Queue) Reclaim(frame uint64) int {
	slot := frame % q.slotCount
	end := q.marks[slot]
	if end <= q.read {
		return 0
	}

	q.logger.Debug("Queue::Reclaim", slog.Uint64("Frame", frame), slog.Uint64("Entries", end-q.read))

	count := 0
	for ; q.read < end; q.read++ {
		e := &q.entries[q.read%uint64(len(q.entries))]
		if e.frame+q.slotCount > frame {
			panic(errors.AssertionFailedf("reclaiming at frame %d would destroy a %s retired at frame %d with %d frame slots",
				frame, e.kind, e.frame, q.slotCount))
		}

		q.destroy(e)
		count++
	}

	return count
}

// Flush destroys every pending entry regardless of the frame it was retired in. It is intended for
// shutdown, after the device has gone idle.
func (q *Queue) Flush() int {
	q.logger.Debug("Queue::Flush", slog.Int("Entries", q.Len()))

	count := 0
	for ; q.read < q.write; q.read++ {
		q.destroy(&q.entries[q.read%uint64(len(q.entries))])
		count++
	}

	return count
}

func (q *Queue) destroy(e *entry) {
	e.object.Destroy()
	q.stats.Destroyed[e.kind]++
	e.object = nil
}

// Statistics returns the queue's running counts
func (q *Queue) Statistics() Statistics {
	stats := q.stats
	stats.Pending = q.Len()
	return stats
}

func (q *Queue) PrintJSON(json jwriter.ObjectState) {
	json.Name("Capacity").Int(len(q.entries))
	json.Name("Pending").Int(q.Len())
	json.Name("ReadCursor").Int(int(q.read))
	json.Name("WriteCursor").Int(int(q.write))

	kinds := json.Name("Kinds").Object()
	defer kinds.End()

	for kind := Kind(0); kind < kindCount; kind++ {
		obj := kinds.Name(kind.String()).Object()
		obj.Name("Retired").Int(q.stats.Retired[kind])
		obj.Name("Destroyed").Int(q.stats.Destroyed[kind])
		obj.End()
	}
}
