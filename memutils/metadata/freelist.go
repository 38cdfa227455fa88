package metadata

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/memutils"
)

// NoNode is the link value used to terminate free-list chains
const NoNode int32 = -1

type freeListNode struct {
	offset int
	count  int
	prev   int32
	next   int32

	state nodeState
}

type nodeState uint8

const (
	nodeSpare nodeState = iota
	nodeFree
	nodeUsed
)

// SubBlock identifies a live range handed out by FreeList.Allocate. Offset and Count are expressed in
// elements; the node index is only meaningful to the FreeList that produced it.
type SubBlock struct {
	node   int32
	Offset int
	Count  int
}

// IsNull returns true for the zero-value SubBlock returned alongside errors
func (b SubBlock) IsNull() bool { return b.Count == 0 }

type nodeList struct {
	head  int32
	tail  int32
	count int
}

// FreeList is a first-fit sub-allocator over a growable range of elements. Nodes live in a flat array that is
// sized once at construction and linked by index, so the node pool is a resource that can run out independently
// of the element capacity.
//
// Freed ranges are returned to the free list as they are. Adjacent free ranges are never merged, so long
// runs with varied request sizes will fragment the capacity. Because ranges are never merged, every range
// stays inside the extent that was added by the Extend call that created it.
type FreeList struct {
	metadataBase

	nodes []freeListNode
	free  nodeList
	used  nodeList
	spare nodeList

	usedUnits int
}

var _ Metadata = &FreeList{}

// NewFreeList creates an empty FreeList with nodeCapacity bookkeeping nodes. Each Extend call consumes one
// node, and each allocation that splits a free range consumes one more.
func NewFreeList(nodeCapacity int) *FreeList {
	l := &FreeList{
		nodes: make([]freeListNode, nodeCapacity),
		free:  nodeList{head: NoNode, tail: NoNode},
		used:  nodeList{head: NoNode, tail: NoNode},
		spare: nodeList{head: NoNode, tail: NoNode},
	}

	for i := nodeCapacity - 1; i >= 0; i-- {
		l.nodes[i] = freeListNode{prev: NoNode, next: NoNode}
		l.pushFront(&l.spare, int32(i))
	}

	return l
}

func (l *FreeList) Used() int            { return l.usedUnits }
func (l *FreeList) AllocationCount() int { return l.used.count }
func (l *FreeList) FreeRangeCount() int  { return l.free.count }
func (l *FreeList) SpareNodes() int      { return l.spare.count }
func (l *FreeList) IsEmpty() bool        { return l.used.count == 0 }

func (l *FreeList) unlink(list *nodeList, index int32) {
	node := &l.nodes[index]
	if node.prev != NoNode {
		l.nodes[node.prev].next = node.next
	} else {
		list.head = node.next
	}

	if node.next != NoNode {
		l.nodes[node.next].prev = node.prev
	} else {
		list.tail = node.prev
	}

	node.prev = NoNode
	node.next = NoNode
	list.count--
}

func (l *FreeList) pushFront(list *nodeList, index int32) {
	node := &l.nodes[index]
	node.prev = NoNode
	node.next = list.head
	if list.head != NoNode {
		l.nodes[list.head].prev = index
	} else {
		list.tail = index
	}
	list.head = index
	list.count++
}

func (l *FreeList) pushBack(list *nodeList, index int32) {
	node := &l.nodes[index]
	node.next = NoNode
	node.prev = list.tail
	if list.tail != NoNode {
		l.nodes[list.tail].next = index
	} else {
		list.head = index
	}
	list.tail = index
	list.count++
}

// insertAfter links index into list directly after the node at after
func (l *FreeList) insertAfter(list *nodeList, after int32, index int32) {
	node := &l.nodes[index]
	node.prev = after
	node.next = l.nodes[after].next
	if node.next != NoNode {
		l.nodes[node.next].prev = index
	} else {
		list.tail = index
	}
	l.nodes[after].next = index
	list.count++
}

func (l *FreeList) takeSpare() int32 {
	index := l.spare.head
	l.unlink(&l.spare, index)
	return index
}

// Extend appends count free elements to the end of the managed range. It fails with
// memutils.ErrNodePoolExhausted if no bookkeeping node is available, in which case the
// list is unchanged.
func (l *FreeList) Extend(count int) error {
	if count <= 0 {
		return errors.Newf("attempted to extend a free list by %d elements", count)
	}
	if l.spare.count == 0 {
		return errors.Wrapf(memutils.ErrNodePoolExhausted, "no node available to extend by %d elements", count)
	}

	index := l.takeSpare()
	l.nodes[index].offset = l.size
	l.nodes[index].count = count
	l.nodes[index].state = nodeFree
	l.pushBack(&l.free, index)
	l.size += count

	return nil
}

// Allocate reserves count contiguous elements from the first free range large enough to hold them.
// If that range is larger than the request, the remainder is split off into a new free range, which
// requires a spare node: when none is available, the scan continues looking for an exact fit before
// failing with memutils.ErrNodePoolExhausted. If no free range is large enough, Allocate fails with
// memutils.ErrOutOfMemory. The list is unchanged whenever an error is returned.
func (l *FreeList) Allocate(count int) (SubBlock, error) {
	if count <= 0 {
		return SubBlock{}, errors.Newf("attempted to allocate %d elements", count)
	}

	candidate := NoNode
	needsSplit := false
	for index := l.free.head; index != NoNode; index = l.nodes[index].next {
		node := &l.nodes[index]
		if node.count < count {
			continue
		}

		if node.count == count {
			candidate = index
			needsSplit = false
			break
		}

		if l.spare.count > 0 {
			candidate = index
			needsSplit = true
			break
		}

		// This range would fit but can't be split; remember that we saw it
		// in case no exact fit turns up
		needsSplit = true
	}

	if candidate == NoNode {
		if needsSplit {
			return SubBlock{}, errors.Wrapf(memutils.ErrNodePoolExhausted, "a free range could hold %d elements but no node was available to split it", count)
		}
		return SubBlock{}, errors.Wrapf(memutils.ErrOutOfMemory, "no free range of %d elements among %d free ranges", count, l.free.count)
	}

	node := &l.nodes[candidate]
	if needsSplit {
		remainder := l.takeSpare()
		l.nodes[remainder].offset = node.offset + count
		l.nodes[remainder].count = node.count - count
		l.nodes[remainder].state = nodeFree
		l.insertAfter(&l.free, candidate, remainder)
		node.count = count
	}

	l.unlink(&l.free, candidate)
	node.state = nodeUsed
	l.pushBack(&l.used, candidate)
	l.usedUnits += count

	return SubBlock{node: candidate, Offset: node.offset, Count: node.count}, nil
}

// Free returns a live range to the free list. The range is appended to the end of the free list as-is.
// An error is returned if the SubBlock does not identify a live allocation in this list, such as when it
// has already been freed.
func (l *FreeList) Free(block SubBlock) error {
	if block.node < 0 || int(block.node) >= len(l.nodes) {
		return errors.Newf("sub-block node %d is out of range", block.node)
	}

	node := &l.nodes[block.node]
	if node.state != nodeUsed {
		return errors.Newf("sub-block at offset %d is not allocated", block.Offset)
	}
	if node.offset != block.Offset || node.count != block.Count {
		return errors.Newf("sub-block at offset %d (count %d) does not match the live range at offset %d (count %d)",
			block.Offset, block.Count, node.offset, node.count)
	}

	l.unlink(&l.used, block.node)
	node.state = nodeFree
	l.pushBack(&l.free, block.node)
	l.usedUnits -= node.count

	return nil
}

// IsLive returns true if the SubBlock currently identifies a live allocation in this list
func (l *FreeList) IsLive(block SubBlock) bool {
	if block.node < 0 || int(block.node) >= len(l.nodes) {
		return false
	}
	node := &l.nodes[block.node]
	return node.state == nodeUsed && node.offset == block.Offset && node.count == block.Count
}

// VisitAllRegions will call the provided callback once for each allocated and free range in the list,
// in list order (allocated ranges first).
func (l *FreeList) VisitAllRegions(handleRegion func(offset, count int, free bool) error) error {
	for index := l.used.head; index != NoNode; index = l.nodes[index].next {
		err := handleRegion(l.nodes[index].offset, l.nodes[index].count, false)
		if err != nil {
			return err
		}
	}

	for index := l.free.head; index != NoNode; index = l.nodes[index].next {
		err := handleRegion(l.nodes[index].offset, l.nodes[index].count, true)
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *FreeList) validateList(list *nodeList, state nodeState, name string) (int, error) {
	count := 0
	units := 0
	prev := NoNode
	for index := list.head; index != NoNode; index = l.nodes[index].next {
		node := &l.nodes[index]
		if node.state != state {
			return 0, errors.Errorf("node %d is in the %s list but has state %d", index, name, node.state)
		}
		if node.prev != prev {
			return 0, errors.Errorf("node %d in the %s list lists node %d as its previous node, but the forward reference came from node %d", index, name, node.prev, prev)
		}
		if state != nodeSpare && node.count <= 0 {
			return 0, errors.Errorf("node %d in the %s list has invalid count %d", index, name, node.count)
		}

		count++
		units += node.count
		prev = index
		if count > len(l.nodes) {
			return 0, errors.Errorf("the %s list contains a cycle", name)
		}
	}

	if prev != list.tail {
		return 0, errors.Errorf("the %s list ends at node %d but its tail is node %d", name, prev, list.tail)
	}
	if count != list.count {
		return 0, errors.Errorf("the %s list has %d nodes but its count is %d", name, count, list.count)
	}

	return units, nil
}

// Validate checks that every node is in exactly one list, that the allocated and free ranges tile the
// managed range exactly (so no two allocated ranges overlap and free + used equals the size), and that
// the cached counters match.
func (l *FreeList) Validate() error {
	if _, err := l.validateList(&l.spare, nodeSpare, "spare"); err != nil {
		return err
	}
	freeUnits, err := l.validateList(&l.free, nodeFree, "free")
	if err != nil {
		return err
	}
	usedUnits, err := l.validateList(&l.used, nodeUsed, "used")
	if err != nil {
		return err
	}

	if l.spare.count+l.free.count+l.used.count != len(l.nodes) {
		return errors.Errorf("%d nodes are in lists, but the node pool holds %d", l.spare.count+l.free.count+l.used.count, len(l.nodes))
	}
	if usedUnits != l.usedUnits {
		return errors.Errorf("the used ranges add up to %d elements, but the list reports %d", usedUnits, l.usedUnits)
	}
	if freeUnits+usedUnits != l.size {
		return errors.Errorf("free (%d) and used (%d) elements do not add up to the size %d", freeUnits, usedUnits, l.size)
	}

	type region struct{ offset, count int }
	regions := make([]region, 0, l.free.count+l.used.count)
	_ = l.VisitAllRegions(func(offset, count int, free bool) error {
		regions = append(regions, region{offset, count})
		return nil
	})
	sort.Slice(regions, func(i, j int) bool { return regions[i].offset < regions[j].offset })

	nextOffset := 0
	for _, r := range regions {
		if r.offset < nextOffset {
			return errors.Errorf("the range at offset %d overlaps the previous range ending at %d", r.offset, nextOffset)
		}
		if r.offset > nextOffset {
			return errors.Errorf("elements %d through %d are not covered by any range", nextOffset, r.offset)
		}
		nextOffset = r.offset + r.count
	}
	if nextOffset != l.size {
		return errors.Errorf("the ranges end at %d, but the size is %d", nextOffset, l.size)
	}

	return nil
}

func (l *FreeList) AddStatistics(stats *memutils.Statistics) {
	stats.AllocationCount += l.used.count
	stats.Capacity += l.size
	stats.Used += l.usedUnits
}

func (l *FreeList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Capacity += l.size
	_ = l.VisitAllRegions(func(offset, count int, free bool) error {
		if free {
			stats.AddUnusedRange(count)
		} else {
			stats.AddAllocation(count)
		}
		return nil
	})
}

func (l *FreeList) PrintJSON(json jwriter.ObjectState) {
	l.printJSON(json, l.usedUnits, l.used.count, l.free.count)
	json.Name("SpareNodes").Int(l.spare.count)
}
