// Package device describes the small slice of a graphics API that the streaming subsystem relies on:
// device memory allocations, buffers and images bound at offsets within them, transfers, descriptor
// writes, and ordered submission that signals a timeline counter on completion.
package device

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mock_device

import (
	"github.com/vkngwrapper/streamer/timeline"
)

// MemoryKind selects between memory the CPU can write directly and memory only the device can access
type MemoryKind uint8

const (
	MemoryDeviceLocal MemoryKind = iota
	MemoryHostVisible
)

var memoryKindMapping = map[MemoryKind]string{
	MemoryDeviceLocal: "MemoryDeviceLocal",
	MemoryHostVisible: "MemoryHostVisible",
}

func (k MemoryKind) String() string {
	return memoryKindMapping[k]
}

// BufferUsage is a set of flags indicating how a buffer will be used
type BufferUsage uint32

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageTransferSource
	BufferUsageDescriptor
)

// Object is any device object whose destruction may need to be deferred until the device has finished
// using it
type Object interface {
	Destroy()
}

// Memory is a single device memory allocation
type Memory interface {
	Object
	Size() int
	Kind() MemoryKind
	// Bytes returns the persistent host mapping of a MemoryHostVisible allocation. It returns nil for
	// device-local memory.
	Bytes() []byte
}

// Buffer is a linear device object that is bound to a range of a Memory allocation
type Buffer interface {
	Object
	Size() int
	Usage() BufferUsage
}

// Image is a mipmapped 2D device object that is bound to a range of a Memory allocation. Level 0 is the
// image's finest level.
type Image interface {
	Object
	Info() ImageInfo
}

// Requirements are the size and alignment a device object needs from the memory it is bound to
type Requirements struct {
	Size      int
	Alignment uint
}

// Device is the handle every allocator and cache in this module is constructed against. Implementations
// are not required to be safe for concurrent use, with the exception of the timeline counter.
type Device interface {
	AllocateMemory(size int, kind MemoryKind) (Memory, error)
	CreateBuffer(size int, usage BufferUsage) (Buffer, error)
	CreateImage(info ImageInfo) (Image, error)

	BufferRequirements(size int, usage BufferUsage) Requirements
	ImageRequirements(info ImageInfo) Requirements

	BindBuffer(buffer Buffer, memory Memory, offset int) error
	BindImage(image Image, memory Memory, offset int) error

	// CopyBufferToImage records a transfer of tightly packed level data from src, starting at srcOffset,
	// into levelCount levels of dst starting at dstLevel
	CopyBufferToImage(src Buffer, srcOffset int, dst Image, dstLevel, levelCount int) error
	// CopyImageLevels records a transfer of levelCount levels from src into dst. The levels must have
	// matching extents.
	CopyImageLevels(src Image, srcLevel int, dst Image, dstLevel, levelCount int) error
	// WriteDescriptor points the descriptor table entry at slot to image
	WriteDescriptor(slot int, image Image) error

	// Submit submits all work recorded since the last submission. The timeline counter will reach
	// signal once that work has finished executing.
	Submit(signal uint64) error
	Timeline() *timeline.Counter
}
