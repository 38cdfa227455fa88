package headless

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/streamer/device"
)

type object struct {
	dev       *Device
	id        int
	destroyed bool
}

func (o *object) destroy() {
	if o.destroyed {
		panic(errors.AssertionFailedf("object %d was destroyed twice", o.id))
	}
	o.destroyed = true
	o.dev.liveObjects--
	o.dev.destroyedObjects++
}

// Destroyed returns true once the object has been destroyed
func (o *object) Destroyed() bool {
	return o.destroyed
}

// ID returns a number identifying the object within its device
func (o *object) ID() int {
	return o.id
}

// Memory is a device memory allocation backed by a host slice
type Memory struct {
	object
	kind device.MemoryKind
	data []byte
}

var _ device.Memory = &Memory{}

func (m *Memory) Size() int { return len(m.data) }

func (m *Memory) Kind() device.MemoryKind { return m.kind }

func (m *Memory) Bytes() []byte {
	if m.kind != device.MemoryHostVisible {
		return nil
	}
	return m.data
}

func (m *Memory) Destroy() {
	m.destroy()
	if m.kind == device.MemoryDeviceLocal {
		m.dev.deviceLocalBytes -= len(m.data)
	}
}

type binding struct {
	memory *Memory
	offset int
}

// Buffer is a buffer that can be bound to a Memory
type Buffer struct {
	object
	binding
	size  int
	usage device.BufferUsage
}

var _ device.Buffer = &Buffer{}

func (b *Buffer) Size() int                 { return b.size }
func (b *Buffer) Usage() device.BufferUsage { return b.usage }
func (b *Buffer) Destroy()                  { b.destroy() }

// Image is an image that can be bound to a Memory. Its levels are tightly packed from finest to coarsest
// starting at the bound offset.
type Image struct {
	object
	binding
	info device.ImageInfo
}

var _ device.Image = &Image{}

func (i *Image) Info() device.ImageInfo { return i.info }
func (i *Image) Destroy()               { i.destroy() }

func (i *Image) levelRange(level, count int) (int, int) {
	start := i.offset + i.info.LevelsSize(0, level)
	return start, start + i.info.LevelsSize(level, count)
}
