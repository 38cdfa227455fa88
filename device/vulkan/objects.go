package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/streamer/device"
)

// Memory is a device memory allocation. Host-visible memory stays mapped until it is destroyed.
type Memory struct {
	memory    core1_0.DeviceMemory
	kind      device.MemoryKind
	size      int
	typeIndex int
	mapped    []byte
	callbacks *driver.AllocationCallbacks
}

var _ device.Memory = &Memory{}

func (m *Memory) Size() int                                { return m.size }
func (m *Memory) Kind() device.MemoryKind                  { return m.kind }
func (m *Memory) Bytes() []byte                            { return m.mapped }
func (m *Memory) VulkanDeviceMemory() core1_0.DeviceMemory { return m.memory }

func (m *Memory) Destroy() {
	if m.mapped != nil {
		m.memory.Unmap()
		m.mapped = nil
	}
	m.memory.Free(m.callbacks)
}

type Buffer struct {
	buffer    core1_0.Buffer
	size      int
	usage     device.BufferUsage
	callbacks *driver.AllocationCallbacks
}

var _ device.Buffer = &Buffer{}

func (b *Buffer) Size() int                    { return b.size }
func (b *Buffer) Usage() device.BufferUsage    { return b.usage }
func (b *Buffer) VulkanBuffer() core1_0.Buffer { return b.buffer }
func (b *Buffer) Destroy()                     { b.buffer.Destroy(b.callbacks) }

type Image struct {
	image     core1_0.Image
	info      device.ImageInfo
	format    core1_0.Format
	callbacks *driver.AllocationCallbacks
}

var _ device.Image = &Image{}

func (i *Image) Info() device.ImageInfo     { return i.info }
func (i *Image) Format() core1_0.Format     { return i.format }
func (i *Image) VulkanImage() core1_0.Image { return i.image }
func (i *Image) Destroy()                   { i.image.Destroy(i.callbacks) }
