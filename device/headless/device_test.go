package headless

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/streamer/device"
	"golang.org/x/exp/slog"
)

func testDevice(options Options) *Device {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), options)
}

func TestDeviceLocalLimit(t *testing.T) {
	dev := testDevice(Options{DeviceLocalLimit: 1024})

	mem, err := dev.AllocateMemory(1024, device.MemoryDeviceLocal)
	require.NoError(t, err)
	require.Nil(t, mem.Bytes())

	_, err = dev.AllocateMemory(1, device.MemoryDeviceLocal)
	require.Error(t, err)

	// Host-visible memory does not count against the limit
	host, err := dev.AllocateMemory(4096, device.MemoryHostVisible)
	require.NoError(t, err)
	require.Len(t, host.Bytes(), 4096)

	mem.Destroy()
	require.Equal(t, 0, dev.DeviceLocalBytes())
	_, err = dev.AllocateMemory(512, device.MemoryDeviceLocal)
	require.NoError(t, err)
}

func TestInjectedFailures(t *testing.T) {
	dev := testDevice(Options{})
	dev.FailNext(OpCreateImage, 1)

	info := device.ImageInfo{Width: 4, Height: 4, MipLevels: 3, BytesPerPixel: 4}
	_, err := dev.CreateImage(info)
	require.Error(t, err)

	_, err = dev.CreateImage(info)
	require.NoError(t, err)
}

func TestCopyLevels(t *testing.T) {
	dev := testDevice(Options{Alignment: 16})

	staging, err := dev.AllocateMemory(1024, device.MemoryHostVisible)
	require.NoError(t, err)
	stagingBuffer, err := dev.CreateBuffer(1024, device.BufferUsageTransferSource)
	require.NoError(t, err)
	require.NoError(t, dev.BindBuffer(stagingBuffer, staging, 0))

	local, err := dev.AllocateMemory(1024, device.MemoryDeviceLocal)
	require.NoError(t, err)

	info := device.ImageInfo{Width: 4, Height: 4, MipLevels: 3, BytesPerPixel: 1}
	full, err := dev.CreateImage(info)
	require.NoError(t, err)
	require.NoError(t, dev.BindImage(full, local, 0))

	// Level 0 is 16 bytes, level 1 is 4, level 2 is 1
	for i := 0; i < 21; i++ {
		staging.Bytes()[i] = byte(i)
	}
	require.NoError(t, dev.CopyBufferToImage(stagingBuffer, 0, full, 0, 3))

	tail, err := dev.CreateImage(info.Tail(1))
	require.NoError(t, err)
	require.NoError(t, dev.BindImage(tail, local, 512))
	require.NoError(t, dev.CopyImageLevels(full, 1, tail, 0, 2))

	level, err := dev.ReadLevel(tail, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{16, 17, 18, 19}, level)

	level, err = dev.ReadLevel(tail, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{20}, level)

	// Extents don't line up
	require.Error(t, dev.CopyImageLevels(full, 0, tail, 0, 1))
	require.Equal(t, 2, dev.Transfers())
}

func TestDanglingDescriptors(t *testing.T) {
	dev := testDevice(Options{})
	mem, err := dev.AllocateMemory(1024, device.MemoryDeviceLocal)
	require.NoError(t, err)

	image, err := dev.CreateImage(device.ImageInfo{Width: 2, Height: 2, MipLevels: 1, BytesPerPixel: 4})
	require.NoError(t, err)
	require.NoError(t, dev.BindImage(image, mem, 0))
	require.NoError(t, dev.WriteDescriptor(3, image))
	require.Equal(t, image, dev.Descriptor(3))
	require.Nil(t, dev.Descriptor(1))
	require.Empty(t, dev.DanglingDescriptors())

	image.Destroy()
	require.Equal(t, []int{3}, dev.DanglingDescriptors())
	require.Panics(t, image.Destroy)
}

func TestSubmitAndComplete(t *testing.T) {
	dev := testDevice(Options{})

	require.NoError(t, dev.Submit(1))
	require.NoError(t, dev.Submit(2))
	require.Error(t, dev.Submit(2))
	require.Equal(t, uint64(0), dev.Timeline().Value())

	dev.Complete(1)
	require.Equal(t, uint64(1), dev.Timeline().Value())
	require.Panics(t, func() { dev.Complete(3) })

	dev.CompleteAll()
	require.Equal(t, uint64(2), dev.Timeline().Value())

	auto := testDevice(Options{AutoComplete: true})
	require.NoError(t, auto.Submit(5))
	require.Equal(t, uint64(5), auto.Timeline().Value())
}
