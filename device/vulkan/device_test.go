package vulkan

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/streamer/device"
)

func TestFindMemoryType(t *testing.T) {
	properties := &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
	}

	index, err := findMemoryType(properties, core1_0.MemoryPropertyDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, 1, index)

	index, err = findMemoryType(properties, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	require.NoError(t, err)
	require.Equal(t, 2, index)

	_, err = findMemoryType(properties, core1_0.MemoryPropertyLazilyAllocated)
	require.Error(t, err)
}

func TestBufferUsageFlags(t *testing.T) {
	require.Equal(t, core1_0.BufferUsageTransferDst|core1_0.BufferUsageVertexBuffer, bufferUsageFlags(device.BufferUsageVertex))
	require.Equal(t, core1_0.BufferUsageTransferDst|core1_0.BufferUsageTransferSrc|core1_0.BufferUsageStorageBuffer,
		bufferUsageFlags(device.BufferUsageTransferSource|device.BufferUsageDescriptor))
}

func TestBufferImageRegions(t *testing.T) {
	info := device.ImageInfo{Width: 8, Height: 4, MipLevels: 4, BytesPerPixel: 4}

	regions := bufferImageRegions(info, 256, 1, 3)
	require.Len(t, regions, 3)

	// 4x2, 2x1 and 1x1 texels packed one after another
	require.Equal(t, 256, regions[0].BufferOffset)
	require.Equal(t, 256+32, regions[1].BufferOffset)
	require.Equal(t, 256+32+8, regions[2].BufferOffset)

	require.Equal(t, 1, regions[0].ImageSubresource.MipLevel)
	require.Equal(t, 3, regions[2].ImageSubresource.MipLevel)
	require.Equal(t, core1_0.Extent3D{Width: 4, Height: 2, Depth: 1}, regions[0].ImageExtent)
	require.Equal(t, core1_0.Extent3D{Width: 1, Height: 1, Depth: 1}, regions[2].ImageExtent)
}

func TestImageCopyRegions(t *testing.T) {
	large := device.ImageInfo{Width: 16, Height: 16, MipLevels: 5, BytesPerPixel: 4}
	small := device.ImageInfo{Width: 4, Height: 4, MipLevels: 3, BytesPerPixel: 4}

	regions, err := imageCopyRegions(large, 2, small, 0, 3)
	require.NoError(t, err)
	require.Len(t, regions, 3)
	require.Equal(t, 2, regions[0].SrcSubresource.MipLevel)
	require.Equal(t, 0, regions[0].DstSubresource.MipLevel)
	require.Equal(t, core1_0.Extent3D{Width: 4, Height: 4, Depth: 1}, regions[0].Extent)

	// Extents don't line up
	_, err = imageCopyRegions(large, 1, small, 0, 3)
	require.Error(t, err)

	// Out of range
	_, err = imageCopyRegions(large, 3, small, 0, 3)
	require.Error(t, err)
}

func TestCheckBinding(t *testing.T) {
	memory := &Memory{size: 1024, typeIndex: 2}

	require.NoError(t, checkBinding(&core1_0.MemoryRequirements{Size: 512, Alignment: 256, MemoryTypeBits: 0b100}, memory, 512))
	require.Error(t, checkBinding(&core1_0.MemoryRequirements{Size: 512, Alignment: 256, MemoryTypeBits: 0b011}, memory, 0))
	require.Error(t, checkBinding(&core1_0.MemoryRequirements{Size: 512, Alignment: 256, MemoryTypeBits: 0b100}, memory, 128))
	require.Error(t, checkBinding(&core1_0.MemoryRequirements{Size: 768, Alignment: 256, MemoryTypeBits: 0b100}, memory, 512))
}

func TestNewRequiresRecorder(t *testing.T) {
	_, err := New(nil, nil, nil, nil, Options{})
	require.Error(t, err)
}
