// Package vulkan implements device.Device over a core1_0.Device. Memory, buffers and images are created
// directly; transfers, descriptor writes and queue submission go through a Recorder supplied by the
// application, which owns command buffers, layout transitions and descriptor sets.
package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/timeline"
	"golang.org/x/exp/slog"
)

// Recorder records the transfers and descriptor writes the streaming subsystem asks for into the
// application's command buffers, and submits them. Images must be transitioned as the recorder sees fit:
// every copy into or out of an image happens between Submit calls.
type Recorder interface {
	CopyBufferToImage(src core1_0.Buffer, dst core1_0.Image, regions []core1_0.BufferImageCopy) error
	CopyImage(src core1_0.Image, dst core1_0.Image, regions []core1_0.ImageCopy) error
	WriteDescriptor(slot int, image core1_0.Image, format core1_0.Format, mipLevels int) error
	// Submit submits everything recorded since the last call. The application must call
	// Device.Complete(signal) once the device has finished executing it.
	Submit(signal uint64) error
}

// Options configures a Device
type Options struct {
	// Formats maps texel sizes to the image format used for images with that many bytes per pixel.
	// Nil uses DefaultFormats.
	Formats map[int]core1_0.Format
	// AllocationCallbacks are passed to every create and destroy call
	AllocationCallbacks *driver.AllocationCallbacks
}

// DefaultFormats are the uncompressed color formats used when Options.Formats is nil
var DefaultFormats = map[int]core1_0.Format{
	1: core1_0.FormatR8UnsignedNormalized,
	2: core1_0.FormatR8G8UnsignedNormalized,
	4: core1_0.FormatR8G8B8A8UnsignedNormalized,
	8: core1_0.FormatR16G16B16A16SignedFloat,
}

// Device is a device.Device backed by Vulkan
type Device struct {
	logger    *slog.Logger
	device    core1_0.Device
	recorder  Recorder
	counter   *timeline.Counter
	callbacks *driver.AllocationCallbacks
	formats   map[int]core1_0.Format

	memoryTypes [2]int
	submitted   uint64
}

var _ device.Device = &Device{}

// New creates a Device. The memory type for each device.MemoryKind is chosen up front from the
// physical device's memory properties.
func New(logger *slog.Logger, dev core1_0.Device, physicalDevice core1_0.PhysicalDevice, recorder Recorder, options Options) (*Device, error) {
	if recorder == nil {
		return nil, errors.New("a vulkan device requires a recorder")
	}

	properties := physicalDevice.MemoryProperties()
	deviceLocal, err := findMemoryType(properties, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return nil, err
	}
	hostVisible, err := findMemoryType(properties, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if err != nil {
		return nil, err
	}

	formats := options.Formats
	if formats == nil {
		formats = DefaultFormats
	}

	d := &Device{
		logger:    logger,
		device:    dev,
		recorder:  recorder,
		counter:   timeline.NewCounter(0),
		callbacks: options.AllocationCallbacks,
		formats:   formats,
	}
	d.memoryTypes[device.MemoryDeviceLocal] = deviceLocal
	d.memoryTypes[device.MemoryHostVisible] = hostVisible

	logger.Debug("Device::New", slog.Int("DeviceLocalType", deviceLocal), slog.Int("HostVisibleType", hostVisible))
	return d, nil
}

// findMemoryType returns the first memory type with every required property flag
func findMemoryType(properties *core1_0.PhysicalDeviceMemoryProperties, required core1_0.MemoryPropertyFlags) (int, error) {
	for index, memoryType := range properties.MemoryTypes {
		if memoryType.PropertyFlags&required == required {
			return index, nil
		}
	}
	return -1, errors.Newf("no memory type has properties %#x", required)
}

func bufferUsageFlags(usage device.BufferUsage) core1_0.BufferUsageFlags {
	flags := core1_0.BufferUsageTransferDst
	if usage&device.BufferUsageVertex != 0 {
		flags |= core1_0.BufferUsageVertexBuffer
	}
	if usage&device.BufferUsageIndex != 0 {
		flags |= core1_0.BufferUsageIndexBuffer
	}
	if usage&device.BufferUsageTransferSource != 0 {
		flags |= core1_0.BufferUsageTransferSrc
	}
	if usage&device.BufferUsageDescriptor != 0 {
		flags |= core1_0.BufferUsageStorageBuffer
	}
	return flags
}

func (d *Device) imageCreateInfo(info device.ImageInfo) (core1_0.ImageCreateInfo, error) {
	format, ok := d.formats[info.BytesPerPixel]
	if !ok {
		return core1_0.ImageCreateInfo{}, errors.Newf("no image format is configured for %d bytes per pixel", info.BytesPerPixel)
	}

	return core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Format:    format,
		Extent: core1_0.Extent3D{
			Width:  info.Width,
			Height: info.Height,
			Depth:  1,
		},
		MipLevels:     info.MipLevels,
		ArrayLayers:   1,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         core1_0.ImageUsageSampled | core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	}, nil
}

func (d *Device) AllocateMemory(size int, kind device.MemoryKind) (device.Memory, error) {
	d.logger.Debug("Device::AllocateMemory", slog.Int("Size", size), slog.String("Kind", kind.String()))

	memory, res, err := d.device.AllocateMemory(d.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: d.memoryTypes[kind],
	})
	if err != nil {
		return nil, errors.Wrapf(err, "vkAllocateMemory returned %v", res)
	}

	m := &Memory{
		memory:    memory,
		kind:      kind,
		size:      size,
		typeIndex: d.memoryTypes[kind],
		callbacks: d.callbacks,
	}

	if kind == device.MemoryHostVisible {
		ptr, res, err := memory.Map(0, common.WholeSize, 0)
		if err != nil {
			memory.Free(d.callbacks)
			return nil, errors.Wrapf(err, "vkMapMemory returned %v", res)
		}
		m.mapped = unsafe.Slice((*byte)(ptr), size)
	}

	return m, nil
}

func (d *Device) CreateBuffer(size int, usage device.BufferUsage) (device.Buffer, error) {
	buffer, res, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       bufferUsageFlags(usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "vkCreateBuffer returned %v", res)
	}

	return &Buffer{
		buffer:    buffer,
		size:      size,
		usage:     usage,
		callbacks: d.callbacks,
	}, nil
}

func (d *Device) CreateImage(info device.ImageInfo) (device.Image, error) {
	createInfo, err := d.imageCreateInfo(info)
	if err != nil {
		return nil, err
	}

	image, res, err := d.device.CreateImage(d.callbacks, createInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "vkCreateImage returned %v", res)
	}

	return &Image{
		image:     image,
		info:      info,
		format:    createInfo.Format,
		callbacks: d.callbacks,
	}, nil
}

func requirements(req *core1_0.MemoryRequirements) device.Requirements {
	return device.Requirements{
		Size:      req.Size,
		Alignment: uint(req.Alignment),
	}
}

// BufferRequirements creates a throwaway buffer to query its requirements. If that fails, the
// requested size with byte alignment is returned and the failure surfaces again from CreateBuffer.
func (d *Device) BufferRequirements(size int, usage device.BufferUsage) device.Requirements {
	buffer, res, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       bufferUsageFlags(usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		d.logger.Warn("failed to query buffer requirements", slog.Any("result", res), slog.Any("error", err))
		return device.Requirements{Size: size, Alignment: 1}
	}
	defer buffer.Destroy(d.callbacks)

	return requirements(buffer.MemoryRequirements())
}

// ImageRequirements creates a throwaway image to query its requirements
func (d *Device) ImageRequirements(info device.ImageInfo) device.Requirements {
	fallback := device.Requirements{Size: info.Size(), Alignment: 1}

	createInfo, err := d.imageCreateInfo(info)
	if err != nil {
		d.logger.Warn("failed to query image requirements", slog.Any("error", err))
		return fallback
	}

	image, res, err := d.device.CreateImage(d.callbacks, createInfo)
	if err != nil {
		d.logger.Warn("failed to query image requirements", slog.Any("result", res), slog.Any("error", err))
		return fallback
	}
	defer image.Destroy(d.callbacks)

	return requirements(image.MemoryRequirements())
}

func checkBinding(req *core1_0.MemoryRequirements, memory *Memory, offset int) error {
	if req.MemoryTypeBits&(1<<uint(memory.typeIndex)) == 0 {
		return errors.Newf("memory type %d cannot back an object that accepts types %#x", memory.typeIndex, req.MemoryTypeBits)
	}
	if req.Alignment > 0 && offset%req.Alignment != 0 {
		return errors.Newf("offset %d is not aligned to %d", offset, req.Alignment)
	}
	if offset+req.Size > memory.size {
		return errors.Newf("binding %d bytes at offset %d overruns a %d-byte allocation", req.Size, offset, memory.size)
	}
	return nil
}

func (d *Device) BindBuffer(buffer device.Buffer, memory device.Memory, offset int) error {
	b, ok := buffer.(*Buffer)
	if !ok {
		return errors.Newf("buffer %T was not created by this device", buffer)
	}
	m, ok := memory.(*Memory)
	if !ok {
		return errors.Newf("memory %T was not allocated by this device", memory)
	}

	err := checkBinding(b.buffer.MemoryRequirements(), m, offset)
	if err != nil {
		return err
	}

	res, err := b.buffer.BindBufferMemory(m.memory, offset)
	if err != nil {
		return errors.Wrapf(err, "vkBindBufferMemory returned %v", res)
	}
	return nil
}

func (d *Device) BindImage(image device.Image, memory device.Memory, offset int) error {
	i, ok := image.(*Image)
	if !ok {
		return errors.Newf("image %T was not created by this device", image)
	}
	m, ok := memory.(*Memory)
	if !ok {
		return errors.Newf("memory %T was not allocated by this device", memory)
	}

	err := checkBinding(i.image.MemoryRequirements(), m, offset)
	if err != nil {
		return err
	}

	res, err := i.image.BindImageMemory(m.memory, offset)
	if err != nil {
		return errors.Wrapf(err, "vkBindImageMemory returned %v", res)
	}
	return nil
}

func (d *Device) CopyBufferToImage(src device.Buffer, srcOffset int, dst device.Image, dstLevel, levelCount int) error {
	b, ok := src.(*Buffer)
	if !ok {
		return errors.Newf("buffer %T was not created by this device", src)
	}
	i, ok := dst.(*Image)
	if !ok {
		return errors.Newf("image %T was not created by this device", dst)
	}
	if dstLevel < 0 || levelCount <= 0 || dstLevel+levelCount > i.info.MipLevels {
		return errors.Newf("levels [%d, %d) are out of range for a %d-level image", dstLevel, dstLevel+levelCount, i.info.MipLevels)
	}
	if srcOffset+i.info.LevelsSize(dstLevel, levelCount) > b.size {
		return errors.Newf("copying %d levels from offset %d overruns a %d-byte buffer", levelCount, srcOffset, b.size)
	}

	return d.recorder.CopyBufferToImage(b.buffer, i.image, bufferImageRegions(i.info, srcOffset, dstLevel, levelCount))
}

// bufferImageRegions describes tightly packed levels laid out one after another starting at offset
func bufferImageRegions(info device.ImageInfo, offset, level, count int) []core1_0.BufferImageCopy {
	regions := make([]core1_0.BufferImageCopy, 0, count)
	for l := level; l < level+count; l++ {
		width, height := info.LevelExtent(l)
		regions = append(regions, core1_0.BufferImageCopy{
			BufferOffset: offset,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask: core1_0.ImageAspectColor,
				MipLevel:   l,
				LayerCount: 1,
			},
			ImageExtent: core1_0.Extent3D{Width: width, Height: height, Depth: 1},
		})
		offset += info.LevelSize(l)
	}
	return regions
}

func (d *Device) CopyImageLevels(src device.Image, srcLevel int, dst device.Image, dstLevel, levelCount int) error {
	s, ok := src.(*Image)
	if !ok {
		return errors.Newf("image %T was not created by this device", src)
	}
	t, ok := dst.(*Image)
	if !ok {
		return errors.Newf("image %T was not created by this device", dst)
	}
	if levelCount <= 0 {
		return nil
	}

	regions, err := imageCopyRegions(s.info, srcLevel, t.info, dstLevel, levelCount)
	if err != nil {
		return err
	}
	return d.recorder.CopyImage(s.image, t.image, regions)
}

func imageCopyRegions(src device.ImageInfo, srcLevel int, dst device.ImageInfo, dstLevel, count int) ([]core1_0.ImageCopy, error) {
	if srcLevel < 0 || srcLevel+count > src.MipLevels || dstLevel < 0 || dstLevel+count > dst.MipLevels {
		return nil, errors.Newf("copying %d levels from level %d of %d to level %d of %d is out of range",
			count, srcLevel, src.MipLevels, dstLevel, dst.MipLevels)
	}

	regions := make([]core1_0.ImageCopy, 0, count)
	for i := 0; i < count; i++ {
		width, height := src.LevelExtent(srcLevel + i)
		dstWidth, dstHeight := dst.LevelExtent(dstLevel + i)
		if width != dstWidth || height != dstHeight {
			return nil, errors.Newf("level %d is %dx%d but level %d of the destination is %dx%d",
				srcLevel+i, width, height, dstLevel+i, dstWidth, dstHeight)
		}

		regions = append(regions, core1_0.ImageCopy{
			SrcSubresource: core1_0.ImageSubresourceLayers{
				AspectMask: core1_0.ImageAspectColor,
				MipLevel:   srcLevel + i,
				LayerCount: 1,
			},
			DstSubresource: core1_0.ImageSubresourceLayers{
				AspectMask: core1_0.ImageAspectColor,
				MipLevel:   dstLevel + i,
				LayerCount: 1,
			},
			Extent: core1_0.Extent3D{Width: width, Height: height, Depth: 1},
		})
	}
	return regions, nil
}

func (d *Device) WriteDescriptor(slot int, image device.Image) error {
	i, ok := image.(*Image)
	if !ok {
		return errors.Newf("image %T was not created by this device", image)
	}
	return d.recorder.WriteDescriptor(slot, i.image, i.format, i.info.MipLevels)
}

func (d *Device) Submit(signal uint64) error {
	d.logger.Debug("Device::Submit", slog.Uint64("Signal", signal))

	if signal <= d.submitted {
		return errors.Newf("submission value %d does not advance past %d", signal, d.submitted)
	}

	err := d.recorder.Submit(signal)
	if err != nil {
		return err
	}
	d.submitted = signal
	return nil
}

func (d *Device) Timeline() *timeline.Counter {
	return d.counter
}

// Complete signals that the device has finished all work submitted with a value up to and including
// value. It is safe to call from any goroutine, typically one waiting on the application's timeline
// semaphore or fences.
func (d *Device) Complete(value uint64) {
	d.counter.Signal(value)
}
