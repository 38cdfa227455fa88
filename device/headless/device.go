// Package headless provides a device.Device that runs entirely in process. Memory is backed by host slices
// and transfers are carried out immediately, so tests and simulations can observe exactly what the
// streaming subsystem would have asked a real device to do.
package headless

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/memutils"
	"github.com/vkngwrapper/streamer/timeline"
	"golang.org/x/exp/slog"
)

// Operation identifies a device entry point for failure injection
type Operation uint8

const (
	OpAllocateMemory Operation = iota
	OpCreateBuffer
	OpCreateImage
	OpBind
	OpSubmit
)

// Options configures a headless Device
type Options struct {
	// DeviceLocalLimit is the number of bytes of device-local memory that may be allocated at once.
	// Zero means no limit.
	DeviceLocalLimit int
	// Alignment is the alignment reported for every buffer and image. Zero defaults to 256.
	Alignment uint
	// AutoComplete causes every submission to complete immediately
	AutoComplete bool
}

// Device is an in-process device.Device
type Device struct {
	logger  *slog.Logger
	options Options
	counter *timeline.Counter

	nextID           int
	liveObjects      int
	destroyedObjects int
	deviceLocalBytes int

	descriptors []device.Image
	failures    map[Operation]int

	submitted uint64
	transfers int
}

var _ device.Device = &Device{}

// New creates a headless Device whose timeline counter starts at zero
func New(logger *slog.Logger, options Options) *Device {
	if options.Alignment == 0 {
		options.Alignment = 256
	}

	return &Device{
		logger:   logger,
		options:  options,
		counter:  timeline.NewCounter(0),
		failures: make(map[Operation]int),
	}
}

// FailNext causes the next count calls to op to fail
func (d *Device) FailNext(op Operation, count int) {
	d.failures[op] += count
}

func (d *Device) injectedFailure(op Operation) bool {
	if d.failures[op] > 0 {
		d.failures[op]--
		return true
	}
	return false
}

func (d *Device) newObject() object {
	d.nextID++
	d.liveObjects++
	return object{dev: d, id: d.nextID}
}

func (d *Device) AllocateMemory(size int, kind device.MemoryKind) (device.Memory, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid memory size %d", size)
	}
	if d.injectedFailure(OpAllocateMemory) {
		return nil, errors.Newf("injected failure allocating %d bytes of %s", size, kind)
	}
	if kind == device.MemoryDeviceLocal {
		if d.options.DeviceLocalLimit > 0 && d.deviceLocalBytes+size > d.options.DeviceLocalLimit {
			return nil, errors.Newf("allocating %d bytes would exceed the device-local limit: %d of %d bytes in use",
				size, d.deviceLocalBytes, d.options.DeviceLocalLimit)
		}
		d.deviceLocalBytes += size
	}

	return &Memory{
		object: d.newObject(),
		kind:   kind,
		data:   make([]byte, size),
	}, nil
}

func (d *Device) CreateBuffer(size int, usage device.BufferUsage) (device.Buffer, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid buffer size %d", size)
	}
	if d.injectedFailure(OpCreateBuffer) {
		return nil, errors.Newf("injected failure creating a %d-byte buffer", size)
	}

	return &Buffer{
		object: d.newObject(),
		size:   size,
		usage:  usage,
	}, nil
}

func (d *Device) CreateImage(info device.ImageInfo) (device.Image, error) {
	if info.Width <= 0 || info.Height <= 0 || info.MipLevels <= 0 || info.BytesPerPixel <= 0 {
		return nil, errors.Newf("invalid image description %+v", info)
	}
	if d.injectedFailure(OpCreateImage) {
		return nil, errors.Newf("injected failure creating a %dx%d image", info.Width, info.Height)
	}

	return &Image{
		object: d.newObject(),
		info:   info,
	}, nil
}

func (d *Device) BufferRequirements(size int, usage device.BufferUsage) device.Requirements {
	return device.Requirements{
		Size:      memutils.AlignUp(size, d.options.Alignment),
		Alignment: d.options.Alignment,
	}
}

func (d *Device) ImageRequirements(info device.ImageInfo) device.Requirements {
	return device.Requirements{
		Size:      memutils.AlignUp(info.Size(), d.options.Alignment),
		Alignment: d.options.Alignment,
	}
}

func (d *Device) bind(target *binding, size int, memory device.Memory, offset int) error {
	if d.injectedFailure(OpBind) {
		return errors.New("injected bind failure")
	}

	mem, ok := memory.(*Memory)
	if !ok || mem.dev != d {
		return errors.New("memory does not belong to this device")
	}
	if mem.destroyed {
		return errors.Newf("memory %d has been destroyed", mem.id)
	}
	if target.memory != nil {
		return errors.New("object is already bound")
	}
	if offset < 0 || offset+size > len(mem.data) {
		return errors.Newf("binding %d bytes at offset %d overruns a %d-byte allocation", size, offset, len(mem.data))
	}
	if uint(offset)%d.options.Alignment != 0 {
		return errors.Newf("offset %d is not aligned to %d", offset, d.options.Alignment)
	}

	target.memory = mem
	target.offset = offset
	return nil
}

func (d *Device) BindBuffer(buffer device.Buffer, memory device.Memory, offset int) error {
	buf, ok := buffer.(*Buffer)
	if !ok || buf.dev != d {
		return errors.New("buffer does not belong to this device")
	}
	return d.bind(&buf.binding, buf.size, memory, offset)
}

func (d *Device) BindImage(image device.Image, memory device.Memory, offset int) error {
	img, ok := image.(*Image)
	if !ok || img.dev != d {
		return errors.New("image does not belong to this device")
	}
	return d.bind(&img.binding, img.info.Size(), memory, offset)
}

func (d *Device) usableImage(image device.Image) (*Image, error) {
	img, ok := image.(*Image)
	if !ok || img.dev != d {
		return nil, errors.New("image does not belong to this device")
	}
	if img.destroyed {
		return nil, errors.Newf("image %d has been destroyed", img.id)
	}
	if img.memory == nil {
		return nil, errors.Newf("image %d is not bound", img.id)
	}
	if img.memory.destroyed {
		return nil, errors.Newf("image %d is bound to freed memory", img.id)
	}
	return img, nil
}

func (d *Device) CopyBufferToImage(src device.Buffer, srcOffset int, dst device.Image, dstLevel, levelCount int) error {
	buf, ok := src.(*Buffer)
	if !ok || buf.dev != d {
		return errors.New("buffer does not belong to this device")
	}
	if buf.destroyed || buf.memory == nil {
		return errors.Newf("buffer %d is not usable", buf.id)
	}
	img, err := d.usableImage(dst)
	if err != nil {
		return err
	}
	if dstLevel < 0 || levelCount <= 0 || dstLevel+levelCount > img.info.MipLevels {
		return errors.Newf("levels [%d, %d) are outside an image with %d levels", dstLevel, dstLevel+levelCount, img.info.MipLevels)
	}

	start, end := img.levelRange(dstLevel, levelCount)
	size := end - start
	if srcOffset < 0 || srcOffset+size > buf.size {
		return errors.Newf("copying %d bytes from offset %d overruns a %d-byte buffer", size, srcOffset, buf.size)
	}

	srcStart := buf.offset + srcOffset
	copy(img.memory.data[start:end], buf.memory.data[srcStart:srcStart+size])
	d.transfers++
	return nil
}

func (d *Device) CopyImageLevels(src device.Image, srcLevel int, dst device.Image, dstLevel, levelCount int) error {
	srcImg, err := d.usableImage(src)
	if err != nil {
		return err
	}
	dstImg, err := d.usableImage(dst)
	if err != nil {
		return err
	}
	if srcLevel < 0 || dstLevel < 0 || levelCount <= 0 ||
		srcLevel+levelCount > srcImg.info.MipLevels || dstLevel+levelCount > dstImg.info.MipLevels {
		return errors.Newf("cannot copy %d levels from level %d to level %d", levelCount, srcLevel, dstLevel)
	}

	for l := 0; l < levelCount; l++ {
		srcWidth, srcHeight := srcImg.info.LevelExtent(srcLevel + l)
		dstWidth, dstHeight := dstImg.info.LevelExtent(dstLevel + l)
		if srcWidth != dstWidth || srcHeight != dstHeight || srcImg.info.BytesPerPixel != dstImg.info.BytesPerPixel {
			return errors.Newf("source level %d (%dx%d) does not match destination level %d (%dx%d)",
				srcLevel+l, srcWidth, srcHeight, dstLevel+l, dstWidth, dstHeight)
		}
	}

	srcStart, srcEnd := srcImg.levelRange(srcLevel, levelCount)
	dstStart, dstEnd := dstImg.levelRange(dstLevel, levelCount)
	copy(dstImg.memory.data[dstStart:dstEnd], srcImg.memory.data[srcStart:srcEnd])
	d.transfers++
	return nil
}

func (d *Device) WriteDescriptor(slot int, image device.Image) error {
	if slot < 0 {
		return errors.Newf("invalid descriptor slot %d", slot)
	}
	if _, err := d.usableImage(image); err != nil {
		return err
	}

	for len(d.descriptors) <= slot {
		d.descriptors = append(d.descriptors, nil)
	}
	d.descriptors[slot] = image
	return nil
}

func (d *Device) Submit(signal uint64) error {
	d.logger.Debug("Device::Submit", slog.Uint64("Signal", signal))

	if d.injectedFailure(OpSubmit) {
		return errors.Newf("injected failure submitting work for value %d", signal)
	}
	if signal <= d.submitted {
		return errors.Newf("submission value %d does not advance past %d", signal, d.submitted)
	}

	d.submitted = signal
	if d.options.AutoComplete {
		d.counter.Signal(signal)
	}
	return nil
}

func (d *Device) Timeline() *timeline.Counter {
	return d.counter
}

// Complete signals that all work submitted with a value up to and including value has finished
func (d *Device) Complete(value uint64) {
	if value > d.submitted {
		panic(errors.AssertionFailedf("completing value %d, but only %d has been submitted", value, d.submitted))
	}
	d.counter.Signal(value)
}

// CompleteAll signals that every submission so far has finished
func (d *Device) CompleteAll() {
	d.counter.Signal(d.submitted)
}

// Submitted returns the highest value passed to Submit
func (d *Device) Submitted() uint64 {
	return d.submitted
}

// Descriptor returns the image the descriptor at slot currently points to
func (d *Device) Descriptor(slot int) device.Image {
	if slot < 0 || slot >= len(d.descriptors) {
		return nil
	}
	return d.descriptors[slot]
}

// DanglingDescriptors returns every descriptor slot that points to a destroyed image
func (d *Device) DanglingDescriptors() []int {
	var dangling []int
	for slot, image := range d.descriptors {
		if image == nil {
			continue
		}
		if image.(*Image).destroyed {
			dangling = append(dangling, slot)
		}
	}
	return dangling
}

// ReadLevel returns a copy of the contents of one level of an image
func (d *Device) ReadLevel(image device.Image, level int) ([]byte, error) {
	img, err := d.usableImage(image)
	if err != nil {
		return nil, err
	}
	if level < 0 || level >= img.info.MipLevels {
		return nil, errors.Newf("level %d is outside an image with %d levels", level, img.info.MipLevels)
	}

	start, end := img.levelRange(level, 1)
	data := make([]byte, end-start)
	copy(data, img.memory.data[start:end])
	return data, nil
}

// LiveObjects returns the number of objects that have been created and not destroyed
func (d *Device) LiveObjects() int { return d.liveObjects }

// DestroyedObjects returns the number of objects that have been destroyed
func (d *Device) DestroyedObjects() int { return d.destroyedObjects }

// DeviceLocalBytes returns the number of bytes of device-local memory currently allocated
func (d *Device) DeviceLocalBytes() int { return d.deviceLocalBytes }

// Transfers returns the number of copy commands that have been recorded
func (d *Device) Transfers() int { return d.transfers }
