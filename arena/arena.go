// Package arena places buffers and images at aligned offsets within a single device memory allocation.
// Objects are never freed individually: the whole arena is reset at once.
package arena

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/memutils"
	"github.com/vkngwrapper/streamer/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Arena is a bump allocator over one fixed-size device memory allocation
type Arena struct {
	logger *slog.Logger
	dev    device.Device
	name   string

	memory   device.Memory
	metadata *metadata.Linear
	objects  []device.Object
}

// New allocates size bytes of memory of the provided kind and returns an empty Arena over it
func New(logger *slog.Logger, dev device.Device, name string, size int, kind device.MemoryKind) (*Arena, error) {
	logger.Debug("Arena::New", slog.String("Name", name), slog.Int("Size", size), slog.String("Kind", kind.String()))

	memory, err := dev.AllocateMemory(size, kind)
	if err != nil {
		return nil, device.WrapError(err, "failed to allocate %d bytes for arena %s", size, name)
	}

	return &Arena{
		logger:   logger,
		dev:      dev,
		name:     name,
		memory:   memory,
		metadata: metadata.NewLinear(size),
	}, nil
}

func (a *Arena) place(req device.Requirements) (int, error) {
	offset, err := a.metadata.Allocate(req.Size, req.Alignment)
	if err != nil {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "arena %s: %v", a.name, err)
	}
	memutils.DebugValidate(a.metadata)
	return offset, nil
}

// CreateBuffer creates a buffer and binds it at the next suitably aligned offset in the arena. The
// arena owns the buffer: it is destroyed by Reset or Destroy.
func (a *Arena) CreateBuffer(size int, usage device.BufferUsage) (device.Buffer, int, error) {
	a.logger.Debug("Arena::CreateBuffer", slog.String("Name", a.name), slog.Int("Size", size))

	offset, err := a.place(a.dev.BufferRequirements(size, usage))
	if err != nil {
		return nil, 0, err
	}

	buffer, err := a.dev.CreateBuffer(size, usage)
	if err != nil {
		return nil, 0, device.WrapError(err, "arena %s failed to create a %d-byte buffer", a.name, size)
	}

	err = a.dev.BindBuffer(buffer, a.memory, offset)
	if err != nil {
		buffer.Destroy()
		return nil, 0, device.WrapError(err, "arena %s failed to bind a buffer at offset %d", a.name, offset)
	}

	a.objects = append(a.objects, buffer)
	return buffer, offset, nil
}

// CreateImage creates an image and binds it at the next suitably aligned offset in the arena. The arena
// owns the image: it is destroyed by Reset or Destroy.
func (a *Arena) CreateImage(info device.ImageInfo) (device.Image, int, error) {
	a.logger.Debug("Arena::CreateImage", slog.String("Name", a.name), slog.Int("Width", info.Width), slog.Int("Height", info.Height))

	offset, err := a.place(a.dev.ImageRequirements(info))
	if err != nil {
		return nil, 0, err
	}

	image, err := a.dev.CreateImage(info)
	if err != nil {
		return nil, 0, device.WrapError(err, "arena %s failed to create a %dx%d image", a.name, info.Width, info.Height)
	}

	err = a.dev.BindImage(image, a.memory, offset)
	if err != nil {
		image.Destroy()
		return nil, 0, device.WrapError(err, "arena %s failed to bind an image at offset %d", a.name, offset)
	}

	a.objects = append(a.objects, image)
	return image, offset, nil
}

// Bytes returns the host mapping of size bytes at offset. It returns nil if the arena's memory is not
// host visible.
func (a *Arena) Bytes(offset, size int) []byte {
	mapped := a.memory.Bytes()
	if mapped == nil {
		return nil
	}
	return mapped[offset : offset+size]
}

// Memory returns the arena's backing allocation
func (a *Arena) Memory() device.Memory {
	return a.memory
}

// Reset destroys every object placed in the arena and makes its full size available again. The caller
// is responsible for making sure the device is no longer using any of them.
func (a *Arena) Reset() {
	a.logger.Debug("Arena::Reset", slog.String("Name", a.name), slog.Int("Objects", len(a.objects)))

	for i := len(a.objects) - 1; i >= 0; i-- {
		a.objects[i].Destroy()
	}
	a.objects = a.objects[:0]
	a.metadata.Reset()
}

// Destroy resets the arena and frees its memory
func (a *Arena) Destroy() {
	if a.memory == nil {
		panic("attempting to destroy an arena, but it did not have a backing memory allocation")
	}

	if len(a.objects) > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "arena destroyed with live objects",
			slog.String("name", a.name),
			slog.Int("objects", len(a.objects)),
		)
	}

	a.Reset()
	a.memory.Destroy()
	a.memory = nil
}

func (a *Arena) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	a.metadata.AddStatistics(stats)
}

func (a *Arena) PrintJSON(json jwriter.ObjectState) {
	json.Name("Name").String(a.name)
	json.Name("Objects").Int(len(a.objects))
	a.metadata.PrintJSON(json)
}
