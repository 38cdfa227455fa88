// Package streamer sub-allocates device memory for mesh geometry, keeps large textures partially resident
// based on how they are sampled, and defers destruction of device objects until the device is done with
// them. Engine ties these together behind a frame loop:
//
//	slot, err := engine.BeginFrame(ctx)
//	// record draws, write sampled levels into slot.Feedback()
//	err = engine.EndFrame(slot)
package streamer

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/arena"
	"github.com/vkngwrapper/streamer/deletion"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/frame"
	"github.com/vkngwrapper/streamer/geometry"
	"github.com/vkngwrapper/streamer/internal/utils"
	"github.com/vkngwrapper/streamer/memutils"
	"github.com/vkngwrapper/streamer/texture"
	"github.com/vkngwrapper/streamer/upload"
	"golang.org/x/exp/slog"
)

// placeholderTexel is the single texel of the image every unloaded texture samples
var placeholderTexel = []byte{0xFF, 0x00, 0xFF, 0xFF}

var placeholderInfo = device.ImageInfo{Width: 1, Height: 1, MipLevels: 1, BytesPerPixel: len(placeholderTexel)}

var errStagingExhausted = errors.New("frame staging exhausted")

// Statistics is a snapshot of every component's usage
type Statistics struct {
	Frame     uint64
	Submitted uint64

	Vertices memutils.Statistics
	Indices  memutils.Statistics
	Pages    memutils.Statistics

	Textures texture.Statistics
	Deletion deletion.Statistics

	PendingUploads  int
	PendingRequests int
}

// Engine is the streaming subsystem's facade. Unless Config.InternallySynchronized is set, it must be
// driven from one goroutine; the upload ring's producer side and the load request channel are the only
// parts meant for another goroutine.
type Engine struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger
	dev    device.Device
	config Config

	host     *arena.Arena
	static   *arena.Arena
	geometry *geometry.Allocator
	cache    *texture.PageCache
	tracker  *texture.Tracker

	deletions *deletion.Queue
	frames    *frame.Pool
	ring      *upload.Ring
	requests  *upload.Requests

	// releasedGeometry holds allocations whose release is waiting in the deletion queue
	releasedGeometry *swiss.Map[geometry.Allocation, struct{}]

	frame     uint64
	submitted uint64
	current   *frame.Slot
}

// New creates an Engine and every resource it manages up front. The placeholder texture's upload is
// recorded immediately and submitted with the first frame.
func New(logger *slog.Logger, dev device.Device, config Config) (*Engine, error) {
	err := config.Validate()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		mutex:            utils.OptionalMutex{UseMutex: config.InternallySynchronized},
		logger:           logger,
		dev:              dev,
		config:           config,
		deletions:        deletion.NewQueue(logger, config.Deletion.Capacity, config.Frames.SlotCount),
		requests:         upload.NewRequests(config.Upload.RequestCapacity),
		releasedGeometry: swiss.NewMap[geometry.Allocation, struct{}](64),
	}

	success := false
	defer func() {
		if !success {
			e.destroy()
		}
	}()

	err = e.createFrames()
	if err != nil {
		return nil, err
	}

	placeholder, err := e.createPlaceholder()
	if err != nil {
		return nil, err
	}

	e.cache, err = texture.NewPageCache(logger, dev, config.Textures.PageSize, config.Textures.CacheBytes)
	if err != nil {
		return nil, err
	}

	e.tracker, err = texture.NewTracker(logger, dev, e.cache, e.deletions, e.requests, placeholder, texture.TrackerOptions{
		AlwaysKeptMips:   config.Textures.AlwaysKeptMips,
		HighWater:        config.Textures.HighWater,
		EvictAfterFrames: config.Textures.EvictAfterFrames,
		RetryFrames:      config.Textures.RetryFrames,
		MaxTextures:      config.Textures.MaxTextures,
		StagingAlignment: config.Textures.StagingAlignment,
	})
	if err != nil {
		return nil, err
	}

	e.geometry, err = geometry.NewAllocator(logger, dev, geometry.CreateOptions{
		VertexStride:  config.Geometry.VertexStride,
		IndexStride:   config.Geometry.IndexStride,
		BlockElements: config.Geometry.BlockElements,
		InitialBlocks: config.Geometry.InitialBlocks,
		NodeCapacity:  config.Geometry.NodeCapacity,
	})
	if err != nil {
		return nil, err
	}

	e.ring, err = upload.NewRing(logger, upload.RingOptions{
		Bytes:   config.Upload.RingBytes,
		Entries: config.Upload.RingEntries,
	})
	if err != nil {
		return nil, err
	}

	success = true
	return e, nil
}

func arenaSize(requirements ...device.Requirements) int {
	size := 0
	for _, req := range requirements {
		size = memutils.AlignUp(size, req.Alignment) + req.Size
	}
	return size
}

// createFrames places the staging and descriptor buffers, split into one window per slot, in a single
// host-visible arena
func (e *Engine) createFrames() error {
	slots := e.config.Frames.SlotCount
	stagingSize := slots * e.config.Frames.StagingBytes
	descriptorSize := slots * e.config.Frames.DescriptorBytes

	var err error
	e.host, err = arena.New(e.logger, e.dev, "host", arenaSize(
		e.dev.BufferRequirements(stagingSize, device.BufferUsageTransferSource),
		e.dev.BufferRequirements(descriptorSize, device.BufferUsageDescriptor),
		e.dev.BufferRequirements(len(placeholderTexel), device.BufferUsageTransferSource),
	), device.MemoryHostVisible)
	if err != nil {
		return err
	}

	staging, stagingOffset, err := e.host.CreateBuffer(stagingSize, device.BufferUsageTransferSource)
	if err != nil {
		return err
	}

	descriptors, descriptorOffset, err := e.host.CreateBuffer(descriptorSize, device.BufferUsageDescriptor)
	if err != nil {
		return err
	}

	e.frames, err = frame.NewPool(e.logger, e.dev.Timeline(), e.deletions, frame.PoolOptions{
		SlotCount:       slots,
		Staging:         staging,
		StagingMap:      e.host.Bytes(stagingOffset, stagingSize),
		StagingBytes:    e.config.Frames.StagingBytes,
		Descriptors:     descriptors,
		DescriptorMap:   e.host.Bytes(descriptorOffset, descriptorSize),
		DescriptorBytes: e.config.Frames.DescriptorBytes,
	})
	return err
}

// createPlaceholder creates the image unloaded textures sample and records its upload
func (e *Engine) createPlaceholder() (device.Image, error) {
	var err error
	e.static, err = arena.New(e.logger, e.dev, "static", arenaSize(
		e.dev.ImageRequirements(placeholderInfo),
	), device.MemoryDeviceLocal)
	if err != nil {
		return nil, err
	}

	placeholder, _, err := e.static.CreateImage(placeholderInfo)
	if err != nil {
		return nil, err
	}

	texel, texelOffset, err := e.host.CreateBuffer(len(placeholderTexel), device.BufferUsageTransferSource)
	if err != nil {
		return nil, err
	}
	copy(e.host.Bytes(texelOffset, len(placeholderTexel)), placeholderTexel)

	err = e.dev.CopyBufferToImage(texel, 0, placeholder, 0, 1)
	if err != nil {
		return nil, device.WrapError(err, "failed to upload the placeholder texture")
	}

	return placeholder, nil
}

// fatal logs and panics on errors the engine cannot recover from, such as an overflowing queue
func (e *Engine) fatal(err error, msg string) {
	e.logger.LogAttrs(context.Background(), slog.LevelError, msg,
		slog.Uint64("frame", e.frame),
		slog.Any("error", err),
	)
	panic(errors.NewAssertionErrorWithWrappedErrf(err, "%s", msg))
}

func (e *Engine) check(err error, msg string) error {
	if errors.Is(err, memutils.ErrQueueFull) {
		e.fatal(err, msg)
	}
	return err
}

// AllocateGeometry reserves room for vertexCount vertices and indexCount indices. indexCount may be zero
// for non-indexed geometry. Capacity failures are reported as memutils.ErrOutOfMemory or
// memutils.ErrNodePoolExhausted, and nothing is allocated in that case.
func (e *Engine) AllocateGeometry(vertexCount, indexCount int) (geometry.Allocation, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.geometry.AllocateGeometry(vertexCount, indexCount)
}

type geometryRelease struct {
	engine *Engine
	alloc  geometry.Allocation
}

func (r *geometryRelease) Destroy() {
	r.engine.releasedGeometry.Delete(r.alloc)
	r.engine.geometry.ReleaseGeometry(r.alloc)
}

// ReleaseGeometry returns an allocation to its pools once every frame that could still be drawing from
// it has completed. Releasing an allocation twice panics.
func (e *Engine) ReleaseGeometry(alloc geometry.Allocation) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.logger.Debug("Engine::ReleaseGeometry", slog.Int("Vertices", alloc.Vertices.Offset), slog.Int("Indices", alloc.Indices.Offset))

	if alloc.IsNull() || !e.geometry.IsLive(alloc) || e.releasedGeometry.Has(alloc) {
		panic(errors.AssertionFailedf("released geometry %+v, which is not live", alloc))
	}

	e.releasedGeometry.Put(alloc, struct{}{})
	err := e.deletions.Retire(e.frame, deletion.KindGeometry, &geometryRelease{engine: e, alloc: alloc})
	if err != nil {
		e.fatal(err, "failed to retire geometry")
	}
}

// WriteGeometry copies vertex and index data into an allocation immediately. Data arriving from a decoder
// goroutine should go through the upload ring instead.
func (e *Engine) WriteGeometry(alloc geometry.Allocation, vertices, indices []byte) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.geometry.Write(alloc, vertices, indices)
}

// GetTextureDescriptorSlot returns the descriptor slot to sample a texture through. The slot always
// refers to a valid image: the texture's resident levels if it has any, and its placeholder otherwise.
func (e *Engine) GetTextureDescriptorSlot(id texture.ID) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.tracker.DescriptorSlot(id)
}

// RegisterTexture adds a texture to the residency tracker. Its levels are streamed in as it is sampled.
func (e *Engine) RegisterTexture(id texture.ID, info device.ImageInfo, flags texture.Flags, placeholder texture.ID) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.tracker.Register(id, info, flags, placeholder)
}

// UnregisterTexture evicts a texture and forgets it
func (e *Engine) UnregisterTexture(id texture.ID) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.check(e.tracker.Unregister(e.frame, id), "failed to unregister texture")
}

// RequestTexture asks for levels of a texture to be kept resident regardless of sampling feedback
func (e *Engine) RequestTexture(id texture.ID, desired texture.MipMask) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.check(e.tracker.Request(id, desired), "failed to request texture levels")
}

// DiscardTexture evicts levels of a texture immediately
func (e *Engine) DiscardTexture(id texture.ID, drop texture.MipMask) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.check(e.tracker.Discard(e.frame, id, drop), "failed to discard texture levels")
}

// Producer returns the ring a decoder pushes decoded payloads into
func (e *Engine) Producer() *upload.Ring {
	return e.ring
}

// LoadRequests returns the channel a decoder receives load requests from
func (e *Engine) LoadRequests() <-chan upload.LoadRequest {
	return e.requests.C()
}

// BeginFrame waits until the next frame's slot is free, reclaims everything retired the last time the slot
// was used, applies the sampling feedback of every frame the device has finished along with any decoded
// payloads, and runs the residency policy.
// It only fails if ctx is done before the slot is free.
func (e *Engine) BeginFrame(ctx context.Context) (*frame.Slot, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.current != nil {
		panic(errors.AssertionFailedf("frame %d began before frame %d ended", e.frame+1, e.frame))
	}

	next := e.frame + 1
	e.logger.Debug("Engine::BeginFrame", slog.Uint64("Frame", next))

	// Feedback from every frame the device has already finished, not only the one that last used this slot
	e.frames.CollectFeedback(e.applyFeedback)

	slot, err := e.frames.Acquire(ctx, next)
	if err != nil {
		return nil, err
	}
	e.frame = next
	e.current = slot

	// The slot's previous frame may have completed while Acquire was waiting
	slot.Feedback().Each(e.applyFeedback)
	slot.Feedback().Clear()

	_, err = e.ring.Drain(func(entry upload.Entry) error {
		return e.applyUpload(slot, entry)
	})
	if err != nil && !errors.Is(err, errStagingExhausted) {
		e.fatal(err, "failed to apply decoded payloads")
	}

	err = e.tracker.Update(next)
	if err != nil {
		e.fatal(err, "failed to update texture residency")
	}

	memutils.DebugValidate(e)
	return slot, nil
}

func (e *Engine) applyFeedback(id uint32, mask uint32) {
	e.tracker.OnFrameFeedback(texture.ID(id), texture.MipMask(mask))
}

func (e *Engine) applyUpload(slot *frame.Slot, entry upload.Entry) error {
	switch entry.Kind {
	case upload.KindTexture:
		err := e.tracker.Deliver(e.frame, slot, entry.TexturePayload())
		if errors.Is(err, memutils.ErrQueueFull) {
			return err
		}
		if errors.Is(err, memutils.ErrOutOfStaging) {
			return errStagingExhausted
		}
		if err != nil {
			e.logger.Debug("Engine::applyUpload dropped texture payload", slog.Any("ID", entry.Texture), slog.Any("error", err))
		}
		return nil

	case upload.KindGeometry:
		if !e.geometry.IsLive(entry.Geometry) || e.releasedGeometry.Has(entry.Geometry) {
			e.logger.Debug("Engine::applyUpload dropped geometry payload for released allocation")
			return nil
		}

		err := e.geometry.Write(entry.Geometry, entry.Vertices(), entry.Indices())
		if err != nil {
			e.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to write geometry payload",
				slog.Int("vertices", entry.Geometry.Vertices.Offset),
				slog.Any("error", err),
			)
		}
		return nil
	}

	return errors.AssertionFailedf("unknown upload kind %d", entry.Kind)
}

// EndFrame submits the frame's work and releases its slot. The slot will not be reused until the device
// signals the submission's completion value.
func (e *Engine) EndFrame(slot *frame.Slot) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if slot == nil || slot != e.current {
		panic(errors.AssertionFailedf("ending frame %d with a slot it did not begin with", e.frame))
	}
	e.logger.Debug("Engine::EndFrame", slog.Uint64("Frame", e.frame), slog.Uint64("Signal", e.submitted+1))

	e.current = nil
	err := e.dev.Submit(e.submitted + 1)
	if err != nil {
		// Nothing new will be signaled for this frame, so its slot only waits on earlier work
		e.frames.Release(e.frame, e.submitted)
		return device.WrapError(err, "failed to submit frame %d", e.frame)
	}

	e.submitted++
	e.frames.Release(e.frame, e.submitted)
	return nil
}

// Validate checks the consistency of every allocator the engine owns
func (e *Engine) Validate() error {
	err := e.geometry.Validate()
	if err != nil {
		return err
	}
	return e.tracker.Validate()
}

// Statistics returns a snapshot of the engine's usage
func (e *Engine) Statistics() Statistics {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	stats := Statistics{
		Frame:           e.frame,
		Submitted:       e.submitted,
		Textures:        e.tracker.Statistics(),
		Deletion:        e.deletions.Statistics(),
		PendingUploads:  e.ring.Len(),
		PendingRequests: e.requests.Len(),
	}
	e.geometry.Vertices().AddStatistics(&stats.Vertices)
	e.geometry.Indices().AddStatistics(&stats.Indices)
	e.cache.AddStatistics(&stats.Pages)
	return stats
}

// PrintJSON writes a JSON object describing every component's state
func (e *Engine) PrintJSON(writer *jwriter.Writer) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	json := writer.Object()
	defer json.End()

	json.Name("Frame").Int(int(e.frame))
	json.Name("Submitted").Int(int(e.submitted))
	json.Name("Completed").Int(int(e.dev.Timeline().Value()))

	geo := json.Name("Geometry").Object()
	e.geometry.PrintJSON(geo)
	geo.End()

	textures := json.Name("Textures").Object()
	e.tracker.PrintJSON(textures)
	textures.End()

	deletions := json.Name("Deletion").Object()
	e.deletions.PrintJSON(deletions)
	deletions.End()

	frames := json.Name("Frames").Object()
	e.frames.PrintJSON(frames)
	frames.End()

	ring := json.Name("Upload").Object()
	e.ring.PrintJSON(ring)
	ring.Name("PendingRequests").Int(e.requests.Len())
	ring.End()

	arenas := json.Name("Arenas").Array()
	for _, a := range []*arena.Arena{e.host, e.static} {
		obj := arenas.Object()
		a.PrintJSON(obj)
		obj.End()
	}
	arenas.End()
}

// Close waits for the device to finish all submitted work and destroys everything the engine owns
func (e *Engine) Close(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.current != nil {
		return errors.Newf("closing the engine while frame %d is in progress", e.frame)
	}

	err := e.frames.WaitIdle(ctx)
	if err != nil {
		return err
	}

	e.destroy()
	return nil
}

func (e *Engine) destroy() {
	e.deletions.Flush()

	if e.tracker != nil {
		e.tracker.Destroy()
		e.tracker = nil
	}
	if e.cache != nil {
		e.cache.Destroy()
		e.cache = nil
	}
	if e.geometry != nil {
		e.geometry.Destroy()
		e.geometry = nil
	}
	if e.static != nil {
		e.static.Destroy()
		e.static = nil
	}
	if e.host != nil {
		e.host.Destroy()
		e.host = nil
	}
}
