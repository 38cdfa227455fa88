package streamer_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/streamer"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/device/headless"
	mock_device "github.com/vkngwrapper/streamer/device/mocks"
	"github.com/vkngwrapper/streamer/frame"
	"github.com/vkngwrapper/streamer/memutils"
	"github.com/vkngwrapper/streamer/texture"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() streamer.Config {
	config := streamer.DefaultConfig()
	config.Geometry = streamer.GeometryConfig{
		VertexStride:  16,
		IndexStride:   4,
		BlockElements: 512,
		InitialBlocks: 2,
		NodeCapacity:  64,
	}
	config.Textures = streamer.TextureConfig{
		PageSize:         1024,
		CacheBytes:       100 * 1024,
		HighWater:        0.9,
		AlwaysKeptMips:   2,
		EvictAfterFrames: 8,
		RetryFrames:      2,
		MaxTextures:      16,
		StagingAlignment: 16,
	}
	config.Frames = streamer.FrameConfig{
		SlotCount:       3,
		StagingBytes:    256 * 1024,
		DescriptorBytes: 1024,
	}
	config.Deletion.Capacity = 256
	config.Upload = streamer.UploadConfig{
		RingBytes:       1 << 20,
		RingEntries:     64,
		RequestCapacity: 64,
	}
	return config
}

func testEngine(t *testing.T, options headless.Options) (*streamer.Engine, *headless.Device) {
	dev := headless.New(testLogger(), options)
	engine, err := streamer.New(testLogger(), dev, testConfig())
	require.NoError(t, err)
	return engine, dev
}

// runFrame begins and ends a frame, then lets the device finish it
func runFrame(t *testing.T, engine *streamer.Engine, dev *headless.Device, record func(slot *frame.Slot)) {
	slot, err := engine.BeginFrame(context.Background())
	require.NoError(t, err)
	if record != nil {
		record(slot)
	}
	require.NoError(t, engine.EndFrame(slot))
	dev.CompleteAll()
	require.NoError(t, engine.Validate())
	require.Empty(t, dev.DanglingDescriptors())
}

// serveRequests plays the decoder: every pending load request is answered with levels filled with
// seed + level
func serveRequests(t *testing.T, engine *streamer.Engine, infos map[texture.ID]device.ImageInfo, seed byte) int {
	served := 0
	for {
		select {
		case request := <-engine.LoadRequests():
			info := infos[request.Texture]
			var data []byte
			for level := request.FirstLevel; level < request.FirstLevel+request.LevelCount; level++ {
				data = append(data, bytes.Repeat([]byte{seed + byte(level)}, info.LevelSize(level))...)
			}
			require.NoError(t, engine.Producer().PushTexture(context.Background(), texture.Payload{
				Texture:    request.Texture,
				FirstLevel: request.FirstLevel,
				LevelCount: request.LevelCount,
				Data:       data,
			}))
			served++
		default:
			return served
		}
	}
}

func TestGeometryReleaseIsDeferred(t *testing.T) {
	engine, dev := testEngine(t, headless.Options{})

	first, err := engine.AllocateGeometry(300, 0)
	require.NoError(t, err)
	second, err := engine.AllocateGeometry(300, 0)
	require.NoError(t, err)
	third, err := engine.AllocateGeometry(300, 0)
	require.NoError(t, err)

	require.Equal(t, 0, first.Vertices.Offset)
	require.Equal(t, 512, second.Vertices.Offset)
	require.Equal(t, 1024, third.Vertices.Offset)
	require.Equal(t, 3, engine.Statistics().Vertices.BlockCount)

	runFrame(t, engine, dev, nil)
	engine.ReleaseGeometry(second)

	// The range stays in use until the frame that released it has come back around
	require.Equal(t, 900, engine.Statistics().Vertices.Used)
	runFrame(t, engine, dev, nil)
	runFrame(t, engine, dev, nil)
	require.Equal(t, 900, engine.Statistics().Vertices.Used)
	runFrame(t, engine, dev, nil)
	require.Equal(t, 600, engine.Statistics().Vertices.Used)

	reused, err := engine.AllocateGeometry(250, 0)
	require.NoError(t, err)
	require.Equal(t, 512, reused.Vertices.Offset)
	require.Equal(t, 3, engine.Statistics().Vertices.BlockCount)

	require.Panics(t, func() {
		engine.ReleaseGeometry(second)
	})

	engine.ReleaseGeometry(first)
	require.Panics(t, func() {
		engine.ReleaseGeometry(first)
	})

	require.NoError(t, engine.Close(context.Background()))
}

func TestGeometryCapacityErrors(t *testing.T) {
	engine, _ := testEngine(t, headless.Options{})

	_, err := engine.AllocateGeometry(513, 0)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = engine.AllocateGeometry(10, 513)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	// The vertex range was handed back when the index allocation failed
	require.Equal(t, 0, engine.Statistics().Vertices.Used)
	require.NoError(t, engine.Close(context.Background()))
}

func TestGeometryUpload(t *testing.T) {
	engine, dev := testEngine(t, headless.Options{})

	alloc, err := engine.AllocateGeometry(4, 6)
	require.NoError(t, err)
	require.NoError(t, engine.Producer().PushGeometry(context.Background(), alloc, make([]byte, 4*16), make([]byte, 6*4)))

	released, err := engine.AllocateGeometry(4, 0)
	require.NoError(t, err)
	require.NoError(t, engine.Producer().PushGeometry(context.Background(), released, make([]byte, 4*16), nil))
	engine.ReleaseGeometry(released)

	require.Equal(t, 2, engine.Statistics().PendingUploads)
	runFrame(t, engine, dev, nil)
	require.Equal(t, 0, engine.Statistics().PendingUploads)

	require.NoError(t, engine.WriteGeometry(alloc, make([]byte, 4*16), make([]byte, 6*4)))
	require.Error(t, engine.WriteGeometry(alloc, make([]byte, 5*16), nil))
	require.NoError(t, engine.Close(context.Background()))
}

func TestTextureStreaming(t *testing.T) {
	engine, dev := testEngine(t, headless.Options{})

	info := device.ImageInfo{Width: 64, Height: 64, MipLevels: 7, BytesPerPixel: 4}
	infos := map[texture.ID]device.ImageInfo{1: info}
	require.NoError(t, engine.RegisterTexture(1, info, 0, 0))

	slot := engine.GetTextureDescriptorSlot(1)
	require.Equal(t, 1, slot)
	placeholder := dev.Descriptor(0)
	require.NotNil(t, placeholder)
	require.Equal(t, placeholder, dev.Descriptor(slot))

	// Unknown textures resolve to the placeholder's slot
	require.Equal(t, 0, engine.GetTextureDescriptorSlot(42))

	// The first frame asks for the always-kept levels
	runFrame(t, engine, dev, nil)
	require.Equal(t, 1, serveRequests(t, engine, infos, 0))

	runFrame(t, engine, dev, func(slot *frame.Slot) {
		// Sampled the finest level this frame
		slot.Feedback().Record(1, 0)
	})
	require.Equal(t, 1, engine.Statistics().Textures.PartiallyResident)
	image := dev.Descriptor(slot)
	require.NotEqual(t, placeholder, image)
	require.Equal(t, 2, image.Info().MipLevels)

	// The device finished the sampling frame, so its feedback is applied by the next one
	runFrame(t, engine, dev, nil)
	require.Equal(t, 1, serveRequests(t, engine, infos, 0))

	runFrame(t, engine, dev, nil)
	stats := engine.Statistics()
	require.Equal(t, 1, stats.Textures.FullyResident)
	require.Equal(t, 2, stats.Textures.Loads)

	image = dev.Descriptor(slot)
	require.Equal(t, 7, image.Info().MipLevels)
	for level := 0; level < 7; level++ {
		data, err := dev.ReadLevel(image, level)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte(level)}, info.LevelSize(level)), data)
	}

	require.NoError(t, engine.Close(context.Background()))
	require.Equal(t, 0, dev.LiveObjects())
}

func TestFeedbackAppliedOnceFrameCompletes(t *testing.T) {
	engine, dev := testEngine(t, headless.Options{})

	info := device.ImageInfo{Width: 64, Height: 64, MipLevels: 7, BytesPerPixel: 4}
	infos := map[texture.ID]device.ImageInfo{1: info}
	require.NoError(t, engine.RegisterTexture(1, info, 0, 0))

	runFrame(t, engine, dev, nil)
	require.Equal(t, 1, serveRequests(t, engine, infos, 0))

	// Sample the finest level, but the device doesn't finish the frame yet
	slot, err := engine.BeginFrame(context.Background())
	require.NoError(t, err)
	slot.Feedback().Record(1, 0)
	require.NoError(t, engine.EndFrame(slot))
	sampledAt := dev.Submitted()

	slot, err = engine.BeginFrame(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.EndFrame(slot))
	require.Equal(t, 0, serveRequests(t, engine, infos, 0))

	// The very next frame after completion picks the feedback up
	dev.Complete(sampledAt)
	slot, err = engine.BeginFrame(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.EndFrame(slot))
	require.Equal(t, 1, serveRequests(t, engine, infos, 0))

	// Feedback is consumed once: delivering the levels doesn't produce another request
	dev.CompleteAll()
	runFrame(t, engine, dev, nil)
	runFrame(t, engine, dev, nil)
	require.Equal(t, 0, serveRequests(t, engine, infos, 0))
	require.Equal(t, 1, engine.Statistics().Textures.FullyResident)

	require.NoError(t, engine.Close(context.Background()))
	require.Equal(t, 0, dev.LiveObjects())
}

func TestEvictedImageOutlivesInFlightFrames(t *testing.T) {
	engine, dev := testEngine(t, headless.Options{})
	info := device.ImageInfo{Width: 16, Height: 16, MipLevels: 5, BytesPerPixel: 4}
	require.NoError(t, engine.RegisterTexture(1, info, 0, 0))
	require.NoError(t, engine.RequestTexture(1, texture.Levels(0, 1)))
	require.Equal(t, 1, serveRequests(t, engine, map[texture.ID]device.ImageInfo{1: info}, 0))
	runFrame(t, engine, dev, nil)

	image := dev.Descriptor(1)
	require.Equal(t, 5, image.Info().MipLevels)

	slot, err := engine.BeginFrame(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.RequestTexture(1, 0))
	require.NoError(t, engine.DiscardTexture(1, texture.Levels(0, 5)))
	require.Equal(t, dev.Descriptor(0), dev.Descriptor(1))
	require.NoError(t, engine.EndFrame(slot))
	retiredAt := dev.Submitted()

	// The device falls behind: the next two frames are submitted but nothing completes
	for i := 0; i < 2; i++ {
		slot, err = engine.BeginFrame(context.Background())
		require.NoError(t, err)
		require.NoError(t, engine.EndFrame(slot))
	}
	require.False(t, image.(*headless.Image).Destroyed())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = engine.BeginFrame(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.False(t, image.(*headless.Image).Destroyed())

	dev.Complete(retiredAt)
	slot, err = engine.BeginFrame(context.Background())
	require.NoError(t, err)
	require.True(t, image.(*headless.Image).Destroyed())
	require.Empty(t, dev.DanglingDescriptors())
	require.NoError(t, engine.EndFrame(slot))

	dev.CompleteAll()
	require.NoError(t, engine.Close(context.Background()))
}

func TestFrameMisusePanics(t *testing.T) {
	engine, dev := testEngine(t, headless.Options{AutoComplete: true})

	slot, err := engine.BeginFrame(context.Background())
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _ = engine.BeginFrame(context.Background())
	})
	require.Error(t, engine.Close(context.Background()))
	require.NoError(t, engine.EndFrame(slot))

	require.Panics(t, func() {
		_ = engine.EndFrame(slot)
	})

	dev.CompleteAll()
	require.NoError(t, engine.Close(context.Background()))
}

func TestSubmitFailure(t *testing.T) {
	engine, dev := testEngine(t, headless.Options{AutoComplete: true})
	runFrame(t, engine, dev, nil)

	dev.FailNext(headless.OpSubmit, 1)
	slot, err := engine.BeginFrame(context.Background())
	require.NoError(t, err)
	err = engine.EndFrame(slot)
	require.True(t, errors.Is(err, memutils.ErrDeviceObject))

	runFrame(t, engine, dev, nil)
	require.Equal(t, uint64(2), engine.Statistics().Submitted)
	require.Equal(t, uint64(3), engine.Statistics().Frame)
	require.NoError(t, engine.Close(context.Background()))
}

func TestInternallySynchronized(t *testing.T) {
	config := testConfig()
	config.InternallySynchronized = true
	config.Geometry.NodeCapacity = 1024
	dev := headless.New(testLogger(), headless.Options{AutoComplete: true})
	engine, err := streamer.New(testLogger(), dev, config)
	require.NoError(t, err)

	var group errgroup.Group
	for worker := 0; worker < 4; worker++ {
		group.Go(func() error {
			for i := 0; i < 50; i++ {
				alloc, err := engine.AllocateGeometry(8, 12)
				if err != nil {
					return err
				}
				engine.ReleaseGeometry(alloc)
			}
			return nil
		})
	}

	for i := 0; i < 20; i++ {
		slot, err := engine.BeginFrame(context.Background())
		require.NoError(t, err)
		require.NoError(t, engine.EndFrame(slot))
	}

	require.NoError(t, group.Wait())
	require.NoError(t, engine.Validate())
	require.NoError(t, engine.Close(context.Background()))
	require.Equal(t, 0, dev.LiveObjects())
}

func TestPrintJSON(t *testing.T) {
	engine, dev := testEngine(t, headless.Options{AutoComplete: true})
	require.NoError(t, engine.RegisterTexture(1, device.ImageInfo{Width: 8, Height: 8, MipLevels: 4, BytesPerPixel: 4}, 0, 0))
	_, err := engine.AllocateGeometry(10, 10)
	require.NoError(t, err)
	runFrame(t, engine, dev, nil)

	writer := jwriter.NewWriter()
	engine.PrintJSON(&writer)
	require.NoError(t, writer.Error())

	out := writer.Bytes()
	for _, section := range []string{`"Geometry"`, `"Textures"`, `"Deletion"`, `"Frames"`, `"Upload"`, `"Arenas"`} {
		require.True(t, bytes.Contains(out, []byte(section)), section)
	}
}

func TestNewFailsCleanly(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := mock_device.NewMockDevice(ctrl)

	dev.EXPECT().BufferRequirements(gomock.Any(), gomock.Any()).Return(device.Requirements{Size: 256, Alignment: 256}).AnyTimes()
	dev.EXPECT().AllocateMemory(gomock.Any(), device.MemoryHostVisible).Return(nil, errors.New("device lost"))

	_, err := streamer.New(testLogger(), dev, testConfig())
	require.True(t, errors.Is(err, memutils.ErrDeviceObject))

	headlessDev := headless.New(testLogger(), headless.Options{DeviceLocalLimit: 64 * 1024})
	_, err = streamer.New(testLogger(), headlessDev, testConfig())
	require.True(t, errors.Is(err, memutils.ErrDeviceObject))
	require.Equal(t, 0, headlessDev.LiveObjects())
}
