package frame_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/streamer/deletion"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/device/headless"
	"github.com/vkngwrapper/streamer/frame"
	"github.com/vkngwrapper/streamer/memutils"
	"github.com/vkngwrapper/streamer/timeline"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type trackedObject struct {
	destroyed chan struct{}
}

func (o *trackedObject) Destroy() { close(o.destroyed) }

func TestAcquireBlocksUntilSlotCompletes(t *testing.T) {
	counter := timeline.NewCounter(0)
	queue := deletion.NewQueue(testLogger(), 32, 3)
	pool, err := frame.NewPool(testLogger(), counter, queue, frame.PoolOptions{SlotCount: 3})
	require.NoError(t, err)

	ctx := context.Background()
	for f := uint64(1); f < 10; f++ {
		slot, err := pool.Acquire(ctx, f)
		require.NoError(t, err)
		require.Equal(t, int(f%3), slot.Index())
		pool.Release(f, f)
		counter.Signal(f)
	}

	x := &trackedObject{destroyed: make(chan struct{})}
	_, err = pool.Acquire(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, queue.Retire(10, deletion.KindBuffer, x))
	pool.Release(10, 10)

	// The device falls behind: frames 11 and 12 are submitted but nothing past 9 completes
	for f := uint64(11); f <= 12; f++ {
		_, err = pool.Acquire(ctx, f)
		require.NoError(t, err)
		pool.Release(f, f)
	}

	acquired := make(chan *frame.Slot, 1)
	go func() {
		slot, err := pool.Acquire(ctx, 13)
		if err == nil {
			acquired <- slot
		}
	}()

	select {
	case <-acquired:
		require.Fail(t, "frame 13 acquired its slot before frame 10 completed")
	case <-x.destroyed:
		require.Fail(t, "x was destroyed before frame 10 completed")
	case <-time.After(20 * time.Millisecond):
	}

	counter.Signal(10)

	select {
	case slot := <-acquired:
		require.Equal(t, uint64(13), slot.Frame())
	case <-time.After(time.Second):
		require.Fail(t, "frame 13 never acquired its slot")
	}

	select {
	case <-x.destroyed:
	default:
		require.Fail(t, "x was not destroyed when frame 13 acquired its slot")
	}
}

func TestAcquireCancelled(t *testing.T) {
	counter := timeline.NewCounter(0)
	pool, err := frame.NewPool(testLogger(), counter, nil, frame.PoolOptions{SlotCount: 2})
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), 1)
	require.NoError(t, err)
	pool.Release(1, 1)
	_, err = pool.Acquire(context.Background(), 2)
	require.NoError(t, err)
	pool.Release(2, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, 3)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The slot was not taken, so it can be acquired once the device catches up
	counter.Signal(1)
	_, err = pool.Acquire(context.Background(), 3)
	require.NoError(t, err)
}

func TestMismatchedAcquireReleasePanics(t *testing.T) {
	counter := timeline.NewCounter(0)
	pool, err := frame.NewPool(testLogger(), counter, nil, frame.PoolOptions{SlotCount: 2})
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), 1)
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _ = pool.Acquire(context.Background(), 3)
	})
	require.Panics(t, func() {
		pool.Release(2, 1)
	})

	pool.Release(1, 1)
	require.Panics(t, func() {
		pool.Release(1, 1)
	})
}

func TestSlotWindows(t *testing.T) {
	dev := headless.New(testLogger(), headless.Options{Alignment: 16})
	memory, err := dev.AllocateMemory(1024, device.MemoryHostVisible)
	require.NoError(t, err)
	staging, err := dev.CreateBuffer(512, device.BufferUsageTransferSource)
	require.NoError(t, err)
	require.NoError(t, dev.BindBuffer(staging, memory, 0))
	descriptors, err := dev.CreateBuffer(512, device.BufferUsageDescriptor)
	require.NoError(t, err)
	require.NoError(t, dev.BindBuffer(descriptors, memory, 512))

	pool, err := frame.NewPool(testLogger(), dev.Timeline(), nil, frame.PoolOptions{
		SlotCount:       2,
		Staging:         staging,
		StagingMap:      memory.Bytes()[:512],
		StagingBytes:    256,
		Descriptors:     descriptors,
		DescriptorMap:   memory.Bytes()[512:],
		DescriptorBytes: 256,
	})
	require.NoError(t, err)

	ctx := context.Background()
	slot, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, slot.Index())

	buffer, offset, err := slot.Stage([]byte{1, 2, 3}, 4)
	require.NoError(t, err)
	require.Equal(t, staging, buffer)
	require.Equal(t, 256, offset)
	require.Equal(t, []byte{1, 2, 3}, memory.Bytes()[256:259])

	_, offset, err = slot.Stage(make([]byte, 100), 64)
	require.NoError(t, err)
	require.Equal(t, 320, offset)

	_, _, err = slot.Stage(make([]byte, 200), 1)
	require.True(t, errors.Is(err, memutils.ErrOutOfStaging))

	_, offset, mapped, err := slot.AllocateDescriptors(64, 64)
	require.NoError(t, err)
	require.Equal(t, 256, offset)
	mapped[0] = 9
	require.Equal(t, byte(9), memory.Bytes()[512+256])

	pool.Release(1, 1)
	require.Panics(t, func() {
		_, _, _ = slot.Stage([]byte{1}, 1)
	})

	require.NoError(t, dev.Submit(1))
	dev.Complete(1)

	_, err = pool.Acquire(ctx, 2)
	require.NoError(t, err)
	pool.Release(2, 1)

	// Windows are reset when the slot comes back around
	slot, err = pool.Acquire(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 0, slot.StagingUsed())
	_, offset, err = slot.Stage([]byte{1}, 1)
	require.NoError(t, err)
	require.Equal(t, 256, offset)
}

func TestStagingBufferTooSmall(t *testing.T) {
	dev := headless.New(testLogger(), headless.Options{})
	staging, err := dev.CreateBuffer(100, device.BufferUsageTransferSource)
	require.NoError(t, err)

	_, err = frame.NewPool(testLogger(), dev.Timeline(), nil, frame.PoolOptions{
		SlotCount:    3,
		Staging:      staging,
		StagingBytes: 64,
	})
	require.Error(t, err)
}

func TestFeedbackAccumulates(t *testing.T) {
	counter := timeline.NewCounter(0)
	pool, err := frame.NewPool(testLogger(), counter, nil, frame.PoolOptions{SlotCount: 2})
	require.NoError(t, err)

	slot, err := pool.Acquire(context.Background(), 1)
	require.NoError(t, err)

	feedback := slot.Feedback()
	feedback.Record(7, 3)
	feedback.Record(7, 5)
	feedback.RecordMask(9, 0b110)
	require.Equal(t, uint32(0b101000), feedback.Mask(7))
	require.Equal(t, 2, feedback.Len())

	seen := map[uint32]uint32{}
	feedback.Each(func(id uint32, mask uint32) {
		seen[id] = mask
	})
	require.Equal(t, map[uint32]uint32{7: 0b101000, 9: 0b110}, seen)

	feedback.Clear()
	require.Equal(t, 0, feedback.Len())
	require.Equal(t, uint32(0), feedback.Mask(7))
}

func TestCollectFeedbackOnlyFromCompletedFrames(t *testing.T) {
	counter := timeline.NewCounter(0)
	pool, err := frame.NewPool(testLogger(), counter, nil, frame.PoolOptions{SlotCount: 3})
	require.NoError(t, err)

	collect := func() map[uint32]uint32 {
		seen := map[uint32]uint32{}
		pool.CollectFeedback(func(id uint32, mask uint32) {
			seen[id] |= mask
		})
		return seen
	}

	slot, err := pool.Acquire(context.Background(), 1)
	require.NoError(t, err)
	slot.Feedback().Record(4, 2)
	pool.Release(1, 1)

	slot, err = pool.Acquire(context.Background(), 2)
	require.NoError(t, err)
	slot.Feedback().Record(5, 0)

	// Frame 1 is still running and frame 2 is still recording
	require.Empty(t, collect())

	counter.Signal(1)
	require.Equal(t, map[uint32]uint32{4: 0b100}, collect())
	require.Empty(t, collect())

	pool.Release(2, 2)
	require.Empty(t, collect())
	counter.Signal(2)
	require.Equal(t, map[uint32]uint32{5: 0b1}, collect())
}
