package deletion_test

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/streamer/deletion"
	mock_device "github.com/vkngwrapper/streamer/device/mocks"
	"github.com/vkngwrapper/streamer/memutils"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type destroyCounter struct {
	destroyed int
}

func (c *destroyCounter) Destroy() { c.destroyed++ }

func TestReclaimWaitsForSlot(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := deletion.NewQueue(testLogger(), 16, 3)

	x := mock_device.NewMockBuffer(ctrl)
	require.NoError(t, queue.Retire(10, deletion.KindBuffer, x))

	// Slots for frames 11 and 12 hold nothing from frame 10
	require.Equal(t, 0, queue.Reclaim(11))
	require.Equal(t, 0, queue.Reclaim(12))
	require.Equal(t, 1, queue.Len())

	x.EXPECT().Destroy()
	require.Equal(t, 1, queue.Reclaim(13))
	require.Equal(t, 0, queue.Len())

	// Nothing left to do the next time around
	require.Equal(t, 0, queue.Reclaim(16))
}

func TestReclaimOnlyUpToSnapshot(t *testing.T) {
	queue := deletion.NewQueue(testLogger(), 16, 2)

	early := &destroyCounter{}
	late := &destroyCounter{}
	require.NoError(t, queue.Retire(4, deletion.KindImage, early))
	require.NoError(t, queue.Retire(5, deletion.KindImage, late))

	require.Equal(t, 1, queue.Reclaim(6))
	require.Equal(t, 1, early.destroyed)
	require.Equal(t, 0, late.destroyed)

	require.Equal(t, 1, queue.Reclaim(7))
	require.Equal(t, 1, late.destroyed)

	stats := queue.Statistics()
	require.Equal(t, 2, stats.Retired[deletion.KindImage])
	require.Equal(t, 2, stats.Destroyed[deletion.KindImage])
	require.Equal(t, 0, stats.Pending)
}

func TestReclaimNeverEarly(t *testing.T) {
	const slots = 3
	queue := deletion.NewQueue(testLogger(), 64, slots)

	retiredAt := map[*destroyCounter]uint64{}
	for frame := uint64(1); frame <= 30; frame++ {
		queue.Reclaim(frame)
		for object, retired := range retiredAt {
			if object.destroyed > 0 {
				require.GreaterOrEqual(t, frame, retired+slots)
				require.Equal(t, 1, object.destroyed)
			}
		}

		for i := uint64(0); i < frame%4; i++ {
			object := &destroyCounter{}
			retiredAt[object] = frame
			require.NoError(t, queue.Retire(frame, deletion.KindGeometry, object))
		}
	}

	queue.Flush()
	for object := range retiredAt {
		require.Equal(t, 1, object.destroyed)
	}
}

func TestRetireOverflow(t *testing.T) {
	queue := deletion.NewQueue(testLogger(), 2, 2)

	require.NoError(t, queue.Retire(1, deletion.KindMemory, &destroyCounter{}))
	require.NoError(t, queue.Retire(1, deletion.KindMemory, &destroyCounter{}))

	err := queue.Retire(1, deletion.KindMemory, &destroyCounter{})
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrQueueFull))
	require.False(t, memutils.IsCapacityExhausted(err))
	require.Equal(t, 2, queue.Len())

	// Space is made available by reclamation, and the ring wraps around
	require.Equal(t, 2, queue.Reclaim(3))
	require.NoError(t, queue.Retire(3, deletion.KindMemory, &destroyCounter{}))
	require.NoError(t, queue.Retire(3, deletion.KindMemory, &destroyCounter{}))
	require.Equal(t, 2, queue.Flush())
}

func TestRetireIntoPastFramePanics(t *testing.T) {
	queue := deletion.NewQueue(testLogger(), 8, 2)
	require.NoError(t, queue.Retire(6, deletion.KindBuffer, &destroyCounter{}))

	require.Panics(t, func() {
		_ = queue.Retire(4, deletion.KindBuffer, &destroyCounter{})
	})
}
