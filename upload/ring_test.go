package upload_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/streamer/geometry"
	"github.com/vkngwrapper/streamer/memutils/metadata"
	"github.com/vkngwrapper/streamer/texture"
	"github.com/vkngwrapper/streamer/upload"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func filled(size int, value byte) []byte {
	return bytes.Repeat([]byte{value}, size)
}

func header(id int) upload.Header {
	return upload.Header{Kind: upload.KindTexture, Texture: texture.ID(id), LevelCount: 1}
}

func drainAll(t *testing.T, ring *upload.Ring) []upload.Entry {
	var entries []upload.Entry
	_, err := ring.Drain(func(entry upload.Entry) error {
		// Data is only valid during the callback
		entry.Data = append([]byte(nil), entry.Data...)
		entries = append(entries, entry)
		return nil
	})
	require.NoError(t, err)
	return entries
}

func TestRingFIFO(t *testing.T) {
	ring, err := upload.NewRing(testLogger(), upload.RingOptions{Bytes: 256, Entries: 8})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, ring.PushTexture(ctx, texture.Payload{
			Texture:    texture.ID(i + 1),
			FirstLevel: i,
			LevelCount: 1,
			Data:       filled(10*(i+1), byte(i)),
		}))
	}
	require.Equal(t, 3, ring.Len())

	entries := drainAll(t, ring)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		require.Equal(t, upload.KindTexture, entry.Kind)
		payload := entry.TexturePayload()
		require.Equal(t, texture.ID(i+1), payload.Texture)
		require.Equal(t, i, payload.FirstLevel)
		require.Equal(t, filled(10*(i+1), byte(i)), payload.Data)
	}
	require.Equal(t, 0, ring.Len())

	// Nothing left: Drain returns immediately
	count, err := ring.Drain(func(upload.Entry) error {
		t.Fatal("unexpected entry")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestRingGeometryEntry(t *testing.T) {
	ring, err := upload.NewRing(testLogger(), upload.RingOptions{Bytes: 256, Entries: 8})
	require.NoError(t, err)

	alloc := geometry.Allocation{
		Vertices: metadata.SubBlock{Offset: 10, Count: 3},
		Indices:  metadata.SubBlock{Offset: 20, Count: 6},
	}
	require.NoError(t, ring.PushGeometry(context.Background(), alloc, filled(24, 1), filled(12, 2)))

	entries := drainAll(t, ring)
	require.Len(t, entries, 1)
	require.Equal(t, upload.KindGeometry, entries[0].Kind)
	require.Equal(t, alloc, entries[0].Geometry)
	require.Equal(t, filled(24, 1), entries[0].Vertices())
	require.Equal(t, filled(12, 2), entries[0].Indices())
}

func TestRingWrapChargesSkippedBytes(t *testing.T) {
	ring, err := upload.NewRing(testLogger(), upload.RingOptions{Bytes: 100, Entries: 8})
	require.NoError(t, err)

	require.NoError(t, ring.TryPush(header(1), filled(40, 1)))
	require.NoError(t, ring.TryPush(header(2), filled(40, 2)))

	count, err := ring.Drain(func(entry upload.Entry) error {
		require.Equal(t, texture.ID(1), entry.Texture)
		return errors.New("stop after the first entry")
	})
	require.Error(t, err)
	require.Equal(t, 1, count)

	// 30 bytes don't fit in the last 20, so they go to the front and the 20 skipped bytes are charged too:
	// 40 + 50 of 100 bytes are now accounted for
	require.NoError(t, ring.TryPush(header(3), filled(30, 3)))
	err = ring.TryPush(header(4), filled(20, 4))
	require.True(t, errors.Is(err, upload.ErrRingFull))

	entries := drainAll(t, ring)
	require.Len(t, entries, 2)
	require.Equal(t, filled(40, 2), entries[0].Data)
	require.Equal(t, filled(30, 3), entries[1].Data)

	require.NoError(t, ring.TryPush(header(4), filled(20, 4)))
	entries = drainAll(t, ring)
	require.Equal(t, filled(20, 4), entries[0].Data)
}

func TestRingRejectsOversizedPayloads(t *testing.T) {
	ring, err := upload.NewRing(testLogger(), upload.RingOptions{Bytes: 100, Entries: 8})
	require.NoError(t, err)
	require.Equal(t, 50, ring.MaxPayload())

	err = ring.Push(context.Background(), header(1), filled(30, 0), filled(21, 0))
	require.True(t, errors.Is(err, upload.ErrPayloadTooLarge))
	require.True(t, errors.Is(ring.TryPush(header(1), filled(51, 0)), upload.ErrPayloadTooLarge))

	require.NoError(t, ring.TryPush(header(1), filled(50, 0)))
}

func TestRingEntryLimit(t *testing.T) {
	ring, err := upload.NewRing(testLogger(), upload.RingOptions{Bytes: 100, Entries: 2})
	require.NoError(t, err)

	require.NoError(t, ring.TryPush(header(1), filled(1, 0)))
	require.NoError(t, ring.TryPush(header(2), filled(1, 0)))
	require.True(t, errors.Is(ring.TryPush(header(3), filled(1, 0)), upload.ErrRingFull))

	require.Len(t, drainAll(t, ring), 2)
	require.NoError(t, ring.TryPush(header(3), filled(1, 0)))
}

func TestRingPushBlocksUntilDrained(t *testing.T) {
	ring, err := upload.NewRing(testLogger(), upload.RingOptions{Bytes: 100, Entries: 8})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ring.Push(ctx, header(1), filled(50, 1)))
	require.NoError(t, ring.Push(ctx, header(2), filled(50, 2)))

	done := make(chan error, 1)
	go func() {
		done <- ring.Push(ctx, header(3), filled(50, 3))
	}()

	select {
	case <-done:
		t.Fatal("push completed while the ring was full")
	case <-time.After(50 * time.Millisecond):
	}

	entries := drainAll(t, ring)
	require.Len(t, entries, 2)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("push did not complete after the ring was drained")
	}

	entries = drainAll(t, ring)
	require.Equal(t, filled(50, 3), entries[0].Data)
}

func TestRingPushCancelled(t *testing.T) {
	ring, err := upload.NewRing(testLogger(), upload.RingOptions{Bytes: 100, Entries: 1})
	require.NoError(t, err)
	require.NoError(t, ring.TryPush(header(1), filled(10, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = ring.Push(ctx, header(2), filled(10, 2))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, 1, ring.Len())

	require.Len(t, drainAll(t, ring), 1)
	require.NoError(t, ring.TryPush(header(2), filled(10, 2)))
}

func TestRingConcurrentProducer(t *testing.T) {
	ring, err := upload.NewRing(testLogger(), upload.RingOptions{Bytes: 1024, Entries: 16})
	require.NoError(t, err)

	const payloads = 2000
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < payloads; i++ {
			data := filled(4+rng.Intn(ring.MaxPayload()-4), byte(i))
			binary.LittleEndian.PutUint32(data, uint32(i))
			err := ring.Push(ctx, header(i), data)
			if err != nil {
				return err
			}
		}
		return nil
	})

	group.Go(func() error {
		next := 0
		for next < payloads {
			_, err := ring.Drain(func(entry upload.Entry) error {
				if int(entry.Texture) != next {
					return errors.Newf("received entry %d, expected %d", entry.Texture, next)
				}
				if binary.LittleEndian.Uint32(entry.Data) != uint32(next) {
					return errors.Newf("entry %d carries the wrong sequence number", next)
				}
				for _, b := range entry.Data[4:] {
					if b != byte(next) {
						return errors.Newf("entry %d is corrupt", next)
					}
				}
				next++
				return nil
			})
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(time.Microsecond)
		}
		return nil
	})

	require.NoError(t, group.Wait())
	require.Equal(t, 0, ring.Len())
}
