// Package upload hands decoded assets from a decoder goroutine to the frame loop. Payload bytes are
// copied into a fixed ring owned by a Ring, so the frame loop never allocates to receive them, and the
// producer blocks when the ring is full instead of growing it.
package upload

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/geometry"
	"github.com/vkngwrapper/streamer/texture"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
)

// Kind identifies what an entry's payload holds
type Kind uint8

const (
	KindTexture Kind = iota
	KindGeometry
)

var kindMapping = map[Kind]string{
	KindTexture:  "KindTexture",
	KindGeometry: "KindGeometry",
}

func (k Kind) String() string {
	return kindMapping[k]
}

// ErrPayloadTooLarge is returned when a payload could never fit in the ring
var ErrPayloadTooLarge = errors.New("payload is larger than half the upload ring")

// ErrRingFull is returned by TryPush when the ring has no room for a payload right now
var ErrRingFull = errors.New("upload ring is full")

// Header describes an entry's payload
type Header struct {
	Kind Kind

	// Texture payloads
	Texture    texture.ID
	FirstLevel int
	LevelCount int

	// Geometry payloads: the first VertexBytes bytes are vertex data and the rest is index data
	Geometry    geometry.Allocation
	VertexBytes int
}

// Entry is a payload as seen by the consumer. Data aliases the ring and is only valid until the Drain
// callback returns.
type Entry struct {
	Header
	Data []byte
}

// TexturePayload returns the entry as a texture payload
func (e Entry) TexturePayload() texture.Payload {
	return texture.Payload{
		Texture:    e.Texture,
		FirstLevel: e.FirstLevel,
		LevelCount: e.LevelCount,
		Data:       e.Data,
	}
}

// Vertices returns the vertex bytes of a geometry entry
func (e Entry) Vertices() []byte { return e.Data[:e.VertexBytes] }

// Indices returns the index bytes of a geometry entry
func (e Entry) Indices() []byte { return e.Data[e.VertexBytes:] }

type ringSlot struct {
	header Header
	offset int
	size   int
	// charge is size plus any bytes skipped at the end of the ring to keep the payload contiguous
	charge int
	ready  atomic.Bool
}

// RingOptions sizes a Ring
type RingOptions struct {
	Bytes   int
	Entries int
}

// Ring is a bounded single-producer, single-consumer queue of payloads. Push may only be called from one
// goroutine at a time, and Drain from one (possibly different) goroutine at a time.
type Ring struct {
	logger *slog.Logger
	data   []byte
	slots  []ringSlot

	entrySem *semaphore.Weighted
	byteSem  *semaphore.Weighted

	// Producer state
	head        uint64
	writeOffset int

	// Consumer state
	tail uint64

	pushed  atomic.Uint64
	drained atomic.Uint64
}

// NewRing creates a Ring
func NewRing(logger *slog.Logger, options RingOptions) (*Ring, error) {
	if options.Bytes <= 0 || options.Entries <= 0 {
		return nil, errors.Newf("invalid upload ring size: %d bytes, %d entries", options.Bytes, options.Entries)
	}

	return &Ring{
		logger:   logger,
		data:     make([]byte, options.Bytes),
		slots:    make([]ringSlot, options.Entries),
		entrySem: semaphore.NewWeighted(int64(options.Entries)),
		byteSem:  semaphore.NewWeighted(int64(options.Bytes)),
	}, nil
}

// MaxPayload returns the largest payload the ring accepts
func (r *Ring) MaxPayload() int {
	return len(r.data) / 2
}

// Len returns the number of entries pushed but not yet drained
func (r *Ring) Len() int {
	return int(r.pushed.Load() - r.drained.Load())
}

func payloadSize(parts [][]byte) int {
	size := 0
	for _, part := range parts {
		size += len(part)
	}
	return size
}

// place returns where a payload of size bytes will be written and how many bytes it costs
func (r *Ring) place(size int) (int, int) {
	if r.writeOffset+size > len(r.data) {
		return 0, len(r.data) - r.writeOffset + size
	}
	return r.writeOffset, size
}

// Push copies the concatenation of parts into the ring, blocking until there is room or ctx is done
func (r *Ring) Push(ctx context.Context, header Header, parts ...[]byte) error {
	size := payloadSize(parts)
	if size > r.MaxPayload() {
		return errors.Wrapf(ErrPayloadTooLarge, "%d-byte %s payload, ring holds %d bytes", size, header.Kind, len(r.data))
	}

	err := r.entrySem.Acquire(ctx, 1)
	if err != nil {
		return err
	}

	offset, charge := r.place(size)
	err = r.byteSem.Acquire(ctx, int64(charge))
	if err != nil {
		r.entrySem.Release(1)
		return err
	}

	r.publish(header, parts, offset, size, charge)
	return nil
}

// TryPush is Push without blocking. ErrRingFull is returned if the ring has no room.
func (r *Ring) TryPush(header Header, parts ...[]byte) error {
	size := payloadSize(parts)
	if size > r.MaxPayload() {
		return errors.Wrapf(ErrPayloadTooLarge, "%d-byte %s payload, ring holds %d bytes", size, header.Kind, len(r.data))
	}

	if !r.entrySem.TryAcquire(1) {
		return errors.Wrapf(ErrRingFull, "all %d entries are in use", len(r.slots))
	}

	offset, charge := r.place(size)
	if !r.byteSem.TryAcquire(int64(charge)) {
		r.entrySem.Release(1)
		return errors.Wrapf(ErrRingFull, "no room for %d bytes", charge)
	}

	r.publish(header, parts, offset, size, charge)
	return nil
}

func (r *Ring) publish(header Header, parts [][]byte, offset, size, charge int) {
	cursor := offset
	for _, part := range parts {
		cursor += copy(r.data[cursor:], part)
	}

	slot := &r.slots[r.head%uint64(len(r.slots))]
	slot.header = header
	slot.offset = offset
	slot.size = size
	slot.charge = charge

	r.head++
	r.writeOffset = offset + size
	r.pushed.Add(1)
	slot.ready.Store(true)
}

// PushTexture pushes a decoded run of texture levels
func (r *Ring) PushTexture(ctx context.Context, payload texture.Payload) error {
	return r.Push(ctx, Header{
		Kind:       KindTexture,
		Texture:    payload.Texture,
		FirstLevel: payload.FirstLevel,
		LevelCount: payload.LevelCount,
	}, payload.Data)
}

// PushGeometry pushes decoded vertex and index data for an allocation
func (r *Ring) PushGeometry(ctx context.Context, alloc geometry.Allocation, vertices, indices []byte) error {
	return r.Push(ctx, Header{
		Kind:        KindGeometry,
		Geometry:    alloc,
		VertexBytes: len(vertices),
	}, vertices, indices)
}

// Drain passes every entry that is ready to fn, oldest first, and returns the number of entries consumed.
// It never blocks waiting for the producer. An entry is consumed even if fn returns an error, and draining
// stops at that error.
func (r *Ring) Drain(fn func(entry Entry) error) (int, error) {
	count := 0
	for {
		slot := &r.slots[r.tail%uint64(len(r.slots))]
		if !slot.ready.Load() {
			return count, nil
		}

		err := fn(Entry{
			Header: slot.header,
			Data:   r.data[slot.offset : slot.offset+slot.size : slot.offset+slot.size],
		})

		charge := slot.charge
		slot.ready.Store(false)
		r.tail++
		r.drained.Add(1)
		r.byteSem.Release(int64(charge))
		r.entrySem.Release(1)
		count++

		if err != nil {
			return count, err
		}
	}
}

func (r *Ring) PrintJSON(json jwriter.ObjectState) {
	json.Name("Bytes").Int(len(r.data))
	json.Name("Entries").Int(len(r.slots))
	json.Name("Pending").Int(r.Len())
	json.Name("Pushed").Int(int(r.pushed.Load()))
	json.Name("Drained").Int(int(r.drained.Load()))
}
