// Package frame rotates a fixed number of transient resource slots between frames, gating reuse of each
// slot on the device's completion of the work that last used it.
package frame

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/timeline"
	"golang.org/x/exp/slog"
)

// Reclaimer destroys objects that were retired the last time a frame's slot was used
type Reclaimer interface {
	Reclaim(frame uint64) int
}

// PoolOptions configures a Pool. Each slot receives a private window of StagingBytes bytes of the
// staging buffer and DescriptorBytes bytes of the descriptor buffer.
type PoolOptions struct {
	SlotCount int

	Staging      device.Buffer
	StagingMap   []byte
	StagingBytes int

	Descriptors     device.Buffer
	DescriptorMap   []byte
	DescriptorBytes int
}

// Pool is a ring of frame slots
type Pool struct {
	logger    *slog.Logger
	counter   *timeline.Counter
	reclaimer Reclaimer

	slots []*Slot
}

// NewPool creates a Pool. reclaimer may be nil.
func NewPool(logger *slog.Logger, counter *timeline.Counter, reclaimer Reclaimer, options PoolOptions) (*Pool, error) {
	if options.SlotCount <= 0 {
		return nil, errors.Newf("invalid frame slot count %d", options.SlotCount)
	}
	if options.Staging != nil && options.Staging.Size() < options.SlotCount*options.StagingBytes {
		return nil, errors.Newf("a %d-byte staging buffer cannot hold %d windows of %d bytes",
			options.Staging.Size(), options.SlotCount, options.StagingBytes)
	}
	if options.Descriptors != nil && options.Descriptors.Size() < options.SlotCount*options.DescriptorBytes {
		return nil, errors.Newf("a %d-byte descriptor buffer cannot hold %d windows of %d bytes",
			options.Descriptors.Size(), options.SlotCount, options.DescriptorBytes)
	}

	pool := &Pool{
		logger:    logger,
		counter:   counter,
		reclaimer: reclaimer,
	}

	for i := 0; i < options.SlotCount; i++ {
		pool.slots = append(pool.slots, newSlot(i,
			Window{
				Buffer: options.Staging,
				Mapped: options.StagingMap,
				Base:   i * options.StagingBytes,
				Size:   options.StagingBytes,
			},
			Window{
				Buffer: options.Descriptors,
				Mapped: options.DescriptorMap,
				Base:   i * options.DescriptorBytes,
				Size:   options.DescriptorBytes,
			},
		))
	}

	return pool, nil
}

// SlotCount returns the number of slots in the pool
func (p *Pool) SlotCount() int {
	return len(p.slots)
}

// Slot returns the slot that frame occupies
func (p *Pool) Slot(frame uint64) *Slot {
	return p.slots[frame%uint64(len(p.slots))]
}

// Acquire blocks until the device has finished the work submitted the last time frame's slot was used,
// then resets the slot's windows, reclaims everything retired during that earlier frame, and returns the
// slot. It only returns early if ctx is done, in which case the slot is not acquired.
func (p *Pool) Acquire(ctx context.Context, frame uint64) (*Slot, error) {
	slot := p.Slot(frame)
	p.logger.Debug("Pool::Acquire", slog.Uint64("Frame", frame), slog.Int("Slot", slot.index), slog.Uint64("RequiredValue", slot.requiredValue))

	if slot.acquired {
		panic(errors.AssertionFailedf("frame %d is acquiring slot %d, which is still held by frame %d", frame, slot.index, slot.frame))
	}
	if slot.frame != 0 && frame <= slot.frame {
		panic(errors.AssertionFailedf("frame %d is acquiring slot %d, which was already used by frame %d", frame, slot.index, slot.frame))
	}

	err := p.counter.WaitUntil(ctx, slot.requiredValue)
	if err != nil {
		return nil, err
	}

	slot.acquired = true
	slot.frame = frame
	slot.reset()

	if p.reclaimer != nil {
		reclaimed := p.reclaimer.Reclaim(frame)
		if reclaimed > 0 {
			p.logger.Debug("Pool::Acquire reclaimed", slog.Uint64("Frame", frame), slog.Int("Objects", reclaimed))
		}
	}

	return slot, nil
}

// Release hands frame's slot back to the pool. completionValue is the timeline value the device will
// signal once all of the frame's work has finished; the slot will not be reacquired until then.
func (p *Pool) Release(frame uint64, completionValue uint64) {
	slot := p.Slot(frame)
	p.logger.Debug("Pool::Release", slog.Uint64("Frame", frame), slog.Int("Slot", slot.index), slog.Uint64("CompletionValue", completionValue))

	if !slot.acquired || slot.frame != frame {
		panic(errors.AssertionFailedf("releasing frame %d, but slot %d is held by frame %d (acquired: %t)", frame, slot.index, slot.frame, slot.acquired))
	}
	if completionValue < slot.requiredValue {
		panic(errors.AssertionFailedf("slot %d completion value went backwards from %d to %d", slot.index, slot.requiredValue, completionValue))
	}

	slot.requiredValue = completionValue
	slot.acquired = false
}

// CollectFeedback passes the feedback of every released slot whose work the device has finished to fn and
// clears it, so each frame's feedback is seen exactly once. It never blocks.
func (p *Pool) CollectFeedback(fn func(id uint32, mask uint32)) int {
	collected := 0
	for _, slot := range p.slots {
		if slot.acquired || slot.feedback.Len() == 0 || !p.counter.IsComplete(slot.requiredValue) {
			continue
		}

		slot.feedback.Each(fn)
		slot.feedback.Clear()
		collected++
	}
	return collected
}

// WaitIdle blocks until every slot's last recorded completion value has been reached
func (p *Pool) WaitIdle(ctx context.Context) error {
	var highest uint64
	for _, slot := range p.slots {
		if slot.requiredValue > highest {
			highest = slot.requiredValue
		}
	}
	return p.counter.WaitUntil(ctx, highest)
}

func (p *Pool) PrintJSON(json jwriter.ObjectState) {
	slots := json.Name("Slots").Array()
	defer slots.End()

	for _, slot := range p.slots {
		obj := slots.Object()
		obj.Name("Index").Int(slot.index)
		obj.Name("Frame").Int(int(slot.frame))
		obj.Name("RequiredValue").Int(int(slot.requiredValue))
		obj.Name("Acquired").Bool(slot.acquired)
		obj.Name("StagingUsed").Int(slot.stagingArena.Used())
		obj.Name("StagingPeak").Int(slot.stagingArena.Peak())
		obj.Name("DescriptorsUsed").Int(slot.descriptorArena.Used())
		obj.End()
	}
}
