package frame

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/memutils"
	"github.com/vkngwrapper/streamer/memutils/metadata"
)

// Window is a slot's private range of a shared host-visible buffer
type Window struct {
	Buffer device.Buffer
	// Mapped is the host mapping of the whole buffer
	Mapped []byte
	// Base is the offset of this window within the buffer
	Base int
	Size int
}

// Slot is one of the pool's rotating sets of transient resources. A slot is reused only once the device
// has finished the work submitted the last time it was used.
type Slot struct {
	index         int
	frame         uint64
	requiredValue uint64
	acquired      bool

	staging         Window
	stagingArena    *metadata.Linear
	descriptors     Window
	descriptorArena *metadata.Linear

	feedback *Feedback
}

func newSlot(index int, staging, descriptors Window) *Slot {
	return &Slot{
		index:           index,
		staging:         staging,
		stagingArena:    metadata.NewLinear(staging.Size),
		descriptors:     descriptors,
		descriptorArena: metadata.NewLinear(descriptors.Size),
		feedback:        newFeedback(),
	}
}

// Index returns the slot's position in the pool
func (s *Slot) Index() int { return s.index }

// Frame returns the frame currently (or most recently) occupying the slot
func (s *Slot) Frame() uint64 { return s.frame }

// RequiredValue returns the timeline value that must be reached before the slot can be reused
func (s *Slot) RequiredValue() uint64 { return s.requiredValue }

// Feedback returns the slot's sampled-mip feedback. The frame occupying the slot records into it. Right
// after Acquire it may still hold the previous occupant's feedback if that frame completed while the
// acquire was waiting.
func (s *Slot) Feedback() *Feedback { return s.feedback }

func (s *Slot) reset() {
	s.stagingArena.Reset()
	s.descriptorArena.Reset()
}

func allocateFromWindow(arena *metadata.Linear, window Window, size int, alignment uint) (int, []byte, error) {
	offset, err := arena.Allocate(size, alignment)
	if err != nil {
		return 0, nil, err
	}
	memutils.DebugValidate(arena)

	offset += window.Base
	var mapped []byte
	if window.Mapped != nil {
		mapped = window.Mapped[offset : offset+size]
	}
	return offset, mapped, nil
}

// Stage copies data into the slot's staging window and returns the staging buffer along with the offset
// of the copy within it. memutils.ErrOutOfStaging is returned if the window is full.
func (s *Slot) Stage(data []byte, alignment uint) (device.Buffer, int, error) {
	if !s.acquired {
		panic(errors.AssertionFailedf("staging into slot %d, which is not acquired", s.index))
	}

	offset, mapped, err := allocateFromWindow(s.stagingArena, s.staging, len(data), alignment)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "slot %d staging", s.index)
	}
	copy(mapped, data)
	return s.staging.Buffer, offset, nil
}

// AllocateDescriptors reserves size bytes of the slot's descriptor window and returns the descriptor
// buffer, the offset of the reservation within it, and its host mapping.
func (s *Slot) AllocateDescriptors(size int, alignment uint) (device.Buffer, int, []byte, error) {
	if !s.acquired {
		panic(errors.AssertionFailedf("allocating descriptors from slot %d, which is not acquired", s.index))
	}

	offset, mapped, err := allocateFromWindow(s.descriptorArena, s.descriptors, size, alignment)
	if err != nil {
		return nil, 0, nil, errors.Wrapf(err, "slot %d descriptors", s.index)
	}
	return s.descriptors.Buffer, offset, mapped, nil
}

// StagingUsed returns the number of bytes staged through this slot since it was acquired
func (s *Slot) StagingUsed() int { return s.stagingArena.Used() }
