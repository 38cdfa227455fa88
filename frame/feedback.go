package frame

import (
	"github.com/dolthub/swiss"
)

// Feedback accumulates, for each texture sampled during a frame, the set of mip levels that were addressed.
// Bit i of a mask is set when level i was sampled. Bits are only ever added until the buffer is consumed.
type Feedback struct {
	masks *swiss.Map[uint32, uint32]
}

func newFeedback() *Feedback {
	return &Feedback{
		masks: swiss.NewMap[uint32, uint32](64),
	}
}

// Record marks level as sampled for the texture id
func (f *Feedback) Record(id uint32, level int) {
	f.RecordMask(id, 1<<uint(level))
}

// RecordMask ORs mask into the sampled levels of the texture id
func (f *Feedback) RecordMask(id uint32, mask uint32) {
	existing, _ := f.masks.Get(id)
	f.masks.Put(id, existing|mask)
}

// Mask returns the sampled levels recorded for the texture id
func (f *Feedback) Mask(id uint32) uint32 {
	mask, _ := f.masks.Get(id)
	return mask
}

// Len returns the number of textures with recorded samples
func (f *Feedback) Len() int {
	return f.masks.Count()
}

// Each calls fn once for every texture with recorded samples
func (f *Feedback) Each(fn func(id uint32, mask uint32)) {
	f.masks.Iter(func(id uint32, mask uint32) bool {
		fn(id, mask)
		return false
	})
}

// Clear removes every recorded sample
func (f *Feedback) Clear() {
	f.masks.Clear()
}
