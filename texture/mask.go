package texture

import (
	"fmt"
	"math/bits"
)

// MaxMipLevels is the largest mip count a MipMask can describe
const MaxMipLevels = 32

// MipMask is a set of mip levels: bit i is set when level i is included. Level 0 is the finest level.
type MipMask uint32

// Levels returns the mask holding count levels starting at first
func Levels(first, count int) MipMask {
	if count <= 0 {
		return 0
	}
	if count >= MaxMipLevels {
		return MipMask(^uint32(0)) << uint(first)
	}
	return MipMask((uint32(1)<<uint(count))-1) << uint(first)
}

// Has returns true if level is in the mask
func (m MipMask) Has(level int) bool {
	return m&(1<<uint(level)) != 0
}

// Count returns the number of levels in the mask
func (m MipMask) Count() int {
	return bits.OnesCount32(uint32(m))
}

// Finest returns the lowest level in the mask, or -1 if the mask is empty
func (m MipMask) Finest() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros32(uint32(m))
}

// Coarsest returns the highest level in the mask, or -1 if the mask is empty
func (m MipMask) Coarsest() int {
	if m == 0 {
		return -1
	}
	return 31 - bits.LeadingZeros32(uint32(m))
}

// IsRun returns true if the mask is empty or its levels have no gaps
func (m MipMask) IsRun() bool {
	if m == 0 {
		return true
	}
	return m.Count() == m.Coarsest()-m.Finest()+1
}

// IsResidentRun returns true if the mask is empty, or is a run of levels ending at the coarsest level of a
// texture with mipCount levels
func (m MipMask) IsResidentRun(mipCount int) bool {
	if m == 0 {
		return true
	}
	return m.IsRun() && m.Coarsest() == mipCount-1
}

func (m MipMask) String() string {
	if m == 0 {
		return "[]"
	}
	if m.IsRun() {
		return fmt.Sprintf("[%d-%d]", m.Finest(), m.Coarsest())
	}
	return fmt.Sprintf("%#b", uint32(m))
}
