package texture

import (
	"github.com/vkngwrapper/streamer/device"
)

// ID identifies a texture. Zero is reserved for the shared placeholder.
type ID uint32

// State is the residency state of a texture
type State uint8

const (
	StateUnloaded State = iota
	StatePartiallyResident
	StateFullyResident
)

var stateMapping = map[State]string{
	StateUnloaded:          "StateUnloaded",
	StatePartiallyResident: "StatePartiallyResident",
	StateFullyResident:     "StateFullyResident",
}

func (s State) String() string {
	return stateMapping[s]
}

// Flags modify how the tracker treats a texture
type Flags uint8

const (
	// FlagPersistent exempts a texture from streaming: every level is requested at registration and none are
	// ever evicted by policy. Only persistent textures may serve as another texture's placeholder.
	FlagPersistent Flags = 1 << iota
)

// Record is the tracker's bookkeeping for one texture
type Record struct {
	id          ID
	info        device.ImageInfo
	flags       Flags
	placeholder ID
	slot        int

	image    device.Image
	resident MipMask
	pages    PageRange

	// feedback accumulated since the last policy pass
	sampled      MipMask
	lastFeedback MipMask
	lastSampled  uint64

	// explicit is the run of levels the owner asked to keep with Request
	explicit  MipMask
	desired   MipMask
	requested MipMask
	retryAt   uint64
}

func (r *Record) ID() ID                   { return r.id }
func (r *Record) Info() device.ImageInfo   { return r.info }
func (r *Record) Flags() Flags             { return r.flags }
func (r *Record) Placeholder() ID          { return r.placeholder }
func (r *Record) DescriptorSlot() int      { return r.slot }
func (r *Record) Image() device.Image      { return r.image }
func (r *Record) Resident() MipMask        { return r.resident }
func (r *Record) Pages() PageRange         { return r.pages }
func (r *Record) LastFeedback() MipMask    { return r.lastFeedback }
func (r *Record) Desired() MipMask         { return r.desired }
func (r *Record) Requested() MipMask       { return r.requested }
func (r *Record) LastSampledFrame() uint64 { return r.lastSampled }

// State reports whether no levels, some levels, or every level of the texture is resident
func (r *Record) State() State {
	switch {
	case r.resident == 0:
		return StateUnloaded
	case r.resident.Count() == r.info.MipLevels:
		return StateFullyResident
	default:
		return StatePartiallyResident
	}
}

func (r *Record) isPersistent() bool {
	return r.flags&FlagPersistent != 0
}

// residentFinest returns the finest resident level, or the mip count when nothing is resident
func (r *Record) residentFinest() int {
	if r.resident == 0 {
		return r.info.MipLevels
	}
	return r.resident.Finest()
}

// LoadRequest asks the asset pipeline to decode LevelCount levels of a texture, starting at FirstLevel
type LoadRequest struct {
	Texture    ID
	FirstLevel int
	LevelCount int
}

// Payload is a decoded run of levels. Data holds the levels tightly packed from finest to coarsest.
type Payload struct {
	Texture    ID
	FirstLevel int
	LevelCount int
	Data       []byte
}
