package streamer

import (
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/streamer/memutils"
)

// GeometryConfig sizes the vertex and index pools
type GeometryConfig struct {
	// VertexStride is the size in bytes of one vertex
	VertexStride int `toml:"vertex_stride"`
	// IndexStride is the size in bytes of one index
	IndexStride int `toml:"index_stride"`
	// BlockElements is the number of vertices or indices in each backing block. No single allocation
	// can be larger than this.
	BlockElements int `toml:"block_elements"`
	// InitialBlocks is the number of blocks each pool starts out with
	InitialBlocks int `toml:"initial_blocks"`
	// NodeCapacity bounds the number of ranges, free and used, each pool can track
	NodeCapacity int `toml:"node_capacity"`
}

// TextureConfig sizes the texture page cache and tunes the residency policy
type TextureConfig struct {
	PageSize   int `toml:"page_size"`
	CacheBytes int `toml:"cache_bytes"`
	// HighWater is the fraction of the page cache above which unneeded levels are evicted
	HighWater float64 `toml:"high_water"`
	// AlwaysKeptMips is the number of coarse levels kept resident for every recently sampled texture
	AlwaysKeptMips   int    `toml:"always_kept_mips"`
	EvictAfterFrames uint64 `toml:"evict_after_frames"`
	RetryFrames      uint64 `toml:"retry_frames"`
	MaxTextures      int    `toml:"max_textures"`
	StagingAlignment uint   `toml:"staging_alignment"`
}

// FrameConfig sizes the frame slots and their private windows
type FrameConfig struct {
	SlotCount       int `toml:"slot_count"`
	StagingBytes    int `toml:"staging_bytes"`
	DescriptorBytes int `toml:"descriptor_bytes"`
}

// DeletionConfig sizes the deletion queue
type DeletionConfig struct {
	Capacity int `toml:"capacity"`
}

// UploadConfig sizes the decode hand-off
type UploadConfig struct {
	RingBytes       int `toml:"ring_bytes"`
	RingEntries     int `toml:"ring_entries"`
	RequestCapacity int `toml:"request_capacity"`
}

// Config holds every tunable of an Engine
type Config struct {
	Geometry GeometryConfig `toml:"geometry"`
	Textures TextureConfig  `toml:"textures"`
	Frames   FrameConfig    `toml:"frames"`
	Deletion DeletionConfig `toml:"deletion"`
	Upload   UploadConfig   `toml:"upload"`

	// InternallySynchronized guards every Engine method with a mutex, for callers that cannot drive the
	// engine from a single goroutine
	InternallySynchronized bool `toml:"internally_synchronized"`
}

// DefaultConfig returns the configuration used for any value a config file leaves out
func DefaultConfig() Config {
	return Config{
		Geometry: GeometryConfig{
			VertexStride:  32,
			IndexStride:   4,
			BlockElements: 1 << 16,
			InitialBlocks: 1,
			NodeCapacity:  4096,
		},
		Textures: TextureConfig{
			PageSize:         64 * 1024,
			CacheBytes:       256 * 1024 * 1024,
			HighWater:        0.875,
			AlwaysKeptMips:   4,
			EvictAfterFrames: 120,
			RetryFrames:      30,
			MaxTextures:      4096,
			StagingAlignment: 16,
		},
		Frames: FrameConfig{
			SlotCount:       3,
			StagingBytes:    16 * 1024 * 1024,
			DescriptorBytes: 64 * 1024,
		},
		Deletion: DeletionConfig{
			Capacity: 4096,
		},
		Upload: UploadConfig{
			RingBytes:       64 * 1024 * 1024,
			RingEntries:     256,
			RequestCapacity: 1024,
		},
	}
}

// LoadConfig reads a TOML config file over the defaults. Keys the config does not recognize are an error.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Newf("config %s has unrecognized keys %v", path, undecoded)
	}

	err = config.Validate()
	if err != nil {
		return Config{}, errors.Wrapf(err, "invalid config %s", path)
	}

	return config, nil
}

func checkPositive(value int, name string) error {
	if value <= 0 {
		return errors.Newf("%s must be positive, but is %d", name, value)
	}
	return nil
}

// Validate checks every value for consistency
func (c Config) Validate() error {
	for _, check := range []struct {
		value int
		name  string
	}{
		{c.Geometry.VertexStride, "geometry.vertex_stride"},
		{c.Geometry.IndexStride, "geometry.index_stride"},
		{c.Geometry.BlockElements, "geometry.block_elements"},
		{c.Geometry.NodeCapacity, "geometry.node_capacity"},
		{c.Textures.PageSize, "textures.page_size"},
		{c.Textures.CacheBytes, "textures.cache_bytes"},
		{c.Textures.MaxTextures, "textures.max_textures"},
		{c.Frames.SlotCount, "frames.slot_count"},
		{c.Frames.StagingBytes, "frames.staging_bytes"},
		{c.Frames.DescriptorBytes, "frames.descriptor_bytes"},
		{c.Deletion.Capacity, "deletion.capacity"},
		{c.Upload.RingBytes, "upload.ring_bytes"},
		{c.Upload.RingEntries, "upload.ring_entries"},
		{c.Upload.RequestCapacity, "upload.request_capacity"},
	} {
		err := checkPositive(check.value, check.name)
		if err != nil {
			return err
		}
	}

	if c.Geometry.InitialBlocks < 0 {
		return errors.Newf("geometry.initial_blocks cannot be negative, but is %d", c.Geometry.InitialBlocks)
	}

	err := memutils.CheckPow2(c.Textures.PageSize, "textures.page_size")
	if err != nil {
		return err
	}
	if c.Textures.CacheBytes < c.Textures.PageSize {
		return errors.Newf("textures.cache_bytes %d cannot hold a single %d-byte page", c.Textures.CacheBytes, c.Textures.PageSize)
	}
	if c.Textures.HighWater <= 0 || c.Textures.HighWater > 1 {
		return errors.Newf("textures.high_water must be in (0, 1], but is %f", c.Textures.HighWater)
	}
	if c.Textures.AlwaysKeptMips < 0 {
		return errors.Newf("textures.always_kept_mips cannot be negative, but is %d", c.Textures.AlwaysKeptMips)
	}
	if c.Textures.StagingAlignment != 0 {
		err = memutils.CheckPow2(c.Textures.StagingAlignment, "textures.staging_alignment")
		if err != nil {
			return err
		}
	}

	return nil
}
