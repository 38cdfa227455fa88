package geometry

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/memutils"
	"github.com/vkngwrapper/streamer/memutils/metadata"
	"golang.org/x/exp/slog"
)

// PoolOptions describes one geometry pool
type PoolOptions struct {
	// Name is used in logs and diagnostics
	Name string
	// Usage is passed to the device when creating backing buffers
	Usage device.BufferUsage
	// Stride is the size in bytes of one element
	Stride int
	// BlockElements is the number of elements in each backing block. Capacity grows by this amount.
	BlockElements int
	// InitialBlocks is the number of backing blocks created along with the pool
	InitialBlocks int
	// NodeCapacity is the number of free-list nodes preallocated for the pool. Each backing block
	// uses one, and every live allocation or free range uses one.
	NodeCapacity int
}

type backingBlock struct {
	id     int
	memory device.Memory
	buffer device.Buffer
}

// Pool sub-allocates elements from an ordered list of fixed-capacity backing buffers. Elements are
// addressed in one global space: element e lives in block e / BlockElements. Capacity only grows, by
// appending whole blocks, and a single allocation never spans two blocks.
type Pool struct {
	logger  *slog.Logger
	dev     device.Device
	options PoolOptions

	blocks   []*backingBlock
	metadata *metadata.FreeList
}

// NewPool creates a Pool and its initial backing blocks
func NewPool(logger *slog.Logger, dev device.Device, options PoolOptions) (*Pool, error) {
	if options.Stride <= 0 || options.BlockElements <= 0 {
		return nil, errors.Newf("pool %s has invalid stride %d or block size %d", options.Name, options.Stride, options.BlockElements)
	}
	if options.NodeCapacity < options.InitialBlocks {
		return nil, errors.Newf("pool %s has %d nodes, which cannot cover %d initial blocks", options.Name, options.NodeCapacity, options.InitialBlocks)
	}

	pool := &Pool{
		logger:   logger,
		dev:      dev,
		options:  options,
		metadata: metadata.NewFreeList(options.NodeCapacity),
	}

	for i := 0; i < options.InitialBlocks; i++ {
		err := pool.grow()
		if err != nil {
			pool.Destroy()
			return nil, err
		}
	}

	return pool, nil
}

func (p *Pool) Name() string         { return p.options.Name }
func (p *Pool) Stride() int          { return p.options.Stride }
func (p *Pool) BlockCount() int      { return len(p.blocks) }
func (p *Pool) Capacity() int        { return p.metadata.Size() }
func (p *Pool) Used() int            { return p.metadata.Used() }
func (p *Pool) AllocationCount() int { return p.metadata.AllocationCount() }

func (p *Pool) grow() error {
	blockBytes := p.options.BlockElements * p.options.Stride
	p.logger.Debug("Pool::grow", slog.String("Pool", p.options.Name), slog.Int("BlockBytes", blockBytes))

	if p.metadata.SpareNodes() == 0 {
		return errors.Wrapf(memutils.ErrNodePoolExhausted, "pool %s cannot track another block", p.options.Name)
	}

	memory, err := p.dev.AllocateMemory(blockBytes, device.MemoryHostVisible)
	if err != nil {
		return device.WrapError(err, "pool %s failed to allocate a %d-byte block", p.options.Name, blockBytes)
	}

	buffer, err := p.dev.CreateBuffer(blockBytes, p.options.Usage)
	if err != nil {
		memory.Destroy()
		return device.WrapError(err, "pool %s failed to create a %d-byte buffer", p.options.Name, blockBytes)
	}

	err = p.dev.BindBuffer(buffer, memory, 0)
	if err != nil {
		buffer.Destroy()
		memory.Destroy()
		return device.WrapError(err, "pool %s failed to bind a block buffer", p.options.Name)
	}

	err = p.metadata.Extend(p.options.BlockElements)
	if err != nil {
		buffer.Destroy()
		memory.Destroy()
		return err
	}

	p.blocks = append(p.blocks, &backingBlock{
		id:     len(p.blocks),
		memory: memory,
		buffer: buffer,
	})
	return nil
}

// Allocate reserves count contiguous elements. If no free range can hold them, the pool grows by one
// backing block and tries again once. Failures are reported as memutils.ErrOutOfMemory or
// memutils.ErrNodePoolExhausted; when growth failed because the device refused to create the block,
// the error is also marked memutils.ErrDeviceObject.
func (p *Pool) Allocate(count int) (metadata.SubBlock, error) {
	p.logger.Debug("Pool::Allocate", slog.String("Pool", p.options.Name), slog.Int("Count", count))

	if count > p.options.BlockElements {
		return metadata.SubBlock{}, errors.Wrapf(memutils.ErrOutOfMemory, "pool %s cannot hold %d elements in a %d-element block",
			p.options.Name, count, p.options.BlockElements)
	}

	block, err := p.metadata.Allocate(count)
	if err == nil {
		memutils.DebugValidate(p.metadata)
		return block, nil
	}
	if !errors.Is(err, memutils.ErrOutOfMemory) {
		return metadata.SubBlock{}, err
	}

	growErr := p.grow()
	if growErr != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "geometry pool could not grow",
			slog.String("pool", p.options.Name),
			slog.Int("count", count),
			slog.Any("error", growErr),
		)
		if errors.Is(growErr, memutils.ErrNodePoolExhausted) {
			return metadata.SubBlock{}, growErr
		}
		return metadata.SubBlock{}, errors.Mark(growErr, memutils.ErrOutOfMemory)
	}

	block, err = p.metadata.Allocate(count)
	if err != nil {
		return metadata.SubBlock{}, err
	}
	memutils.DebugValidate(p.metadata)
	return block, nil
}

// Free returns a range to the pool. Freeing a range that is not live is a programmer error and panics.
func (p *Pool) Free(block metadata.SubBlock) {
	p.logger.Debug("Pool::Free", slog.String("Pool", p.options.Name), slog.Int("Offset", block.Offset), slog.Int("Count", block.Count))

	err := p.metadata.Free(block)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "pool %s: invalid free", p.options.Name))
	}
	memutils.DebugValidate(p.metadata)
}

// IsLive returns true if block is a live allocation from this pool
func (p *Pool) IsLive(block metadata.SubBlock) bool {
	return p.metadata.IsLive(block)
}

// Locate returns the backing buffer holding block and the index of block's first element within that buffer
func (p *Pool) Locate(block metadata.SubBlock) (device.Buffer, int) {
	index := block.Offset / p.options.BlockElements
	return p.blocks[index].buffer, block.Offset - index*p.options.BlockElements
}

// Write copies data into the elements of a live allocation. data may be shorter than the allocation but
// never longer.
func (p *Pool) Write(block metadata.SubBlock, data []byte) error {
	if !p.metadata.IsLive(block) {
		return errors.Newf("pool %s: the range at element %d is not live", p.options.Name, block.Offset)
	}
	if len(data) > block.Count*p.options.Stride {
		return errors.Newf("pool %s: %d bytes do not fit in %d elements of %d bytes", p.options.Name, len(data), block.Count, p.options.Stride)
	}

	index := block.Offset / p.options.BlockElements
	mapped := p.blocks[index].memory.Bytes()
	if mapped == nil {
		return errors.Newf("pool %s: block %d is not host visible", p.options.Name, index)
	}

	start := (block.Offset - index*p.options.BlockElements) * p.options.Stride
	copy(mapped[start:start+len(data)], data)
	return nil
}

// Validate checks the pool's free list for overlapping ranges and lost capacity
func (p *Pool) Validate() error {
	if p.metadata.Size() != len(p.blocks)*p.options.BlockElements {
		return errors.Errorf("pool %s manages %d elements but has %d blocks of %d", p.options.Name, p.metadata.Size(), len(p.blocks), p.options.BlockElements)
	}
	return p.metadata.Validate()
}

// Destroy frees every backing block. Allocations that are still live are logged.
func (p *Pool) Destroy() {
	if !p.metadata.IsEmpty() {
		err := p.metadata.VisitAllRegions(func(offset, count int, free bool) error {
			if !free {
				p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED GEOMETRY] unfreed allocation",
					slog.String("pool", p.options.Name),
					slog.Int("offset", offset),
					slog.Int("count", count),
				)
			}
			return nil
		})
		if err != nil {
			p.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED GEOMETRY] error while iterating unreleased geometry",
				slog.Any("error", err))
		}
	}

	for _, block := range p.blocks {
		block.buffer.Destroy()
		block.memory.Destroy()
	}
	p.blocks = nil
}

func (p *Pool) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount += len(p.blocks)
	p.metadata.AddStatistics(stats)
}

func (p *Pool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount += len(p.blocks)
	p.metadata.AddDetailedStatistics(stats)
}

func (p *Pool) PrintJSON(json jwriter.ObjectState) {
	json.Name("Stride").Int(p.options.Stride)
	json.Name("BlockElements").Int(p.options.BlockElements)
	json.Name("Blocks").Int(len(p.blocks))
	p.metadata.PrintJSON(json)

	var stats memutils.DetailedStatistics
	stats.Clear()
	p.AddDetailedStatistics(&stats)
	statsObj := json.Name("Statistics").Object()
	stats.PrintJSON(statsObj)
	statsObj.End()

	ranges := json.Name("Ranges").Object()
	defer ranges.End()

	_ = p.metadata.VisitAllRegions(func(offset, count int, free bool) error {
		obj := ranges.Name(strconv.Itoa(offset)).Object()
		defer obj.End()

		obj.Name("Count").Int(count)
		obj.Name("Free").Bool(free)
		return nil
	})
}
