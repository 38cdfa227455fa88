// Package geometry sub-allocates vertex and index storage for meshes from growable pools of fixed-capacity
// device buffers.
package geometry

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/memutils"
	"github.com/vkngwrapper/streamer/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Allocation is the geometry storage owned by one mesh. Indices is null for non-indexed geometry.
type Allocation struct {
	Vertices metadata.SubBlock
	Indices  metadata.SubBlock
}

// IsNull returns true for the zero-value Allocation returned alongside errors
func (a Allocation) IsNull() bool {
	return a.Vertices.IsNull()
}

// CreateOptions configures the vertex and index pools of an Allocator
type CreateOptions struct {
	VertexStride  int
	IndexStride   int
	BlockElements int
	InitialBlocks int
	NodeCapacity  int
}

// Allocator owns one vertex pool and one index pool
type Allocator struct {
	logger   *slog.Logger
	vertices *Pool
	indices  *Pool
}

// NewAllocator creates the vertex and index pools along with their initial blocks
func NewAllocator(logger *slog.Logger, dev device.Device, options CreateOptions) (*Allocator, error) {
	vertices, err := NewPool(logger, dev, PoolOptions{
		Name:          "vertex",
		Usage:         device.BufferUsageVertex,
		Stride:        options.VertexStride,
		BlockElements: options.BlockElements,
		InitialBlocks: options.InitialBlocks,
		NodeCapacity:  options.NodeCapacity,
	})
	if err != nil {
		return nil, err
	}

	indices, err := NewPool(logger, dev, PoolOptions{
		Name:          "index",
		Usage:         device.BufferUsageIndex,
		Stride:        options.IndexStride,
		BlockElements: options.BlockElements,
		InitialBlocks: options.InitialBlocks,
		NodeCapacity:  options.NodeCapacity,
	})
	if err != nil {
		vertices.Destroy()
		return nil, err
	}

	return &Allocator{
		logger:   logger,
		vertices: vertices,
		indices:  indices,
	}, nil
}

func (a *Allocator) Vertices() *Pool { return a.vertices }
func (a *Allocator) Indices() *Pool  { return a.indices }

// AllocateGeometry reserves vertexCount vertices and indexCount indices. indexCount may be zero for
// non-indexed geometry. Either both ranges are reserved or neither is.
func (a *Allocator) AllocateGeometry(vertexCount, indexCount int) (Allocation, error) {
	a.logger.Debug("Allocator::AllocateGeometry", slog.Int("VertexCount", vertexCount), slog.Int("IndexCount", indexCount))

	if vertexCount <= 0 || indexCount < 0 {
		return Allocation{}, errors.Newf("invalid geometry size: %d vertices, %d indices", vertexCount, indexCount)
	}

	vertices, err := a.vertices.Allocate(vertexCount)
	if err != nil {
		return Allocation{}, errors.Wrapf(err, "failed to allocate %d vertices", vertexCount)
	}

	var indices metadata.SubBlock
	if indexCount > 0 {
		indices, err = a.indices.Allocate(indexCount)
		if err != nil {
			a.vertices.Free(vertices)
			return Allocation{}, errors.Wrapf(err, "failed to allocate %d indices", indexCount)
		}
	}

	return Allocation{Vertices: vertices, Indices: indices}, nil
}

// ReleaseGeometry returns both of an allocation's ranges to their pools immediately. Releasing an
// allocation that is not live panics.
func (a *Allocator) ReleaseGeometry(alloc Allocation) {
	a.logger.Debug("Allocator::ReleaseGeometry", slog.Int("VertexOffset", alloc.Vertices.Offset), slog.Int("IndexOffset", alloc.Indices.Offset))

	if alloc.IsNull() {
		panic(errors.AssertionFailedf("attempted to release a null geometry allocation"))
	}

	a.vertices.Free(alloc.Vertices)
	if !alloc.Indices.IsNull() {
		a.indices.Free(alloc.Indices)
	}
}

// IsLive returns true if every range in alloc is still live
func (a *Allocator) IsLive(alloc Allocation) bool {
	if alloc.IsNull() || !a.vertices.IsLive(alloc.Vertices) {
		return false
	}
	return alloc.Indices.IsNull() || a.indices.IsLive(alloc.Indices)
}

// Write copies decoded vertex and index data into a live allocation
func (a *Allocator) Write(alloc Allocation, vertices, indices []byte) error {
	err := a.vertices.Write(alloc.Vertices, vertices)
	if err != nil {
		return err
	}
	if len(indices) == 0 {
		return nil
	}
	if alloc.Indices.IsNull() {
		return errors.Newf("%d bytes of index data were provided for non-indexed geometry", len(indices))
	}
	return a.indices.Write(alloc.Indices, indices)
}

func (a *Allocator) Validate() error {
	err := a.vertices.Validate()
	if err != nil {
		return err
	}
	return a.indices.Validate()
}

func (a *Allocator) Destroy() {
	a.vertices.Destroy()
	a.indices.Destroy()
}

func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.vertices.AddStatistics(stats)
	a.indices.AddStatistics(stats)
}

func (a *Allocator) PrintJSON(json jwriter.ObjectState) {
	vertices := json.Name("Vertices").Object()
	a.vertices.PrintJSON(vertices)
	vertices.End()

	indices := json.Name("Indices").Object()
	a.indices.PrintJSON(indices)
	indices.End()
}
