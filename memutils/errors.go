package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is returned when a pool or cache has no range large enough for a request and could not grow
// to make room for it. Callers usually degrade (skip a draw, keep a coarser texture) rather than treating it as fatal.
var ErrOutOfMemory error = errors.New("out of memory")

// ErrNodePoolExhausted is returned when a free-list allocator has run out of bookkeeping nodes. This can happen
// independently of how much raw capacity remains.
var ErrNodePoolExhausted error = errors.New("free-list node pool exhausted")

// ErrOutOfPages is returned by the texture page cache when no contiguous run of pages can satisfy a request
var ErrOutOfPages error = errors.New("texture page cache exhausted")

// ErrOutOfStaging is returned when a frame slot's staging or descriptor window cannot fit a request
var ErrOutOfStaging error = errors.New("frame slot window exhausted")

// ErrDeviceObject marks failures reported by the device while creating or binding a backing object. Operations
// that fail this way are skipped for the current frame and retried later.
var ErrDeviceObject error = errors.New("device object creation failed")

// ErrQueueFull is returned when a bounded queue (deletion queue, load request queue) overflows. This is always
// a capacity-planning bug rather than a runtime condition to recover from.
var ErrQueueFull error = errors.New("queue is full")
