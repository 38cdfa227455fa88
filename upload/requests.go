package upload

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/streamer/memutils"
	"github.com/vkngwrapper/streamer/texture"
)

// LoadRequest asks the decoder for a run of texture levels
type LoadRequest = texture.LoadRequest

// Requests is a bounded queue of load requests from the frame loop to the decoder
type Requests struct {
	ch chan LoadRequest
}

// NewRequests creates a queue holding up to capacity requests
func NewRequests(capacity int) *Requests {
	if capacity <= 0 {
		panic(errors.AssertionFailedf("invalid request queue capacity %d", capacity))
	}
	return &Requests{ch: make(chan LoadRequest, capacity)}
}

// Enqueue adds a request without blocking. memutils.ErrQueueFull is returned if the decoder has fallen so
// far behind that the queue is full.
func (r *Requests) Enqueue(request LoadRequest) error {
	select {
	case r.ch <- request:
		return nil
	default:
		return errors.Wrapf(memutils.ErrQueueFull, "load request queue holds %d requests", cap(r.ch))
	}
}

// C returns the channel the decoder receives requests from
func (r *Requests) C() <-chan LoadRequest {
	return r.ch
}

// Len returns the number of requests waiting for the decoder
func (r *Requests) Len() int {
	return len(r.ch)
}

// Capacity returns the number of requests the queue can hold
func (r *Requests) Capacity() int {
	return cap(r.ch)
}
