package texture

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/memutils"
	"golang.org/x/exp/slog"
)

// PageRange is a contiguous run of pages in a PageCache
type PageRange struct {
	Index int
	Count int
}

// IsNull returns true for the zero-value PageRange
func (r PageRange) IsNull() bool { return r.Count == 0 }

// PageCache divides one device-local memory allocation into fixed-size pages and hands out contiguous
// runs of them to texture images
type PageCache struct {
	logger   *slog.Logger
	pageSize int
	pages    int

	bitmap  *bitset.BitSet
	used    int
	pending int

	memory device.Memory
}

// NewPageCache allocates cacheBytes of device-local memory, rounded down to a whole number of pages
func NewPageCache(logger *slog.Logger, dev device.Device, pageSize, cacheBytes int) (*PageCache, error) {
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}

	pages := cacheBytes / pageSize
	if pages <= 0 {
		return nil, errors.Newf("a %d-byte cache cannot hold a single %d-byte page", cacheBytes, pageSize)
	}

	memory, err := dev.AllocateMemory(pages*pageSize, device.MemoryDeviceLocal)
	if err != nil {
		return nil, device.WrapError(err, "failed to allocate %d texture pages of %d bytes", pages, pageSize)
	}

	return &PageCache{
		logger:   logger,
		pageSize: pageSize,
		pages:    pages,
		bitmap:   bitset.New(uint(pages)),
		memory:   memory,
	}, nil
}

func (c *PageCache) PageSize() int { return c.pageSize }
func (c *PageCache) Capacity() int { return c.pages }
func (c *PageCache) Used() int     { return c.used }

// Pending returns the number of used pages that have been released but are waiting for the device to
// finish with them
func (c *PageCache) Pending() int { return c.pending }

// Memory returns the allocation pages are carved from
func (c *PageCache) Memory() device.Memory { return c.memory }

// Offset returns the byte offset of a range within the cache's memory
func (c *PageCache) Offset(r PageRange) int { return r.Index * c.pageSize }

// PagesFor returns the number of pages needed to hold size bytes
func (c *PageCache) PagesFor(size int) int {
	return memutils.DivideRoundingUp(size, c.pageSize)
}

// Allocate reserves the first run of count free pages. memutils.ErrOutOfPages is returned if there is no
// such run.
func (c *PageCache) Allocate(count int) (PageRange, error) {
	if count <= 0 {
		return PageRange{}, errors.Newf("attempted to allocate %d pages", count)
	}

	limit := uint(c.pages)
	start := uint(0)
	for start < limit {
		free, ok := c.bitmap.NextClear(start)
		if !ok || free+uint(count) > limit {
			break
		}

		end, ok := c.bitmap.NextSet(free)
		if !ok || end > limit {
			end = limit
		}

		if end-free >= uint(count) {
			for i := free; i < free+uint(count); i++ {
				c.bitmap.Set(i)
			}
			c.used += count
			return PageRange{Index: int(free), Count: count}, nil
		}

		start = end
	}

	return PageRange{}, errors.Wrapf(memutils.ErrOutOfPages, "no run of %d free pages: %d of %d pages in use", count, c.used, c.pages)
}

// Free returns a range to the cache immediately. Freeing pages that are not in use is a programmer error
// and panics.
func (c *PageCache) Free(r PageRange) {
	if r.Index < 0 || r.Count <= 0 || r.Index+r.Count > c.pages {
		panic(errors.AssertionFailedf("page range [%d, %d) is outside a %d-page cache", r.Index, r.Index+r.Count, c.pages))
	}

	for i := uint(r.Index); i < uint(r.Index+r.Count); i++ {
		if !c.bitmap.Test(i) {
			panic(errors.AssertionFailedf("page %d was freed but is not in use", i))
		}
		c.bitmap.Clear(i)
	}
	c.used -= r.Count
}

type pageRelease struct {
	cache *PageCache
	pages PageRange
}

func (r *pageRelease) Destroy() {
	r.cache.pending -= r.pages.Count
	r.cache.Free(r.pages)
}

// Release returns an object that frees the range when destroyed, so the range can be handed to the
// deletion queue along with the image that was bound to it
func (c *PageCache) Release(r PageRange) device.Object {
	c.pending += r.Count
	return &pageRelease{cache: c, pages: r}
}

func (c *PageCache) Validate() error {
	if int(c.bitmap.Count()) != c.used {
		return errors.Errorf("%d pages are marked in use, but the cache reports %d", c.bitmap.Count(), c.used)
	}
	if c.pending > c.used {
		return errors.Errorf("%d pages are pending release, but only %d are in use", c.pending, c.used)
	}
	return nil
}

// Destroy frees the cache's memory. Pages still in use are logged.
func (c *PageCache) Destroy() {
	if c.used > 0 {
		c.logger.Error("[UNRELEASED PAGES] texture page cache destroyed with pages in use",
			slog.Int("used", c.used),
			slog.Int("pending", c.pending))
	}
	c.memory.Destroy()
}

func (c *PageCache) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.Capacity += c.pages
	stats.Used += c.used
}

func (c *PageCache) PrintJSON(json jwriter.ObjectState) {
	json.Name("PageSize").Int(c.pageSize)
	json.Name("Pages").Int(c.pages)
	json.Name("Used").Int(c.used)
	json.Name("Pending").Int(c.pending)
}
