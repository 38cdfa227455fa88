// Package texture keeps large textures partially resident. A page cache backs texture images, and a
// residency tracker decides from sampling feedback which mip levels to stream in and which to evict.
//
// A texture's resident levels always form one run that ends at its coarsest level, so an image holding
// the resident levels is simply the tail of the full mip chain. Loading finer levels or evicting them
// both replace the image: the new one is created, the surviving levels are copied into it, the texture's
// descriptor is pointed at it, and the old image and its pages are retired through the deletion queue.
package texture

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/streamer/deletion"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/memutils"
	"golang.org/x/exp/slog"
)

// RequestSink receives load requests for levels the tracker wants resident
type RequestSink interface {
	Enqueue(request LoadRequest) error
}

// Stager copies level data into transient memory the device can transfer from
type Stager interface {
	Stage(data []byte, alignment uint) (device.Buffer, int, error)
}

// Retirer defers destruction of objects the device may still be using
type Retirer interface {
	Retire(frame uint64, kind deletion.Kind, object device.Object) error
}

// TrackerOptions configures the residency policy
type TrackerOptions struct {
	// AlwaysKeptMips is the number of coarse levels every recently sampled texture keeps resident
	AlwaysKeptMips int
	// HighWater is the fraction of the page cache above which unneeded levels are evicted
	HighWater float64
	// EvictAfterFrames is the number of frames a texture can go unsampled before none of its levels are
	// wanted any longer
	EvictAfterFrames uint64
	// RetryFrames is the number of frames to wait before requesting levels again after a failed load
	RetryFrames uint64
	// MaxTextures bounds the number of descriptor slots handed out
	MaxTextures int
	// StagingAlignment is the alignment of level data in staging memory
	StagingAlignment uint
}

// Statistics summarizes the tracker's textures and the work it has done
type Statistics struct {
	Textures          int
	Unloaded          int
	PartiallyResident int
	FullyResident     int

	RequestsIssued   int
	Loads            int
	FailedLoads      int
	PartialEvictions int
	FullEvictions    int
}

// Tracker owns every texture's residency state
type Tracker struct {
	logger  *slog.Logger
	dev     device.Device
	cache   *PageCache
	retirer Retirer
	sink    RequestSink
	options TrackerOptions

	placeholder device.Image
	records     *swiss.Map[ID, *Record]
	nextSlot    int
	frame       uint64

	stats Statistics
}

// NewTracker creates a Tracker. placeholder is written to descriptor slot 0 and is what every unloaded
// texture's descriptor points to unless it names a resident placeholder texture of its own.
func NewTracker(logger *slog.Logger, dev device.Device, cache *PageCache, retirer Retirer, sink RequestSink, placeholder device.Image, options TrackerOptions) (*Tracker, error) {
	if options.AlwaysKeptMips < 0 {
		return nil, errors.Newf("invalid always-kept mip count %d", options.AlwaysKeptMips)
	}
	if options.HighWater <= 0 || options.HighWater > 1 {
		return nil, errors.Newf("high-water mark %f must be in (0, 1]", options.HighWater)
	}
	if options.MaxTextures <= 0 {
		return nil, errors.Newf("invalid texture limit %d", options.MaxTextures)
	}
	if options.StagingAlignment == 0 {
		options.StagingAlignment = 16
	}

	err := dev.WriteDescriptor(0, placeholder)
	if err != nil {
		return nil, device.WrapError(err, "failed to write the placeholder descriptor")
	}

	return &Tracker{
		logger:      logger,
		dev:         dev,
		cache:       cache,
		retirer:     retirer,
		sink:        sink,
		options:     options,
		placeholder: placeholder,
		records:     swiss.NewMap[ID, *Record](uint32(options.MaxTextures)),
		nextSlot:    1,
	}, nil
}

// Register adds a texture. Its descriptor starts out pointing at its placeholder. placeholder may be zero
// for the shared placeholder, or the ID of a registered persistent texture.
func (t *Tracker) Register(id ID, info device.ImageInfo, flags Flags, placeholder ID) error {
	t.logger.Debug("Tracker::Register", slog.Any("ID", id), slog.Int("Width", info.Width), slog.Int("Height", info.Height), slog.Int("MipLevels", info.MipLevels))

	if id == 0 {
		return errors.New("texture ID 0 is reserved for the placeholder")
	}
	if t.records.Has(id) {
		return errors.Newf("texture %d is already registered", id)
	}
	if info.Width <= 0 || info.Height <= 0 || info.BytesPerPixel <= 0 || info.MipLevels <= 0 || info.MipLevels > MaxMipLevels {
		return errors.Newf("texture %d has invalid description %+v", id, info)
	}
	if placeholder != 0 {
		p, ok := t.records.Get(placeholder)
		if !ok || !p.isPersistent() {
			return errors.Newf("texture %d uses texture %d as a placeholder, but it is not a registered persistent texture", id, placeholder)
		}
	}
	if t.nextSlot > t.options.MaxTextures {
		return errors.Wrapf(memutils.ErrOutOfMemory, "all %d texture descriptor slots are in use", t.options.MaxTextures)
	}

	rec := &Record{
		id:          id,
		info:        info,
		flags:       flags,
		placeholder: placeholder,
		slot:        t.nextSlot,
		lastSampled: t.frame,
	}
	if rec.isPersistent() {
		rec.explicit = Levels(0, info.MipLevels)
	}

	err := t.dev.WriteDescriptor(rec.slot, t.placeholderFor(rec))
	if err != nil {
		return device.WrapError(err, "failed to write the descriptor for texture %d", id)
	}

	t.nextSlot++
	t.records.Put(id, rec)
	return nil
}

// Unregister evicts every level of a texture and forgets it. Its descriptor slot is pointed at the shared
// placeholder and is not handed out again.
func (t *Tracker) Unregister(frame uint64, id ID) error {
	t.logger.Debug("Tracker::Unregister", slog.Any("ID", id))

	rec, ok := t.records.Get(id)
	if !ok {
		return errors.Newf("texture %d is not registered", id)
	}

	var dependents int
	t.records.Iter(func(_ ID, other *Record) bool {
		if other.placeholder == id {
			dependents++
		}
		return false
	})
	if dependents > 0 {
		return errors.Newf("texture %d is the placeholder for %d other textures", id, dependents)
	}

	rec.placeholder = 0
	var err error
	if rec.image == nil {
		err = t.dev.WriteDescriptor(rec.slot, t.placeholder)
		if err != nil {
			return device.WrapError(err, "failed to point texture %d at the placeholder", id)
		}
	} else {
		err = t.evictAll(frame, rec)
		if err != nil {
			return err
		}
	}

	t.records.Delete(id)
	return nil
}

// Record returns the bookkeeping for a texture
func (t *Tracker) Record(id ID) (*Record, bool) {
	return t.records.Get(id)
}

// DescriptorSlot returns the descriptor slot for a texture. The slot is always valid: it points at the
// texture's placeholder while the texture is unloaded, and unknown textures resolve to the shared
// placeholder's slot.
func (t *Tracker) DescriptorSlot(id ID) int {
	rec, ok := t.records.Get(id)
	if !ok {
		return 0
	}
	return rec.slot
}

// OnFrameFeedback adds the levels sampled from a texture during one frame. Feedback accumulates until the
// next policy pass.
func (t *Tracker) OnFrameFeedback(id ID, sampled MipMask) {
	rec, ok := t.records.Get(id)
	if !ok {
		t.logger.Debug("Tracker::OnFrameFeedback unknown texture", slog.Any("ID", id))
		return
	}
	rec.sampled |= sampled & Levels(0, rec.info.MipLevels)
}

// Request asks for a run of levels to be kept resident regardless of feedback, and immediately requests
// any that are missing. The run is extended to the texture's coarsest level. An empty mask withdraws an
// earlier request.
func (t *Tracker) Request(id ID, desired MipMask) error {
	t.logger.Debug("Tracker::Request", slog.Any("ID", id), slog.String("Desired", desired.String()))

	rec, ok := t.records.Get(id)
	if !ok {
		return errors.Newf("texture %d is not registered", id)
	}
	if rec.isPersistent() {
		return nil
	}

	mipCount := rec.info.MipLevels
	desired &= Levels(0, mipCount)
	if desired == 0 {
		rec.explicit = 0
		return nil
	}

	rec.explicit = Levels(desired.Finest(), mipCount-desired.Finest())
	rec.desired = padRun(rec.desired|rec.explicit, mipCount)
	return t.requestMissing(rec, t.frame)
}

// Discard evicts levels of a texture immediately. Every level finer than a dropped level is dropped too,
// so the resident levels remain a single run.
func (t *Tracker) Discard(frame uint64, id ID, drop MipMask) error {
	t.logger.Debug("Tracker::Discard", slog.Any("ID", id), slog.String("Drop", drop.String()))

	rec, ok := t.records.Get(id)
	if !ok {
		return errors.Newf("texture %d is not registered", id)
	}
	if rec.isPersistent() {
		return errors.Newf("texture %d is persistent and cannot be discarded", id)
	}

	drop &= Levels(0, rec.info.MipLevels)
	if drop == 0 {
		return nil
	}

	newFinest := drop.Coarsest() + 1
	rec.explicit &^= Levels(0, newFinest)
	rec.requested &^= Levels(0, newFinest)
	if rec.resident&drop == 0 {
		return nil
	}

	if newFinest >= rec.info.MipLevels {
		return t.evictAll(frame, rec)
	}
	return t.shrink(frame, rec, newFinest)
}

func padRun(mask MipMask, mipCount int) MipMask {
	if mask == 0 {
		return 0
	}
	return Levels(mask.Finest(), mipCount-mask.Finest())
}

func (t *Tracker) desiredFor(rec *Record, frame uint64) MipMask {
	mipCount := rec.info.MipLevels
	if rec.isPersistent() {
		return Levels(0, mipCount)
	}

	kept := t.options.AlwaysKeptMips
	if kept > mipCount {
		kept = mipCount
	}
	keptFinest := mipCount - kept

	var desired MipMask
	if rec.lastFeedback != 0 {
		finest := rec.lastFeedback.Finest()
		if finest > keptFinest {
			finest = keptFinest
		}
		desired = Levels(finest, mipCount-finest)
	} else if frame-rec.lastSampled < t.options.EvictAfterFrames {
		desired = Levels(keptFinest, kept)
	}

	return padRun(desired|rec.explicit, mipCount)
}

func (t *Tracker) sortedRecords() []*Record {
	records := make([]*Record, 0, t.records.Count())
	t.records.Iter(func(_ ID, rec *Record) bool {
		records = append(records, rec)
		return false
	})
	sort.Slice(records, func(i, j int) bool { return records[i].id < records[j].id })
	return records
}

// Update runs the per-frame policy pass. Feedback gathered since the last pass decides which levels each
// texture wants; missing levels are requested, and if the page cache is above its high-water mark,
// levels no longer wanted are evicted, least recently sampled textures first. An error is only returned
// for failures that cannot be recovered from, such as a full request or deletion queue.
func (t *Tracker) Update(frame uint64) error {
	t.logger.Debug("Tracker::Update", slog.Uint64("Frame", frame))
	t.frame = frame

	for _, rec := range t.sortedRecords() {
		rec.lastFeedback = rec.sampled
		if rec.sampled != 0 {
			rec.lastSampled = frame
		}
		rec.sampled = 0

		rec.desired = t.desiredFor(rec, frame)
		rec.requested &= rec.desired

		err := t.requestMissing(rec, frame)
		if err != nil {
			return err
		}
	}

	if t.overHighWater() {
		err := t.evictUnused(frame, t.overHighWater)
		if err != nil {
			return err
		}
	}

	memutils.DebugValidate(t)
	return nil
}

func (t *Tracker) requestMissing(rec *Record, frame uint64) error {
	missing := rec.desired &^ rec.resident
	if missing == 0 || frame < rec.retryAt || missing&^rec.requested == 0 {
		return nil
	}

	request := LoadRequest{
		Texture:    rec.id,
		FirstLevel: missing.Finest(),
		LevelCount: rec.residentFinest() - missing.Finest(),
	}
	err := t.sink.Enqueue(request)
	if err != nil {
		return errors.Wrapf(err, "failed to request levels %s of texture %d", Levels(request.FirstLevel, request.LevelCount), rec.id)
	}

	rec.requested |= Levels(request.FirstLevel, request.LevelCount)
	t.stats.RequestsIssued++
	return nil
}

// effectiveUsed is the number of pages in use that are not already on their way out
func (t *Tracker) effectiveUsed() int {
	return t.cache.Used() - t.cache.Pending()
}

func (t *Tracker) overHighWater() bool {
	return float64(t.effectiveUsed()) > t.options.HighWater*float64(t.cache.Capacity())
}

// evictUnused evicts resident levels outside each texture's desired run for as long as keepGoing returns
// true. Textures that want nothing are evicted completely.
func (t *Tracker) evictUnused(frame uint64, keepGoing func() bool) error {
	var candidates []*Record
	for _, rec := range t.sortedRecords() {
		if rec.isPersistent() || rec.resident&^rec.desired == 0 {
			continue
		}
		candidates = append(candidates, rec)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastSampled < candidates[j].lastSampled
	})

	for _, rec := range candidates {
		if !keepGoing() {
			break
		}

		var err error
		if rec.desired == 0 {
			err = t.evictAll(frame, rec)
		} else {
			err = t.shrink(frame, rec, rec.desired.Finest())
		}

		if errors.Is(err, memutils.ErrQueueFull) {
			return err
		}
		if err != nil {
			t.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to evict texture levels",
				slog.Any("texture", rec.id),
				slog.String("resident", rec.resident.String()),
				slog.String("desired", rec.desired.String()),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

// Deliver applies a decoded payload. The payload's levels must reach the texture's current resident run
// (or its coarsest level, if nothing is resident); levels that are already resident are ignored. On
// failure the texture keeps its previous residency and the levels may be requested again after
// RetryFrames frames.
func (t *Tracker) Deliver(frame uint64, stager Stager, payload Payload) error {
	t.logger.Debug("Tracker::Deliver", slog.Any("ID", payload.Texture), slog.Int("FirstLevel", payload.FirstLevel), slog.Int("LevelCount", payload.LevelCount))

	rec, ok := t.records.Get(payload.Texture)
	if !ok {
		return errors.Newf("payload for unregistered texture %d", payload.Texture)
	}

	mipCount := rec.info.MipLevels
	if payload.FirstLevel < 0 || payload.LevelCount <= 0 || payload.FirstLevel+payload.LevelCount > mipCount {
		return errors.Newf("payload levels [%d, %d) are outside texture %d's %d levels",
			payload.FirstLevel, payload.FirstLevel+payload.LevelCount, rec.id, mipCount)
	}
	if len(payload.Data) != rec.info.LevelsSize(payload.FirstLevel, payload.LevelCount) {
		return errors.Newf("payload for texture %d has %d bytes, but levels [%d, %d) need %d",
			rec.id, len(payload.Data), payload.FirstLevel, payload.FirstLevel+payload.LevelCount,
			rec.info.LevelsSize(payload.FirstLevel, payload.LevelCount))
	}

	current := rec.residentFinest()
	if payload.FirstLevel >= current {
		rec.requested &^= Levels(payload.FirstLevel, payload.LevelCount)
		return nil
	}
	if payload.FirstLevel+payload.LevelCount < current {
		return errors.Newf("payload levels [%d, %d) would leave a gap before texture %d's resident levels %s",
			payload.FirstLevel, payload.FirstLevel+payload.LevelCount, rec.id, rec.resident)
	}

	count := current - payload.FirstLevel
	data := payload.Data[:rec.info.LevelsSize(payload.FirstLevel, count)]

	err := t.grow(frame, stager, rec, payload.FirstLevel, data)
	if err != nil {
		rec.requested &^= Levels(payload.FirstLevel, count)
		rec.retryAt = frame + t.options.RetryFrames
		t.stats.FailedLoads++

		t.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to load texture levels",
			slog.Any("texture", rec.id),
			slog.String("levels", Levels(payload.FirstLevel, count).String()),
			slog.String("resident", rec.resident.String()),
			slog.Any("error", err),
		)
		return err
	}

	t.stats.Loads++
	memutils.DebugValidate(t)
	return nil
}

func (t *Tracker) grow(frame uint64, stager Stager, rec *Record, first int, data []byte) error {
	mipCount := rec.info.MipLevels
	current := rec.residentFinest()
	newLevels := current - first

	image, pages, err := t.allocateImage(rec.info.Tail(first))
	if err != nil {
		return err
	}

	staging, offset, err := stager.Stage(data, t.options.StagingAlignment)
	if err != nil {
		t.discardImage(image, pages)
		return err
	}

	err = t.dev.CopyBufferToImage(staging, offset, image, 0, newLevels)
	if err != nil {
		t.discardImage(image, pages)
		return device.WrapError(err, "failed to upload levels to texture %d", rec.id)
	}

	if rec.image != nil {
		err = t.dev.CopyImageLevels(rec.image, 0, image, newLevels, mipCount-current)
		if err != nil {
			t.discardImage(image, pages)
			return device.WrapError(err, "failed to copy resident levels of texture %d", rec.id)
		}
	}

	return t.replaceImage(frame, rec, image, pages, Levels(first, mipCount-first))
}

func (t *Tracker) shrink(frame uint64, rec *Record, newFinest int) error {
	mipCount := rec.info.MipLevels
	if newFinest >= mipCount {
		return t.evictAll(frame, rec)
	}

	current := rec.residentFinest()
	if newFinest <= current || rec.image == nil {
		return nil
	}

	t.logger.Debug("Tracker::shrink", slog.Any("ID", rec.id), slog.Int("From", current), slog.Int("To", newFinest))

	image, pages, err := t.allocateImage(rec.info.Tail(newFinest))
	if err != nil {
		return err
	}

	err = t.dev.CopyImageLevels(rec.image, newFinest-current, image, 0, mipCount-newFinest)
	if err != nil {
		t.discardImage(image, pages)
		return device.WrapError(err, "failed to copy retained levels of texture %d", rec.id)
	}

	err = t.replaceImage(frame, rec, image, pages, Levels(newFinest, mipCount-newFinest))
	if err != nil {
		return err
	}

	t.stats.PartialEvictions++
	return nil
}

func (t *Tracker) evictAll(frame uint64, rec *Record) error {
	if rec.image == nil {
		return nil
	}

	t.logger.Debug("Tracker::evictAll", slog.Any("ID", rec.id))

	err := t.dev.WriteDescriptor(rec.slot, t.placeholderFor(rec))
	if err != nil {
		return device.WrapError(err, "failed to point texture %d at its placeholder", rec.id)
	}

	oldImage, oldPages := rec.image, rec.pages
	rec.image = nil
	rec.pages = PageRange{}
	rec.resident = 0
	rec.requested = 0
	t.stats.FullEvictions++

	return t.retire(frame, oldImage, oldPages)
}

// allocateImage creates an image for info and binds it to a fresh run of pages. Running out of pages is
// returned to the caller; making room is left to Update's high-water pass.
func (t *Tracker) allocateImage(info device.ImageInfo) (device.Image, PageRange, error) {
	requirements := t.dev.ImageRequirements(info)
	if requirements.Alignment > uint(t.cache.PageSize()) {
		return nil, PageRange{}, errors.Newf("image alignment %d exceeds the %d-byte page size", requirements.Alignment, t.cache.PageSize())
	}

	pages, err := t.cache.Allocate(t.cache.PagesFor(requirements.Size))
	if err != nil {
		return nil, PageRange{}, err
	}

	image, err := t.dev.CreateImage(info)
	if err != nil {
		t.cache.Free(pages)
		return nil, PageRange{}, device.WrapError(err, "failed to create a %dx%d image with %d levels", info.Width, info.Height, info.MipLevels)
	}

	err = t.dev.BindImage(image, t.cache.Memory(), t.cache.Offset(pages))
	if err != nil {
		image.Destroy()
		t.cache.Free(pages)
		return nil, PageRange{}, device.WrapError(err, "failed to bind an image to pages [%d, %d)", pages.Index, pages.Index+pages.Count)
	}

	return image, pages, nil
}

// discardImage destroys an image the device has never used
func (t *Tracker) discardImage(image device.Image, pages PageRange) {
	image.Destroy()
	t.cache.Free(pages)
}

func (t *Tracker) replaceImage(frame uint64, rec *Record, image device.Image, pages PageRange, resident MipMask) error {
	err := t.dev.WriteDescriptor(rec.slot, image)
	if err != nil {
		t.discardImage(image, pages)
		return device.WrapError(err, "failed to point texture %d at its new image", rec.id)
	}

	oldImage, oldPages := rec.image, rec.pages
	rec.image = image
	rec.pages = pages
	rec.resident = resident
	rec.requested &^= resident

	t.repointDependents(rec)
	return t.retire(frame, oldImage, oldPages)
}

func (t *Tracker) retire(frame uint64, image device.Image, pages PageRange) error {
	if image != nil {
		err := t.retirer.Retire(frame, deletion.KindImage, image)
		if err != nil {
			return err
		}
	}
	if !pages.IsNull() {
		return t.retirer.Retire(frame, deletion.KindPages, t.cache.Release(pages))
	}
	return nil
}

func (t *Tracker) placeholderFor(rec *Record) device.Image {
	if rec.placeholder != 0 {
		p, ok := t.records.Get(rec.placeholder)
		if ok && p.image != nil {
			return p.image
		}
	}
	return t.placeholder
}

// repointDependents updates the descriptors of unloaded textures that use rec as their placeholder
func (t *Tracker) repointDependents(rec *Record) {
	if !rec.isPersistent() {
		return
	}

	t.records.Iter(func(_ ID, other *Record) bool {
		if other.placeholder != rec.id || other.image != nil {
			return false
		}

		err := t.dev.WriteDescriptor(other.slot, t.placeholderFor(other))
		if err != nil {
			t.logger.LogAttrs(context.Background(), slog.LevelError, "failed to repoint placeholder descriptor",
				slog.Any("texture", other.id),
				slog.Any("placeholder", rec.id),
				slog.Any("error", err),
			)
		}
		return false
	})
}

// Validate checks every texture's residency against its image and the page cache's accounting
func (t *Tracker) Validate() error {
	err := t.cache.Validate()
	if err != nil {
		return err
	}

	pages := 0
	for _, rec := range t.sortedRecords() {
		if !rec.resident.IsResidentRun(rec.info.MipLevels) {
			return errors.Errorf("texture %d has non-contiguous residency %s", rec.id, rec.resident)
		}
		if (rec.image == nil) != (rec.resident == 0) || (rec.image == nil) != rec.pages.IsNull() {
			return errors.Errorf("texture %d has residency %s but image presence %t and pages %+v",
				rec.id, rec.resident, rec.image != nil, rec.pages)
		}
		if rec.image != nil && rec.image.Info().MipLevels != rec.resident.Count() {
			return errors.Errorf("texture %d has %d resident levels but its image has %d",
				rec.id, rec.resident.Count(), rec.image.Info().MipLevels)
		}
		pages += rec.pages.Count
	}

	if pages+t.cache.Pending() != t.cache.Used() {
		return errors.Errorf("textures hold %d pages and %d are pending release, but the cache has %d in use",
			pages, t.cache.Pending(), t.cache.Used())
	}
	return nil
}

// Destroy destroys every texture image immediately. The device must be idle.
func (t *Tracker) Destroy() {
	t.records.Iter(func(_ ID, rec *Record) bool {
		if rec.image != nil {
			t.discardImage(rec.image, rec.pages)
			rec.image = nil
			rec.pages = PageRange{}
			rec.resident = 0
		}
		return false
	})
}

// Statistics returns counts of textures by state along with the tracker's running totals
func (t *Tracker) Statistics() Statistics {
	stats := t.stats
	stats.Textures = t.records.Count()
	t.records.Iter(func(_ ID, rec *Record) bool {
		switch rec.State() {
		case StateUnloaded:
			stats.Unloaded++
		case StatePartiallyResident:
			stats.PartiallyResident++
		case StateFullyResident:
			stats.FullyResident++
		}
		return false
	})
	return stats
}

func (t *Tracker) PrintJSON(json jwriter.ObjectState) {
	stats := t.Statistics()
	json.Name("Textures").Int(stats.Textures)
	json.Name("Unloaded").Int(stats.Unloaded)
	json.Name("PartiallyResident").Int(stats.PartiallyResident)
	json.Name("FullyResident").Int(stats.FullyResident)
	json.Name("RequestsIssued").Int(stats.RequestsIssued)
	json.Name("Loads").Int(stats.Loads)
	json.Name("FailedLoads").Int(stats.FailedLoads)
	json.Name("PartialEvictions").Int(stats.PartialEvictions)
	json.Name("FullEvictions").Int(stats.FullEvictions)

	cache := json.Name("PageCache").Object()
	t.cache.PrintJSON(cache)
	cache.End()

	textures := json.Name("Residency").Array()
	defer textures.End()

	for _, rec := range t.sortedRecords() {
		obj := textures.Object()
		obj.Name("ID").Int(int(rec.id))
		obj.Name("State").String(rec.State().String())
		obj.Name("Resident").String(rec.resident.String())
		obj.Name("Desired").String(rec.desired.String())
		obj.Name("Pages").Int(rec.pages.Count)
		obj.End()
	}
}
