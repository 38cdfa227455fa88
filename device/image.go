package device

// ImageInfo is the logical description of a mipmapped image
type ImageInfo struct {
	Width         int
	Height        int
	MipLevels     int
	BytesPerPixel int
}

// LevelExtent returns the width and height of the provided level. No dimension is ever smaller than 1.
func (i ImageInfo) LevelExtent(level int) (int, int) {
	width := i.Width >> level
	if width < 1 {
		width = 1
	}
	height := i.Height >> level
	if height < 1 {
		height = 1
	}
	return width, height
}

// LevelSize returns the tightly packed size in bytes of the provided level
func (i ImageInfo) LevelSize(level int) int {
	width, height := i.LevelExtent(level)
	return width * height * i.BytesPerPixel
}

// LevelsSize returns the tightly packed size in bytes of count levels starting at level
func (i ImageInfo) LevelsSize(level, count int) int {
	var size int
	for l := level; l < level+count; l++ {
		size += i.LevelSize(l)
	}
	return size
}

// Size returns the tightly packed size in bytes of every level in the image
func (i ImageInfo) Size() int {
	return i.LevelsSize(0, i.MipLevels)
}

// Tail returns the description of an image holding only the levels at or coarser than base. Level 0 of
// the returned image corresponds to level base of this one.
func (i ImageInfo) Tail(base int) ImageInfo {
	width, height := i.LevelExtent(base)
	return ImageInfo{
		Width:         width,
		Height:        height,
		MipLevels:     i.MipLevels - base,
		BytesPerPixel: i.BytesPerPixel,
	}
}
