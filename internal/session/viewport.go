package session

import (
	"sync"

	"github.com/paulmach/orb"
)

// StaticViewport maps a fixed-size screen onto a map extent
type StaticViewport struct {
	mu            sync.RWMutex
	width, height float64
	extent        orb.Bound
}

// NewStaticViewport creates a viewport of width x height pixels showing extent
func NewStaticViewport(width, height float64, extent orb.Bound) *StaticViewport {
	return &StaticViewport{width: width, height: height, extent: extent}
}

// ScreenToLocation maps pixel coordinates (origin top-left) to map coordinates
func (v *StaticViewport) ScreenToLocation(x, y float64) orb.Point {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.width <= 0 || v.height <= 0 {
		return v.extent.Min
	}
	mx := v.extent.Min[0] + x/v.width*(v.extent.Max[0]-v.extent.Min[0])
	my := v.extent.Max[1] - y/v.height*(v.extent.Max[1]-v.extent.Min[1])
	return orb.Point{mx, my}
}

// Extent returns the visible extent
func (v *StaticViewport) Extent() orb.Bound {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.extent
}

// SetExtent pans or zooms the viewport
func (v *StaticViewport) SetExtent(b orb.Bound) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.extent = b
}

// PixelSize is the map distance covered by one screen pixel along x
func (v *StaticViewport) PixelSize() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.width <= 0 {
		return 0
	}
	return (v.extent.Max[0] - v.extent.Min[0]) / v.width
}
