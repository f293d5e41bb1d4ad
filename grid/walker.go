package grid

import (
	"github.com/paulmach/orb"

	"github.com/akhenakh/tileseed/tile"
)

// Walker lazily enumerates the addresses of a tileset pyramid.
// Order is zoom ascending, then rows, then columns. The sequence only depends on
// the tileset definition, so a run is resumed by walking again from the start.
type Walker struct {
	tms     *TileMatrixSet
	tileset string
	minZoom int
	maxZoom int
	bound   orb.Bound
	mask    orb.Geometry
	empty   bool

	z              int
	x, y           uint32
	x0, y0, x1, y1 uint32
	inZoom         bool
	done           bool
}

// NewWalker returns a walker positioned before the first address.
func NewWalker(tms *TileMatrixSet, ts tile.Tileset) *Walker {
	w := &Walker{
		tms:     tms,
		tileset: ts.ID,
		minZoom: int(ts.MinZoom),
		maxZoom: int(ts.MaxZoom),
		bound:   tms.WGS84Bounds,
	}

	if ts.HasBounds() {
		w.bound = ts.Bounds
	}

	if ts.Mask != nil {
		if mb, ok := ts.Mask.(orb.Bound); ok {
			// a rectangular mask is plain interval arithmetic
			w.bound, ok = intersection(w.bound, mb)
			w.empty = !ok
		} else {
			w.mask = normalizeMask(ts.Mask)
			b, ok := intersection(w.bound, w.mask.Bound())
			w.bound, w.empty = b, !ok
		}
	}

	w.Reset()

	return w
}

// Reset rewinds the walker to the first address.
func (w *Walker) Reset() {
	w.z = w.minZoom
	w.inZoom = false
	w.done = w.empty
}

// Next returns the next address, false once the pyramid is exhausted.
func (w *Walker) Next() (tile.Address, bool) {
	for !w.done {
		if !w.inZoom {
			if w.z > w.maxZoom {
				w.done = true

				break
			}

			x0, y0, x1, y1, ok := w.tms.cellRange(uint8(w.z), w.bound)
			if !ok {
				w.done = true

				break
			}
			w.x0, w.y0, w.x1, w.y1 = x0, y0, x1, y1
			w.x, w.y = x0, y0
			w.inZoom = true
		}

		if w.y > w.y1 {
			w.inZoom = false
			w.z++

			continue
		}

		addr := tile.Address{Tileset: w.tileset, Z: uint8(w.z), X: w.x, Y: w.y}

		w.x++
		if w.x > w.x1 {
			w.x = w.x0
			w.y++
		}

		if w.mask != nil && !intersects(w.tms.TileBoundWGS84(addr.Z, addr.X, addr.Y), w.mask) {
			continue
		}

		return addr, true
	}

	return tile.Address{}, false
}

// Count returns the exact number of addresses the walker yields from its start.
// It does not move the walker.
func (w *Walker) Count() uint64 {
	if w.empty {
		return 0
	}

	if w.mask == nil {
		var n uint64
		for z := w.minZoom; z <= w.maxZoom; z++ {
			x0, y0, x1, y1, ok := w.tms.cellRange(uint8(z), w.bound)
			if !ok {
				return 0
			}
			n += uint64(x1-x0+1) * uint64(y1-y0+1)
		}

		return n
	}

	c := *w
	c.Reset()

	var n uint64
	for _, ok := c.Next(); ok; _, ok = c.Next() {
		n++
	}

	return n
}
