// Package grid models tile matrix sets and enumerates the tile pyramid of a tileset.
package grid

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/akhenakh/tileseed/tile"
)

const (
	webMercatorMaxLat = 85.0511287798066
	webMercatorExtent = 20037508.342789244
)

// TileMatrixSet is a quad tree grid definition.
// Zoom z has RootCols<<z columns and RootRows<<z rows, the resolution halves per level.
type TileMatrixSet struct {
	ID       string
	CRS      string
	TileSize int
	// Extent in CRS units.
	Extent   orb.Bound
	RootCols uint32
	RootRows uint32
	MaxZoom  uint8
	// WGS84Bounds is Extent expressed in longitude/latitude.
	WGS84Bounds orb.Bound

	toNative orb.Projection
	toWGS84  orb.Projection
}

var (
	// WebMercatorQuad is the EPSG:3857 grid with a single root tile.
	WebMercatorQuad = &TileMatrixSet{
		ID:       "WebMercatorQuad",
		CRS:      "EPSG:3857",
		TileSize: 256,
		Extent: orb.Bound{
			Min: orb.Point{-webMercatorExtent, -webMercatorExtent},
			Max: orb.Point{webMercatorExtent, webMercatorExtent},
		},
		RootCols: 1,
		RootRows: 1,
		MaxZoom:  tile.MaxZoom,
		WGS84Bounds: orb.Bound{
			Min: orb.Point{-180, -webMercatorMaxLat},
			Max: orb.Point{180, webMercatorMaxLat},
		},
		toNative: func(p orb.Point) orb.Point {
			p[1] = math.Max(-webMercatorMaxLat, math.Min(webMercatorMaxLat, p[1]))
			return project.WGS84.ToMercator(p)
		},
		toWGS84: project.Mercator.ToWGS84,
	}

	// WorldCRS84Quad is the geographic grid with two root tiles.
	WorldCRS84Quad = &TileMatrixSet{
		ID:          "WorldCRS84Quad",
		CRS:         "EPSG:4326",
		TileSize:    256,
		Extent:      orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}},
		RootCols:    2,
		RootRows:    1,
		MaxZoom:     tile.MaxZoom,
		WGS84Bounds: orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}},
		toNative:    func(p orb.Point) orb.Point { return p },
		toWGS84:     func(p orb.Point) orb.Point { return p },
	}

	registry = map[string]*TileMatrixSet{
		strings.ToLower(WebMercatorQuad.ID): WebMercatorQuad,
		strings.ToLower(WorldCRS84Quad.ID):  WorldCRS84Quad,
	}
)

// Lookup returns a registered matrix set, an empty id selects WebMercatorQuad.
func Lookup(id string) (*TileMatrixSet, error) {
	if id == "" {
		return WebMercatorQuad, nil
	}
	tms, ok := registry[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("unknown tile matrix set %q", id)
	}
	return tms, nil
}

// ForTileset resolves and validates the grid of a tileset.
func ForTileset(ts tile.Tileset) (*TileMatrixSet, error) {
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	tms, err := Lookup(ts.Grid)
	if err != nil {
		return nil, &tile.ConfigError{Tileset: ts.ID, Field: "grid", Msg: err.Error()}
	}
	if ts.MaxZoom > tms.MaxZoom {
		return nil, &tile.ConfigError{
			Tileset: ts.ID,
			Field:   "maxzoom",
			Msg:     fmt.Sprintf("grid %s stops at zoom %d", tms.ID, tms.MaxZoom),
		}
	}
	return tms, nil
}

// MatrixWidth is the number of columns at zoom z.
func (m *TileMatrixSet) MatrixWidth(z uint8) uint32 {
	return m.RootCols << z
}

// MatrixHeight is the number of rows at zoom z.
func (m *TileMatrixSet) MatrixHeight(z uint8) uint32 {
	return m.RootRows << z
}

// FlipY converts a row between XYZ and TMS numbering, the conversion is its own inverse.
func (m *TileMatrixSet) FlipY(z uint8, y uint32) uint32 {
	return m.MatrixHeight(z) - 1 - y
}

// Resolution is the size of a pixel in CRS units at zoom z.
func (m *TileMatrixSet) Resolution(z uint8) float64 {
	return m.spanX(z) / float64(m.TileSize)
}

func (m *TileMatrixSet) spanX(z uint8) float64 {
	return (m.Extent.Max[0] - m.Extent.Min[0]) / float64(m.MatrixWidth(z))
}

func (m *TileMatrixSet) spanY(z uint8) float64 {
	return (m.Extent.Max[1] - m.Extent.Min[1]) / float64(m.MatrixHeight(z))
}

// Check returns tile.ErrInvalidAddress when addr is outside the matrix.
func (m *TileMatrixSet) Check(addr tile.Address) error {
	if addr.Z > m.MaxZoom || addr.X >= m.MatrixWidth(addr.Z) || addr.Y >= m.MatrixHeight(addr.Z) {
		return fmt.Errorf("%w: %s outside %s", tile.ErrInvalidAddress, addr, m.ID)
	}
	return nil
}

// TileBound returns the footprint of a tile in CRS units.
func (m *TileMatrixSet) TileBound(z uint8, x, y uint32) orb.Bound {
	sx, sy := m.spanX(z), m.spanY(z)
	minX := m.Extent.Min[0] + float64(x)*sx
	maxY := m.Extent.Max[1] - float64(y)*sy
	return orb.Bound{
		Min: orb.Point{minX, maxY - sy},
		Max: orb.Point{minX + sx, maxY},
	}
}

// TileBoundWGS84 returns the footprint of a tile in longitude/latitude.
func (m *TileMatrixSet) TileBoundWGS84(z uint8, x, y uint32) orb.Bound {
	b := m.TileBound(z, x, y)
	return orb.Bound{Min: m.toWGS84(b.Min), Max: m.toWGS84(b.Max)}
}

// ToNative projects a longitude/latitude point into the CRS of the grid.
func (m *TileMatrixSet) ToNative(p orb.Point) orb.Point {
	return m.toNative(p)
}

// cellRange returns the inclusive column and row ranges of tiles whose footprint
// intersects b at zoom z. A footprint only touching the max edge of b is excluded.
func (m *TileMatrixSet) cellRange(z uint8, b orb.Bound) (x0, y0, x1, y1 uint32, ok bool) {
	b, ok = intersection(b, m.WGS84Bounds)
	if !ok {
		return 0, 0, 0, 0, false
	}

	nmin, nmax := m.toNative(b.Min), m.toNative(b.Max)
	sx, sy := m.spanX(z), m.spanY(z)
	w, h := int64(m.MatrixWidth(z)), int64(m.MatrixHeight(z))

	fx0 := int64(math.Floor((nmin[0] - m.Extent.Min[0]) / sx))
	fx1 := int64(math.Ceil((nmax[0]-m.Extent.Min[0])/sx)) - 1
	fy0 := int64(math.Floor((m.Extent.Max[1] - nmax[1]) / sy))
	fy1 := int64(math.Ceil((m.Extent.Max[1]-nmin[1])/sy)) - 1

	fx0, fx1 = clampRange(fx0, fx1, w)
	fy0, fy1 = clampRange(fy0, fy1, h)

	return uint32(fx0), uint32(fy0), uint32(fx1), uint32(fy1), true
}

func clampRange(lo, hi, n int64) (int64, int64) {
	if lo < 0 {
		lo = 0
	}
	if lo > n-1 {
		lo = n - 1
	}
	if hi > n-1 {
		hi = n - 1
	}
	// degenerate bounds (a point or a line) still select one tile
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func intersection(a, b orb.Bound) (orb.Bound, bool) {
	r := orb.Bound{
		Min: orb.Point{math.Max(a.Min[0], b.Min[0]), math.Max(a.Min[1], b.Min[1])},
		Max: orb.Point{math.Min(a.Max[0], b.Max[0]), math.Min(a.Max[1], b.Max[1])},
	}
	if r.Min[0] > r.Max[0] || r.Min[1] > r.Max[1] {
		return orb.Bound{}, false
	}
	return r, true
}
