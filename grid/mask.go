package grid

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
)

// normalizeMask turns the accepted mask geometries into polygons.
func normalizeMask(g orb.Geometry) orb.Geometry {
	switch m := g.(type) {
	case orb.Ring:
		return orb.Polygon{m}
	case orb.Bound:
		return m.ToPolygon()
	}
	return g
}

// intersects reports whether the footprint b overlaps the polygonal mask.
// Footprints sharing only an edge or a corner with the mask are not included.
func intersects(b orb.Bound, mask orb.Geometry) bool {
	if !b.Intersects(mask.Bound()) {
		return false
	}

	// footprint fully inside the mask, clipping would return the footprint itself
	if contains(mask, b.Center()) {
		return true
	}

	clipped := clip.Geometry(b, orb.Clone(mask))
	if clipped == nil {
		return false
	}
	return planar.Area(clipped) > 0
}

func contains(mask orb.Geometry, p orb.Point) bool {
	switch m := mask.(type) {
	case orb.Polygon:
		return planar.PolygonContains(m, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(m, p)
	}
	return false
}
