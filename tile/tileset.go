package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// MaxZoom is the deepest zoom level any tileset can request.
const MaxZoom = 24

// ConfigError reports an invalid tileset definition. It is fatal at startup.
type ConfigError struct {
	Tileset string
	Field   string
	Msg     string
}

func (e *ConfigError) Error() string {
	if e.Tileset == "" {
		return fmt.Sprintf("invalid config %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("invalid tileset %q %s: %s", e.Tileset, e.Field, e.Msg)
}

// Tileset is the configuration unit seeded and served as a whole.
// Bounds and Mask are WGS84 longitude/latitude.
type Tileset struct {
	ID          string
	Name        string
	Description string
	Attribution string

	Grid    string
	Format  Format
	MinZoom uint8
	MaxZoom uint8

	// Bounds limits the pyramid, the zero value means the whole grid.
	Bounds orb.Bound
	// Mask optionally restricts the pyramid to tiles touching a polygon.
	Mask orb.Geometry

	// Center is lon, lat used in metadata, CenterZoom defaults to MinZoom.
	Center     *orb.Point
	CenterZoom *uint8

	// Compressed marks the content produced by the source as gzip encoded.
	Compressed bool

	// VectorLayers lists the layer names written into vector metadata.
	VectorLayers []string
}

// HasBounds reports whether explicit bounds were configured.
func (ts Tileset) HasBounds() bool {
	return ts.Bounds != orb.Bound{}
}

// Validate checks the parts of the definition that do not depend on the grid.
func (ts Tileset) Validate() error {
	if ts.ID == "" {
		return &ConfigError{Field: "id", Msg: "missing tileset id"}
	}
	if ts.Format == "" {
		return &ConfigError{Tileset: ts.ID, Field: "format", Msg: "missing format"}
	}
	if _, err := ParseFormat(string(ts.Format)); err != nil {
		return &ConfigError{Tileset: ts.ID, Field: "format", Msg: err.Error()}
	}
	if ts.MinZoom > ts.MaxZoom {
		return &ConfigError{
			Tileset: ts.ID,
			Field:   "zoom",
			Msg:     fmt.Sprintf("minzoom %d greater than maxzoom %d", ts.MinZoom, ts.MaxZoom),
		}
	}
	if ts.MaxZoom > MaxZoom {
		return &ConfigError{Tileset: ts.ID, Field: "maxzoom", Msg: fmt.Sprintf("maxzoom %d above %d", ts.MaxZoom, MaxZoom)}
	}
	if ts.HasBounds() {
		b := ts.Bounds
		for _, v := range []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &ConfigError{Tileset: ts.ID, Field: "bounds", Msg: "non finite coordinate"}
			}
		}
		if b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] {
			return &ConfigError{Tileset: ts.ID, Field: "bounds", Msg: "min greater than max"}
		}
		if b.Min[0] < -180 || b.Max[0] > 180 || b.Min[1] < -90 || b.Max[1] > 90 {
			return &ConfigError{Tileset: ts.ID, Field: "bounds", Msg: "outside of WGS84 range"}
		}
	}
	if ts.Mask != nil {
		switch ts.Mask.(type) {
		case orb.Polygon, orb.MultiPolygon, orb.Bound, orb.Ring:
		default:
			return &ConfigError{Tileset: ts.ID, Field: "mask", Msg: fmt.Sprintf("unsupported mask geometry %s", ts.Mask.GeoJSONType())}
		}
	}
	return nil
}
