package vector

import (
	"fmt"

	"github.com/akhenakh/tileseed/tile"
)

// DefaultExtent is the MVT coordinate space of a tile.
const DefaultExtent = 4096

// EmptyPolicy tells what to do with a tile without any feature.
type EmptyPolicy string

const (
	// EmptySkip writes no tile.
	EmptySkip EmptyPolicy = "skip"
	// EmptyEmit writes a tile without layers.
	EmptyEmit EmptyPolicy = "emit"
)

// Layer is one SQL query producing one MVT layer.
//
// The query returns the geometry as WKB, in the CRS of the tile grid, under
// GeomColumn, other columns become feature properties. The tokens !minx!, !miny!,
// !maxx!, !maxy!, !zoom! and !pixel_width! are replaced with numeric literals.
type Layer struct {
	Name       string
	Query      string
	GeomColumn string
	MinZoom    uint8
	MaxZoom    uint8
	// Tolerance of the Douglas-Peucker simplification in tile pixels, 0 disables it.
	Tolerance float64
	// Buffer around the tile kept when clipping, in tile pixels.
	Buffer int
}

// Config is the vector source of a tileset.
type Config struct {
	Layers   []Layer
	Extent   uint32
	Compress bool
	Empty    EmptyPolicy

	Diagnostics bool
	// DiagnosticsReferenceSize is the byte size reported as 100 percent.
	DiagnosticsReferenceSize uint64
}

func (c *Config) setDefaults() {
	if c.Extent == 0 {
		c.Extent = DefaultExtent
	}
	if c.Empty == "" {
		c.Empty = EmptySkip
	}
	if c.DiagnosticsReferenceSize == 0 {
		c.DiagnosticsReferenceSize = 1_000_000
	}
	for i := range c.Layers {
		if c.Layers[i].GeomColumn == "" {
			c.Layers[i].GeomColumn = "geom"
		}
		if c.Layers[i].MaxZoom == 0 {
			c.Layers[i].MaxZoom = tile.MaxZoom
		}
	}
}

func (c Config) validate(tileset string) error {
	if len(c.Layers) == 0 {
		return &tile.ConfigError{Tileset: tileset, Field: "datasource.layers", Msg: "no vector layer"}
	}
	if c.Empty != EmptySkip && c.Empty != EmptyEmit {
		return &tile.ConfigError{Tileset: tileset, Field: "datasource.empty", Msg: fmt.Sprintf("unknown policy %q", c.Empty)}
	}
	seen := make(map[string]bool)
	for _, l := range c.Layers {
		if l.Name == "" || l.Query == "" {
			return &tile.ConfigError{Tileset: tileset, Field: "datasource.layers", Msg: "layer needs a name and a query"}
		}
		if seen[l.Name] {
			return &tile.ConfigError{Tileset: tileset, Field: "datasource.layers", Msg: fmt.Sprintf("duplicate layer %q", l.Name)}
		}
		seen[l.Name] = true
		if l.MinZoom > l.MaxZoom {
			return &tile.ConfigError{Tileset: tileset, Field: "datasource.layers", Msg: fmt.Sprintf("layer %q minzoom above maxzoom", l.Name)}
		}
	}
	return nil
}
