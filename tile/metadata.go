package tile

import (
	"github.com/paulmach/orb"
)

// Metadata describes a tileset inside self describing containers.
type Metadata struct {
	Name         string
	Description  string
	Attribution  string
	Format       Format
	Compressed   bool
	Bounds       orb.Bound
	Center       orb.Point
	CenterZoom   uint8
	MinZoom      uint8
	MaxZoom      uint8
	VectorLayers []string
}

// MetadataFromTileset derives the finalize metadata of a run.
// Without explicit bounds, world bounds are supplied by the caller.
func MetadataFromTileset(ts Tileset, world orb.Bound) Metadata {
	md := Metadata{
		Name:         ts.Name,
		Description:  ts.Description,
		Attribution:  ts.Attribution,
		Format:       ts.Format,
		Compressed:   ts.Compressed,
		Bounds:       ts.Bounds,
		MinZoom:      ts.MinZoom,
		MaxZoom:      ts.MaxZoom,
		VectorLayers: ts.VectorLayers,
	}
	if md.Name == "" {
		md.Name = ts.ID
	}
	if !ts.HasBounds() {
		md.Bounds = world
	}

	md.Center = md.Bounds.Center()
	if ts.Center != nil {
		md.Center = *ts.Center
	}

	md.CenterZoom = ts.MinZoom
	if ts.CenterZoom != nil {
		md.CenterZoom = *ts.CenterZoom
	}

	return md
}
