package storage

import (
	"github.com/paulmach/orb"

	"github.com/akhenakh/tileseed/tile"
)

// VectorLayer is a layer entry of a TileJSON document.
type VectorLayer struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Document is the TileJSON shaped metadata written by path based backends
// and served by the tile server.
type Document struct {
	TileJSON     string        `json:"tilejson"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Attribution  string        `json:"attribution,omitempty"`
	Format       string        `json:"format"`
	Scheme       string        `json:"scheme"`
	Tiles        []string      `json:"tiles,omitempty"`
	Bounds       [4]float64    `json:"bounds"`
	Center       [3]float64    `json:"center"`
	MinZoom      uint8         `json:"minzoom"`
	MaxZoom      uint8         `json:"maxzoom"`
	VectorLayers []VectorLayer `json:"vector_layers,omitempty"`
}

// NewDocument converts run metadata.
func NewDocument(md tile.Metadata, scheme tile.Scheme) Document {
	doc := Document{
		TileJSON:    "3.0.0",
		Name:        md.Name,
		Description: md.Description,
		Attribution: md.Attribution,
		Format:      string(md.Format),
		Scheme:      scheme.String(),
		Bounds:      [4]float64{md.Bounds.Min.Lon(), md.Bounds.Min.Lat(), md.Bounds.Max.Lon(), md.Bounds.Max.Lat()},
		Center:      [3]float64{md.Center.Lon(), md.Center.Lat(), float64(md.CenterZoom)},
		MinZoom:     md.MinZoom,
		MaxZoom:     md.MaxZoom,
	}
	for _, l := range md.VectorLayers {
		doc.VectorLayers = append(doc.VectorLayers, VectorLayer{ID: l, Fields: map[string]string{}})
	}
	return doc
}

// Metadata converts the document back.
func (d Document) Metadata() tile.Metadata {
	md := tile.Metadata{
		Name:        d.Name,
		Description: d.Description,
		Attribution: d.Attribution,
		Format:      tile.Format(d.Format),
		Bounds: orb.Bound{
			Min: orb.Point{d.Bounds[0], d.Bounds[1]},
			Max: orb.Point{d.Bounds[2], d.Bounds[3]},
		},
		Center:     orb.Point{d.Center[0], d.Center[1]},
		CenterZoom: uint8(d.Center[2]),
		MinZoom:    d.MinZoom,
		MaxZoom:    d.MaxZoom,
	}
	for _, l := range d.VectorLayers {
		md.VectorLayers = append(md.VectorLayers, l.ID)
	}
	return md
}
