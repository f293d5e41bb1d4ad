package config

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LoadMask reads the polygons of a GeoJSON feature collection, feature or geometry.
func LoadMask(path string) (orb.Geometry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var geoms []orb.Geometry
	if fc, err := geojson.UnmarshalFeatureCollection(b); err == nil && len(fc.Features) > 0 {
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	} else if f, err := geojson.UnmarshalFeature(b); err == nil && f.Geometry != nil {
		geoms = append(geoms, f.Geometry)
	} else if g, err := geojson.UnmarshalGeometry(b); err == nil && g.Geometry() != nil {
		geoms = append(geoms, g.Geometry())
	} else {
		return nil, fmt.Errorf("%s is not GeoJSON", path)
	}

	var mp orb.MultiPolygon
	for _, g := range geoms {
		switch p := g.(type) {
		case orb.Polygon:
			mp = append(mp, p)
		case orb.MultiPolygon:
			mp = append(mp, p...)
		default:
			return nil, fmt.Errorf("%s: unsupported mask geometry %s", path, g.GeoJSONType())
		}
	}

	if len(mp) == 1 {
		return mp[0], nil
	}
	return mp, nil
}
