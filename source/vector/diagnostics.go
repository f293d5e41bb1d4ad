package vector

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"github.com/akhenakh/tileseed/tile"
)

const (
	DiagnosticsTileLayer  = "diagnostics-tile"
	DiagnosticsLabelLayer = "diagnostics-label"
)

type layerStat struct {
	name     string
	bytes    int
	features int
}

// diagnosticsLayers describes the encoded size of layers with a frame polygon
// and the tile address and extent with a label point.
func diagnosticsLayers(layers mvt.Layers, addr tile.Address, b orb.Bound, extent uint32, reference uint64) (mvt.Layers, error) {
	total, err := mvt.Marshal(layers)
	if err != nil {
		return nil, err
	}

	stats := make([]layerStat, 0, len(layers))
	for _, l := range layers {
		enc, err := mvt.Marshal(mvt.Layers{l})
		if err != nil {
			return nil, err
		}
		stats = append(stats, layerStat{name: "layer-" + l.Name, bytes: len(enc), features: len(l.Features)})
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].bytes > stats[j].bytes })

	e := float64(extent)
	frame := geojson.NewFeature(orb.Polygon{{{0, 0}, {0, e}, {e, e}, {e, 0}, {0, 0}}})
	frame.Properties["layer-total-bytes"] = int64(len(total))
	frame.Properties["layer-total-percent"] = int64(100 * uint64(len(total)) / reference)
	for i, st := range stats {
		if i == 5 {
			break
		}
		frame.Properties[st.name+"-bytes"] = int64(st.bytes)
		frame.Properties[st.name+"-count"] = int64(st.features)
	}

	label := geojson.NewFeature(orb.Point{e / 2, e / 2})
	label.Properties["zxy"] = fmt.Sprintf("%d/%d/%d", addr.Z, addr.X, addr.Y)
	label.Properties["tile-top"] = b.Max[1]
	label.Properties["tile-left"] = b.Min[0]
	label.Properties["tile-bottom"] = b.Min[1]
	label.Properties["tile-right"] = b.Max[0]

	return mvt.Layers{
		{Name: DiagnosticsTileLayer, Version: 2, Extent: extent, Features: []*geojson.Feature{frame}},
		{Name: DiagnosticsLabelLayer, Version: 2, Extent: extent, Features: []*geojson.Feature{label}},
	}, nil
}
