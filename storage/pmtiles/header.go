package pmtiles

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/akhenakh/tileseed/tile"
)

// HeaderV3Len is the fixed size of a version 3 header.
const HeaderV3Len = 127

// maxRootLen is how many bytes a client fetches first, header and root directory must fit.
const maxRootLen = 16384

var errMagic = errors.New("magic number not detected, not a PMTiles archive")

type HeaderV3 struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

type TileType uint8

const (
	UnknownTileType TileType = iota
	Mvt
	Png
	Jpeg
	Webp
)

func tileTypeOf(f tile.Format) TileType {
	switch f {
	case tile.MVT:
		return Mvt
	case tile.PNG:
		return Png
	case tile.JPEG:
		return Jpeg
	case tile.WEBP:
		return Webp
	}
	return UnknownTileType
}

// Format returns the tile format, empty for unknown types.
func (t TileType) Format() tile.Format {
	switch t {
	case Mvt:
		return tile.MVT
	case Png:
		return tile.PNG
	case Jpeg:
		return tile.JPEG
	case Webp:
		return tile.WEBP
	}
	return ""
}

type Compression uint8

const (
	UnknownCompression Compression = iota
	NoCompression
	Gzip
	Brotli
	Zstd
)

func toE7(v float64) int32 {
	return int32(math.Round(v * 1e7))
}

func fromE7(v int32) float64 {
	return float64(v) / 1e7
}

// Bounds returns the header bounds in WGS84.
func (h HeaderV3) Bounds() orb.Bound {
	return orb.Bound{
		Min: orb.Point{fromE7(h.MinLonE7), fromE7(h.MinLatE7)},
		Max: orb.Point{fromE7(h.MaxLonE7), fromE7(h.MaxLatE7)},
	}
}

// Center returns the header center in WGS84.
func (h HeaderV3) Center() orb.Point {
	return orb.Point{fromE7(h.CenterLonE7), fromE7(h.CenterLatE7)}
}

func (h *HeaderV3) setMetadata(md tile.Metadata) {
	h.MinZoom = md.MinZoom
	h.MaxZoom = md.MaxZoom
	h.MinLonE7 = toE7(md.Bounds.Min.Lon())
	h.MinLatE7 = toE7(md.Bounds.Min.Lat())
	h.MaxLonE7 = toE7(md.Bounds.Max.Lon())
	h.MaxLatE7 = toE7(md.Bounds.Max.Lat())
	h.CenterZoom = md.CenterZoom
	h.CenterLonE7 = toE7(md.Center.Lon())
	h.CenterLatE7 = toE7(md.Center.Lat())
}

func serializeHeader(h HeaderV3) []byte {
	b := make([]byte, HeaderV3Len)
	copy(b[0:7], "PMTiles")

	b[7] = 3
	binary.LittleEndian.PutUint64(b[8:8+8], h.RootOffset)
	binary.LittleEndian.PutUint64(b[16:16+8], h.RootLength)
	binary.LittleEndian.PutUint64(b[24:24+8], h.MetadataOffset)
	binary.LittleEndian.PutUint64(b[32:32+8], h.MetadataLength)
	binary.LittleEndian.PutUint64(b[40:40+8], h.LeafDirectoryOffset)
	binary.LittleEndian.PutUint64(b[48:48+8], h.LeafDirectoryLength)
	binary.LittleEndian.PutUint64(b[56:56+8], h.TileDataOffset)
	binary.LittleEndian.PutUint64(b[64:64+8], h.TileDataLength)
	binary.LittleEndian.PutUint64(b[72:72+8], h.AddressedTilesCount)
	binary.LittleEndian.PutUint64(b[80:80+8], h.TileEntriesCount)
	binary.LittleEndian.PutUint64(b[88:88+8], h.TileContentsCount)
	if h.Clustered {
		b[96] = 0x1
	}
	b[97] = uint8(h.InternalCompression)
	b[98] = uint8(h.TileCompression)
	b[99] = uint8(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	binary.LittleEndian.PutUint32(b[102:102+4], uint32(h.MinLonE7))
	binary.LittleEndian.PutUint32(b[106:106+4], uint32(h.MinLatE7))
	binary.LittleEndian.PutUint32(b[110:110+4], uint32(h.MaxLonE7))
	binary.LittleEndian.PutUint32(b[114:114+4], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	binary.LittleEndian.PutUint32(b[119:119+4], uint32(h.CenterLonE7))
	binary.LittleEndian.PutUint32(b[123:123+4], uint32(h.CenterLatE7))

	return b
}

func deserializeHeader(d []byte) (HeaderV3, error) {
	h := HeaderV3{}
	if len(d) < HeaderV3Len {
		return h, fmt.Errorf("header too short: %d bytes", len(d))
	}
	if string(d[0:7]) != "PMTiles" {
		return h, errMagic
	}

	specVersion := d[7]
	if specVersion != 3 {
		return h, fmt.Errorf("archive is spec version %d, only version 3 is supported", specVersion)
	}

	h.SpecVersion = specVersion
	h.RootOffset = binary.LittleEndian.Uint64(d[8 : 8+8])
	h.RootLength = binary.LittleEndian.Uint64(d[16 : 16+8])
	h.MetadataOffset = binary.LittleEndian.Uint64(d[24 : 24+8])
	h.MetadataLength = binary.LittleEndian.Uint64(d[32 : 32+8])
	h.LeafDirectoryOffset = binary.LittleEndian.Uint64(d[40 : 40+8])
	h.LeafDirectoryLength = binary.LittleEndian.Uint64(d[48 : 48+8])
	h.TileDataOffset = binary.LittleEndian.Uint64(d[56 : 56+8])
	h.TileDataLength = binary.LittleEndian.Uint64(d[64 : 64+8])
	h.AddressedTilesCount = binary.LittleEndian.Uint64(d[72 : 72+8])
	h.TileEntriesCount = binary.LittleEndian.Uint64(d[80 : 80+8])
	h.TileContentsCount = binary.LittleEndian.Uint64(d[88 : 88+8])
	h.Clustered = (d[96] == 0x1)
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(binary.LittleEndian.Uint32(d[102 : 102+4]))
	h.MinLatE7 = int32(binary.LittleEndian.Uint32(d[106 : 106+4]))
	h.MaxLonE7 = int32(binary.LittleEndian.Uint32(d[110 : 110+4]))
	h.MaxLatE7 = int32(binary.LittleEndian.Uint32(d[114 : 114+4]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(binary.LittleEndian.Uint32(d[119 : 119+4]))
	h.CenterLatE7 = int32(binary.LittleEndian.Uint32(d[123 : 123+4]))

	return h, nil
}
