// Package tile holds the tile addressing and tileset model shared by sources,
// stores and the seeding scheduler.
package tile

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress is returned when an address falls outside its tile matrix.
var ErrInvalidAddress = errors.New("invalid tile address")

// Scheme is the row numbering convention a store persists under.
type Scheme uint8

const (
	// XYZ counts rows from the top-left origin.
	XYZ Scheme = iota
	// TMS counts rows from the bottom-left origin.
	TMS
)

func (s Scheme) String() string {
	if s == TMS {
		return "tms"
	}
	return "xyz"
}

// Address identifies a tile of a tileset, always expressed in XYZ.
type Address struct {
	Tileset string
	Z       uint8
	X       uint32
	Y       uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", a.Tileset, a.Z, a.X, a.Y)
}

// Tile is produced content for one address. It is immutable once produced.
type Tile struct {
	Address
	Data        []byte
	ContentType string
	Compressed  bool
}

// Format is a tile output format.
type Format string

const (
	MVT  Format = "mvt"
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WEBP Format = "webp"
)

// ParseFormat parses the format names accepted in config and CLI.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "mvt", "pbf", "application/x-protobuf", "application/vnd.mapbox-vector-tile":
		return MVT, nil
	case "png", "image/png":
		return PNG, nil
	case "jpg", "jpeg", "image/jpeg":
		return JPEG, nil
	case "webp", "image/webp":
		return WEBP, nil
	}
	return "", fmt.Errorf("unknown tile format %q", s)
}

// Ext is the file extension used by path based layouts.
func (f Format) Ext() string {
	switch f {
	case MVT:
		return "pbf"
	case JPEG:
		return "jpg"
	}
	return string(f)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case MVT:
		return "application/x-protobuf"
	case PNG:
		return "image/png"
	case JPEG:
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	}
	return "application/octet-stream"
}

// IsVector reports whether the format carries vector features.
func (f Format) IsVector() bool {
	return f == MVT
}
