// Package config loads tileset, datasource and cache definitions from a file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/viper"

	"github.com/akhenakh/tileseed/storage/target"
	"github.com/akhenakh/tileseed/tile"
)

// EnvPrefix prefixes environment overrides, TILESEED_SEED_WORKERS sets seed.workers.
const EnvPrefix = "TILESEED"

type Conf struct {
	Seed struct {
		Workers    int           `mapstructure:"workers"`
		QueueSize  int           `mapstructure:"queueSize"`
		MaxRetries int           `mapstructure:"maxRetries"`
		Timeout    time.Duration `mapstructure:"timeout"`
		Overwrite  bool          `mapstructure:"overwrite"`
	} `mapstructure:"seed"`
	Server struct {
		// Mode is cache or generate.
		Mode string `mapstructure:"mode"`
	} `mapstructure:"server"`
	Cache       Cache                 `mapstructure:"cache"`
	Datasources map[string]Datasource `mapstructure:"datasources"`
	Tilesets    []Tileset             `mapstructure:"tilesets"`
}

// Cache is where tiles are stored.
type Cache struct {
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
}

// Datasource is a feature database or a WMS renderer.
type Datasource struct {
	// Type is postgis, sqlite or wms.
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`

	URL         string            `mapstructure:"url"`
	Layers      []string          `mapstructure:"layers"`
	Styles      []string          `mapstructure:"styles"`
	Version     string            `mapstructure:"version"`
	Transparent bool              `mapstructure:"transparent"`
	Params      map[string]string `mapstructure:"params"`
	Timeout     time.Duration     `mapstructure:"timeout"`
}

// Layer is one vector layer query.
type Layer struct {
	Name       string  `mapstructure:"name"`
	Query      string  `mapstructure:"query"`
	GeomColumn string  `mapstructure:"geomColumn"`
	MinZoom    uint8   `mapstructure:"minzoom"`
	MaxZoom    uint8   `mapstructure:"maxzoom"`
	Tolerance  float64 `mapstructure:"tolerance"`
	Buffer     int     `mapstructure:"buffer"`
}

// Tileset is the file form of tile.Tileset.
type Tileset struct {
	ID          string    `mapstructure:"id"`
	Name        string    `mapstructure:"name"`
	Description string    `mapstructure:"description"`
	Attribution string    `mapstructure:"attribution"`
	Grid        string    `mapstructure:"grid"`
	Format      string    `mapstructure:"format"`
	MinZoom     uint8     `mapstructure:"minzoom"`
	MaxZoom     uint8     `mapstructure:"maxzoom"`
	Bounds      []float64 `mapstructure:"bounds"`
	// Center is lon, lat and an optional zoom.
	Center []float64 `mapstructure:"center"`
	// Mask is a GeoJSON file path.
	Mask string `mapstructure:"mask"`

	Datasource  string  `mapstructure:"datasource"`
	Compress    bool    `mapstructure:"compress"`
	Empty       string  `mapstructure:"empty"`
	Diagnostics bool    `mapstructure:"diagnostics"`
	Layers      []Layer `mapstructure:"layers"`

	// Cache overrides the global cache for this tileset.
	Cache *Cache `mapstructure:"cache"`
}

// Load reads the config file at path, keys can be overridden from the environment.
func Load(path string) (*Conf, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("seed.workers", 4)
	v.SetDefault("seed.queueSize", 64)
	v.SetDefault("seed.maxRetries", 3)
	v.SetDefault("seed.timeout", 30*time.Second)
	v.SetDefault("server.mode", "cache")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("can't read config file %s: %w", path, err)
	}

	var conf Conf
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("can't parse config file %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for _, ts := range conf.Tilesets {
		if ts.ID == "" {
			return nil, &tile.ConfigError{Field: "tilesets", Msg: "tileset without id"}
		}
		if seen[ts.ID] {
			return nil, &tile.ConfigError{Tileset: ts.ID, Field: "id", Msg: "duplicate tileset"}
		}
		seen[ts.ID] = true
	}

	return &conf, nil
}

// Lookup returns the definition of a tileset.
func (c *Conf) Lookup(id string) (Tileset, error) {
	for _, ts := range c.Tilesets {
		if ts.ID == id {
			return ts, nil
		}
	}
	return Tileset{}, &tile.ConfigError{Tileset: id, Field: "id", Msg: "unknown tileset"}
}

// Datasource returns the datasource a tileset refers to.
func (c *Conf) Datasource(ts Tileset) (Datasource, error) {
	ds, ok := c.Datasources[ts.Datasource]
	if !ok {
		return Datasource{}, &tile.ConfigError{Tileset: ts.ID, Field: "datasource", Msg: fmt.Sprintf("unknown datasource %q", ts.Datasource)}
	}
	return ds, nil
}

// Target returns the cache a tileset is stored into, false when none is configured.
func (c *Conf) Target(ts Tileset) (target.Target, bool, error) {
	cache := c.Cache
	if ts.Cache != nil {
		cache = *ts.Cache
	}
	if cache.Type == "" {
		return target.Target{}, false, nil
	}

	kind, err := target.ParseKind(cache.Type)
	if err != nil {
		return target.Target{}, false, &tile.ConfigError{Tileset: ts.ID, Field: "cache.type", Msg: err.Error()}
	}

	path := cache.Path
	// a shared directory or bucket is split per tileset
	if ts.Cache == nil && kind == target.FileTree {
		path = strings.TrimRight(path, "/") + "/" + ts.ID
	}

	return target.Target{Kind: kind, Path: path}, true, nil
}

// Tileset converts the definition, loading its mask.
func (ts Tileset) Tileset() (tile.Tileset, error) {
	out := tile.Tileset{
		ID:          ts.ID,
		Name:        ts.Name,
		Description: ts.Description,
		Attribution: ts.Attribution,
		Grid:        ts.Grid,
		MinZoom:     ts.MinZoom,
		MaxZoom:     ts.MaxZoom,
	}

	format, err := tile.ParseFormat(ts.Format)
	if err != nil {
		return out, &tile.ConfigError{Tileset: ts.ID, Field: "format", Msg: err.Error()}
	}
	out.Format = format
	out.Compressed = format.IsVector() && ts.Compress

	switch len(ts.Bounds) {
	case 0:
	case 4:
		out.Bounds = orb.Bound{Min: orb.Point{ts.Bounds[0], ts.Bounds[1]}, Max: orb.Point{ts.Bounds[2], ts.Bounds[3]}}
	default:
		return out, &tile.ConfigError{Tileset: ts.ID, Field: "bounds", Msg: "expecting minx, miny, maxx, maxy"}
	}

	switch len(ts.Center) {
	case 0:
	case 2, 3:
		c := orb.Point{ts.Center[0], ts.Center[1]}
		out.Center = &c
		if len(ts.Center) == 3 {
			z := uint8(ts.Center[2])
			out.CenterZoom = &z
		}
	default:
		return out, &tile.ConfigError{Tileset: ts.ID, Field: "center", Msg: "expecting lon, lat and an optional zoom"}
	}

	if ts.Mask != "" {
		mask, err := LoadMask(ts.Mask)
		if err != nil {
			return out, &tile.ConfigError{Tileset: ts.ID, Field: "mask", Msg: err.Error()}
		}
		out.Mask = mask
	}

	for _, l := range ts.Layers {
		out.VectorLayers = append(out.VectorLayers, l.Name)
	}

	return out, out.Validate()
}
