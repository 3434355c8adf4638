package maps

import (
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// formatVersion is bumped whenever the encoded layout changes.
const formatVersion = 1

// ErrFormat is returned by Decode for streams it cannot read.
var ErrFormat = errors.New("unrecognised map encoding")

type header struct {
	Format  int
	Variant Variant
	Frame   string
	Version uint64
	Params  GridParams
}

type occupancyRecord struct {
	X, Y, Z int32
	LogOdds float32
}

type ndtRecord struct {
	X, Y, Z int32
	Cell    ndtCell
}

type encoder struct {
	enc *gob.Encoder
}

type parameterised interface {
	Params() GridParams
}

// Encode writes s as a gzip-compressed gob stream. Cells are written in key
// order and the gzip header carries no timestamp, so equal snapshots encode
// to identical bytes.
func (s *Snapshot) Encode(w io.Writer) error {
	zw := gzip.NewWriter(w)
	e := &encoder{enc: gob.NewEncoder(zw)}
	h := header{
		Format:  formatVersion,
		Variant: s.rep.Variant(),
		Frame:   s.frame,
		Version: s.version,
	}
	if p, ok := s.rep.(parameterised); ok {
		h.Params = p.Params()
	}
	if err := e.enc.Encode(h); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := s.rep.encode(e); err != nil {
		return fmt.Errorf("encode %s cells: %w", s.rep.Variant(), err)
	}
	return zw.Close()
}

func (g *occupancyGrid) encode(e *encoder) error {
	recs := make([]occupancyRecord, 0, g.cells.used)
	g.cells.each(func(k cellKey, l float32) {
		recs = append(recs, occupancyRecord{X: k.X, Y: k.Y, Z: k.Z, LogOdds: l})
	})
	return e.enc.Encode(recs)
}

func (g *NDTGrid3D) encode(e *encoder) error {
	recs := make([]ndtRecord, 0, g.cells.used)
	g.cells.each(func(k cellKey, c ndtCell) {
		recs = append(recs, ndtRecord{X: k.X, Y: k.Y, Z: k.Z, Cell: c})
	})
	return e.enc.Encode(recs)
}

// DecodeMap reads a stream written by Snapshot.Encode into a new live Map.
func DecodeMap(r io.Reader) (*Map, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer zr.Close()
	dec := gob.NewDecoder(zr)

	var h header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if h.Format != formatVersion {
		return nil, fmt.Errorf("%w: format version %d", ErrFormat, h.Format)
	}

	var rep Representation
	switch h.Variant {
	case VariantOccupancyGrid2D, VariantOccupancyGrid3D:
		var recs []occupancyRecord
		if err := dec.Decode(&recs); err != nil {
			return nil, fmt.Errorf("%w: cells: %v", ErrFormat, err)
		}
		var g *occupancyGrid
		if h.Variant == VariantOccupancyGrid2D {
			g2, err := NewOccupancyGrid2D(h.Params)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			g, rep = &g2.occupancyGrid, g2
		} else {
			g3, err := NewOccupancyGrid3D(h.Params)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFormat, err)
			}
			g, rep = &g3.occupancyGrid, g3
		}
		for _, rec := range recs {
			*g.cells.mutable(cellKey{X: rec.X, Y: rec.Y, Z: rec.Z}) = rec.LogOdds
		}
	case VariantNDTGrid3D:
		var recs []ndtRecord
		if err := dec.Decode(&recs); err != nil {
			return nil, fmt.Errorf("%w: cells: %v", ErrFormat, err)
		}
		g, err := NewNDTGrid3D(h.Params)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		for _, rec := range recs {
			*g.cells.mutable(cellKey{X: rec.X, Y: rec.Y, Z: rec.Z}) = rec.Cell
		}
		rep = g
	default:
		return nil, fmt.Errorf("%w: variant %s", ErrFormat, h.Variant)
	}

	m := New(h.Frame, rep)
	m.version = h.Version
	return m, nil
}

// Decode reads a stream written by Snapshot.Encode.
func Decode(r io.Reader) (*Snapshot, error) {
	m, err := DecodeMap(r)
	if err != nil {
		return nil, err
	}
	return m.Snapshot(), nil
}

// Metadata is the human-readable sidecar written next to a saved map.
type Metadata struct {
	Name       string  `yaml:"name"`
	Variant    string  `yaml:"variant"`
	Frame      string  `yaml:"frame"`
	Resolution float64 `yaml:"resolution"`
	CellCount  int     `yaml:"cell_count"`
	Version    uint64  `yaml:"version"`
	File       string  `yaml:"file"`
	Encoding   string  `yaml:"encoding"`
}

// Metadata describes s as saved under name.
func (s *Snapshot) Metadata(name string) Metadata {
	return Metadata{
		Name:       name,
		Variant:    s.Variant().String(),
		Frame:      s.frame,
		Resolution: s.Resolution(),
		CellCount:  s.CellCount(),
		Version:    s.version,
		File:       "map." + s.Variant().Extension(),
		Encoding:   "gob+gzip",
	}
}

// Encode writes m as YAML.
func (m Metadata) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return err
	}
	return enc.Close()
}

// ReadMetadata parses a sidecar written by Metadata.Encode.
func ReadMetadata(r io.Reader) (Metadata, error) {
	var m Metadata
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
	}
	return m, nil
}
