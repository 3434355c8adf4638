// Package render draws top-down PNG images of published maps.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/mapping/internal/fsutil"
	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/security"
)

// DefaultMinInterval throttles re-rendering of one mapper's image.
const DefaultMinInterval = time.Second

// DefaultSize is the edge length of the square image.
const DefaultSize = 8 * vg.Inch

// Config configures an ImagePublisher.
type Config struct {
	// Name is the publisher name; it defaults to "image".
	Name string
	Dir  string
	// MinInterval is the minimum stamp difference between two renders of
	// the same mapper; 0 selects DefaultMinInterval, negative disables it.
	MinInterval time.Duration
	Size        vg.Length
	FS          fsutil.FileSystem
}

// ImagePublisher writes <Dir>/<mapper>.png whenever a mapper publishes a
// new map version, at most once per MinInterval.
type ImagePublisher struct {
	name     string
	dir      string
	interval time.Duration
	size     vg.Length
	fs       fsutil.FileSystem

	mu   sync.Mutex
	last map[string]rendered
}

type rendered struct {
	stamp   time.Time
	version uint64
}

// NewImagePublisher validates cfg and creates the output directory.
func NewImagePublisher(cfg Config) (*ImagePublisher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("image publisher: empty output directory")
	}
	if cfg.Name == "" {
		cfg.Name = "image"
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if err := cfg.FS.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("image publisher: %w", err)
	}
	return &ImagePublisher{
		name:     cfg.Name,
		dir:      cfg.Dir,
		interval: cfg.MinInterval,
		size:     cfg.Size,
		fs:       cfg.FS,
		last:     make(map[string]rendered),
	}, nil
}

func (p *ImagePublisher) Name() string { return p.name }

// Path is where the image of mapperName is written.
func (p *ImagePublisher) Path(mapperName string) string {
	return filepath.Join(p.dir, security.SanitizeFilename(mapperName)+".png")
}

// Publish renders snap unless it is throttled or unchanged.
func (p *ImagePublisher) Publish(mapperName string, snap *maps.Snapshot, stamp time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.last[mapperName]; ok {
		if prev.version == snap.Version() {
			return nil
		}
		if p.interval > 0 && stamp.Sub(prev.stamp) < p.interval {
			return nil
		}
	}

	var buf bytes.Buffer
	if err := Render(&buf, mapperName, snap, p.size); err != nil {
		return err
	}
	if err := p.write(p.Path(mapperName), buf.Bytes()); err != nil {
		return err
	}
	p.last[mapperName] = rendered{stamp: stamp, version: snap.Version()}
	return nil
}

func (p *ImagePublisher) write(name string, b []byte) error {
	tmp := name + ".tmp"
	f, err := p.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		p.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		p.fs.Remove(tmp)
		return err
	}
	return p.fs.Rename(tmp, name)
}

// Render draws the occupied cells (or NDT means) of snap as a PNG of
// size x size.
func Render(w io.Writer, title string, snap *maps.Snapshot, size vg.Length) error {
	pts := maps.Points(snap)

	plt := plot.New()
	plt.Title.Text = fmt.Sprintf("%s  %s v%d", title, snap.Variant(), snap.Version())
	plt.X.Label.Text = "X (m)"
	plt.Y.Label.Text = "Y (m)"
	plt.Add(plotter.NewGrid())

	cmap := moreland.Kindlmann()
	lo, hi := 0.5, 1.0
	if snap.Variant() == maps.VariantNDTGrid3D {
		lo, hi = 0, 1
	}
	pad := 1.0
	xys := make(plotter.XYs, len(pts))
	for i, c := range pts {
		xys[i] = plotter.XY{X: c.Position.X, Y: c.Position.Y}
		hi = math.Max(hi, c.Value)
		pad = math.Max(pad, math.Max(math.Abs(c.Position.X), math.Abs(c.Position.Y)))
	}
	cmap.SetMax(hi)
	cmap.SetMin(lo)

	if len(pts) > 0 {
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("render %s: %w", title, err)
		}
		radius := vg.Points(2)
		sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
			c, err := cmap.At(math.Min(math.Max(pts[i].Value, lo), hi))
			if err != nil {
				c = color.Gray{Y: 128}
			}
			return draw.GlyphStyle{Color: c, Radius: radius, Shape: draw.BoxGlyph{}}
		}
		plt.Add(sc)
	}
	pad = math.Ceil(pad + snap.Resolution())
	plt.X.Min, plt.X.Max = -pad, pad
	plt.Y.Min, plt.Y.Max = -pad, pad

	wt, err := plt.WriterTo(size, size, "png")
	if err != nil {
		return fmt.Errorf("render %s: %w", title, err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("render %s: %w", title, err)
	}
	return nil
}
