package mapsaver

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"github.com/banshee-data/explorer/internal/gridmap"
	"github.com/banshee-data/explorer/internal/pose"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ErrNoGrid is returned when there is nothing to render.
var ErrNoGrid = errors.New("no occupancy grid to render")

// GridSource supplies the latest grid snapshot.
type GridSource interface {
	Snapshot() *gridmap.OccupancyGrid
}

// TrailSource supplies the robot's pose history and start position.
type TrailSource interface {
	Trail() []pose.Pose2D
	StartPosition() (pose.Point, bool)
}

// maxRenderCells bounds the number of cells drawn per class; larger grids
// are subsampled with a uniform stride.
const maxRenderCells = 60000

// Renderer draws the final grid, the pose trail and the start position to
// "<path>.png".
type Renderer struct {
	Path        string
	AllowedDirs []string
	Grid        GridSource
	Trail       TrailSource
}

// NewRenderer creates a renderer writing next to the saver's output.
func NewRenderer(path string, grid GridSource, trail TrailSource) *Renderer {
	return &Renderer{Path: path, AllowedDirs: DefaultAllowedDirs(), Grid: grid, Trail: trail}
}

// SaveMap renders the PNG. ctx is only checked before drawing starts.
func (r *Renderer) SaveMap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var g *gridmap.OccupancyGrid
	if r.Grid != nil {
		g = r.Grid.Snapshot()
	}
	if g == nil {
		return ErrNoGrid
	}

	base, err := ExpandHome(r.Path)
	if err != nil {
		return err
	}
	out := base + ".png"
	if err := CheckPath(out, r.AllowedDirs); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	p, err := r.plot(g)
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, out); err != nil {
		return fmt.Errorf("failed to save map render: %w", err)
	}
	logf("map render written to %s", out)
	return nil
}

func (r *Renderer) plot(g *gridmap.OccupancyGrid) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Explored map"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"

	free, occupied := cellPoints(g)
	if err := addCells(p, free, "free", color.RGBA{R: 200, G: 200, B: 200, A: 255}); err != nil {
		return nil, err
	}
	if err := addCells(p, occupied, "occupied", color.Black); err != nil {
		return nil, err
	}

	if r.Trail != nil {
		trail := r.Trail.Trail()
		if len(trail) > 1 {
			pts := make(plotter.XYs, len(trail))
			for i, t := range trail {
				pts[i] = plotter.XY{X: t.X, Y: t.Y}
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return nil, fmt.Errorf("trail line: %w", err)
			}
			line.Color = color.RGBA{B: 220, A: 255}
			line.Width = vg.Points(1)
			p.Add(line)
			p.Legend.Add("trail", line)
		}
		if start, ok := r.Trail.StartPosition(); ok {
			s, err := plotter.NewScatter(plotter.XYs{{X: start.X, Y: start.Y}})
			if err != nil {
				return nil, fmt.Errorf("start marker: %w", err)
			}
			s.GlyphStyle.Color = color.RGBA{G: 180, A: 255}
			s.GlyphStyle.Shape = draw.CircleGlyph{}
			s.GlyphStyle.Radius = vg.Points(4)
			p.Add(s)
			p.Legend.Add("start", s)
		}
	}
	return p, nil
}

func cellPoints(g *gridmap.OccupancyGrid) (free, occupied plotter.XYs) {
	total := g.Rows() * g.Cols()
	stride := 1
	for total/(stride*stride) > maxRenderCells {
		stride++
	}
	for r := 0; r < g.Rows(); r += stride {
		for c := 0; c < g.Cols(); c += stride {
			x, y := g.CellToWorld(r, c)
			switch g.At(r, c) {
			case gridmap.Free:
				free = append(free, plotter.XY{X: x, Y: y})
			case gridmap.Occupied:
				occupied = append(occupied, plotter.XY{X: x, Y: y})
			}
		}
	}
	return free, occupied
}

func addCells(p *plot.Plot, pts plotter.XYs, name string, c color.Color) error {
	if len(pts) == 0 {
		return nil
	}
	s, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("%s cells: %w", name, err)
	}
	s.GlyphStyle.Color = c
	s.GlyphStyle.Shape = draw.BoxGlyph{}
	s.GlyphStyle.Radius = vg.Points(1)
	p.Add(s)
	p.Legend.Add(name, s)
	return nil
}
