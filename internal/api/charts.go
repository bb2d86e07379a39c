package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/banshee-data/explorer/internal/frontier"
	"github.com/banshee-data/explorer/internal/gridmap"
	"github.com/banshee-data/explorer/internal/httputil"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// maxChartPoints bounds each scatter series; larger grids are strided.
const maxChartPoints = 20000

// frontierChart renders the current grid's occupied cells, the frontier
// cells and the robot as an HTML scatter chart.
func (s *Server) frontierChart(w http.ResponseWriter, r *http.Request) {
	g := s.Grid.Snapshot()
	if g == nil {
		httputil.ServiceUnavailable(w, "no occupancy grid received yet")
		return
	}

	frontiers := frontier.Detect(g)
	status := s.Mission.Status()

	stride := 1
	for (g.Rows()/stride)*(g.Cols()/stride) > maxChartPoints {
		stride++
	}
	occupied := make([]opts.ScatterData, 0)
	for row := 0; row < g.Rows(); row += stride {
		for col := 0; col < g.Cols(); col += stride {
			if g.At(row, col) != gridmap.Occupied {
				continue
			}
			x, y := g.CellToWorld(row, col)
			occupied = append(occupied, opts.ScatterData{Value: []interface{}{x, y}})
		}
	}

	frontierData := make([]opts.ScatterData, 0, len(frontiers))
	step := 1
	if len(frontiers) > maxChartPoints {
		step = len(frontiers)/maxChartPoints + 1
	}
	for i := 0; i < len(frontiers); i += step {
		x, y := g.CellToWorld(frontiers[i].Row, frontiers[i].Col)
		frontierData = append(frontierData, opts.ScatterData{Value: []interface{}{x, y}})
	}

	subtitle := fmt.Sprintf("state=%s frontiers=%d visited=%d stride=%d", status.State, len(frontiers), status.Visited, stride)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Exploration Frontiers", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Frontiers", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25, Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30, Type: "value"}),
	)

	scatter.AddSeries("occupied", occupied, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	scatter.AddSeries("frontier", frontierData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	if status.Pose != nil {
		scatter.AddSeries("robot", []opts.ScatterData{{Value: []interface{}{status.Pose.X, status.Pose.Y}}},
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
	}
	if status.Start != nil {
		scatter.AddSeries("start", []opts.ScatterData{{Value: []interface{}{status.Start.X, status.Start.Y}}},
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
