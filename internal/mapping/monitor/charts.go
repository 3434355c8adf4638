package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/mapping/internal/httputil"
	"github.com/banshee-data/mapping/internal/mapping/maps"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// maxChartPoints bounds the scatter size; denser maps are strided.
const maxChartPoints = 20000

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// handleMapChart renders a top-down scatter of the occupied cells (or NDT
// means) of one map.
func (ws *WebServer) handleMapChart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	_, snap, ok := ws.summary(name)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("unknown map %q", name))
		return
	}

	var buf bytes.Buffer
	if err := renderScatter(&buf, name, snap); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderScatter(buf *bytes.Buffer, name string, snap *maps.Snapshot) error {
	pts := maps.Points(snap)
	stride := 1
	if len(pts) > maxChartPoints {
		stride = (len(pts) + maxChartPoints - 1) / maxChartPoints
	}

	data := make([]opts.ScatterData, 0, len(pts)/stride+1)
	pad, maxValue := 1.0, 0.0
	for i := 0; i < len(pts); i += stride {
		p := pts[i]
		pad = math.Max(pad, math.Max(math.Abs(p.Position.X), math.Abs(p.Position.Y)))
		maxValue = math.Max(maxValue, p.Value)
		data = append(data, opts.ScatterData{Value: []interface{}{p.Position.X, p.Position.Y, p.Value}})
	}
	pad = math.Ceil(pad + snap.Resolution())
	if maxValue == 0 {
		maxValue = 1
	}

	valueName := "occupancy"
	if snap.Variant() == maps.VariantNDTGrid3D {
		valueName = "samples"
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Map " + name, Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: name, Subtitle: fmt.Sprintf("%s version=%d cells=%d points=%d stride=%d", snap.Variant(), snap.Version(), snap.CellCount(), len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxValue),
			Dimension:  "2",
			Text:       []string{valueName},
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries(valueName, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	return scatter.Render(buf)
}
