// Package report renders index series as charts: an interactive HTML page
// with one line chart per CBSA, and static PNG plots.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/hpi.report/internal/chain"
	"github.com/banshee-data/hpi.report/internal/fsutil"
	"github.com/banshee-data/hpi.report/internal/monitoring"
)

var logf = monitoring.Componentf("report")

// byCBSA groups series by CBSA; both the groups and the series inside each
// group are sorted.
func byCBSA(series []chain.IndexSeries) ([]string, map[string][]chain.IndexSeries) {
	groups := make(map[string][]chain.IndexSeries)
	for _, s := range series {
		groups[s.CBSA] = append(groups[s.CBSA], s)
	}
	ids := make([]string, 0, len(groups))
	for id, g := range groups {
		ids = append(ids, id)
		sort.Slice(g, func(i, j int) bool { return g[i].Scheme < g[j].Scheme })
	}
	sort.Strings(ids)
	return ids, groups
}

func yearAxis(group []chain.IndexSeries) []int {
	seen := make(map[int]bool)
	var years []int
	for _, s := range group {
		for _, p := range s.Points {
			if !seen[p.Year] {
				seen[p.Year] = true
				years = append(years, p.Year)
			}
		}
	}
	sort.Ints(years)
	return years
}

// RenderHTML writes a page with a line chart per CBSA and a series per
// scheme. Years missing from a series render as breaks in the line.
func RenderHTML(w io.Writer, series []chain.IndexSeries) error {
	ids, groups := byCBSA(series)
	page := components.NewPage()
	page.PageTitle = "House price indices"

	for _, id := range ids {
		group := groups[id]
		years := yearAxis(group)
		labels := make([]string, len(years))
		for i, y := range years {
			labels[i] = strconv.Itoa(y)
		}

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
			charts.WithTitleOpts(opts.Title{Title: "CBSA " + id, Subtitle: fmt.Sprintf("%d schemes, %d-%d", len(group), years[0], years[len(years)-1])}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
			charts.WithYAxisOpts(opts.YAxis{Name: "Index", Scale: opts.Bool(true)}),
		)
		line.SetXAxis(labels)
		for _, s := range group {
			values := make(map[int]float64, len(s.Points))
			for _, p := range s.Points {
				values[p.Year] = p.Value
			}
			data := make([]opts.LineData, len(years))
			for i, y := range years {
				if v, ok := values[y]; ok {
					data[i] = opts.LineData{Value: v}
				} else {
					data[i] = opts.LineData{Value: nil}
				}
			}
			line.AddSeries(s.Scheme, data)
		}
		page.AddCharts(line)
	}

	if err := page.Render(w); err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	return nil
}

// PlotSeries saves a PNG per CBSA to dir as hpi_<cbsa>.png and returns the
// paths written.
func PlotSeries(fs fsutil.FileSystem, dir string, series []chain.IndexSeries) ([]string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	ids, groups := byCBSA(series)

	var paths []string
	for _, id := range ids {
		p := plot.New()
		p.Title.Text = fmt.Sprintf("CBSA %s", id)
		p.X.Label.Text = "Year"
		p.Y.Label.Text = "Index"

		for i, s := range groups[id] {
			if len(s.Points) == 0 {
				continue
			}
			pts := make(plotter.XYs, len(s.Points))
			for k, pt := range s.Points {
				pts[k] = plotter.XY{X: float64(pt.Year), Y: pt.Value}
			}
			l, err := plotter.NewLine(pts)
			if err != nil {
				return paths, err
			}
			l.Color = plotutil.Color(i)
			l.Width = vg.Points(1.5)
			p.Add(l)
			p.Legend.Add(s.Scheme, l)
		}
		p.Legend.Top = true
		p.Legend.Left = true
		p.Legend.XOffs = 10
		p.Legend.YOffs = -10

		wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
		if err != nil {
			return paths, fmt.Errorf("plot %s: %w", id, err)
		}
		path := filepath.Join(dir, "hpi_"+fsutil.SafeName(id)+".png")
		f, err := fs.Create(path)
		if err != nil {
			return paths, fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := wt.WriteTo(f); err != nil {
			f.Close()
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	logf("wrote %d plots to %s", len(paths), dir)
	return paths, nil
}
