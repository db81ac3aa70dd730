package report

import (
	"fmt"
	"io"
	"math"

	pkgerrors "github.com/pkg/errors"
	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/rflab/vnacal/pkg/errterm"
	"github.com/rflab/vnacal/pkg/network"
)

const (
	defaultWidth  = 1600
	defaultHeight = 900
)

// Series is one network of a comparison set, e.g. uncalibrated and
// calibrated readings of the same DUT.
type Series struct {
	Name    string
	Network *network.Network
}

// PlotSpec configures Plot. Every quantity is drawn for every series on a
// shared frequency axis.
type PlotSpec struct {
	Title      string
	Quantities []Quantity
	Domain     Domain
	// MaxFrequency caps the frequency axis. Zero draws everything.
	MaxFrequency float64
	Series       []Series
	Width        int
	Height       int
}

// Plot renders spec as a PNG.
func Plot(w io.Writer, spec PlotSpec) error {
	if len(spec.Series) == 0 {
		return pkgerrors.New("nothing to plot: no series")
	}
	if len(spec.Quantities) == 0 {
		return pkgerrors.New("nothing to plot: no quantities")
	}
	if spec.Domain == "" {
		spec.Domain = DomainMagnitude
	}

	var lines []chart.Series
	for _, s := range spec.Series {
		if s.Network == nil {
			return pkgerrors.Errorf("series %q has no network", s.Name)
		}
		for _, q := range spec.Quantities {
			xs, ys, err := Trace(s.Network, q, spec.Domain, spec.MaxFrequency)
			if err != nil {
				return pkgerrors.Wrapf(err, "series %q", s.Name)
			}
			name := string(q)
			if s.Name != "" {
				name = s.Name + " " + name
			}
			l, ok := line(name, xs, ys, len(lines))
			if !ok {
				return pkgerrors.Errorf("%s has fewer than two points below %g Hz", name, spec.MaxFrequency)
			}
			lines = append(lines, l)
		}
	}

	return render(w, canvas{
		title:  spec.Title,
		yName:  spec.Quantities[0].Unit(spec.Domain),
		width:  spec.Width,
		height: spec.Height,
	}, lines)
}

// TermsResult names an error-term set for comparison plots.
type TermsResult struct {
	Name   string
	Result *errterm.Result
}

// ErrorTermSpec configures PlotErrorTerms.
type ErrorTermSpec struct {
	Title string
	// Terms defaults to all twelve.
	Terms        []errterm.Term
	MaxFrequency float64
	Results      []TermsResult
	Width        int
	Height       int
}

// PlotErrorTerms renders the dB magnitude of error terms as a PNG.
// Undefined points are left out of their line.
func PlotErrorTerms(w io.Writer, spec ErrorTermSpec) error {
	terms := spec.Terms
	if len(terms) == 0 {
		terms = errterm.Terms
	}

	var lines []chart.Series
	for _, r := range spec.Results {
		if r.Result == nil {
			continue
		}
		for _, t := range terms {
			db := r.Result.SeriesDB(t)
			var xs, ys []float64
			for i, f := range r.Result.Frequencies {
				if spec.MaxFrequency > 0 && f > spec.MaxFrequency {
					break
				}
				xs = append(xs, f)
				ys = append(ys, db[i])
			}
			name := t.Description()
			if r.Name != "" {
				name = r.Name + " " + string(t)
			}
			if l, ok := line(name, xs, ys, len(lines)); ok {
				lines = append(lines, l)
			}
		}
	}
	if len(lines) == 0 {
		return pkgerrors.New("nothing to plot: no defined error terms")
	}

	return render(w, canvas{
		title:  spec.Title,
		yName:  "Magnitude (dB)",
		width:  spec.Width,
		height: spec.Height,
	}, lines)
}

type canvas struct {
	title         string
	yName         string
	width, height int
}

// line builds a chart series from the finite points of xs/ys. It reports
// false when fewer than two remain.
func line(name string, xs, ys []float64, index int) (chart.ContinuousSeries, bool) {
	var fx, fy []float64
	for i := range xs {
		if math.IsNaN(ys[i]) || math.IsInf(ys[i], 0) {
			continue
		}
		fx = append(fx, xs[i])
		fy = append(fy, ys[i])
	}
	if len(fx) < 2 {
		return chart.ContinuousSeries{}, false
	}
	return chart.ContinuousSeries{
		Name:    name,
		XValues: fx,
		YValues: fy,
		Style: chart.Style{
			StrokeColor: chart.GetDefaultColor(index),
			StrokeWidth: 1.5,
		},
	}, true
}

func render(w io.Writer, c canvas, lines []chart.Series) error {
	if c.width <= 0 {
		c.width = defaultWidth
	}
	if c.height <= 0 {
		c.height = defaultHeight
	}

	// go-chart cannot scale a flat trace on its own.
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range lines {
		for _, v := range s.(chart.ContinuousSeries).YValues {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	var yRange *chart.ContinuousRange
	if hi-lo < 1e-12 {
		pad := math.Max(math.Abs(lo)*0.1, 1)
		yRange = &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}
	}

	ch := chart.Chart{
		Title:      c.title,
		Width:      c.width,
		Height:     c.height,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20}},
		XAxis: chart.XAxis{
			Name:           "Frequency",
			ValueFormatter: frequencyFormatter,
		},
		YAxis:  chart.YAxis{Name: c.yName},
		Series: lines,
	}
	if yRange != nil {
		ch.YAxis.Range = yRange
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	if err := ch.Render(chart.PNG, w); err != nil {
		return pkgerrors.Wrap(err, "failed to render chart")
	}
	return nil
}

func frequencyFormatter(v interface{}) string {
	f, ok := v.(float64)
	if !ok {
		return fmt.Sprint(v)
	}
	for _, u := range []network.Unit{network.GHz, network.MHz, network.KHz} {
		if m := u.Multiplier(); math.Abs(f) >= m {
			return fmt.Sprintf("%.4g %s", f/m, u)
		}
	}
	return fmt.Sprintf("%.4g %s", f, network.Hz)
}
