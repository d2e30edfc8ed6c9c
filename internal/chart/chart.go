// Package chart turns history lists into time series and renders them
// as interactive line charts.
package chart

import (
	"fmt"
	"io"
	"slices"
	"time"
	_ "time/tzdata" // label timezone must resolve on hosts without zoneinfo

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/spvg/gaspanel/internal/telemetry"
)

// LabelLayout formats x-axis labels as day/month hour:minute:second.
const LabelLayout = "02/01 15:04:05"

// DefaultTimezone is where the devices are installed.
const DefaultTimezone = "America/Sao_Paulo"

// Point is one sample: milliseconds since the Unix epoch and a value.
type Point struct {
	Millis int64   `json:"t"`
	Value  float64 `json:"v"`
}

// Time converts the point's timestamp back to a UTC time.
func (p Point) Time() time.Time {
	return time.UnixMilli(p.Millis).UTC()
}

// Field selects which reading value a series plots.
type Field int

const (
	Gas Field = iota
	Temperature
	Pressure
)

// Fields lists every reading field in display order.
var Fields = []Field{Gas, Temperature, Pressure}

// Title is the chart heading shown above the series.
func (f Field) Title() string {
	switch f {
	case Temperature:
		return "Temperatura"
	case Pressure:
		return "Pressão"
	default:
		return "Gás"
	}
}

// Unit is the y-axis unit.
func (f Field) Unit() string {
	switch f {
	case Temperature:
		return "°C"
	case Pressure:
		return "hPa"
	default:
		return "ppm"
	}
}

// Key is the lowercase identifier used in URLs and CLI output.
func (f Field) Key() string {
	switch f {
	case Temperature:
		return "temperature"
	case Pressure:
		return "pressure"
	default:
		return "gas"
	}
}

func (f Field) value(r telemetry.Reading) float64 {
	switch f {
	case Temperature:
		return r.Temperature
	case Pressure:
		return r.Pressure
	default:
		return r.Gas
	}
}

// ReadingSeries sorts readings by timestamp (oldest first) and maps
// them to points for one field. The input slice is not modified.
func ReadingSeries(list []telemetry.Reading, f Field) []Point {
	sorted := slices.Clone(list)
	telemetry.SortReadings(sorted)

	pts := make([]Point, len(sorted))
	for i, r := range sorted {
		pts[i] = Point{Millis: r.Time().UnixMilli(), Value: f.value(r)}
	}
	return pts
}

// ValveSeries sorts log entries by timestamp and maps open to 1 and
// everything else to 0.
func ValveSeries(logs []telemetry.LogEntry) []Point {
	sorted := slices.Clone(logs)
	telemetry.SortLogs(sorted)

	pts := make([]Point, len(sorted))
	for i, l := range sorted {
		v := 0.0
		if s, ok := telemetry.ParseValveState(l.State); ok && s.IsOpen() {
			v = 1
		}
		pts[i] = Point{Millis: l.Time().UnixMilli(), Value: v}
	}
	return pts
}

// Labels formats each point's time in loc with [LabelLayout]. A nil
// loc means UTC.
func Labels(pts []Point, loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]string, len(pts))
	for i, p := range pts {
		out[i] = p.Time().In(loc).Format(LabelLayout)
	}
	return out
}

// LoadLocation resolves name, falling back to [DefaultTimezone] when
// name is empty.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// Chart describes one line chart.
type Chart struct {
	Title  string
	Unit   string
	Points []Point
}

// ForField builds the chart of one reading field.
func ForField(list []telemetry.Reading, f Field) Chart {
	return Chart{Title: f.Title(), Unit: f.Unit(), Points: ReadingSeries(list, f)}
}

// ForValve builds the valve state chart.
func ForValve(logs []telemetry.LogEntry) Chart {
	return Chart{Title: "Estado da válvula", Unit: "aberta", Points: ValveSeries(logs)}
}

func (c Chart) line(loc *time.Location) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: c.Title,
			Width:     "100%",
			Height:    "320px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    c.Title,
			Subtitle: c.Unit,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category"}),
		charts.WithYAxisOpts(opts.YAxis{Name: c.Unit, Type: "value"}),
	)

	data := make([]opts.LineData, len(c.Points))
	for i, p := range c.Points {
		data[i] = opts.LineData{Value: p.Value}
	}
	line.SetXAxis(Labels(c.Points, loc)).AddSeries(c.Title, data)
	return line
}

// Render writes a standalone HTML page with one chart.
func Render(w io.Writer, c Chart, loc *time.Location) error {
	if err := c.line(loc).Render(w); err != nil {
		return fmt.Errorf("render %s chart: %w", c.Title, err)
	}
	return nil
}

// RenderPage writes a standalone HTML page stacking several charts.
func RenderPage(w io.Writer, loc *time.Location, list ...Chart) error {
	page := components.NewPage()
	for _, c := range list {
		page.AddCharts(c.line(loc))
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render chart page: %w", err)
	}
	return nil
}
