package web

import (
	"bytes"
	"net/http"

	"github.com/spvg/gaspanel/internal/chart"
	"github.com/spvg/gaspanel/internal/history"
)

// DetailData is the template context for the sensor and actuator
// screens.
type DetailData struct {
	ActiveNav string
	MAC       string
	Start     string
	End       string
	// Shown is set once the user asked for history (show=1).
	Shown bool
	// Count is the number of records fetched.
	Count int
	// ChartHTML is a standalone chart page, embedded via iframe srcdoc.
	ChartHTML string
}

func (s *Server) detailData(r *http.Request, nav, mac string) (DetailData, history.Range) {
	q := r.URL.Query()
	rng := history.Range{Start: q.Get("start"), End: q.Get("end")}
	return DetailData{
		ActiveNav: nav,
		MAC:       mac,
		Start:     rng.Start,
		End:       rng.End,
		Shown:     q.Get("show") == "1",
	}, rng
}

// handleSensor renders the sensor screen. With show=1 it fetches the
// readings in range and renders gas, temperature and pressure charts.
// Fetch errors leave the chart area empty.
func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	st := s.panel.Snapshot()
	data, rng := s.detailData(r, "sensor", st.SensorMAC)

	if data.Shown && s.history != nil {
		list, err := s.history.Readings(r.Context(), st.SensorMAC, rng)
		if err != nil {
			s.logger.Warn("sensor history unavailable", "mac", st.SensorMAC, "error", err)
		} else if len(list) > 0 {
			data.Count = len(list)
			charts := make([]chart.Chart, 0, len(chart.Fields))
			for _, f := range chart.Fields {
				charts = append(charts, chart.ForField(list, f))
			}
			var buf bytes.Buffer
			if err := chart.RenderPage(&buf, s.loc, charts...); err != nil {
				s.logger.Error("sensor chart render failed", "error", err)
			} else {
				data.ChartHTML = buf.String()
			}
		}
	}

	s.render(w, r, "sensor.html", data)
}

// handleActuator renders the actuator screen with the valve state
// chart. Logs are keyed by the MAC on the status topic.
func (s *Server) handleActuator(w http.ResponseWriter, r *http.Request) {
	st := s.panel.Snapshot()
	data, rng := s.detailData(r, "actuator", st.ActuatorMAC)

	if data.Shown && s.history != nil {
		list, err := s.history.Logs(r.Context(), st.ActuatorMAC, rng)
		if err != nil {
			s.logger.Warn("actuator history unavailable", "mac", st.ActuatorMAC, "error", err)
		} else if len(list) > 0 {
			data.Count = len(list)
			var buf bytes.Buffer
			if err := chart.Render(&buf, chart.ForValve(list), s.loc); err != nil {
				s.logger.Error("actuator chart render failed", "error", err)
			} else {
				data.ChartHTML = buf.String()
			}
		}
	}

	s.render(w, r, "actuator.html", data)
}
