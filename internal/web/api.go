package web

import (
	"net/http"

	"github.com/spvg/gaspanel/internal/buildinfo"
	"github.com/spvg/gaspanel/internal/connwatch"
)

// StateResponse is the JSON body of /api/state.
type StateResponse struct {
	SensorMAC   string  `json:"sensor_mac"`
	ActuatorMAC string  `json:"actuator_mac"`
	Gas         float64 `json:"gas"`
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"`
	ReadingAt   string  `json:"reading_at,omitempty"`
	Valve       string  `json:"valve"`
	ValveLabel  string  `json:"valve_label"`
	ValveAt     string  `json:"valve_at,omitempty"`
	Pending     string  `json:"pending,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.panel.Snapshot()
	resp := StateResponse{
		SensorMAC:   st.SensorMAC,
		ActuatorMAC: st.ActuatorMAC,
		Gas:         st.Reading.Gas,
		Temperature: st.Reading.Temperature,
		Pressure:    st.Reading.Pressure,
		Valve:       string(st.Valve()),
		ValveLabel:  st.Valve().Label(),
	}
	if st.HasReading() {
		resp.ReadingAt = st.ReadingAt.In(s.loc).Format("2006-01-02T15:04:05-07:00")
	}
	if !st.ValveAt.IsZero() {
		resp.ValveAt = st.ValveAt.In(s.loc).Format("2006-01-02T15:04:05-07:00")
	}
	if st.Pending != nil {
		resp.Pending = string(st.Pending.Act)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// HealthResponse is the JSON body of /health.
type HealthResponse struct {
	Status   string                    `json:"status"`
	Version  string                    `json:"version"`
	Uptime   string                    `json:"uptime"`
	Services []connwatch.ServiceStatus `json:"services"`

	// Subscribers counts live event consumers: open WebSockets plus
	// the snapshot and Influx followers.
	Subscribers int `json:"subscribers"`
}

// handleHealth reports "ok" when every watched service is reachable
// and "degraded" otherwise. It always answers 200; the panel itself is
// up even when its upstreams are not.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  buildinfo.Version,
		Uptime:   buildinfo.Uptime().String(),
		Services: []connwatch.ServiceStatus{},

		Subscribers: s.bus.SubscriberCount(),
	}
	if s.health != nil {
		resp.Services = s.health()
	}
	for _, svc := range resp.Services {
		if !svc.Ready {
			resp.Status = "degraded"
			break
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
