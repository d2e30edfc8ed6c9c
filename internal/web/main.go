package web

import (
	"net/http"

	"github.com/spvg/gaspanel/internal/buildinfo"
	"github.com/spvg/gaspanel/internal/connwatch"
	"github.com/spvg/gaspanel/internal/panel"
	"github.com/spvg/gaspanel/internal/telemetry"
)

// MainData is the template context for the main screen.
type MainData struct {
	ActiveNav string
	State     panel.State
	Services  []connwatch.ServiceStatus
	Version   string
}

// ValveLabel is the card wording for the current position.
func (d MainData) ValveLabel() string {
	return d.State.Valve().Label()
}

// ButtonLabel is the action the toggle button performs.
func (d MainData) ButtonLabel() string {
	if d.State.ValveOpen {
		return "Fechar"
	}
	return "Abrir"
}

func (s *Server) mainData() MainData {
	data := MainData{
		ActiveNav: "main",
		State:     s.panel.Snapshot(),
		Version:   buildinfo.Version,
	}
	if s.health != nil {
		data.Services = s.health()
	}
	return data
}

// handleMain renders the main screen at "/".
func (s *Server) handleMain(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "main.html", s.mainData())
}

// handleValve toggles the valve, or sets it when the form carries
// state=open|close. Command failures are logged by the panel and the
// screen simply shows the current state.
func (s *Server) handleValve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	var err error
	if raw := r.PostFormValue("state"); raw != "" {
		state, ok := telemetry.ParseValveState(raw)
		if !ok {
			http.Error(w, "state must be open or close", http.StatusBadRequest)
			return
		}
		err = s.panel.SetValve(r.Context(), state.IsOpen())
	} else {
		err = s.panel.Toggle(r.Context())
	}
	if err != nil {
		s.logger.Warn("valve command from web failed", "error", err)
	}

	if r.Header.Get("HX-Request") == "true" {
		s.render(w, r, "main.html", s.mainData())
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
