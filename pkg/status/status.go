// Package status serves the local observability surface: Prometheus metrics,
// a JSON status document, a health probe and a small HTML overview page.
package status

import (
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"remscope/pkg/drivers"
	"remscope/pkg/picolink"
	"remscope/pkg/registry"
	"remscope/pkg/relay"
	"remscope/templates"
)

// Sources are the optional per-bridge status providers. A nil source leaves
// its section out of the document.
type Sources struct {
	Drivers func() []drivers.DriverStatus
	Relay   func() *relay.Status
	Serial  func() *picolink.Status
}

// Overview is the document served on /status and rendered on the index page.
type Overview struct {
	Server  string                 `json:"server"`
	Uptime  string                 `json:"uptime"`
	Devices []registry.Device      `json:"devices"`
	Drivers []drivers.DriverStatus `json:"drivers,omitempty"`
	Relay   *relay.Status          `json:"relay,omitempty"`
	Serial  *picolink.Status       `json:"serial,omitempty"`
}

// Server assembles the status mux.
type Server struct {
	reg     *registry.Registry
	src     Sources
	tmpl    *template.Template
	logger  log.FieldLogger
	started time.Time
}

func New(reg *registry.Registry, src Sources, logger log.FieldLogger) (*Server, error) {
	tmpl, err := templates.Load()
	if err != nil {
		return nil, err
	}
	return &Server{
		reg:     reg,
		src:     src,
		tmpl:    tmpl,
		logger:  logger,
		started: time.Now(),
	}, nil
}

func (s *Server) Routes() *http.ServeMux {
	r := http.NewServeMux()
	r.Handle("GET /metrics", promhttp.Handler())
	r.HandleFunc("GET /healthz", s.handleHealth)
	r.HandleFunc("GET /status", s.handleStatus)
	r.HandleFunc("GET /{$}", s.handleIndex)
	return r
}

func (s *Server) overview() Overview {
	o := Overview{
		Server:  "remscoped",
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Devices: s.reg.Snapshot(),
	}
	if s.src.Drivers != nil {
		o.Drivers = s.src.Drivers()
	}
	if s.src.Relay != nil {
		o.Relay = s.src.Relay()
	}
	if s.src.Serial != nil {
		o.Serial = s.src.Serial()
	}
	return o
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.overview())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.tmpl.ExecuteTemplate(w, "status.html", s.overview()); err != nil {
		s.logger.Errorf("failed to render status page: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
