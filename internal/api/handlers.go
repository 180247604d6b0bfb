package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/banshee-data/junction.control/internal/agent"
	"github.com/banshee-data/junction.control/internal/config"
	"github.com/banshee-data/junction.control/internal/control"
	"github.com/banshee-data/junction.control/internal/db"
	"github.com/banshee-data/junction.control/internal/httputil"
	"github.com/banshee-data/junction.control/internal/traffic"
	"github.com/banshee-data/junction.control/internal/version"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// MetricsResponse is the body of GET /api/metrics.
type MetricsResponse struct {
	control.Metrics
	Agent   *agent.Stats           `json:"agent,omitempty"`
	Breaker *agent.ResilientStatus `json:"breaker,omitempty"`
}

type PauseResponse struct {
	Paused bool `json:"paused"`
}

type AutoSpawnResponse struct {
	AutoSpawn bool `json:"auto_spawn"`
}

type WeatherResponse struct {
	Weather config.Weather `json:"weather"`
	Modes   []string       `json:"modes"`
}

type EpisodesResponse struct {
	Summary  db.EpisodeSummary `json:"summary"`
	Episodes []db.EpisodeRow   `json:"episodes"`
}

type breakerReporter interface {
	Status() agent.ResilientStatus
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		httputil.MethodNotAllowed(w, method)
		return false
	}
	return true
}

// parseLimit reads ?limit=, defaulting to defaultListLimit and capping at
// maxListLimit.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxListLimit), nil
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.sim.Snapshot())
}

func (s *Server) showMetrics(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	resp := MetricsResponse{Metrics: s.sim.Metrics()}
	if s.agent != nil {
		if st, err := s.agent.Stats(); err == nil {
			resp.Agent = &st
		}
		if br, ok := s.agent.(breakerReporter); ok {
			status := br.Status()
			resp.Breaker = &status
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showTelemetry(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	d, ok := s.sim.LatestDecision()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.WriteJSONOK(w, d)
}

func (s *Server) spawnVehicle(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	dir, err := traffic.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	v, err := s.sim.SpawnVehicle(dir)
	switch {
	case errors.Is(err, traffic.ErrSpawnBlocked):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSON(w, http.StatusCreated, v)
	}
}

func (s *Server) togglePause(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	paused := s.sim.TogglePause()
	log.Printf("simulation paused=%t", paused)
	httputil.WriteJSONOK(w, PauseResponse{Paused: paused})
}

func (s *Server) toggleAutoSpawn(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	httputil.WriteJSONOK(w, AutoSpawnResponse{AutoSpawn: s.sim.ToggleAutoSpawn()})
}

// weather reports the current preset on GET and switches it on POST
// ?mode=.
func (s *Server) weather(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if err := s.sim.SetWeather(r.URL.Query().Get("mode")); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	default:
		httputil.MethodNotAllowed(w, "GET, POST")
		return
	}
	httputil.WriteJSONOK(w, WeatherResponse{
		Weather: s.sim.Snapshot().Weather,
		Modes:   config.WeatherModes(),
	})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.sim.Reset()
	httputil.WriteJSONOK(w, map[string]string{"status": "reset"})
}

func (s *Server) listEpisodes(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "episode store disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	episodes, err := s.store.Episodes(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list episodes: %v", err))
		return
	}
	summary, err := s.store.Summary(r.Context(), r.URL.Query().Get("run"))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to summarise episodes: %v", err))
		return
	}
	httputil.WriteJSONOK(w, EpisodesResponse{Summary: summary, Episodes: episodes})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "episode store disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	decisions, err := s.store.RecentDecisions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list decisions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, decisions)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
