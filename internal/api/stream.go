package api

import (
	"log"
	"net/http"

	"github.com/banshee-data/junction.control/internal/httputil"
)

// streamState pushes a "state" event with the full snapshot on every
// stream tick until the client goes away.
func (s *Server) streamState(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	es, err := httputil.NewEventStream(w)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	ticker := s.clock.NewTicker(s.streamInterval)
	defer ticker.Stop()

	if err := es.Send("state", s.sim.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C():
			if err := es.Send("state", s.sim.Snapshot()); err != nil {
				log.Printf("stream: client write failed: %v", err)
				return
			}
		}
	}
}
