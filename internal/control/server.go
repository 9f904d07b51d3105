package control

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/criggerbrannon-hash/rotor6/internal/pool"
)

// Server exposes the pool's control-plane operations over HTTP so the
// automation layer driving the proxy can react to application-level rate
// limits without linking against this process.
type Server struct {
	pool *pool.Pool
	log  zerolog.Logger
}

func NewServer(p *pool.Pool, log zerolog.Logger) *Server {
	return &Server{pool: p, log: log}
}

// Handler returns the control-plane routes:
//
//	GET  /v1/stats         usage counts per source address
//	GET  /v1/next          selects and returns the next source address
//	POST /v1/block         blocks ?address= (or the last returned address)
//	POST /v1/sticky/reset  clears the sticky window
//	POST /v1/blocked/clear clears all block markers
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/next", s.handleNext)
	mux.HandleFunc("POST /v1/block", s.handleBlock)
	mux.HandleFunc("POST /v1/sticky/reset", s.handleStickyReset)
	mux.HandleFunc("POST /v1/blocked/clear", s.handleBlockedClear)
	return mux
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"addresses": s.pool.Stats()})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"address": s.pool.Next()})
}

// handleBlock also clears the sticky window; the next selection re-scans.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("address")
	s.pool.MarkBlocked(addr)
	s.log.Info().Str("address", addr).Msg("block requested via control plane")
	writeJSON(w, map[string]any{"blocked": true})
}

func (s *Server) handleStickyReset(w http.ResponseWriter, r *http.Request) {
	s.pool.ResetSticky()
	writeJSON(w, map[string]any{"reset": true})
}

func (s *Server) handleBlockedClear(w http.ResponseWriter, r *http.Request) {
	s.pool.ClearBlocked()
	writeJSON(w, map[string]any{"cleared": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
