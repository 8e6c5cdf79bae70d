// Package apiserver is the node's combined HTTP surface: peer RPC endpoints
// consulted by other nodes during reconciliation (spec §4.5/§4.8), and an
// operator-facing admin REST surface for observability.
package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"mongosidecar/internal/audit"
	"mongosidecar/internal/engine"
	"mongosidecar/internal/identity"
	"mongosidecar/internal/middleware"
)

var log = logrus.WithField("component", "apiserver")

// StatusProvider is the read-only view the server needs of the running
// node — satisfied by the reconciler (or a stub in tests).
type StatusProvider interface {
	CurrentState() (*engine.State, error)
	IsPrimary() bool
	PrimaryHost() string // "" when no primary is known
	Oplog() (engine.OplogTimestamp, bool)
	Members() []string
}

// Server is the node's HTTP surface.
type Server struct {
	self     *identity.Self
	version  string
	status   StatusProvider
	auditTrl *audit.Logger
	router   *mux.Router
}

// New builds a Server. auditLog may be nil if the control plane is running
// without a trail configured.
func New(self *identity.Self, version string, status StatusProvider, auditLog *audit.Logger) *Server {
	s := &Server{
		self:     self,
		version:  version,
		status:   status,
		auditTrl: auditLog,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return middleware.Logging(s.router) }

func (s *Server) routes() {
	// Peer RPC and operator endpoints (spec §4.5/§4.8) — unauthenticated,
	// read-only, answered from local observation only.
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/primary", s.handlePrimary).Methods(http.MethodGet)
	s.router.HandleFunc("/oplog", s.handleOplog).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/members", s.handleMembers).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	// Supplemented admin surface, additive to the spec's wire contract.
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/version", s.handleVersion).Methods(http.MethodGet)
	s.router.HandleFunc("/api/audit/recent", s.handleAuditRecent).Methods(http.MethodGet)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   s.version,
	})
}

// primaryResponse matches the peer RPC wire format from spec §4.5.
type primaryResponse struct {
	Primary   *string `json:"primary"`
	IsPrimary bool    `json:"isPrimary"`
}

func (s *Server) handlePrimary(w http.ResponseWriter, r *http.Request) {
	resp := primaryResponse{IsPrimary: s.status.IsPrimary()}
	if host := s.status.PrimaryHost(); host != "" {
		resp.Primary = &host
	}
	respondJSON(w, http.StatusOK, resp)
}

type oplogTimestampJSON struct {
	Time    uint32 `json:"time"`
	Counter uint32 `json:"counter"`
}

type oplogResponse struct {
	Hostname  string              `json:"hostname"`
	IP        string              `json:"ip"`
	Timestamp *oplogTimestampJSON `json:"timestamp"`
}

func (s *Server) handleOplog(w http.ResponseWriter, r *http.Request) {
	resp := oplogResponse{Hostname: s.self.Hostname, IP: s.self.Address}
	if ts, ok := s.status.Oplog(); ok {
		resp.Timestamp = &oplogTimestampJSON{Time: ts.Seconds, Counter: ts.Counter}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"address":  s.self.Address,
		"hostname": s.self.Hostname,
		"version":  s.version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.status.CurrentState()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"members": s.status.Members()})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.auditTrl == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"events": []interface{}{}})
		return
	}
	events, err := s.auditTrl.Recent(100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
