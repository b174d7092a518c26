// Package operator serves the operator surface of the pipeline: status, arm, e-stop and recovery
// commands over HTTP, and a websocket stream of safety state changes.
package operator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"github.com/rideseat/seatmotion/audit"
	"github.com/rideseat/seatmotion/control"
	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/safety"
	"github.com/rideseat/seatmotion/utils"
)

// Config holds the operator server settings.
type Config struct {
	Address        string        `json:"address"`
	StatusInterval time.Duration `json:"status_interval"`
}

// DefaultConfig listens on localhost only.
func DefaultConfig() Config {
	return Config{Address: "localhost:8090", StatusInterval: 500 * time.Millisecond}
}

// Validate checks the settings. An empty address disables listening.
func (c Config) Validate(path string) error {
	if c.Address != "" {
		if _, _, err := net.SplitHostPort(c.Address); err != nil {
			return errors.Wrapf(err, "%s.address", path)
		}
	}
	if c.StatusInterval <= 0 {
		return errors.Errorf("%s.status_interval: must be positive", path)
	}
	return nil
}

// Deps are the components the server reports on and commands. Only Supervisor is required.
type Deps struct {
	Supervisor *safety.Supervisor
	Loop       StatsSource
	Trail      *audit.Trail
	Events     *audit.MemoryRecorder
}

// StatsSource reports control loop counters.
type StatsSource interface {
	Stats() control.Stats
}

// Snapshot is what GET /status returns and the websocket stream sends.
type Snapshot struct {
	Time       time.Time          `json:"time"`
	Safety     safety.Status      `json:"safety"`
	Loop       *control.Stats     `json:"loop,omitempty"`
	Transition *safety.Transition `json:"transition,omitempty"`
}

type commandRequest struct {
	Operator string `json:"operator"`
	Detail   string `json:"detail"`
}

type commandResponse struct {
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
	Status safety.Status `json:"status"`
}

// Server is the operator HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	clock  clock.Clock
	logger logging.Logger
	hub    *hub

	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	workers  utils.StoppableWorkers
}

// NewServer builds the server. It does not listen until Start.
func NewServer(cfg Config, deps Deps, clk clock.Clock, logger logging.Logger) (*Server, error) {
	if err := cfg.Validate("operator"); err != nil {
		return nil, err
	}
	if deps.Supervisor == nil {
		return nil, errors.New("operator server requires a safety supervisor")
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{cfg: cfg, deps: deps, clock: clk, logger: logger, hub: newHub(logger)}
	s.handler = s.initMux()
	return s, nil
}

func (s *Server) initMux() http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/status"), s.handleStatus)
	mux.HandleFunc(pat.Post("/arm"), s.handleArm)
	mux.HandleFunc(pat.Post("/estop"), s.handleEStop)
	mux.HandleFunc(pat.Post("/recover"), s.handleRecover)
	mux.HandleFunc(pat.Get("/audit"), s.handleAudit)
	mux.HandleFunc(pat.Get("/ws"), s.handleStream)
	return cors.AllowAll().Handler(mux)
}

// Handler returns the routes, for mounting in tests or another server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the websocket hub and the status broadcaster. If the configured address is not
// empty the server also listens on it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers != nil {
		return errors.New("operator server already started")
	}
	s.workers = utils.NewStoppableWorkersWithContext(ctx, s.hub.run, s.broadcastStatus)
	s.deps.Supervisor.Subscribe(func(t safety.Transition) {
		s.publish(&t)
	})
	if s.cfg.Address == "" {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.cfg.Address)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	httpServer := s.http
	goutils.PanicCapturingGo(func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("operator server stopped", "error", err)
		}
	})
	s.logger.Infow("operator server listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the listening address, or nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts the server down and disconnects stream clients.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
		s.http = nil
		s.listener = nil
	}
	if s.workers != nil {
		s.workers.Stop()
	}
	return err
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{Time: s.clock.Now(), Safety: s.deps.Supervisor.Status()}
	if s.deps.Loop != nil {
		st := s.deps.Loop.Stats()
		snap.Loop = &st
	}
	return snap
}

func (s *Server) publish(t *safety.Transition) {
	snap := s.snapshot()
	snap.Transition = t
	msg, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warnw("cannot encode status", "error", err)
		return
	}
	s.hub.publish(msg)
}

func (s *Server) broadcastStatus(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.clientCount() > 0 {
				s.publish(nil)
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r)
	if !ok {
		return
	}
	err := s.deps.Supervisor.Arm(r.Context())
	s.respond(w, "arm", req.Operator, err)
}

func (s *Server) handleEStop(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r)
	if !ok {
		return
	}
	source := "operator"
	if req.Operator != "" {
		source = "operator " + req.Operator
	}
	s.deps.Supervisor.SoftwareEStop(source, req.Detail)
	s.respond(w, "estop", req.Operator, nil)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r)
	if !ok {
		return
	}
	err := s.deps.Supervisor.Recover(r.Context(), req.Operator)
	s.respond(w, "recover", req.Operator, err)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "audit trail is not kept in memory", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Events.Events())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	initial, err := json.Marshal(s.snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()
	if workers == nil {
		http.Error(w, "status stream is not running", http.StatusServiceUnavailable)
		return
	}
	s.hub.serve(workers.Context(), w, r, initial)
}

// readCommand decodes an optional JSON body.
func (s *Server) readCommand(w http.ResponseWriter, r *http.Request) (commandRequest, bool) {
	var req commandRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid command body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// respond audits the command and writes the outcome. Refusals are conflicts with the current
// state.
func (s *Server) respond(w http.ResponseWriter, command, operator string, err error) {
	if s.deps.Trail != nil {
		s.deps.Trail.Command(s.clock.Now(), operator, command, err)
	}
	resp := commandResponse{OK: err == nil, Status: s.deps.Supervisor.Status()}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusInternalServerError
		var refused *safety.RefusedError
		if errors.As(err, &refused) {
			code = http.StatusConflict
		}
		s.logger.Infow("operator command refused", "command", command, "operator", operator, "error", err)
	} else {
		s.logger.Infow("operator command", "command", command, "operator", operator)
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("failed to write response", "error", err)
	}
}
