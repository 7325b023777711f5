// Package api exposes the engine over HTTP: session management,
// lifecycle commands, graph and audit reads, and a websocket event
// stream per session.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/inframinds/agentcore/internal/graph"
	"github.com/inframinds/agentcore/internal/session"
	"github.com/inframinds/agentcore/internal/version"
)

// Server routes engine operations to the session manager.
type Server struct {
	manager *session.Manager
}

func NewServer(manager *session.Manager) *Server {
	return &Server{manager: manager}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /sessions", s.createSessionHandler)
	mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	mux.HandleFunc("GET /sessions/{id}", s.sessionStatusHandler)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/intent", s.intentHandler)
	mux.HandleFunc("POST /sessions/{id}/command", s.commandHandler)
	mux.HandleFunc("POST /sessions/{id}/blast", s.blastHandler)
	mux.HandleFunc("GET /sessions/{id}/graph", s.graphHandler)
	mux.HandleFunc("GET /sessions/{id}/events", s.eventsHandler)
	mux.HandleFunc("GET /sessions/{id}/decisions", s.decisionsHandler)
	mux.HandleFunc("GET /sessions/{id}/stream", s.streamHandler)
	return mux
}

// ListenAndServe starts the API server on the given port and blocks.
func (s *Server) ListenAndServe(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("API listening on %s\n", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Service:   "inframinds",
		Version:   version.Version,
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type sessionSummary struct {
	ID        string `json:"session_id"`
	Phase     string `json:"phase"`
	CreatedAt string `json:"created_at"`
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		ID:        sess.ID,
		Phase:     string(sess.Phase()),
		CreatedAt: sess.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess := s.manager.Create()
	writeJSON(w, http.StatusCreated, summarize(sess))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	resp := struct {
		sessionSummary
		ResourceStatus map[string]string `json:"resource_status,omitempty"`
	}{
		sessionSummary: summarize(sess),
		ResourceStatus: sess.ResourceStatus(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Remove(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type intentRequest struct {
	Prompt string `json:"prompt"`
	// ImageBase64 carries an architecture sketch for vision extraction.
	ImageBase64 []byte `json:"image,omitempty"`
}

func (s *Server) intentHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req intentRequest
	if err := decodeBody(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Prompt == "" && len(req.ImageBase64) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("prompt or image required"))
		return
	}
	if err := sess.SubmitIntent(r.Context(), req.Prompt, req.ImageBase64); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(sess))
}

type commandRequest struct {
	Command     string `json:"command"`
	Instruction string `json:"instruction,omitempty"`
	Accept      *bool  `json:"accept,omitempty"`
}

func (s *Server) commandHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if err := decodeBody(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var err error
	switch req.Command {
	case session.CmdApprove:
		err = sess.Approve(r.Context())
	case session.CmdReject:
		err = sess.Reject(r.Context())
	case session.CmdRefine:
		if req.Instruction == "" {
			writeError(w, http.StatusBadRequest, errors.New("instruction required for refine"))
			return
		}
		err = sess.Refine(r.Context(), req.Instruction)
	case session.CmdConfirmModification:
		if req.Accept == nil {
			writeError(w, http.StatusBadRequest, errors.New("accept required for confirm_modification"))
			return
		}
		err = sess.ConfirmModification(r.Context(), *req.Accept)
	case session.CmdReset:
		sess.Reset()
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown command %q", req.Command))
		return
	}
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(sess))
}

type blastRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) blastHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req blastRequest
	if err := decodeBody(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.NodeID == "" {
		writeError(w, http.StatusBadRequest, errors.New("node_id required"))
		return
	}
	report, err := sess.SimulateBlastRadius(r.Context(), req.NodeID)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) graphHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	phase := r.URL.Query().Get("phase")
	var snap graph.Snapshot
	if phase == "" {
		snap = sess.CurrentGraph()
	} else {
		var err error
		snap, err = sess.Graph(graph.Phase(phase))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Bus().Snapshot())
}

func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Decisions())
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return sess, true
}

func decodeBody(body io.Reader, v interface{}) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// writeCommandError maps engine errors to status codes: illegal
// transitions are client mistakes, everything else is an engine
// failure surfaced as 500 with the message intact.
func writeCommandError(w http.ResponseWriter, err error) {
	var illegal *session.IllegalTransitionError
	if errors.As(err, &illegal) {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
