package facade

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"afo/internal/policy"
	"afo/internal/store"
	"afo/internal/types"
)

// Server exposes the facade over a unix socket so the CLI can drive a
// running daemon. The socket is the only remote surface; there is no TCP
// listener.
type Server struct {
	f      *Facade
	logger *zap.Logger
}

func NewServer(f *Facade, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{f: f, logger: logger}
}

// Serve listens on the unix socket until ctx ends. A stale socket file
// from a previous run is removed first.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return err
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{
		Handler: s.Handler(),
		// event streams hang off the request context; deriving it from ctx
		// ends them on shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.logger.Info("control socket listening", zap.String("path", socketPath))
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shCtx)
		<-errCh
		os.Remove(socketPath)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/proposals", s.handlePropose)
	mux.HandleFunc("GET /v1/proposals", s.handleListProposals)
	mux.HandleFunc("POST /v1/proposals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/proposals/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /v1/deployments/{id}/commit", s.handleCommit)
	mux.HandleFunc("POST /v1/deployments/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /v1/rules", s.handleListRules)
	mux.HandleFunc("POST /v1/rules/import", s.handleImport)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("PUT /v1/autonomy/level", s.handleSetLevel)
	mux.HandleFunc("POST /v1/autonomy/reset-breaker", s.handleResetBreaker)
	mux.HandleFunc("GET /v1/never-block", s.handleNeverBlockList)
	mux.HandleFunc("POST /v1/never-block", s.handleNeverBlockAdd)
	mux.HandleFunc("DELETE /v1/never-block", s.handleNeverBlockRemove)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	return mux
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Gate    string `json:"gate,omitempty"`
}

func writeErr(w http.ResponseWriter, err error) {
	var (
		ve *types.ValidationError
		pv *types.PolicyViolation
		ie *types.IntegrityError
		ce *types.ConcurrencyError
		ae *types.AdapterError
	)
	out := apiError{Kind: "internal", Message: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status, out.Kind, out.Field = http.StatusBadRequest, "validation", ve.Field
	case errors.As(err, &pv):
		status, out.Kind, out.Gate = http.StatusForbidden, "policy-violation", pv.Gate
	case errors.As(err, &ie):
		out.Kind = "integrity"
		if ErrNotFound(err) {
			status = http.StatusNotFound
		} else {
			status = http.StatusConflict
		}
	case errors.As(err, &ce):
		status, out.Kind = http.StatusConflict, "concurrency"
	case errors.As(err, &ae):
		status, out.Kind = http.StatusBadGateway, "adapter"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErr(w, &types.ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

// proposeBody is the wire form of ProposeRequest.
type proposeBody struct {
	Text       string             `json:"text,omitempty"`
	Rule       *policy.PolicyRule `json:"rule,omitempty"`
	Supersedes string             `json:"supersedes,omitempty"`
	By         string             `json:"by,omitempty"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var body proposeBody
	if !readJSON(w, r, &body) {
		return
	}
	prop, err := s.f.Propose(r.Context(), ProposeRequest{
		Text:       body.Text,
		Rule:       body.Rule,
		Supersedes: body.Supersedes,
		By:         body.By,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, prop)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	props, err := s.f.ListProposals(r.Context(), store.ProposalState(r.URL.Query().Get("state")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, props)
}

type decisionBody struct {
	By     string `json:"by,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !readJSON(w, r, &body) {
		return
	}
	depID, err := s.f.Approve(r.Context(), r.PathValue("id"), body.By)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"deployment_id": depID})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.f.Reject(r.Context(), r.PathValue("id"), body.By, body.Reason); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if err := s.f.Commit(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.f.Rollback(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.f.ListRules(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, rules)
}

// importResult pairs lifted rules with the warnings for anything the
// policy model could not express.
type importResult struct {
	Rules    []policy.PolicyRule `json:"rules"`
	Warnings []string            `json:"warnings,omitempty"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	rules, verdict, err := s.f.ImportRules(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, importResult{Rules: rules, Warnings: verdict.Warnings})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.f.DaemonStatus(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, st)
}

type levelBody struct {
	Level string `json:"level"`
	By    string `json:"by,omitempty"`
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var body levelBody
	if !readJSON(w, r, &body) {
		return
	}
	level, ok := types.ParseAutonomyLevel(body.Level)
	if !ok {
		writeErr(w, &types.ValidationError{Field: "level", Message: "unknown level " + body.Level})
		return
	}
	if err := s.f.AutonomySetLevel(r.Context(), level, body.By); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.f.AutonomyResetBreaker(r.Context(), body.By); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

type neverBlockBody struct {
	Entry string `json:"entry"`
	By    string `json:"by,omitempty"`
}

func (s *Server) handleNeverBlockList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.f.NeverBlockList(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleNeverBlockAdd(w http.ResponseWriter, r *http.Request) {
	var body neverBlockBody
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.f.NeverBlockAdd(r.Context(), body.Entry, body.By); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleNeverBlockRemove(w http.ResponseWriter, r *http.Request) {
	var body neverBlockBody
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.f.NeverBlockRemove(r.Context(), body.Entry, body.By); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

// handleEvents streams newline-delimited JSON events. The backlog window
// is taken from ?since as RFC 3339; absent means live-only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := time.Now()
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErr(w, &types.ValidationError{Field: "since", Message: err.Error()})
			return
		}
		since = t
	}
	ch, err := s.f.SubscribeEvents(r.Context(), since)
	if err != nil {
		writeErr(w, err)
		return
	}
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := enc.Encode(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
