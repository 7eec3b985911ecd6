package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"gttdesk/internal/desk"
)

// maxBodyBytes bounds plan creation requests.
const maxBodyBytes = 1 << 20

// RegisterRoutes adds all API endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/plans", s.handleListPlans)
	mux.HandleFunc("POST /api/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("DELETE /api/plans/{id}", s.handleDeletePlan)
	mux.HandleFunc("POST /api/plans/{id}/place", s.planOp(s.desk.Place))
	mux.HandleFunc("POST /api/plans/{id}/scan", s.planOp(s.desk.Scan))
	mux.HandleFunc("POST /api/plans/{id}/cancel-all", s.planOp(s.desk.CancelAll))
	mux.HandleFunc("POST /api/plans/{id}/archive", s.handleArchive)
	mux.HandleFunc("GET /api/plans/{id}/journal", s.handleJournal)
	mux.HandleFunc("POST /api/plans/{id}/layers/{label}/trigger", s.layerOp(s.desk.MarkTriggered))
	mux.HandleFunc("POST /api/plans/{id}/layers/{label}/cancel", s.layerOp(s.desk.CancelLayer))
	mux.HandleFunc("POST /api/scan", s.handleScanAll)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns the routed API wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"broker": s.desk.Broker(),
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"feed":   s.hub.Clients(),
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.desk.List(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req desk.CreateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}
	res, err := s.desk.CreatePlan(r.Context(), req)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.desk.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path, err := s.desk.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	body := map[string]string{"deleted": id}
	if path != "" {
		body["archive"] = path
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	path, err := s.desk.Archive(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"archive": path})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.desk.Get(r.Context(), id); err != nil {
		s.writeError(w, err, nil)
		return
	}
	events, err := s.desk.Journal(r.Context(), id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleScanAll(w http.ResponseWriter, r *http.Request) {
	sum, err := s.desk.ScanAll(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// planOp adapts a whole-plan desk operation to a handler.
func (s *Server) planOp(op func(ctx context.Context, id string) (*desk.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := op(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeError(w, err, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// layerOp adapts a single-layer desk operation to a handler.
func (s *Server) layerOp(op func(ctx context.Context, id, label string) (*desk.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := op(r.Context(), r.PathValue("id"), r.PathValue("label"))
		if err != nil {
			s.writeError(w, err, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ---------------------------------------------------------------------------
// Server-sent events
// ---------------------------------------------------------------------------

// handleEvents streams desk events as server-sent events. The optional plan
// query parameter restricts the stream to one plan.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.desk.Subscribe(64)
	defer unsubscribe()

	planID := r.URL.Query().Get("plan")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if planID != "" && ev.PlanID != planID {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("encoding event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// writeError maps err to a status code. A partial result, such as a plan
// whose placement was interrupted, is returned alongside the message.
func (s *Server) writeError(w http.ResponseWriter, err error, res *desk.Result) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	body := map[string]any{"error": err.Error()}
	if res != nil {
		body["plan"] = res.Plan
		if res.Report != nil {
			body["report"] = res.Report
		}
	}
	writeJSON(w, status, body)
}
