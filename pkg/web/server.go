package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/umputun/varflow/pkg/definition"
	"github.com/umputun/varflow/pkg/engine"
	"github.com/umputun/varflow/pkg/urlstate"
)

//go:embed templates static
var content embed.FS

// ServerConfig holds configuration for the web server.
type ServerConfig struct {
	Port    int    // port to listen on
	Version string // app version to display in dashboard
}

// Server provides the HTTP API for dashboard variable sessions: session
// lifecycle, variable values, refresh indicators, share URLs and the SSE
// event stream.
type Server struct {
	cfg      ServerConfig
	store    *definition.Store
	sessions *SessionManager
	hub      *Hub
	buffer   *Buffer
	srv      *http.Server

	// base context for cascades, outlives individual requests
	baseCtx context.Context
}

// NewServer creates a new web server.
func NewServer(cfg ServerConfig, store *definition.Store, sessions *SessionManager, hub *Hub, buffer *Buffer) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		hub:      hub,
		buffer:   buffer,
		baseCtx:  context.Background(),
	}
}

// Start begins listening for HTTP requests.
// blocks until the server is stopped or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	mux, err := s.router()
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// start shutdown listener
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	err = s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server: %w", err)
}

// router builds the request mux with all API and static routes.
func (s *Server) router() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /api/dashboards", s.handleDashboards)
	mux.HandleFunc("POST /api/sessions", s.handleOpenSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionState)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /api/sessions/{id}/values", s.handleSetValues)
	mux.HandleFunc("POST /api/sessions/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/sessions/{id}/timerange", s.handleTimeRange)
	mux.HandleFunc("GET /api/sessions/{id}/share", s.handleShare)

	// static files
	staticFS, err := fs.Sub(content, "static")
	if err != nil {
		return nil, fmt.Errorf("static filesystem: %w", err)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	return mux, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// templateData holds data for the dashboard list page.
type templateData struct {
	Version    string
	Dashboards []*definition.Document
}

// handleIndex serves the dashboard list page.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	tmpl, err := template.ParseFS(content, "templates/base.html")
	if err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	data := templateData{
		Version:    s.cfg.Version,
		Dashboards: s.store.List(),
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "template execution error", http.StatusInternalServerError)
		return
	}
}

// dashboardInfo is the list representation of a dashboard document.
type dashboardInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Tabs        int    `json:"tabs"`
	Panels      int    `json:"panels"`
	Variables   int    `json:"variables"`
}

// handleDashboards lists the loaded dashboard definitions.
func (s *Server) handleDashboards(w http.ResponseWriter, _ *http.Request) {
	docs := s.store.List()
	infos := make([]dashboardInfo, 0, len(docs))
	for _, d := range docs {
		infos = append(infos, dashboardInfo{
			ID:          d.ID,
			Title:       d.Title,
			Description: d.Description,
			Tabs:        len(d.Tabs),
			Panels:      len(d.Panels),
			Variables:   len(d.Variables),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

// openSessionRequest is the body of POST /api/sessions.
type openSessionRequest struct {
	Dashboard string `json:"dashboard"`
	Query     string `json:"query,omitempty"` // URL query with var- pairs to restore
}

// handleOpenSession opens a session for a dashboard, optionally restoring
// variable values from a shared URL query.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	doc := s.store.Get(req.Dashboard)
	if doc == nil {
		http.Error(w, "dashboard not found", http.StatusNotFound)
		return
	}

	session, err := s.sessions.Open(s.baseCtx, doc, req.Query)
	if err != nil {
		log.Printf("[WARN] failed to open session for %s: %v", req.Dashboard, err)
		http.Error(w, "unable to open session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, s.stateResponse(session))
}

// handleCloseSession closes a session and frees its resources.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.sessions.Get(id) == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.sessions.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// stateResponse is the JSON shape of a session snapshot.
type stateResponse struct {
	SessionID   string                  `json:"session_id"`
	Dashboard   string                  `json:"dashboard"`
	Variables   []engine.VariableStatus `json:"variables"`
	DirtyGlobal bool                    `json:"dirty_global"`
	DirtyPanels []string                `json:"dirty_panels,omitempty"`
	TimeFrom    string                  `json:"time_from,omitempty"`
	TimeTo      string                  `json:"time_to,omitempty"`
}

func (s *Server) stateResponse(session *engine.Session) stateResponse {
	global, panels := session.Dirty()
	tr := session.TimeRange()
	return stateResponse{
		SessionID:   session.ID(),
		Dashboard:   session.DashboardID(),
		Variables:   session.Variables(),
		DirtyGlobal: global,
		DirtyPanels: panels,
		TimeFrom:    tr.From,
		TimeTo:      tr.To,
	}
}

// handleSessionState returns the full variable state of a session.
func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Get(r.PathValue("id"))
	if session == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.stateResponse(session))
}

// setValuesRequest is the body of POST /api/sessions/{id}/values.
// Tab and Panel give the context the user edited in, used to resolve which
// scoped instance shadows the name there.
type setValuesRequest struct {
	Name   string   `json:"name"`
	Tab    string   `json:"tab,omitempty"`
	Panel  string   `json:"panel,omitempty"`
	Values []string `json:"values"`
}

// handleSetValues applies a user selection to a variable and triggers the
// dependent cascade.
func (s *Server) handleSetValues(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Get(r.PathValue("id"))
	if session == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req setValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	v, err := session.Resolve(req.Name, req.Tab, req.Panel)
	if err != nil {
		http.Error(w, "unknown variable", http.StatusNotFound)
		return
	}

	if err := session.SetValue(s.baseCtx, v.Key(), req.Values); err != nil {
		log.Printf("[WARN] set value for %s failed: %v", v.Key(), err)
		http.Error(w, "unable to set value", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, s.stateResponse(session))
}

// refreshRequest is the body of POST /api/sessions/{id}/refresh.
// empty Panel means global refresh.
type refreshRequest struct {
	Panel string `json:"panel,omitempty"`
}

// handleRefresh acknowledges a panel or global refresh, clearing the
// corresponding dirty indicators.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Get(r.PathValue("id"))
	if session == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Panel == "" {
		session.RefreshGlobal()
	} else {
		session.RefreshPanel(req.Panel)
	}

	writeJSON(w, http.StatusOK, s.stateResponse(session))
}

// timeRangeRequest is the body of POST /api/sessions/{id}/timerange.
// From and To are opaque to the engine, the lookup endpoint interprets them.
type timeRangeRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// handleTimeRange changes the session time range and reloads all variables.
func (s *Server) handleTimeRange(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Get(r.PathValue("id"))
	if session == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req timeRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	session.SetTimeRange(s.baseCtx, engine.TimeRange{From: req.From, To: req.To})
	writeJSON(w, http.StatusOK, s.stateResponse(session))
}

// shareResponse carries the encoded query restoring the session's values.
type shareResponse struct {
	Query string `json:"query"`
}

// handleShare returns the var- query encoding the session's current values,
// suitable for appending to a dashboard URL.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Get(r.PathValue("id"))
	if session == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{Query: urlstate.Encode(session.ValuesByKey())})
}

// handleEvents serves the SSE stream. the optional session query parameter
// limits replay and live events to one session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	// ensure we can flush
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session")

	// the hub routes by session filter, empty follows every session
	eventCh := s.hub.Subscribe(sessionID)
	defer s.hub.Unsubscribe(eventCh)

	// send history first
	history := s.buffer.All()
	if sessionID != "" {
		history = s.buffer.BySession(sessionID)
	}
	for _, event := range history {
		data, err := event.JSON()
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	// stream new events
	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return // channel closed
			}
			data, err := event.JSON()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[WARN] failed to encode response: %v", err)
	}
}
