package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/config"
	"github.com/bryanchriswhite/xdrag/internal/drag"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/wire"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	engine    *drag.Engine
	configMgr *config.Manager
	upgrader  websocket.Upgrader
	worker    *worker

	mu       sync.Mutex
	dragging bool
	cancel   context.CancelFunc
}

// NewServer creates a new API server. All X requests of the engine are
// made from one goroutine started by Run.
func NewServer(engine *drag.Engine, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		engine:    engine,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		worker: newWorker(engine),
	}
	if engine.Dispatch == nil {
		engine.Dispatch = s.worker.dispatch
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Inspection
	api.HandleFunc("/toplevels", s.handleToplevels).Methods("GET")
	api.HandleFunc("/probe/{window}", s.handleProbe).Methods("GET")

	// Sessions
	api.HandleFunc("/drag", s.handleDragStatus).Methods("GET")
	api.HandleFunc("/drag", s.handleStartDrag).Methods("POST")
	api.HandleFunc("/drag", s.handleCancelDrag).Methods("DELETE")
	api.HandleFunc("/events", s.handleEvents)

	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the routes wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Run pumps the display connection until ctx is done. Requests that touch
// the display wait for it.
func (s *Server) Run(ctx context.Context) error {
	return s.worker.run(ctx)
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logger.WithComponent("api").Info().
		Str("addr", "http://localhost"+addr).
		Msg("Starting server")
	return http.ListenAndServe(addr, s.Handler())
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

// HTTP Handlers

func (s *Server) handleToplevels(w http.ResponseWriter, r *http.Request) {
	var (
		records any
		err     error
	)
	werr := s.worker.do(r.Context(), func(context.Context) {
		records, err = s.engine.Toplevels()
	})
	if werr != nil {
		http.Error(w, werr.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// parseWindow accepts decimal or 0x prefixed hex ids
func parseWindow(s string) (xproto.Window, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil || id == 0 {
		return xproto.WindowNone, fmt.Errorf("invalid window id: %q", s)
	}
	return xproto.Window(id), nil
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(mux.Vars(r)["window"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var target any
	if err := s.worker.do(r.Context(), func(context.Context) {
		target = s.engine.Probe(win)
	}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// dragRequest is the body of POST /api/drag
type dragRequest struct {
	Targets []string `json:"targets"`
	// Text is served under the usual text targets
	Text string `json:"text"`
	// Data is served under every entry of Targets
	Data        []byte   `json:"data"`
	Action      string   `json:"action"`
	AskActions  []string `json:"ask_actions"`
	Description []string `json:"ask_descriptions"`
	ReturnFrame bool     `json:"return_frame"`
	// Frames are window ids treated as frames of this process while the
	// drag runs
	Frames []string `json:"frames"`
}

func (req *dragRequest) options() (drag.Options, error) {
	opts := drag.Options{
		Targets:         req.Targets,
		Action:          wire.ActionCopy,
		AskDescriptions: req.Description,
		ReturnFrame:     req.ReturnFrame,
	}
	if req.Action != "" {
		a, err := wire.ParseAction(req.Action)
		if err != nil {
			return opts, err
		}
		opts.Action = a
	}
	for _, id := range req.Frames {
		win, err := parseWindow(id)
		if err != nil {
			return opts, err
		}
		opts.Frames = append(opts.Frames, win)
	}
	if req.ReturnFrame && len(opts.Frames) == 0 {
		return opts, errors.New("return_frame needs at least one frame")
	}
	for _, name := range req.AskActions {
		a, err := wire.ParseAction(name)
		if err != nil {
			return opts, err
		}
		opts.AskActions = append(opts.AskActions, a)
	}

	switch {
	case req.Data != nil:
		st := make(drag.Static, len(req.Targets))
		for _, t := range req.Targets {
			st[t] = req.Data
		}
		opts.Provider = st
	case req.Text != "" || len(req.Targets) == 0:
		if len(opts.Targets) == 0 {
			opts.Targets = drag.TextTargets
		}
		opts.Provider = drag.Text(req.Text)
	}
	return opts, nil
}

func (s *Server) handleStartDrag(w http.ResponseWriter, r *http.Request) {
	var req dragRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts, err := req.options()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.dragging || s.engine.Busy() {
		s.mu.Unlock()
		http.Error(w, drag.ErrBusy.Error(), http.StatusConflict)
		return
	}
	dctx, cancel := context.WithCancel(context.Background())
	s.dragging = true
	s.cancel = cancel
	s.mu.Unlock()

	finish := func() {
		cancel()
		s.mu.Lock()
		s.dragging = false
		s.cancel = nil
		s.mu.Unlock()
	}

	log := logger.WithComponent("api")
	queued := s.worker.submit(func(ctx context.Context) {
		stop := context.AfterFunc(ctx, cancel)
		defer func() {
			stop()
			finish()
		}()

		res, err := s.engine.Drag(dctx, opts)
		switch {
		case errors.Is(err, drag.ErrCancelled):
			log.Info().Err(err).Msg("Drag cancelled")
		case err != nil:
			log.Error().Err(err).Msg("Drag failed")
		default:
			log.Info().
				Stringer("outcome", res.Outcome).
				Stringer("action", res.Action).
				Msg("Drag finished")
		}
	}, finish)
	if !queued {
		finish()
		http.Error(w, errStopped.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleCancelDrag(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		http.Error(w, "no drag in progress", http.StatusNotFound)
		return
	}
	cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// active reports a drag that is queued or running
func (s *Server) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dragging || s.engine.Busy()
}

func (s *Server) handleDragStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.active()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	updates := s.engine.Subscribe()
	defer s.engine.Unsubscribe(updates)

	// Send initial state
	if err := conn.WriteJSON(map[string]any{"kind": "status", "active": s.active()}); err != nil {
		log.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	// reads only to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case n, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		writeJSON(w, http.StatusOK, map[string]any{"drag": s.engine.Config()})
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Effective())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>xdrag</title>
    <style>
        body { font-family: sans-serif; max-width: 800px; margin: 50px auto; }
        code { background: #f5f5f5; padding: 2px 6px; }
    </style>
</head>
<body>
    <h1>xdrag</h1>
    <ul>
        <li><a href="/api/health">/api/health</a></li>
        <li><a href="/api/toplevels">/api/toplevels</a> - windows front to back</li>
        <li><code>/api/probe/{window}</code> - drop protocol of a window</li>
        <li><code>POST /api/drag</code> - start a drag, <code>DELETE</code> cancels it</li>
        <li><code>/api/events</code> - websocket of session notifications</li>
        <li><a href="/api/config">/api/config</a></li>
    </ul>
</body>
</html>`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexHTML))
		return
	}
	http.NotFound(w, r)
}
