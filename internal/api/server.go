package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/config"
	"github.com/bryanchriswhite/DeskStreamer/internal/display"
	"github.com/bryanchriswhite/DeskStreamer/internal/encoder"
	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/pipeline"
	"github.com/bryanchriswhite/DeskStreamer/internal/privacy"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/bryanchriswhite/DeskStreamer/internal/qos"
	"github.com/bryanchriswhite/DeskStreamer/internal/transport"
	"github.com/bryanchriswhite/DeskStreamer/internal/transport/rtcpeer"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// ScreenshotTimeout bounds how long a screenshot request waits for the loop
const ScreenshotTimeout = 5 * time.Second

// Deps are the components the API controls
type Deps struct {
	Pipelines  *pipeline.Registry
	Hub        *transport.Hub
	QoS        *qos.Store
	Negotiator *encoder.Negotiator
	Displays   *display.Service
	Privacy    *privacy.Registry
	// Config is nil when settings are not persisted
	Config     *config.Manager
	ICEServers []webrtc.ICEServer
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	deps     Deps
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	s.http = &http.Server{Handler: s.Handler()}
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Video services
	api.HandleFunc("/services", s.handleListServices).Methods("GET")
	api.HandleFunc("/services", s.handleStartService).Methods("POST")
	api.HandleFunc("/services/{name}", s.handleStopService).Methods("DELETE")
	api.HandleFunc("/services/{name}/refresh", s.handleRefreshService).Methods("POST")

	// Displays
	api.HandleFunc("/displays", s.handleListDisplays).Methods("GET")
	api.HandleFunc("/screenshot/{index:[0-9]+}", s.handleScreenshot).Methods("GET")

	// Quality and codec
	api.HandleFunc("/qos", s.handleGetQoS).Methods("GET")
	api.HandleFunc("/qos", s.handleUpdateQoS).Methods("PUT")
	api.HandleFunc("/codec", s.handleGetCodec).Methods("GET")
	api.HandleFunc("/codec", s.handleSetCodec).Methods("PUT")

	// Privacy mode
	api.HandleFunc("/privacy", s.handleGetPrivacy).Methods("GET")
	api.HandleFunc("/privacy", s.handleSetPrivacy).Methods("PUT")
	api.HandleFunc("/privacy/{conn:[0-9]+}", s.handleClearPrivacy).Methods("DELETE")

	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Delivery
	api.HandleFunc("/webrtc/offer", rtcpeer.OfferHandler(s.deps.Hub, s.deps.Negotiator.Negotiated, s.deps.ICEServers)).Methods("POST")
	s.router.HandleFunc("/ws", transport.WebSocketHandler(s.deps.Hub, s.upgrader))
	s.router.HandleFunc("/stream/{service}", transport.MJPEGHandler(s.deps.Hub, func(r *http.Request) string {
		return mux.Vars(r)["service"]
	})).Methods("GET")

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the router wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Serve serves HTTP on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	logger.WithComponent("api").Info().
		Str("addr", ln.Addr().String()).
		Msg("HTTP server starting")

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

// ServiceStatus describes one running video service
type ServiceStatus struct {
	Name     string `json:"name"`
	Source   string `json:"source"`
	Index    int    `json:"index"`
	State    string `json:"state"`
	Restarts int    `json:"restarts"`
	Error    string `json:"error,omitempty"`
}

func serviceStatus(svc *pipeline.Service) ServiceStatus {
	st := ServiceStatus{
		Name:     svc.Name(),
		Source:   svc.Source().String(),
		Index:    svc.Index(),
		State:    svc.State().String(),
		Restarts: svc.Restarts(),
	}
	if err := svc.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services := s.deps.Pipelines.Services()
	out := make([]ServiceStatus, 0, len(services))
	for _, svc := range services {
		out = append(out, serviceStatus(svc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		Index  int    `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	src, err := video.ParseSource(req.Source)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Index < 0 {
		http.Error(w, "index must not be negative", http.StatusBadRequest)
		return
	}

	svc, err := s.deps.Pipelines.Start(src, req.Index)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, serviceStatus(svc))
}

func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.deps.Pipelines.Service(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "service not running", http.StatusNotFound)
		return
	}
	s.deps.Pipelines.Stop(svc)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.deps.Pipelines.Service(name); !ok {
		http.Error(w, "service not running", http.StatusNotFound)
		return
	}
	s.deps.Pipelines.RequestRefresh(name)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListDisplays(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Displays.Refresh(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Displays.Displays().All())
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sid := uuid.NewString()
	got := make(chan protocol.ScreenshotResponse, 1)
	s.deps.Pipelines.RequestScreenshot(index, sid, func(resp protocol.ScreenshotResponse) error {
		got <- resp
		return nil
	})

	select {
	case resp := <-got:
		if resp.Msg != "" {
			http.Error(w, resp.Msg, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(resp.Data)
	case <-time.After(ScreenshotTimeout):
		http.Error(w, "screenshot timed out", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

func (s *Server) handleGetQoS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.QoS.Status())
}

func (s *Server) handleUpdateQoS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quality *qos.Quality `json:"quality"`
		FPS     *int         `json:"fps"`
		Record  *bool        `json:"record"`
		VBR     *bool        `json:"vbr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.FPS != nil {
		if err := s.deps.QoS.SetFPS(*req.FPS); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Quality != nil {
		s.deps.QoS.SetQuality(*req.Quality)
	}
	if req.Record != nil {
		s.deps.QoS.SetRecord(*req.Record)
	}
	if req.VBR != nil {
		s.deps.QoS.SetVBR(*req.VBR)
	}
	writeJSON(w, http.StatusOK, s.deps.QoS.Status())
}

type codecStatus struct {
	Codec    video.CodecFormat `json:"codec"`
	I444     bool              `json:"i444"`
	Sessions int               `json:"hardware_sessions_in_use"`
}

func (s *Server) codecStatus() codecStatus {
	codec := s.deps.Negotiator.Negotiated()
	return codecStatus{
		Codec:    codec,
		I444:     s.deps.Negotiator.UseI444(codec),
		Sessions: s.deps.Negotiator.Pool().InUse(),
	}
}

func (s *Server) handleGetCodec(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.codecStatus())
}

func (s *Server) handleSetCodec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Codec      string `json:"codec"`
		PreferI444 *bool  `json:"prefer_i444"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	codec, err := video.ParseCodec(req.Codec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.PreferI444 != nil {
		s.deps.Negotiator.SetPreferI444(*req.PreferI444)
	}
	s.deps.Negotiator.SetNegotiated(codec)
	if s.deps.Config != nil {
		if err := s.deps.Config.SetCodec(codec); err != nil {
			logger.WithComponent("api").Warn().Err(err).Msg("Failed to persist codec")
		}
	}
	writeJSON(w, http.StatusOK, s.codecStatus())
}

func (s *Server) handleGetPrivacy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]video.ConnID{"holder": s.deps.Privacy.CurrentHolder()})
}

func (s *Server) handleSetPrivacy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnID video.ConnID `json:"conn_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ConnID == video.NoConn {
		http.Error(w, "conn_id is required", http.StatusBadRequest)
		return
	}
	if !s.deps.Privacy.Set(req.ConnID) {
		http.Error(w, fmt.Sprintf("privacy mode held by connection %d", s.deps.Privacy.CurrentHolder()), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]video.ConnID{"holder": req.ConnID})
}

func (s *Server) handleClearPrivacy(w http.ResponseWriter, r *http.Request) {
	conn, err := strconv.Atoi(mux.Vars(r)["conn"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.deps.Privacy.Clear(video.ConnID(conn)) {
		http.Error(w, "connection does not hold privacy mode", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Config == nil {
		http.Error(w, "configuration not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Config.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	frames, dropped := s.deps.Hub.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"version":        "0.1.0",
		"services":       len(s.deps.Pipelines.Services()),
		"peers":          s.deps.Hub.PeerCount(),
		"frames_sent":    frames,
		"frames_dropped": dropped,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>DeskStreamer</title>
</head>
<body>
    <h1>DeskStreamer</h1>
    <ul>
        <li><a href="/api/health">/api/health</a> - Server health check</li>
        <li><a href="/api/services">/api/services</a> - Running video services</li>
        <li><a href="/api/displays">/api/displays</a> - Displays</li>
        <li><a href="/stream/monitor0">/stream/monitor0</a> - MJPEG stream of the first monitor</li>
    </ul>
</body>
</html>`

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
