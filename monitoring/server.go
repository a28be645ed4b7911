package monitoring

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"barcodegate/barcode"
	"barcodegate/capture"
	"barcodegate/config"
	"barcodegate/forward"
	"barcodegate/output"
	"barcodegate/serial"

	"github.com/gorilla/mux"
)

// Controller is the part of the barcode manager the HTTP surface drives
type Controller interface {
	ListPorts() []serial.PortInfo
	Status() []capture.ChannelStatus
	Select(role barcode.Role, port string) error
	Clear(role barcode.Role) error
	LatestRecords(role barcode.Role) ([]barcode.Record, error)
	LatestAll() []barcode.Record
	AddRecordHandler(fn func(barcode.Record))
	AddEventHandler(fn output.EventCallback)
	InstanceID() string
	Uptime() time.Duration
	NATSConnected() bool
	ForwarderStats() forward.Stats
}

// Server provides the HTTP control and monitoring endpoints
type Server struct {
	config  *config.MonitoringConfig
	ctl     Controller
	logger  *slog.Logger
	router  *mux.Router
	server  *http.Server
	broker  *SSEBroker
	metrics *Metrics
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer creates the server and subscribes it to ctl's records and
// events. Nothing listens until Start.
func NewServer(cfg *config.MonitoringConfig, ctl Controller, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:  cfg,
		ctl:     ctl,
		logger:  logger,
		broker:  NewSSEBroker(),
		metrics: NewMetrics(ctl),
		ctx:     ctx,
		cancel:  cancel,
	}

	go s.broker.Run(ctx)

	ctl.AddRecordHandler(s.onRecord)
	ctl.AddEventHandler(s.onEvent)

	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/ports", s.handlePorts).Methods(http.MethodGet)
	api.HandleFunc("/channels", s.handleChannels).Methods(http.MethodGet)
	api.HandleFunc("/channels/{role}", s.handleSelectChannel).Methods(http.MethodPut)
	api.HandleFunc("/channels/{role}", s.handleClearChannel).Methods(http.MethodDelete)
	api.HandleFunc("/records", s.handleRecords).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.handleSSE).Methods(http.MethodGet)

	if s.config.Username != "" && s.config.Password != "" {
		api.Use(s.basicAuth)
		s.logger.Info("Basic auth enabled for the control API")
	}

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	return r
}

// Handler returns the server's router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting monitoring server", "port", s.config.Port)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Monitoring server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully stops the monitoring server
func (s *Server) Stop(ctx context.Context) error {
	// Closing the broker ends every SSE stream so Shutdown does not wait on them
	s.cancel()

	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping monitoring server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) onRecord(rec barcode.Record) {
	s.metrics.ObserveRecord(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("Failed to marshal record for stream", "error", err)
		return
	}
	s.broker.Broadcast(rec.Role.String(), "record", string(data))
}

func (s *Server) onEvent(event output.Event) {
	s.metrics.ObserveEvent(event)

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.broker.Broadcast(event.Role, "channel", string(data))
}

// basicAuth wraps a handler with HTTP Basic Authentication
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.config.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.config.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="barcodegate"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps engine errors onto HTTP status codes
func statusForError(err error) int {
	var connErr *capture.ConnectionError
	switch {
	case errors.Is(err, capture.ErrEmptyPort), errors.Is(err, capture.ErrUnknownRole):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrPortInUse):
		return http.StatusConflict
	case errors.Is(err, capture.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"instance_id":    s.ctl.InstanceID(),
		"uptime_seconds": int64(s.ctl.Uptime().Seconds()),
		"nats_connected": s.ctl.NATSConnected(),
		"forwarder":      s.ctl.ForwarderStats(),
		"sse_clients":    s.broker.ClientCount(),
	})
}

// PortStatus is a catalog entry plus the role bound to it, if any
type PortStatus struct {
	serial.PortInfo
	InUse string `json:"in_use,omitempty"`
}

// handlePorts re-queries the attached serial ports
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	rolesByPort := make(map[string]string)
	for _, st := range s.ctl.Status() {
		if st.Port != "" {
			rolesByPort[st.Port] = st.Role
		}
	}

	ports := []PortStatus{}
	for _, p := range s.ctl.ListPorts() {
		ports = append(ports, PortStatus{PortInfo: p, InUse: rolesByPort[p.Name]})
	}

	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

// handleChannels returns every role's status
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.ctl.Status()})
}

type selectRequest struct {
	Port string `json:"port"`
}

// handleSelectChannel binds {role} to the port in the request body
func (s *Server) handleSelectChannel(w http.ResponseWriter, r *http.Request) {
	role, err := barcode.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req selectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.ctl.Select(role, req.Port); err != nil {
		s.logger.Warn("Channel select failed", "role", role.String(), "port", req.Port, "error", err)
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.channelStatus(role))
}

// handleClearChannel unbinds {role}
func (s *Server) handleClearChannel(w http.ResponseWriter, r *http.Request) {
	role, err := barcode.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.ctl.Clear(role); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.channelStatus(role))
}

func (s *Server) channelStatus(role barcode.Role) capture.ChannelStatus {
	for _, st := range s.ctl.Status() {
		if st.Role == role.String() {
			return st
		}
	}
	return capture.ChannelStatus{Role: role.String(), State: capture.StateUnbound}
}

// handleRecords drains the records published since the previous call.
// Query params: role (entry, exit or all; default all)
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	roleParam := r.URL.Query().Get("role")
	if roleParam == "" {
		roleParam = RoleAll
	}

	var records []barcode.Record
	if roleParam == RoleAll {
		records = s.ctl.LatestAll()
	} else {
		role, err := barcode.ParseRole(roleParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if records, err = s.ctl.LatestRecords(role); err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		roleParam = role.String()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"role":    roleParam,
		"records": records,
		"count":   len(records),
	})
}

// handleSSE streams records and channel events as Server-Sent Events.
// Query params: role (entry, exit or all; default all)
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	roleParam := r.URL.Query().Get("role")
	if roleParam == "" {
		roleParam = RoleAll
	}
	if roleParam != RoleAll {
		role, err := barcode.ParseRole(roleParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		roleParam = role.String()
	}

	client, ok := s.broker.Subscribe(s.ctx, roleParam)
	if !ok {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.broker.Unsubscribe(s.ctx, client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	fmt.Fprintf(w, "event: connected\ndata: {\"role\":%q}\n\n", roleParam)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-client.done:
			// Server shutting down
			return

		case msg := <-client.send:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}
