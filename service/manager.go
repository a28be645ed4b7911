package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"barcodegate/barcode"
	"barcodegate/capture"
	"barcodegate/config"
	"barcodegate/forward"
	"barcodegate/output"
	"barcodegate/serial"
)

// Manager runs the ingestion engine together with its optional sinks
// (record log, NATS records, events and health) and keeps the startup
// bindings in the config file in step with Select and Clear.
type Manager struct {
	config     *config.Config
	configPath string // empty disables persistence
	version    string

	engine          *capture.Engine
	natsConn        *output.NATSConnection
	recordWriter    *output.RecordWriter
	eventPublisher  *output.EventPublisher
	healthPublisher *output.HealthPublisher
	forwarder       *forward.Forwarder

	handlersMu     sync.RWMutex
	recordHandlers []func(barcode.Record)
	eventHandlers  []output.EventCallback

	opener  serial.Opener
	catalog capture.Catalog

	configMu  sync.Mutex // guards config writes and Save
	startTime time.Time
	logger    *slog.Logger
}

// Option customizes a Manager
type Option func(*Manager)

// WithOpener replaces the serial port opener
func WithOpener(opener serial.Opener) Option {
	return func(m *Manager) { m.opener = opener }
}

// WithCatalog replaces the port catalog
func WithCatalog(catalog capture.Catalog) Option {
	return func(m *Manager) { m.catalog = catalog }
}

// WithVersion sets the version reported in service events
func WithVersion(version string) Option {
	return func(m *Manager) { m.version = version }
}

// NewManager creates a manager and its engine. No port is opened until
// Start or Select.
func NewManager(cfg *config.Config, configPath string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		config:     cfg,
		configPath: configPath,
		version:    "dev",
		logger:     logger,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.engine = capture.NewEngine(capture.EngineConfig{
		Serial:        cfg.Serial.ToSerial(),
		StoreCapacity: cfg.Store.MaxRecordsPerRole,
		StopTimeout:   cfg.Store.StopTimeout(),
		Opener:        m.opener,
		Catalog:       m.catalog,
		OnRecord:      m.handleRecord,
		OnEvent:       m.handleEvent,
		Logger:        logger.With("component", "engine"),
	})

	return m
}

// AddRecordHandler registers fn to receive every published record. It runs
// on the listener goroutine and must not block.
func (m *Manager) AddRecordHandler(fn func(barcode.Record)) {
	m.handlersMu.Lock()
	m.recordHandlers = append(m.recordHandlers, fn)
	m.handlersMu.Unlock()
}

// AddEventHandler registers fn to receive channel lifecycle events
func (m *Manager) AddEventHandler(fn output.EventCallback) {
	m.handlersMu.Lock()
	m.eventHandlers = append(m.eventHandlers, fn)
	m.handlersMu.Unlock()
}

// Start connects the optional sinks and binds the configured channels.
// A channel that fails to open is logged and left unbound; the service
// still starts so it can be fixed over the API.
func (m *Manager) Start() error {
	m.logger.Info("Starting barcode manager", "instance", m.config.App.InstanceID)

	if m.config.NATS.Enabled {
		natsConn, err := output.NewNATSConnection(
			m.config.NATS.URL,
			m.config.App.Name+"-"+m.config.App.InstanceID,
			m.config.NATS.MaxReconnects,
			m.logger,
		)
		if err != nil {
			// Scans still reach the store, the record log and the API
			m.logger.Warn("NATS unavailable, publishing disabled", "url", m.config.NATS.URL, "error", err)
		} else {
			m.natsConn = natsConn
		}
	}

	m.eventPublisher = output.NewEventPublisher(&output.EventPublisherConfig{
		Conn:       m.natsConn.Conn(),
		Subject:    output.BuildEventsSubject(m.config.NATS.SubjectPrefix, m.config.App.InstanceID),
		InstanceID: m.config.App.InstanceID,
		Logger:     m.logger,
	})
	m.eventPublisher.PublishServiceStart(m.version)

	recordLogPath := ""
	if m.config.Logging.RecordLog {
		recordLogPath = m.config.Logging.BasePath
	}
	m.recordWriter = output.NewRecordWriter(&output.RecordWriterConfig{
		InstanceID:    m.config.App.InstanceID,
		LogBasePath:   recordLogPath,
		LogMaxSizeMB:  m.config.Logging.MaxSizeMB,
		LogMaxBackups: m.config.Logging.MaxBackups,
		LogCompress:   m.config.Logging.Compress,
		NATSConn:      m.natsConn.Conn(),
		SubjectPrefix: m.config.NATS.SubjectPrefix,
		Logger:        m.logger,
	})

	if m.natsConn != nil {
		m.healthPublisher = output.NewHealthPublisher(&output.HealthPublisherConfig{
			Conn:       m.natsConn,
			Subject:    output.BuildHealthSubject(m.config.NATS.SubjectPrefix, m.config.App.InstanceID),
			InstanceID: m.config.App.InstanceID,
			Interval:   m.config.NATS.HealthInterval(),
			Source:     m.channelHealth,
			Logger:     m.logger,
		})
		m.healthPublisher.Start(context.Background())
	}

	if m.natsConn != nil && m.config.Forwarder.Enabled {
		fwd := forward.New(&forward.ForwarderConfig{
			Config:        &m.config.Forwarder,
			InstanceID:    m.config.App.InstanceID,
			SubjectPrefix: m.config.NATS.SubjectPrefix,
			LocalConn:     m.natsConn.Conn(),
			Logger:        m.logger.With("component", "forwarder"),
		})
		if err := fwd.Start(context.Background()); err != nil {
			m.logger.Warn("Forwarder unavailable", "remote", m.config.Forwarder.RemoteURL, "error", err)
		} else {
			m.forwarder = fwd
		}
	}

	bound := 0
	for _, role := range barcode.Roles {
		port := m.configuredPort(role)
		if port == "" {
			continue
		}
		if err := m.engine.Select(role, port); err != nil {
			m.logger.Warn("Failed to bind configured channel", "role", role.String(), "device", port, "error", err)
			continue
		}
		bound++
	}

	m.logger.Info("Barcode manager started", "bound_channels", bound)
	return nil
}

// Stop shuts the engine down and closes the sinks
func (m *Manager) Stop() {
	m.logger.Info("Stopping barcode manager")

	m.eventPublisher.PublishServiceStop("shutdown requested")

	// Final heartbeat goes out before the channels disappear
	if m.healthPublisher != nil {
		m.healthPublisher.Stop()
	}

	m.engine.Shutdown()

	// Records already in the local stream are forwarded after restart
	if m.forwarder != nil {
		m.forwarder.Stop()
	}

	if m.recordWriter != nil {
		if err := m.recordWriter.Close(); err != nil {
			m.logger.Warn("Failed to close record log", "error", err)
		}
	}

	m.natsConn.Close()

	m.logger.Info("Barcode manager stopped")
}

// Select binds role to port and persists the binding. A port that fails
// to open leaves the role unbound, and that is persisted too; a rejected
// selection changes nothing.
func (m *Manager) Select(role barcode.Role, port string) error {
	if err := m.engine.Select(role, port); err != nil {
		var connErr *capture.ConnectionError
		if errors.As(err, &connErr) {
			m.persist(role, "")
		}
		return err
	}

	ch, _ := m.engine.Channel(role)
	m.persist(role, ch.BoundPort())
	return nil
}

// Clear unbinds role and persists the change
func (m *Manager) Clear(role barcode.Role) error {
	if err := m.engine.Clear(role); err != nil {
		return err
	}
	m.persist(role, "")
	return nil
}

func (m *Manager) persist(role barcode.Role, port string) {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	switch role {
	case barcode.RoleEntry:
		m.config.Channels.Entry = port
	case barcode.RoleExit:
		m.config.Channels.Exit = port
	}

	if m.configPath == "" {
		return
	}
	if err := m.config.Save(m.configPath); err != nil {
		m.logger.Warn("Failed to save config after channel change", "role", role.String(), "error", err)
	}
}

func (m *Manager) configuredPort(role barcode.Role) string {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	switch role {
	case barcode.RoleEntry:
		return m.config.Channels.Entry
	case barcode.RoleExit:
		return m.config.Channels.Exit
	}
	return ""
}

// ListPorts re-queries the attached serial ports
func (m *Manager) ListPorts() []serial.PortInfo {
	return m.engine.ListPorts()
}

// Status returns every channel's status
func (m *Manager) Status() []capture.ChannelStatus {
	return m.engine.Status()
}

// LatestRecords drains role
func (m *Manager) LatestRecords(role barcode.Role) ([]barcode.Record, error) {
	return m.engine.LatestRecords(role)
}

// LatestAll drains both roles in publication order
func (m *Manager) LatestAll() []barcode.Record {
	return m.engine.LatestAll()
}

// Engine returns the underlying engine
func (m *Manager) Engine() *capture.Engine {
	return m.engine
}

// NATSConnected returns true if connected to NATS
func (m *Manager) NATSConnected() bool {
	return m.natsConn.IsConnected()
}

// ForwarderStats returns store-and-forward counters (zero when disabled)
func (m *Manager) ForwarderStats() forward.Stats {
	return m.forwarder.Stats()
}

// Uptime returns how long the manager has existed
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// InstanceID returns the configured instance ID
func (m *Manager) InstanceID() string {
	return m.config.App.InstanceID
}

// handleRecord runs on a listener goroutine
func (m *Manager) handleRecord(rec barcode.Record) {
	if m.recordWriter != nil {
		// Errors are logged by the writer; the record is already stored
		_ = m.recordWriter.Write(rec)
	}

	m.handlersMu.RLock()
	handlers := m.recordHandlers
	m.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(rec)
	}
}

func (m *Manager) handleEvent(event output.Event) {
	m.logger.Debug("Channel event", "type", event.Type, "role", event.Role, "device", event.Device)
	m.eventPublisher.Publish(event)

	m.handlersMu.RLock()
	handlers := m.eventHandlers
	m.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
}

// channelHealth feeds the health publisher
func (m *Manager) channelHealth(now time.Time) []output.ChannelHealth {
	return HealthFromStatus(m.engine.Status(), now)
}

// HealthFromStatus converts channel status into heartbeat entries
func HealthFromStatus(statuses []capture.ChannelStatus, now time.Time) []output.ChannelHealth {
	out := make([]output.ChannelHealth, 0, len(statuses))
	for _, st := range statuses {
		// Seconds since last read, -1 if never
		var lastReadAgo int64 = -1
		if !st.Stats.LastReadAt.IsZero() {
			lastReadAgo = int64(now.Sub(st.Stats.LastReadAt).Seconds())
		}

		out = append(out, output.ChannelHealth{
			Role:        st.Role,
			Device:      st.Port,
			State:       st.State,
			BytesRead:   st.Stats.BytesRead,
			Frames:      st.Stats.Frames,
			Errors:      st.Stats.Errors,
			Dropped:     st.Dropped,
			LastError:   st.LastError,
			LastReadAgo: lastReadAgo,
		})
	}
	return out
}

