package output

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSConnection manages the optional NATS connection shared by the
// record, event and health publishers.
type NATSConnection struct {
	conn   *nats.Conn
	url    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewNATSConnection connects to url. The name identifies this instance on
// the server's connection list.
func NewNATSConnection(url, name string, maxReconnects int, logger *slog.Logger) (*NATSConnection, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("Connected to NATS", "url", url)

	return &NATSConnection{
		conn:   conn,
		url:    url,
		logger: logger,
	}, nil
}

// Close drains and closes the connection. Safe on a nil receiver.
func (nc *NATSConnection) Close() {
	if nc == nil {
		return
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn != nil {
		if err := nc.conn.Drain(); err != nil {
			nc.conn.Close()
		}
		nc.conn = nil
		nc.logger.Info("Closed NATS connection")
	}
}

// Conn returns the underlying NATS connection, or nil
func (nc *NATSConnection) Conn() *nats.Conn {
	if nc == nil {
		return nil
	}

	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn
}

// IsConnected returns true if connected to NATS
func (nc *NATSConnection) IsConnected() bool {
	if nc == nil {
		return false
	}

	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn != nil && nc.conn.IsConnected()
}
