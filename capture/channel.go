package capture

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"barcodegate/barcode"
	"barcodegate/output"
	"barcodegate/serial"
)

// StateUnbound is reported for a role with no listener
const StateUnbound = "unbound"

// ChannelStatus is a point-in-time view of one role
type ChannelStatus struct {
	Role        string           `json:"role"`
	Port        string           `json:"port,omitempty"`
	State       string           `json:"state"`
	LastError   string           `json:"last_error,omitempty"`
	Stats       serial.PortStats `json:"stats"`
	Pending     int              `json:"pending"`
	Dropped     uint64           `json:"dropped"`
	Overflows   int64            `json:"overflows"`
	ForcedStops uint64           `json:"forced_stops"`
}

// channelConfig carries the engine-wide settings a Channel needs
type channelConfig struct {
	role        barcode.Role
	serial      serial.Config
	opener      serial.Opener
	stopTimeout time.Duration
	seq         *atomic.Uint64
	store       *Store
	claim       func(port string) error // reserves port for this role; nil binds unconditionally
	onRecord    func(barcode.Record)
	onEvent     output.EventCallback
	logger      *slog.Logger
}

// Channel binds one role to at most one port and owns the listener reading
// it. Select and Clear are serialized per channel and return only after the
// previous listener has released its port. Status and LatestRecords never
// wait on them.
type Channel struct {
	cfg channelConfig

	mu     sync.Mutex // serializes Select, Clear and shutdown
	closed bool       // guarded by mu

	listener    atomic.Pointer[Listener]
	bound       atomic.Pointer[string]
	forcedStops atomic.Uint64

	errMu   sync.Mutex
	lastErr error

	logger *slog.Logger
}

func newChannel(cfg channelConfig) *Channel {
	if cfg.seq == nil {
		cfg.seq = new(atomic.Uint64)
	}
	if cfg.store == nil {
		cfg.store = NewStore(DefaultStoreCapacity)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	c := &Channel{cfg: cfg}
	c.logger = cfg.logger.With("role", cfg.role.String())
	if c.cfg.claim == nil {
		c.cfg.claim = func(port string) error {
			c.setBound(port)
			return nil
		}
	}
	return c
}

// Role returns the role this channel serves
func (c *Channel) Role() barcode.Role {
	return c.cfg.role
}

// Select binds the channel to port. Any active listener is stopped and
// joined first, so two listeners never overlap for one role. An open
// failure leaves the role unbound and is returned as a *ConnectionError.
func (c *Channel) Select(port string) error {
	port = strings.TrimSpace(port)
	if port == "" {
		return ErrEmptyPort
	}

	events, err := c.selectPort(port)
	c.emit(events...)
	return err
}

func (c *Channel) selectPort(port string) ([]output.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrEngineClosed
	}
	if err := c.cfg.claim(port); err != nil {
		return nil, err
	}

	c.stopListener()
	c.setLastErr(nil)

	l := newListener(listenerConfig{
		role:      c.cfg.role,
		device:    port,
		serial:    c.cfg.serial,
		opener:    c.cfg.opener,
		seq:       c.cfg.seq,
		publish:   c.publish,
		onFailure: c.handleReadFailure,
		logger:    c.logger,
	})
	c.listener.Store(l)

	if err := l.start(); err != nil {
		c.listener.Store(nil)
		c.setBound("")
		c.setLastErr(err)
		c.logger.Warn("Failed to open port", "device", port, "error", err)
		return []output.Event{c.event(output.EventConnectionFailed, port, err.Error())}, err
	}

	c.logger.Info("Channel selected", "device", port)
	return []output.Event{c.event(output.EventChannelSelected, port, "")}, nil
}

// Clear stops the listener, unbinds the role and discards its undrained
// records. Clearing an unbound channel is a no-op.
func (c *Channel) Clear() {
	if ev, ok := c.clear(); ok {
		c.emit(ev)
	}
}

func (c *Channel) clear() (output.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.BoundPort()
	c.stopListener()
	c.setBound("")
	c.setLastErr(nil)
	c.cfg.store.Reset(c.cfg.role)

	if prev == "" {
		return output.Event{}, false
	}
	c.logger.Info("Channel cleared", "device", prev)
	return c.event(output.EventChannelCleared, prev, ""), true
}

// shutdown stops the listener and rejects later selections. Undrained
// records stay readable.
func (c *Channel) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.stopListener()
	c.setBound("")
}

// stopListener cancels and joins the current listener. Caller holds mu.
func (c *Channel) stopListener() {
	l := c.listener.Load()
	if l == nil {
		return
	}

	l.cancel()
	if l.wait(c.cfg.stopTimeout) {
		c.forcedStops.Add(1)
	}
	c.listener.Store(nil)
}

// LatestRecords drains the records published since the previous drain
func (c *Channel) LatestRecords() []barcode.Record {
	recs, _ := c.cfg.store.Drain(c.cfg.role)
	return recs
}

// Status returns the channel's current status without blocking
func (c *Channel) Status() ChannelStatus {
	st := ChannelStatus{
		Role:        c.cfg.role.String(),
		Port:        c.BoundPort(),
		State:       StateUnbound,
		ForcedStops: c.forcedStops.Load(),
	}

	if l := c.listener.Load(); l != nil {
		st.State = l.State().String()
		st.Stats = l.Stats()
		st.Overflows = l.Overflows()
	}
	if err := c.LastError(); err != nil {
		st.LastError = err.Error()
	}
	st.Pending, st.Dropped = c.cfg.store.Stats(c.cfg.role)

	return st
}

// holds reports whether port is bound to this channel or still open by a
// listener that has not finished stopping
func (c *Channel) holds(port string) bool {
	if c.BoundPort() == port {
		return true
	}
	l := c.listener.Load()
	return l != nil && l.Device() == port && !l.released()
}

// BoundPort returns the port the role is bound to, or ""
func (c *Channel) BoundPort() string {
	if p := c.bound.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Channel) setBound(port string) {
	if port == "" {
		c.bound.Store(nil)
		return
	}
	c.bound.Store(&port)
}

// LastError returns the most recent connection or read failure
func (c *Channel) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *Channel) setLastErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// publish runs on the listener goroutine
func (c *Channel) publish(rec barcode.Record) {
	if err := c.cfg.store.Append(rec); err != nil {
		c.logger.Warn("Record not stored", "seq", rec.Seq, "error", err)
	}
	if c.cfg.onRecord != nil {
		c.cfg.onRecord(rec)
	}
}

// handleReadFailure runs on the listener goroutine and must not take mu,
// which a concurrent Select may hold while joining that goroutine.
func (c *Channel) handleReadFailure(err *ReadError) {
	c.setLastErr(err)
	c.emit(c.event(output.EventReadFailed, err.Port, err.Err.Error()))
}

func (c *Channel) event(eventType, device, msg string) output.Event {
	return output.Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Role:      c.cfg.role.String(),
		Device:    device,
		Message:   msg,
	}
}

func (c *Channel) emit(events ...output.Event) {
	if c.cfg.onEvent == nil {
		return
	}
	for _, ev := range events {
		c.cfg.onEvent(ev)
	}
}
