package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"barcodegate/barcode"
	"barcodegate/serial"

	"github.com/google/uuid"
)

// ListenerState represents the lifecycle of a Listener
type ListenerState int32

const (
	StateIdle ListenerState = iota
	StateConnecting
	StateListening
	StateStopping
	StateStopped
)

func (s ListenerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// listenerConfig carries what a Listener needs from its Channel
type listenerConfig struct {
	role      barcode.Role
	device    string
	serial    serial.Config
	opener    serial.Opener
	seq       *atomic.Uint64
	publish   func(barcode.Record)
	onFailure func(*ReadError)
	logger    *slog.Logger
}

// Listener owns one open serial connection and the goroutine reading it.
// A Listener is used once: after it reaches StateStopped a new one is
// created for the next selection.
type Listener struct {
	cfg    listenerConfig
	framer *Framer
	port   atomic.Pointer[serial.PortWithStats]

	cancelled atomic.Bool
	state     atomic.Int32
	overflows atomic.Int64
	done      chan struct{}

	errMu sync.Mutex
	err   error

	logger *slog.Logger
}

func newListener(cfg listenerConfig) *Listener {
	if cfg.opener == nil {
		cfg.opener = serial.Open
	}
	return &Listener{
		cfg:    cfg,
		framer: NewFramer(),
		done:   make(chan struct{}),
		logger: cfg.logger,
	}
}

// start opens the port and spawns the read loop. An open failure moves the
// listener straight to StateStopped and is returned as a *ConnectionError.
func (l *Listener) start() error {
	l.setState(StateConnecting)

	raw, err := l.cfg.opener(l.cfg.device, l.cfg.serial)
	if err != nil {
		cerr := &ConnectionError{Role: l.cfg.role, Port: l.cfg.device, Err: err}
		l.setErr(cerr)
		l.setState(StateStopped)
		close(l.done)
		return cerr
	}

	port := serial.NewPortWithStats(l.cfg.device, raw)
	l.port.Store(port)
	l.setState(StateListening)

	l.logger.Info("Port opened", "device", l.cfg.device, "baud", l.cfg.serial.BaudRate)

	go l.run(port)
	return nil
}

func (l *Listener) run(port *serial.PortWithStats) {
	defer close(l.done)
	defer func() {
		l.setState(StateStopping)
		if n := l.framer.Pending(); n > 0 {
			l.logger.Debug("Discarding unterminated frame", "device", l.cfg.device, "bytes", n)
		}
		l.framer.Reset()
		if err := port.Close(); err != nil {
			l.logger.Debug("Port close error", "device", l.cfg.device, "error", err)
		}
		l.setState(StateStopped)
		l.logger.Info("Listener stopped", "device", l.cfg.device)
	}()

	buf := make([]byte, serial.ReadBufferSize)

	for {
		// Polled once per read timeout
		if l.cancelled.Load() {
			return
		}

		n, err := port.Read(buf)
		if n > 0 {
			l.handle(port, buf[:n])
		}

		if err == nil || serial.IsTimeout(err) {
			continue
		}

		// A cancelled listener may have had its port closed underneath it
		if l.cancelled.Load() {
			if serial.IsClosed(err) {
				l.logger.Debug("Read interrupted by close", "device", l.cfg.device)
			}
			return
		}

		rerr := &ReadError{Role: l.cfg.role, Port: l.cfg.device, Err: err}
		l.setErr(rerr)
		l.logger.Error("Read failed, listener stopping", "device", l.cfg.device, "error", err)
		if l.cfg.onFailure != nil {
			l.cfg.onFailure(rerr)
		}
		return
	}
}

func (l *Listener) handle(port *serial.PortWithStats, chunk []byte) {
	before := l.framer.Overflows()
	payloads := l.framer.Feed(chunk)
	if after := l.framer.Overflows(); after != before {
		l.overflows.Add(after - before)
		l.logger.Warn("Discarded oversized frame",
			"device", l.cfg.device,
			"max_bytes", MaxFrameSize,
			"count", after-before)
	}

	for _, payload := range payloads {
		rec := barcode.Record{
			ID:        uuid.NewString(),
			Seq:       l.cfg.seq.Add(1),
			Role:      l.cfg.role,
			Port:      l.cfg.device,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		}
		port.FrameRead()
		l.logger.Debug("Barcode read", "device", l.cfg.device, "payload", payload, "seq", rec.Seq)
		l.cfg.publish(rec)
	}
}

// cancel asks the read loop to exit at its next poll
func (l *Listener) cancel() {
	l.cancelled.Store(true)
}

// wait blocks until the read loop has exited. If it has not exited within
// timeout the port is closed to break a read the driver will not time out,
// and wait keeps blocking until the goroutine is gone. It reports whether
// the port had to be force-closed. A non-positive timeout waits forever.
func (l *Listener) wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-l.done
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.done:
		return false
	case <-timer.C:
	}

	l.logger.Warn("Listener did not stop in time, closing port",
		"device", l.cfg.device,
		"timeout", timeout)
	if port := l.port.Load(); port != nil {
		port.Close()
	}
	<-l.done
	return true
}

// released reports whether the read loop has exited and closed its port
func (l *Listener) released() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Listener) setState(s ListenerState) {
	l.state.Store(int32(s))
	l.logger.Debug("State changed", "device", l.cfg.device, "state", s.String())
}

// State returns the current state
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Device returns the port this listener was started on
func (l *Listener) Device() string {
	return l.cfg.device
}

func (l *Listener) setErr(err error) {
	l.errMu.Lock()
	l.err = err
	l.errMu.Unlock()
}

// Err returns the error that stopped the listener, if any
func (l *Listener) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Stats returns port counters, zero before the port opened
func (l *Listener) Stats() serial.PortStats {
	if port := l.port.Load(); port != nil {
		return port.Stats()
	}
	return serial.PortStats{}
}

// Overflows returns how many oversized frames were discarded
func (l *Listener) Overflows() int64 {
	return l.overflows.Load()
}
