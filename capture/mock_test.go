package capture

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"barcodegate/serial"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockPort is a serial source fed by the test. A read returns the next
// chunk, the next injected error, or (0, nil) after the read timeout.
// A stuck port never times out, like a driver that ignores the setting.
type mockPort struct {
	device  string
	chunks  chan []byte
	errs    chan error
	closed  chan struct{}
	timeout time.Duration
	stuck   bool
	onClose func()

	mu        sync.Mutex
	remainder []byte
	closeOnce sync.Once
}

func newMockPort(device string) *mockPort {
	return &mockPort{
		device:  device,
		chunks:  make(chan []byte, 64),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
		timeout: 5 * time.Millisecond,
	}
}

func (m *mockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	if len(m.remainder) > 0 {
		n := copy(p, m.remainder)
		m.remainder = m.remainder[n:]
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	var timeout <-chan time.Time
	if !m.stuck {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-m.closed:
		return 0, os.ErrClosed
	case err := <-m.errs:
		return 0, err
	case b := <-m.chunks:
		n := copy(p, b)
		if n < len(b) {
			m.mu.Lock()
			m.remainder = append(m.remainder, b[n:]...)
			m.mu.Unlock()
		}
		return n, nil
	case <-timeout:
		return 0, nil
	}
}

func (m *mockPort) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.onClose != nil {
			m.onClose()
		}
	})
	return nil
}

func (m *mockPort) SetReadTimeout(timeout time.Duration) error {
	return nil
}

func (m *mockPort) ResetInputBuffer() error {
	return nil
}

func (m *mockPort) send(s string) {
	m.chunks <- []byte(s)
}

func (m *mockPort) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// mockOpener hands out mockPorts and tracks how many are open at once
type mockOpener struct {
	mu        sync.Mutex
	ports     map[string]*mockPort
	failures  map[string]error
	stuck     map[string]bool
	opens     int
	active    int
	maxActive int
}

func newMockOpener() *mockOpener {
	return &mockOpener{
		ports:    make(map[string]*mockPort),
		failures: make(map[string]error),
		stuck:    make(map[string]bool),
	}
}

func (o *mockOpener) Open(device string, cfg serial.Config) (serial.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.failures[device]; err != nil {
		return nil, err
	}

	port := newMockPort(device)
	port.stuck = o.stuck[device]
	port.onClose = func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}

	o.ports[device] = port
	o.opens++
	o.active++
	if o.active > o.maxActive {
		o.maxActive = o.active
	}
	return port, nil
}

// port returns the most recent port opened for device
func (o *mockOpener) port(device string) *mockPort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports[device]
}

func (o *mockOpener) stats() (active, maxActive int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active, o.maxActive
}

// waitFor polls cond until it holds or the test times out
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
