package serial

import (
	"sync"
	"sync/atomic"
	"time"
)

// PortStats is a snapshot of PortWithStats counters
type PortStats struct {
	BytesRead  int64     `json:"bytes_read"`
	Reads      int64     `json:"reads"`
	Frames     int64     `json:"frames"`
	Errors     int64     `json:"errors"`
	LastReadAt time.Time `json:"last_read_at,omitempty"`
}

// PortWithStats wraps a Port to track statistics. Close is idempotent so a
// manager may force-close a port its listener is still reading.
type PortWithStats struct {
	port   Port
	device string

	stats PortStats
	mu    sync.RWMutex

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// NewPortWithStats creates a new PortWithStats
func NewPortWithStats(device string, port Port) *PortWithStats {
	return &PortWithStats{
		port:   port,
		device: device,
	}
}

// Read implements io.Reader and tracks bytes read. A read broken by our own
// Close is not counted as an error.
func (p *PortWithStats) Read(buf []byte) (int, error) {
	n, err := p.port.Read(buf)

	p.mu.Lock()
	if n > 0 {
		p.stats.BytesRead += int64(n)
		p.stats.Reads++
		p.stats.LastReadAt = time.Now()
	}
	if err != nil && !IsTimeout(err) && !(p.closed.Load() && IsClosed(err)) {
		p.stats.Errors++
	}
	p.mu.Unlock()

	return n, err
}

// Close closes the underlying port once
func (p *PortWithStats) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.port.Close()
	})
	return p.closeErr
}

// SetReadTimeout forwards to the underlying port
func (p *PortWithStats) SetReadTimeout(timeout time.Duration) error {
	return p.port.SetReadTimeout(timeout)
}

// ResetInputBuffer forwards to the underlying port
func (p *PortWithStats) ResetInputBuffer() error {
	return p.port.ResetInputBuffer()
}

// Device returns the device path
func (p *PortWithStats) Device() string {
	return p.device
}

// FrameRead increments the frame counter
func (p *PortWithStats) FrameRead() {
	p.mu.Lock()
	p.stats.Frames++
	p.mu.Unlock()
}

// Stats returns current statistics
func (p *PortWithStats) Stats() PortStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
