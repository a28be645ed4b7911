package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the rate hand-held scanners ship configured for.
	DefaultBaudRate = 9600

	// DefaultReadTimeout bounds a single blocking read. A listener polls its
	// cancellation flag once per timeout, so this is also the worst-case
	// shutdown latency of a healthy port.
	DefaultReadTimeout = 100 * time.Millisecond

	// ReadBufferSize is the chunk size handed to the framer per read.
	ReadBufferSize = 128
)

// ErrReadTimeout may be returned by Port implementations that report a
// timeout as an error instead of a zero-length read.
var ErrReadTimeout = errors.New("serial read timeout")

// Port is the subset of go.bug.st/serial.Port a listener needs
type Port interface {
	io.Reader
	io.Closer
	SetReadTimeout(timeout time.Duration) error
	ResetInputBuffer() error
}

// Opener opens a device. Swapped out in tests for a mock serial source.
type Opener func(device string, cfg Config) (Port, error)

// Config holds line settings for a port
type Config struct {
	BaudRate    int
	DataBits    int
	Parity      string // none, odd, even, mark, space
	StopBits    float64
	ReadTimeout time.Duration
}

// DefaultConfig returns 9600 8-N-1 with the default read timeout
func DefaultConfig() Config {
	return Config{
		BaudRate:    DefaultBaudRate,
		DataBits:    8,
		Parity:      "none",
		StopBits:    1,
		ReadTimeout: DefaultReadTimeout,
	}
}

// Mode converts the config into a go.bug.st/serial mode
func (c Config) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}

	switch strings.ToLower(c.Parity) {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", c.Parity)
	}

	switch c.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 1.5:
		mode.StopBits = serial.OnePointFiveStopBits
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %v", c.StopBits)
	}

	if mode.BaudRate == 0 {
		mode.BaudRate = DefaultBaudRate
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	return mode, nil
}

// Open opens device with go.bug.st/serial and applies the read timeout.
// It satisfies Opener.
func Open(device string, cfg Config) (Port, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	// Bytes buffered before we opened belong to no scan we can attribute.
	_ = port.ResetInputBuffer()

	return port, nil
}

// IsTimeout reports whether err is a read timeout rather than a port failure
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReadTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// IsClosed reports whether err came from reading a port that was closed
// underneath the reader.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrClosed) {
		return true
	}
	var pe *serial.PortError
	return errors.As(err, &pe) && pe.Code() == serial.PortClosed
}
