package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"barcodegate/barcode"
	"barcodegate/output"
	"barcodegate/serial"
)

// DefaultStopTimeout is how long a stop waits for a listener before
// force-closing its port
const DefaultStopTimeout = 2 * time.Second

// Catalog enumerates attachable serial ports
type Catalog interface {
	List() []serial.PortInfo
}

// EngineConfig configures an Engine. Zero values select defaults.
type EngineConfig struct {
	Serial        serial.Config
	StoreCapacity int
	StopTimeout   time.Duration
	Opener        serial.Opener // defaults to serial.Open
	Catalog       Catalog       // defaults to serial.NewCatalog

	// OnRecord is called on the listener goroutine after a record is stored
	OnRecord func(barcode.Record)
	// OnEvent receives channel lifecycle events
	OnEvent output.EventCallback

	Logger *slog.Logger
}

// Engine owns one Channel per role and the record store they publish into.
// It is the only object a shell needs: operations on one role never wait
// on the other.
type Engine struct {
	channels map[barcode.Role]*Channel
	store    *Store
	catalog  Catalog
	seq      atomic.Uint64

	claimMu sync.Mutex // makes the port-in-use check and bind atomic

	closed       atomic.Bool
	shutdownOnce sync.Once

	logger *slog.Logger
}

// NewEngine creates an engine with every role unbound
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Serial == (serial.Config{}) {
		cfg.Serial = serial.DefaultConfig()
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Opener == nil {
		cfg.Opener = serial.Open
	}
	if cfg.Catalog == nil {
		cfg.Catalog = serial.NewCatalog(logger)
	}

	e := &Engine{
		channels: make(map[barcode.Role]*Channel, len(barcode.Roles)),
		store:    NewStore(cfg.StoreCapacity),
		catalog:  cfg.Catalog,
		logger:   logger,
	}

	for _, role := range barcode.Roles {
		e.channels[role] = newChannel(channelConfig{
			role:        role,
			serial:      cfg.Serial,
			opener:      cfg.Opener,
			stopTimeout: cfg.StopTimeout,
			seq:         &e.seq,
			store:       e.store,
			claim:       e.claimFunc(role),
			onRecord:    cfg.OnRecord,
			onEvent:     cfg.OnEvent,
			logger:      logger,
		})
	}

	return e
}

// claimFunc binds port to role unless the other role holds it. A port the
// other role is moving away from stays held until its listener has stopped.
func (e *Engine) claimFunc(role barcode.Role) func(string) error {
	return func(port string) error {
		e.claimMu.Lock()
		defer e.claimMu.Unlock()

		for r, ch := range e.channels {
			if r != role && ch.holds(port) {
				return fmt.Errorf("%s: %w (%s)", port, ErrPortInUse, r)
			}
		}
		e.channels[role].setBound(port)
		return nil
	}
}

// ListPorts re-queries the attached serial ports
func (e *Engine) ListPorts() []serial.PortInfo {
	return e.catalog.List()
}

// Channel returns the channel serving role
func (e *Engine) Channel(role barcode.Role) (*Channel, error) {
	ch, ok := e.channels[role]
	if !ok {
		return nil, ErrUnknownRole
	}
	return ch, nil
}

// Select binds role to port, replacing any previous binding. It returns
// once the previous listener has stopped and the new port is open.
func (e *Engine) Select(role barcode.Role, port string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ch, err := e.Channel(role)
	if err != nil {
		return err
	}
	return ch.Select(port)
}

// Clear unbinds role and discards its undrained records
func (e *Engine) Clear(role barcode.Role) error {
	ch, err := e.Channel(role)
	if err != nil {
		return err
	}
	ch.Clear()
	return nil
}

// LatestRecords drains the records role published since the last drain
func (e *Engine) LatestRecords(role barcode.Role) ([]barcode.Record, error) {
	ch, err := e.Channel(role)
	if err != nil {
		return nil, err
	}
	return ch.LatestRecords(), nil
}

// LatestAll drains every role, merged in publication order
func (e *Engine) LatestAll() []barcode.Record {
	return e.store.DrainAll()
}

// Status returns every channel's status in role order
func (e *Engine) Status() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(barcode.Roles))
	for _, role := range barcode.Roles {
		out = append(out, e.channels[role].Status())
	}
	return out
}

// Closed reports whether Shutdown has been called
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

// Shutdown stops every listener concurrently and waits for them. Later
// calls return immediately; later selections fail with ErrEngineClosed.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.closed.Store(true)
		e.logger.Info("Stopping ingestion engine")

		var wg sync.WaitGroup
		for _, ch := range e.channels {
			wg.Add(1)
			go func(ch *Channel) {
				defer wg.Done()
				ch.shutdown()
			}(ch)
		}
		wg.Wait()

		e.logger.Info("Ingestion engine stopped")
	})
}
