package output

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// DefaultHealthInterval is used when no heartbeat interval is configured
const DefaultHealthInterval = 60 * time.Second

// ChannelHealth is one role's entry in a heartbeat
type ChannelHealth struct {
	Role        string `json:"role"`
	Device      string `json:"device,omitempty"`
	State       string `json:"state"`
	BytesRead   int64  `json:"bytes"`
	Frames      int64  `json:"frames"`
	Errors      int64  `json:"errors"`
	Dropped     uint64 `json:"dropped"`
	LastError   string `json:"last_error,omitempty"`
	LastReadAgo int64  `json:"last_read_ago_sec"` // -1 if never
}

// Heartbeat is the JSON payload published on the health subject. Seq
// restarts at 1 with the process, so a gap means lost heartbeats and a
// reset means a restart.
type Heartbeat struct {
	Version    int             `json:"v"`
	Seq        uint64          `json:"seq"`
	Timestamp  string          `json:"ts"`
	InstanceID string          `json:"instance_id"`
	UptimeSec  int64           `json:"uptime_sec"`
	Final      bool            `json:"final,omitempty"`
	Channels   []ChannelHealth `json:"channels"`
}

// ChannelSource reports every role's health as of now
type ChannelSource func(now time.Time) []ChannelHealth

// HealthPublisherConfig contains configuration for HealthPublisher
type HealthPublisherConfig struct {
	Conn       *NATSConnection
	Subject    string // e.g., "barcodegate.health.gate-01"
	InstanceID string
	Interval   time.Duration
	Source     ChannelSource
	Logger     *slog.Logger
}

// HealthPublisher publishes a heartbeat when started, every interval after
// that and a final one when stopped. Heartbeats are skipped while NATS is
// down; the channel source is not consulted for them.
type HealthPublisher struct {
	conn       *NATSConnection
	subject    string
	instanceID string
	interval   time.Duration
	source     ChannelSource
	started    time.Time
	seq        uint64 // owned by the run goroutine
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPublisher creates a publisher. Nothing is sent until Start.
func NewHealthPublisher(cfg *HealthPublisherConfig) *HealthPublisher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	source := cfg.Source
	if source == nil {
		source = func(time.Time) []ChannelHealth { return nil }
	}

	return &HealthPublisher{
		conn:       cfg.Conn,
		subject:    cfg.Subject,
		instanceID: cfg.InstanceID,
		interval:   interval,
		source:     source,
		started:    time.Now(),
		logger:     cfg.Logger,
	}
}

// Start publishes until ctx is cancelled or Stop is called
func (h *HealthPublisher) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)

	h.logger.Info("Health publisher started", "subject", h.subject, "interval", h.interval)
}

// Stop sends the final heartbeat and waits for the publisher to exit
func (h *HealthPublisher) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.logger.Info("Health publisher stopped", "heartbeats", h.seq)
}

func (h *HealthPublisher) run(ctx context.Context) {
	defer close(h.done)

	h.beat(false)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.beat(true)
			return
		case <-ticker.C:
			h.beat(false)
		}
	}
}

// Heartbeat builds an unsequenced payload describing the gate at now
func (h *HealthPublisher) Heartbeat(now time.Time) Heartbeat {
	return Heartbeat{
		Version:    1,
		Timestamp:  now.UTC().Format(time.RFC3339),
		InstanceID: h.instanceID,
		UptimeSec:  int64(now.Sub(h.started).Seconds()),
		Channels:   h.source(now),
	}
}

func (h *HealthPublisher) beat(final bool) {
	if !h.conn.IsConnected() {
		h.logger.Debug("Skipping heartbeat, NATS not connected")
		return
	}

	hb := h.Heartbeat(time.Now())
	h.seq++
	hb.Seq = h.seq
	hb.Final = final

	data, err := json.Marshal(hb)
	if err != nil {
		h.logger.Error("Failed to marshal heartbeat", "error", err)
		return
	}
	if err := h.conn.Conn().Publish(h.subject, data); err != nil {
		h.logger.Warn("Failed to publish heartbeat", "seq", hb.Seq, "error", err)
		return
	}

	h.logger.Debug("Published heartbeat", "subject", h.subject, "seq", hb.Seq, "final", final)
}
