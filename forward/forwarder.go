package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"barcodegate/config"
	"barcodegate/output"

	"github.com/nats-io/nats.go"
)

// Forwarder moves scan records captured in a local JetStream stream to a
// remote NATS server, one at a time and in order. A record is acked only
// after the remote server has it, so scans made while the uplink is down
// are delivered once it returns.
type Forwarder struct {
	cfg        *config.ForwarderConfig
	instanceID string
	subjects   []string
	localConn  *nats.Conn
	remoteConn *nats.Conn
	sub        *nats.Subscription
	logger     *slog.Logger

	forwarded atomic.Int64
	failed    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ForwarderConfig contains configuration for Forwarder
type ForwarderConfig struct {
	Config        *config.ForwarderConfig
	InstanceID    string
	SubjectPrefix string // records are captured from {prefix}.records.{instance}.*
	LocalConn     *nats.Conn
	Logger        *slog.Logger
}

// Stats is a snapshot of forwarder progress
type Stats struct {
	Enabled   bool  `json:"enabled"`
	Connected bool  `json:"connected"`
	Forwarded int64 `json:"forwarded"`
	Failed    int64 `json:"failed"`
}

// New creates a forwarder. Nothing connects until Start.
func New(cfg *ForwarderConfig) *Forwarder {
	return &Forwarder{
		cfg:        cfg.Config,
		instanceID: cfg.InstanceID,
		subjects:   []string{output.BuildRecordsSubject(cfg.SubjectPrefix, cfg.InstanceID, "*")},
		localConn:  cfg.LocalConn,
		logger:     cfg.Logger,
	}
}

// Start connects to the remote server, makes sure the local stream and the
// durable consumer exist and starts forwarding. It is a no-op when the
// forwarder is disabled.
func (f *Forwarder) Start(ctx context.Context) error {
	if !f.cfg.Enabled {
		return nil
	}
	if f.localConn == nil {
		return errors.New("forwarder requires a local NATS connection")
	}

	js, err := f.localConn.JetStream()
	if err != nil {
		return fmt.Errorf("local JetStream: %w", err)
	}

	if err := f.ensureStream(js); err != nil {
		return err
	}

	name := f.instanceID + "-forwarder"
	if _, err := js.ConsumerInfo(f.cfg.Stream, name); errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = js.AddConsumer(f.cfg.Stream, &nats.ConsumerConfig{
			Durable:       name,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    -1,
			MaxAckPending: 1, // keeps remote order identical to scan order
			DeliverPolicy: nats.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("consumer info: %w", err)
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(5 * time.Second),
		// The remote link is expected to come and go; keep retrying
		nats.RetryOnFailedConnect(true),
	}
	if f.cfg.RemoteCreds != "" {
		opts = append(opts, nats.UserCredentials(f.cfg.RemoteCreds))
	}
	f.remoteConn, err = nats.Connect(f.cfg.RemoteURL, opts...)
	if err != nil {
		return fmt.Errorf("remote NATS: %w", err)
	}

	f.sub, err = js.PullSubscribe("", name, nats.Bind(f.cfg.Stream, name))
	if err != nil {
		f.remoteConn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.run()

	f.logger.Info("Forwarder started",
		"stream", f.cfg.Stream,
		"subjects", f.subjects,
		"remote", f.cfg.RemoteURL)
	return nil
}

// ensureStream creates the local record stream if it does not exist yet
func (f *Forwarder) ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(f.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     f.cfg.Stream,
		Subjects: f.subjects,
		Storage:  nats.FileStorage,
		// Window for Nats-Msg-Id de-duplication of re-published records
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", f.cfg.Stream, err)
	}

	f.logger.Info("Created record stream", "stream", f.cfg.Stream, "subjects", f.subjects)
	return nil
}

// Stop stops forwarding and closes the remote connection
func (f *Forwarder) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.wg.Wait()
	if f.sub != nil {
		f.sub.Unsubscribe()
	}
	if f.remoteConn != nil {
		f.remoteConn.Close()
	}
	f.logger.Info("Forwarder stopped", "forwarded", f.forwarded.Load(), "failed", f.failed.Load())
}

// Stats returns forwarding counters. Safe on a nil receiver.
func (f *Forwarder) Stats() Stats {
	if f == nil {
		return Stats{}
	}
	return Stats{
		Enabled:   f.cfg.Enabled,
		Connected: f.remoteConn != nil && f.remoteConn.IsConnected(),
		Forwarded: f.forwarded.Load(),
		Failed:    f.failed.Load(),
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		if !f.remoteConn.IsConnected() {
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msgs, err := f.sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil || len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		if err := f.forward(msg); err != nil {
			f.failed.Add(1)
			f.logger.Warn("Failed to forward record", "subject", msg.Subject, "error", err)
			msg.Nak()
			continue
		}

		msg.Ack()
		f.forwarded.Add(1)
	}
}

func (f *Forwarder) forward(msg *nats.Msg) error {
	out := &nats.Msg{
		Subject: RemoteSubject(f.cfg.RemoteSubject, msg.Subject),
		Data:    msg.Data,
		Header:  nats.Header{},
	}
	// The record ID travels along so the remote stream can drop redeliveries
	if id := msg.Header.Get(nats.MsgIdHdr); id != "" {
		out.Header.Set(nats.MsgIdHdr, id)
	}

	if err := f.remoteConn.PublishMsg(out); err != nil {
		return err
	}
	return f.remoteConn.Flush()
}

// RemoteSubject returns the subject a record is republished on: the
// configured remote subject, or the local subject when none is set.
func RemoteSubject(remote, local string) string {
	if remote != "" {
		return remote
	}
	return local
}
