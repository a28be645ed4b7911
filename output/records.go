package output

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"barcodegate/barcode"

	"github.com/nats-io/nats.go"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RecordWriter fans completed records out to a rotating per-role log file
// and, when a NATS connection is configured, to a per-role subject.
// Either output may be disabled; a RecordWriter with neither is a no-op.
type RecordWriter struct {
	logWriters    map[barcode.Role]*lumberjack.Logger
	natsConn      *nats.Conn
	subjectPrefix string
	instanceID    string
	logger        *slog.Logger
	mu            sync.Mutex
}

// RecordWriterConfig contains configuration for RecordWriter
type RecordWriterConfig struct {
	InstanceID    string
	LogBasePath   string // empty disables the record log
	LogMaxSizeMB  int
	LogMaxBackups int
	LogCompress   bool
	NATSConn      *nats.Conn // nil disables publishing
	SubjectPrefix string
	Logger        *slog.Logger
}

// NewRecordWriter creates a new RecordWriter
func NewRecordWriter(cfg *RecordWriterConfig) *RecordWriter {
	rw := &RecordWriter{
		logWriters:    make(map[barcode.Role]*lumberjack.Logger),
		natsConn:      cfg.NATSConn,
		subjectPrefix: cfg.SubjectPrefix,
		instanceID:    cfg.InstanceID,
		logger:        cfg.Logger,
	}

	if cfg.LogBasePath != "" {
		for _, role := range barcode.Roles {
			// e.g., /var/log/barcodegate/gate-01-entry.log
			logPath := filepath.Join(cfg.LogBasePath, fmt.Sprintf("%s-%s.log", cfg.InstanceID, role))
			rw.logWriters[role] = &lumberjack.Logger{
				Filename:   logPath,
				MaxSize:    cfg.LogMaxSizeMB,
				MaxBackups: cfg.LogMaxBackups,
				Compress:   cfg.LogCompress,
			}
		}
	}

	cfg.Logger.Info("Initialized record writer",
		"log_path", cfg.LogBasePath,
		"record_log", len(rw.logWriters) > 0,
		"nats_enabled", rw.natsConn != nil)

	return rw
}

// Write writes rec to the role's log file and publishes it to NATS. Both
// outputs are attempted; the first error is returned.
func (rw *RecordWriter) Write(rec barcode.Record) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	var firstErr error

	if w, ok := rw.logWriters[rec.Role]; ok {
		if _, err := io.WriteString(w, FormatRecord(rec)+"\n"); err != nil {
			rw.logger.Error("Failed to write record log",
				"role", rec.Role.String(),
				"error", err)
			firstErr = err
		}
	}

	if rw.natsConn != nil {
		if err := rw.publish(rec); err != nil {
			rw.logger.Warn("Failed to publish record to NATS",
				"role", rec.Role.String(),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (rw *RecordWriter) publish(rec barcode.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	msg := nats.NewMsg(BuildRecordsSubject(rw.subjectPrefix, rw.instanceID, rec.Role.String()))
	msg.Data = data
	// JetStream drops duplicates carrying the same message ID
	msg.Header.Set(nats.MsgIdHdr, rec.ID)

	return rw.natsConn.PublishMsg(msg)
}

// Close closes the log files
func (rw *RecordWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	var firstErr error
	for _, w := range rw.logWriters {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogPath returns the record log file for role, or "" when disabled
func (rw *RecordWriter) LogPath(role barcode.Role) string {
	if w, ok := rw.logWriters[role]; ok {
		return w.Filename
	}
	return ""
}
