// Package opslog emits one JSON line per business operation.
//
// Emission is non-blocking: events are pushed onto a buffered channel and a
// single writer goroutine drains it. Under backpressure events are dropped
// and counted rather than stalling the hot path.
package opslog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/flowlexi/patchvec/internal/metrics"
)

// maxLineBytes caps a single emitted line. Oversized events are truncated by
// dropping the details least likely to matter (the error message first).
const maxLineBytes = 8 * 1024

// Event is one operational log record.
type Event struct {
	TS         string  `json:"ts"`
	Op         string  `json:"op"`
	Tenant     string  `json:"tenant"`
	Collection string  `json:"collection,omitempty"`
	LatencyMs  float64 `json:"latency_ms"`
	Status     string  `json:"status"`

	// Operation-specific conditional fields.
	K         int    `json:"k,omitempty"`
	Hits      int    `json:"hits,omitempty"`
	DocID     string `json:"docid,omitempty"`
	Chunks    int    `json:"chunks,omitempty"`
	NewName   string `json:"new_name,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Logger writes operational events as JSON lines.
type Logger struct {
	ch     chan Event
	done   chan struct{}
	out    io.WriteCloser
	closer bool
	log    *zap.Logger
}

// nopLogger swallows all events (ops log disabled).
var nopLogger = &Logger{}

// New creates a Logger for the given destination: "" (disabled), "stdout",
// or a file path (append mode).
func New(dest string, logger *zap.Logger) (*Logger, error) {
	if dest == "" {
		return nopLogger, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var out io.WriteCloser
	closer := false
	if dest == "stdout" {
		out = os.Stdout
	} else {
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening ops log %s: %w", dest, err)
		}
		out = f
		closer = true
	}

	l := &Logger{
		ch:     make(chan Event, 1024),
		done:   make(chan struct{}),
		out:    out,
		closer: closer,
		log:    logger,
	}
	go l.run()
	return l, nil
}

// Emit records an event. Never blocks; drops under backpressure.
func (l *Logger) Emit(ev Event) {
	if l.ch == nil {
		return
	}
	if ev.TS == "" {
		ev.TS = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	select {
	case l.ch <- ev:
	default:
		metrics.OpsLogDropped.Inc()
	}
}

// Close stops the writer after draining buffered events.
func (l *Logger) Close() error {
	if l.ch == nil {
		return nil
	}
	close(l.ch)
	<-l.done
	if l.closer {
		return l.out.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.ch {
		line, err := json.Marshal(ev)
		if err != nil {
			l.log.Warn("ops log marshal failed", zap.Error(err))
			continue
		}
		if len(line) > maxLineBytes {
			ev.ErrorCode = ""
			ev.DocID = ""
			line, err = json.Marshal(ev)
			if err != nil || len(line) > maxLineBytes {
				metrics.OpsLogDropped.Inc()
				continue
			}
		}
		if _, err := l.out.Write(append(line, '\n')); err != nil {
			l.log.Warn("ops log write failed", zap.Error(err))
		}
	}
}
