// Package audit provides the JSONL file emitter for audit events.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tollgate-ai/tollgate/internal/domain/audit"
)

// defaultBufferSize is how many events may be queued before writes drop.
const defaultBufferSize = 1024

// FileEmitter appends audit events to a JSONL file through a buffered
// channel and a single writer goroutine. Emit never blocks: when the buffer
// is full the event is dropped and counted.
type FileEmitter struct {
	file    *os.File
	owned   bool
	ch      chan *audit.Event
	dropped atomic.Int64
	logger  *slog.Logger

	wg       sync.WaitGroup
	once     sync.Once
	closeErr error
}

// NewFileEmitter opens (appending) the audit log at path and starts the
// writer goroutine.
func NewFileEmitter(path string, logger *slog.Logger) (*FileEmitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	e := &FileEmitter{
		file:   f,
		owned:  true,
		ch:     make(chan *audit.Event, defaultBufferSize),
		logger: logger,
	}
	e.wg.Add(1)
	go e.run()
	return e, nil
}

// NewStdoutEmitter writes audit events to standard output. Close drains the
// buffer but leaves stdout open.
func NewStdoutEmitter(logger *slog.Logger) *FileEmitter {
	e := &FileEmitter{
		file:   os.Stdout,
		ch:     make(chan *audit.Event, defaultBufferSize),
		logger: logger,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *FileEmitter) run() {
	defer e.wg.Done()
	enc := json.NewEncoder(e.file)
	for ev := range e.ch {
		if err := enc.Encode(ev); err != nil {
			e.logger.Error("audit write failed", "request_id", ev.RequestID, "error", err)
		}
	}
}

// Emit queues an event without blocking; full buffers drop and count.
func (e *FileEmitter) Emit(ctx context.Context, ev *audit.Event) {
	select {
	case e.ch <- ev:
	default:
		n := e.dropped.Add(1)
		if n%100 == 1 {
			e.logger.Warn("audit buffer full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns the number of events dropped so far.
func (e *FileEmitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close drains the buffer, stops the writer, and closes the file.
// Safe to call multiple times.
func (e *FileEmitter) Close() error {
	e.once.Do(func() {
		close(e.ch)
		e.wg.Wait()
		if e.owned {
			e.closeErr = e.file.Close()
		}
	})
	return e.closeErr
}

var _ audit.Emitter = (*FileEmitter)(nil)
