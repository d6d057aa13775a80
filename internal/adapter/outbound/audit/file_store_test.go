package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	domainaudit "github.com/tollgate-ai/tollgate/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileEmitterWritesJSONL(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	emitter, err := NewFileEmitter(path, testLogger())
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		emitter.Emit(ctx, &domainaudit.Event{
			Timestamp: time.Now(),
			RequestID: "req-1",
			Tenant:    "acme",
			ToolName:  "search",
			Decision:  "allow",
		})
	}
	if err := emitter.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is idempotent.
	if err := emitter.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev domainaudit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if ev.Tenant != "acme" || ev.Decision != "allow" {
			t.Errorf("line %d = %+v", lines, ev)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("wrote %d lines, want 3", lines)
	}
	if emitter.Dropped() != 0 {
		t.Errorf("dropped = %d", emitter.Dropped())
	}
}
