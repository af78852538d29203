package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_TextMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)
	l.Emit(Event{RunID: "run_1", Step: 2, StageID: "analyze", Msg: "stage_complete", Meta: map[string]any{"k": "v"}})

	out := buf.String()
	if !strings.Contains(out, "[stage_complete]") {
		t.Errorf("output %q missing msg marker", out)
	}
	if !strings.Contains(out, "run_id=run_1") || !strings.Contains(out, "stage=analyze") {
		t.Errorf("output %q missing expected fields", out)
	}
	if !strings.Contains(out, `meta={"k":"v"}`) {
		t.Errorf("output %q missing meta JSON", out)
	}
}

func TestLogEmitter_TextMode_NoMetaOmitsField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)
	l.Emit(Event{RunID: "run_1", Msg: "run_complete"})

	if strings.Contains(buf.String(), "meta=") {
		t.Errorf("output %q should omit meta when empty", buf.String())
	}
}

func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)
	l.Emit(Event{RunID: "run_1", Step: 1, StageID: "planning", Msg: "stage_complete"})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if decoded["run_id"] != "run_1" || decoded["stage_id"] != "planning" {
		t.Errorf("decoded = %+v, missing expected fields", decoded)
	}
}

func TestLogEmitter_NilWriterDefaultsToStderr(t *testing.T) {
	l := NewLogEmitter(nil, true)
	if l.writer == nil {
		t.Fatal("expected nil writer to default to os.Stderr, got nil")
	}
}

func TestLogEmitter_EmitBatch(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)
	events := []Event{
		{RunID: "run_1", Msg: "a"},
		{RunID: "run_1", Msg: "b"},
	}
	if err := l.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 emitted lines, got %d: %q", len(lines), buf.String())
	}
}

func TestLogEmitter_Flush_IsNoOp(t *testing.T) {
	l := NewLogEmitter(&bytes.Buffer{}, false)
	if err := l.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error = %v, want nil", err)
	}
}
