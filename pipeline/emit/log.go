package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes structured events to an io.Writer, one per line, in
// either human-readable key=value form or JSONL. This is the engine's
// default ambient logger (spec §A.1): no third-party logging framework
// is imported, matching the teacher's own choice.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter constructs a LogEmitter. A nil writer defaults to os.Stderr
// so a stage's log output never collides with CLI stdout (spec §6).
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stderr
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID   string         `json:"run_id"`
		Step    int            `json:"step"`
		StageID string         `json:"stage_id"`
		Msg     string         `json:"msg"`
		Meta    map[string]any `json:"meta,omitempty"`
	}{event.RunID, event.Step, event.StageID, event.Msg, event.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] run_id=%s step=%d stage=%s", event.Msg, event.RunID, event.Step, event.StageID)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously with no internal buffer.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
