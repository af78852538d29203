package emit

import (
	"context"
	"testing"
)

func TestNullEmitter_DiscardsEverything(t *testing.T) {
	n := NewNullEmitter()
	n.Emit(Event{RunID: "run_1", Msg: "anything"})
	if err := n.EmitBatch(context.Background(), []Event{{Msg: "a"}, {Msg: "b"}}); err != nil {
		t.Errorf("EmitBatch() error = %v, want nil", err)
	}
	if err := n.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error = %v, want nil", err)
	}
}
