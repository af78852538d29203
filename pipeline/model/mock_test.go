package model

import (
	"context"
	"errors"
	"testing"
)

func TestMockAdapter_SingleResponse(t *testing.T) {
	t.Run("returns configured response", func(t *testing.T) {
		mock := &MockAdapter{Responses: []Response{{Text: "hello"}}}
		out, err := mock.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if out.Text != "hello" {
			t.Errorf("expected Text = hello, got %q", out.Text)
		}
	})

	t.Run("repeats last response when exhausted", func(t *testing.T) {
		mock := &MockAdapter{Responses: []Response{{Text: "only"}}}
		req := Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}

		out1, _ := mock.Generate(context.Background(), req)
		out2, _ := mock.Generate(context.Background(), req)
		if out1.Text != out2.Text {
			t.Errorf("expected repeated response, got %q and %q", out1.Text, out2.Text)
		}
	})

	t.Run("returns empty response when none configured", func(t *testing.T) {
		mock := &MockAdapter{}
		out, err := mock.Generate(context.Background(), Request{})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if out.Text != "" {
			t.Errorf("expected empty text, got %q", out.Text)
		}
	})
}

func TestMockAdapter_Sequence(t *testing.T) {
	mock := &MockAdapter{Responses: []Response{{Text: "first"}, {Text: "second"}, {Text: "third"}}}
	req := Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}

	want := []string{"first", "second", "third", "third"}
	for i, w := range want {
		out, err := mock.Generate(context.Background(), req)
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if out.Text != w {
			t.Errorf("call %d: expected %q, got %q", i, w, out.Text)
		}
	}
}

func TestMockAdapter_ErrorInjection(t *testing.T) {
	injected := errors.New("simulated failure")
	mock := &MockAdapter{Err: injected, Responses: []Response{{Text: "unused"}}}

	_, err := mock.Generate(context.Background(), Request{})
	if !errors.Is(err, injected) {
		t.Fatalf("expected %v, got %v", injected, err)
	}
}

func TestMockAdapter_CallHistory(t *testing.T) {
	mock := &MockAdapter{Responses: []Response{{Text: "ok"}}}
	req1 := Request{Messages: []Message{{Role: RoleUser, Content: "first"}}}
	req2 := Request{Messages: []Message{{Role: RoleUser, Content: "second"}}}

	_, _ = mock.Generate(context.Background(), req1)
	_, _ = mock.Generate(context.Background(), req2)

	if len(mock.Calls) != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", len(mock.Calls))
	}
	if mock.Calls[0].Messages[0].Content != "first" {
		t.Errorf("call 0: expected content 'first', got %q", mock.Calls[0].Messages[0].Content)
	}
	if mock.Calls[1].Messages[0].Content != "second" {
		t.Errorf("call 1: expected content 'second', got %q", mock.Calls[1].Messages[0].Content)
	}
}

func TestMockAdapter_Reset(t *testing.T) {
	mock := &MockAdapter{Responses: []Response{{Text: "first"}, {Text: "second"}}}
	req := Request{}

	out1, _ := mock.Generate(context.Background(), req)
	if out1.Text != "first" {
		t.Fatalf("expected first, got %q", out1.Text)
	}
	mock.Reset()
	if mock.CallCount() != 0 {
		t.Errorf("expected 0 calls after reset, got %d", mock.CallCount())
	}

	out2, _ := mock.Generate(context.Background(), req)
	if out2.Text != "first" {
		t.Errorf("expected first response again after reset, got %q", out2.Text)
	}
}

func TestMockAdapter_GenerateStream(t *testing.T) {
	mock := &MockAdapter{StreamChunks: []Chunk{
		{Delta: "hel"},
		{Delta: "lo"},
		{Done: true, FinishReason: "stop"},
	}}

	chunks, err := mock.GenerateStream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	var sawDone bool
	for c := range chunks {
		text += c.Delta
		if c.Done {
			sawDone = true
		}
	}
	if text != "hello" {
		t.Errorf("expected concatenated text 'hello', got %q", text)
	}
	if !sawDone {
		t.Error("expected a terminal Done chunk")
	}
}

func TestMockAdapter_Concurrency(t *testing.T) {
	mock := &MockAdapter{Responses: []Response{{Text: "ok"}}}
	const n = 10
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _ = mock.Generate(context.Background(), Request{})
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if mock.CallCount() != n {
		t.Errorf("expected %d calls, got %d", n, mock.CallCount())
	}
}
