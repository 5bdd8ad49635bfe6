package main

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestJSONLEventSourceReplay(t *testing.T) {
	stream := strings.Join([]string{
		`{"time_stamp": 1.0, "action": "click", "x": 10, "y": 20, "button": "left", "pressed": true}`,
		`{"time_stamp": 1.1, "action": "click", "x": 10, "y": 20, "button": "left", "pressed": false}`,
		`not json`,
		`{"time_stamp": 2.0, "action": "press", "name": "a"}`,
	}, "\n") + "\n"

	source := NewJSONLEventSource(io.NopCloser(strings.NewReader(stream)), false)

	var emitted []RawEvent
	err := source.Run(context.Background(), func(e RawEvent) {
		emitted = append(emitted, e)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// 格式错误的行被跳过, 其余按序回放
	if len(emitted) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(emitted))
	}
	if emitted[0].Action != RawActionClick || !emitted[0].Pressed {
		t.Errorf("Unexpected first event: %+v", emitted[0])
	}
	if emitted[2].Action != RawActionPress || emitted[2].Name != "a" {
		t.Errorf("Unexpected last event: %+v", emitted[2])
	}

	select {
	case <-source.Done():
	case <-time.After(time.Second):
		t.Error("Expected Done to be closed after the stream ends")
	}
}

func TestJSONLEventSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := `{"time_stamp": 1.0, "action": "move", "x": 1, "y": 2}` + "\n"
	source := NewJSONLEventSource(io.NopCloser(strings.NewReader(stream)), false)

	count := 0
	err := source.Run(ctx, func(e RawEvent) { count++ })
	if err == nil {
		t.Error("Expected context error from cancelled replay")
	}
	if count != 0 {
		t.Errorf("Expected no events emitted after cancel, got %d", count)
	}
}

func TestJSONLEventSourceRealtimePacing(t *testing.T) {
	stream := strings.Join([]string{
		`{"time_stamp": 1.00, "action": "move", "x": 1, "y": 2}`,
		`{"time_stamp": 1.05, "action": "move", "x": 2, "y": 3}`,
	}, "\n") + "\n"

	source := NewJSONLEventSource(io.NopCloser(strings.NewReader(stream)), true)

	start := time.Now()
	count := 0
	if err := source.Run(context.Background(), func(e RawEvent) { count++ }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 events, got %d", count)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Expected realtime pacing to take at least 40ms, took %v", elapsed)
	}
}
