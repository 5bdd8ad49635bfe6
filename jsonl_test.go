package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"
)

func TestWriteReadJSONLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	items := []interface{}{
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": "two"},
	}
	if err := writeJSONL(path, items); err != nil {
		t.Fatalf("writeJSONL failed: %v", err)
	}

	lines, err := readJSONLines(path)
	if err != nil {
		t.Fatalf("readJSONLines failed: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if gjson.GetBytes(lines[0], "a").Int() != 1 {
		t.Errorf("Unexpected first line: %s", lines[0])
	}
	if gjson.GetBytes(lines[1], "b").String() != "two" {
		t.Errorf("Unexpected second line: %s", lines[1])
	}
}

func TestReadRawEventsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte("{broken\n"), 0644); err != nil {
		t.Fatalf("Cannot write file: %v", err)
	}
	if _, err := readRawEvents(path); err == nil {
		t.Error("Expected error on malformed events file")
	}
}

func TestReadRawEventsMissingFile(t *testing.T) {
	if _, err := readRawEvents(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("Expected error for missing events file")
	}
}

// 完整序列化落盘后重新解析, 动作类型/时间/嵌套结构保持一致
func TestCompleteDumpRoundTrip(t *testing.T) {
	events := []*RawEvent{
		rawKeyPress(1.0, "ctrl"),
		rawMouse(1.2, 100, 100, true),
		rawMouse(1.3, 100, 100, false),
		rawKeyRelease(2.2, "ctrl"),
	}
	r := runReduce(t, events)
	dir := t.TempDir()
	if err := r.CompleteDump(dir); err != nil {
		t.Fatalf("CompleteDump failed: %v", err)
	}

	lines, err := readJSONLines(filepath.Join(dir, "reduced_events_complete.jsonl"))
	if err != nil {
		t.Fatalf("Cannot re-read dump: %v", err)
	}
	if len(lines) != len(r.Actions()) {
		t.Fatalf("Expected %d lines, got %d", len(r.Actions()), len(lines))
	}

	var check func(a *Action, parsed gjson.Result)
	check = func(a *Action, parsed gjson.Result) {
		if got := parsed.Get("action").String(); got != a.Kind {
			t.Errorf("Expected action %s, got %s", a.Kind, got)
		}
		if got := parsed.Get("start_time").Float(); got != a.StartTime {
			t.Errorf("Expected start_time %v, got %v", a.StartTime, got)
		}
		if a.HasEnd {
			if got := parsed.Get("end_time").Float(); got != a.EndTime {
				t.Errorf("Expected end_time %v, got %v", a.EndTime, got)
			}
		}
		children := parsed.Get("children").Array()
		if len(children) != len(a.Children) {
			t.Fatalf("Action %s: expected %d children, got %d", a.Kind, len(a.Children), len(children))
		}
		for i, child := range a.Children {
			check(child, children[i])
		}
	}
	for i, a := range r.Actions() {
		check(a, gjson.ParseBytes(lines[i]))
	}
}
