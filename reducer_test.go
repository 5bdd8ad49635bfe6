package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ========================================
// Test Helpers
// ========================================

func rawMouse(ts, x, y float64, pressed bool) *RawEvent {
	return &RawEvent{TimeStamp: ts, Action: RawActionClick, X: x, Y: y, Button: "left", Pressed: pressed}
}

func rawKeyPress(ts float64, name string) *RawEvent {
	return &RawEvent{TimeStamp: ts, Action: RawActionPress, Name: name}
}

func rawKeyRelease(ts float64, name string) *RawEvent {
	return &RawEvent{TimeStamp: ts, Action: RawActionRelease, Name: name}
}

func rawScrollAt(ts, x, y float64, dx, dy int) *RawEvent {
	return &RawEvent{TimeStamp: ts, Action: RawActionScroll, X: x, Y: y, DX: dx, DY: dy}
}

func rawMoveTo(ts, x, y float64) *RawEvent {
	return &RawEvent{TimeStamp: ts, Action: RawActionMove, X: x, Y: y}
}

// runReduce runs compress, forward reduction, transform and finish
func runReduce(t *testing.T, events []*RawEvent) *Reducer {
	t.Helper()
	for i, e := range events {
		e.EventIdx = i
	}
	r := NewReducer(t.TempDir(), WindowAttrs{Width: 1920, Height: 1080}, ReduceConfig{})
	if err := r.Compress(events); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	r.ReduceAll()
	r.Transform()
	r.Finish()
	return r
}

// ========================================
// Click Reduction
// ========================================

func TestSingleClickReduce(t *testing.T) {
	r := runReduce(t, []*RawEvent{
		rawMouse(1.0, 100, 200, true),
		rawMouse(1.1, 100, 200, false),
	})

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}

	a := actions[0]
	if a.Kind != ActionClick {
		t.Errorf("Expected kind click, got %s", a.Kind)
	}
	if !a.Complete {
		t.Error("Click action should be complete")
	}
	if a.ClickType != 1 {
		t.Errorf("Expected click_type 1, got %d", a.ClickType)
	}
	if !a.HasEnd || a.EndTime != 1.1 {
		t.Errorf("Expected end_time 1.1, got %v (has_end=%v)", a.EndTime, a.HasEnd)
	}
	if a.Description != "Single left Click" {
		t.Errorf("Expected 'Single left Click', got %q", a.Description)
	}
}

func TestTripleClickMerge(t *testing.T) {
	// A leading scroll keeps the first click off index 0, where
	// the merge scan never looks back
	events := []*RawEvent{
		rawScrollAt(0.5, 50, 50, 0, -1),
		rawMouse(1.00, 100, 200, true),
		rawMouse(1.05, 100, 200, false),
		rawMouse(1.10, 101, 201, true),
		rawMouse(1.15, 101, 201, false),
		rawMouse(1.20, 100, 200, true),
		rawMouse(1.25, 100, 200, false),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 2 {
		t.Fatalf("Expected 2 actions (scroll + merged click), got %d", len(actions))
	}

	click := actions[1]
	if click.ClickType != 3 {
		t.Errorf("Expected click_type 3, got %d", click.ClickType)
	}
	if click.Description != "Triple left Click" {
		t.Errorf("Expected 'Triple left Click', got %q", click.Description)
	}
}

func TestQuadrupleClickNotMerged(t *testing.T) {
	events := []*RawEvent{
		rawScrollAt(0.5, 50, 50, 0, -1),
		rawMouse(1.00, 100, 200, true),
		rawMouse(1.02, 100, 200, false),
		rawMouse(1.06, 100, 200, true),
		rawMouse(1.08, 100, 200, false),
		rawMouse(1.12, 100, 200, true),
		rawMouse(1.14, 100, 200, false),
		rawMouse(1.18, 100, 200, true),
		rawMouse(1.20, 100, 200, false),
	}
	r := runReduce(t, events)

	// Triple click caps the merge, the fourth click starts over
	actions := r.Actions()
	if len(actions) != 3 {
		t.Fatalf("Expected 3 actions, got %d", len(actions))
	}
	if actions[1].ClickType != 3 {
		t.Errorf("Expected first group click_type 3, got %d", actions[1].ClickType)
	}
	if actions[2].ClickType != 1 {
		t.Errorf("Expected fourth click click_type 1, got %d", actions[2].ClickType)
	}
}

func TestDistantClicksNotMerged(t *testing.T) {
	events := []*RawEvent{
		rawScrollAt(0.5, 50, 50, 0, -1),
		rawMouse(1.00, 100, 200, true),
		rawMouse(1.05, 100, 200, false),
		rawMouse(1.10, 110, 200, true),
		rawMouse(1.15, 110, 200, false),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 3 {
		t.Fatalf("Expected 3 actions (clicks 10px apart stay separate), got %d", len(actions))
	}
	for _, a := range actions[1:] {
		if a.ClickType != 1 {
			t.Errorf("Expected click_type 1, got %d", a.ClickType)
		}
	}
}

func TestSlowClicksNotMerged(t *testing.T) {
	events := []*RawEvent{
		rawScrollAt(0.5, 50, 50, 0, -1),
		rawMouse(1.00, 100, 200, true),
		rawMouse(1.05, 100, 200, false),
		rawMouse(1.60, 100, 200, true),
		rawMouse(1.65, 100, 200, false),
	}
	r := runReduce(t, events)

	if len(r.Actions()) != 3 {
		t.Fatalf("Expected 3 actions (clicks 0.6s apart stay separate), got %d", len(r.Actions()))
	}
}

func TestUnmatchedMousePress(t *testing.T) {
	r := runReduce(t, []*RawEvent{
		rawMouse(1.0, 100, 200, true),
	})

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}

	a := actions[0]
	if !a.Exception {
		t.Error("Unmatched press should be marked as exception")
	}
	if !a.Complete {
		t.Error("Exception close should complete the action")
	}
	if a.EndTime != 1.0+ClickExceptionDuration {
		t.Errorf("Expected synthetic end at %v, got %v", 1.0+ClickExceptionDuration, a.EndTime)
	}
	if len(a.Children) != 1 {
		t.Fatalf("Expected 1 synthetic child, got %d", len(a.Children))
	}
	if a.Children[0].Pressed {
		t.Error("Synthetic child should be a release")
	}
}

// ========================================
// Drag / Long Press
// ========================================

func TestDragDetection(t *testing.T) {
	events := []*RawEvent{
		rawMouse(1.0, 0, 0, true),
		rawMoveTo(1.1, 30, 30),
		rawMoveTo(1.2, 60, 60),
		rawMoveTo(1.3, 100, 100),
		rawMouse(1.4, 100, 100, false),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}

	a := actions[0]
	if a.Kind != ActionDrag {
		t.Fatalf("Expected kind drag, got %s", a.Kind)
	}
	if !strings.HasPrefix(a.Description, "Drag from (0, 0) to (100, 100)") {
		t.Errorf("Unexpected drag description: %q", a.Description)
	}
	if len(a.DragTrace) != 3 {
		t.Errorf("Expected 3 trace points lifted onto the drag, got %d", len(a.DragTrace))
	}
	if len(a.DragTimeTrace) != 3 {
		t.Errorf("Expected 3 time trace points, got %d", len(a.DragTimeTrace))
	}
}

func TestDragDistanceBoundary(t *testing.T) {
	makeEvents := func(endX float64) []*RawEvent {
		return []*RawEvent{
			rawMouse(1.0, 0, 0, true),
			rawMoveTo(1.1, endX/2, 0),
			rawMouse(1.2, endX, 0, false),
		}
	}

	// Displacement equal to the threshold is still a click
	r := runReduce(t, makeEvents(6.0))
	if got := r.Actions()[0].Kind; got != ActionClick {
		t.Errorf("6px displacement: expected click, got %s", got)
	}

	r = runReduce(t, makeEvents(7.0))
	if got := r.Actions()[0].Kind; got != ActionDrag {
		t.Errorf("7px displacement: expected drag, got %s", got)
	}
}

func TestMouseLongPress(t *testing.T) {
	events := []*RawEvent{
		rawMouse(1.0, 100, 100, true),
		rawScrollAt(1.5, 100, 100, 0, -1),
		rawMouse(2.5, 100, 100, false),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}

	a := actions[0]
	if a.Kind != ActionMousePress {
		t.Fatalf("Expected kind mouse_press, got %s", a.Kind)
	}
	if !strings.HasPrefix(a.Description, "Mouse long press left button:") {
		t.Errorf("Unexpected long press description: %q", a.Description)
	}
}

// ========================================
// Typing
// ========================================

func TestTypeMerge(t *testing.T) {
	events := []*RawEvent{
		rawKeyPress(1.0, "a"),
		rawKeyRelease(1.05, "a"),
		rawKeyPress(1.1, "b"),
		rawKeyRelease(1.15, "b"),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 merged type action, got %d", len(actions))
	}

	a := actions[0]
	if a.Kind != ActionTypeKind {
		t.Fatalf("Expected kind type, got %s", a.Kind)
	}
	if len(a.KeyNames) != 2 || a.KeyNames[0] != "a" || a.KeyNames[1] != "b" {
		t.Errorf("Expected key names [a b], got %v", a.KeyNames)
	}
	if a.Description != "⌨️ Type: ab" {
		t.Errorf("Unexpected type description: %q", a.Description)
	}
	if a.EndTime != 1.1+TypeEndPadding {
		t.Errorf("Expected end_time %v, got %v", 1.1+TypeEndPadding, a.EndTime)
	}
}

func TestFunctionalKeyWrapped(t *testing.T) {
	events := []*RawEvent{
		rawKeyPress(1.0, "enter"),
		rawKeyRelease(1.05, "enter"),
	}
	r := runReduce(t, events)

	if got := r.Actions()[0].Description; got != "⌨️ Type: $enter$" {
		t.Errorf("Expected '⌨️ Type: $enter$', got %q", got)
	}
}

func TestShiftTypeCombination(t *testing.T) {
	events := []*RawEvent{
		rawKeyPress(1.0, "shift"),
		rawKeyPress(1.1, "a"),
		rawKeyRelease(1.15, "a"),
		rawKeyRelease(1.2, "shift"),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}

	a := actions[0]
	if a.Kind != ActionPress {
		t.Fatalf("Expected kind press, got %s", a.Kind)
	}
	if a.Description != "⌨️ Press: $shift$ + a" {
		t.Errorf("Unexpected description: %q", a.Description)
	}
	if len(a.Children) != 1 || a.Children[0].Vis {
		t.Error("The nested type child should be hidden")
	}
}

func TestKeyRepeatSuppression(t *testing.T) {
	// System key repeat fires press again before the release
	events := []*RawEvent{
		rawKeyPress(1.0, "shift"),
		rawKeyPress(1.2, "shift"),
		rawKeyPress(1.4, "shift"),
		rawKeyRelease(1.6, "shift"),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}
	if len(actions[0].Children) != 0 {
		t.Errorf("Repeat presses should be dropped, got %d children", len(actions[0].Children))
	}
	if actions[0].Description != "⌨️ Press: $shift$" {
		t.Errorf("Unexpected description: %q", actions[0].Description)
	}
}

func TestUnmatchedKeyPress(t *testing.T) {
	r := runReduce(t, []*RawEvent{
		rawKeyPress(1.0, "ctrl"),
	})

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}
	a := actions[0]
	if !a.Exception {
		t.Error("Unmatched key press should be marked as exception")
	}
	if a.EndTime != 1.0+KeyExceptionDuration {
		t.Errorf("Expected synthetic end at %v, got %v", 1.0+KeyExceptionDuration, a.EndTime)
	}
}

// ========================================
// Modifier Combos
// ========================================

func TestCtrlClickCombo(t *testing.T) {
	events := []*RawEvent{
		rawKeyPress(1.0, "ctrl"),
		rawMouse(1.2, 100, 100, true),
		rawMouse(1.3, 100, 100, false),
		rawKeyRelease(2.2, "ctrl"),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}

	a := actions[0]
	if a.Kind != ActionLongPress {
		t.Fatalf("Expected kind long_press, got %s", a.Kind)
	}
	if a.Description != "⌨️ Long Press: $ctrl$ + 1 Clicks" {
		t.Errorf("Unexpected combo description: %q", a.Description)
	}
}

func TestCtrlCCombo(t *testing.T) {
	events := []*RawEvent{
		rawKeyPress(1.0, "ctrl"),
		rawMouse(1.1, 100, 100, true),
		rawMouse(1.2, 100, 100, false),
		rawKeyPress(1.4, "c"),
		rawKeyRelease(1.45, "c"),
		rawKeyRelease(1.6, "ctrl"),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}

	a := actions[0]
	if a.Kind != ActionLongPress {
		t.Fatalf("Expected kind long_press, got %s", a.Kind)
	}
	if !strings.HasSuffix(a.Description, " + c") {
		t.Errorf("Expected copy combo suffix, got %q", a.Description)
	}
}

// ========================================
// Scroll Reduction
// ========================================

func TestScrollMerge(t *testing.T) {
	// The closing click completes the scroll buffer event; a trailing
	// scroll with nothing after it stays incomplete and is dropped
	events := []*RawEvent{
		rawScrollAt(1.0, 50, 50, 0, -1),
		rawScrollAt(1.1, 50, 52, 0, -1),
		rawScrollAt(1.2, 50, 54, 0, -1),
		rawMouse(2.0, 50, 54, true),
		rawMouse(2.1, 50, 54, false),
	}
	r := runReduce(t, events)

	actions := r.Actions()
	if len(actions) != 2 {
		t.Fatalf("Expected scroll + click actions, got %d", len(actions))
	}

	a := actions[0]
	if a.Kind != ActionScroll {
		t.Fatalf("Expected kind scroll, got %s", a.Kind)
	}
	if len(a.ScrollTrace) != 3 {
		t.Errorf("Expected 3 scroll samples, got %d", len(a.ScrollTrace))
	}
	if !strings.Contains(a.Description, "⬇️×3") {
		t.Errorf("Unexpected scroll description: %q", a.Description)
	}
	if !a.HasEnd || a.EndTime != 1.2+ScrollMergeEndPadding {
		t.Errorf("Expected end_time %v, got %v", 1.2+ScrollMergeEndPadding, a.EndTime)
	}
}

func TestZeroScrollDropped(t *testing.T) {
	r := runReduce(t, []*RawEvent{
		rawScrollAt(1.0, 50, 50, 0, 0),
	})
	if len(r.Actions()) != 0 {
		t.Fatalf("Expected zero-delta scroll to be dropped, got %d actions", len(r.Actions()))
	}
}

func TestTrailingScrollDropped(t *testing.T) {
	r := runReduce(t, []*RawEvent{
		rawScrollAt(1.0, 50, 50, 0, -1),
	})
	if len(r.Actions()) != 0 {
		t.Fatalf("Expected incomplete trailing scroll to be dropped, got %d actions", len(r.Actions()))
	}
}

func TestScrollDirectionChange(t *testing.T) {
	events := []*RawEvent{
		rawScrollAt(1.0, 50, 50, 0, -1),
		rawScrollAt(1.1, 50, 50, 0, 1),
	}
	r := runReduce(t, events)

	// Direction is part of the match key, opposite scrolls do not merge
	// into one buffer event but stay one scroll action
	actions := r.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 scroll action, got %d", len(actions))
	}
	if !strings.Contains(actions[0].Description, "⬇️×1") || !strings.Contains(actions[0].Description, "⬆️×1") {
		t.Errorf("Expected both directions in description, got %q", actions[0].Description)
	}
}

func TestUnsupportedEventFailsCompress(t *testing.T) {
	r := NewReducer(t.TempDir(), WindowAttrs{}, ReduceConfig{})
	err := r.Compress([]*RawEvent{{TimeStamp: 1.0, Action: "hover"}})
	if err == nil {
		t.Fatal("Expected compress to fail on an unsupported action")
	}
	var unsupported *ErrUnsupportedEvent
	if !errors.As(err, &unsupported) {
		t.Fatalf("Expected ErrUnsupportedEvent, got %T", err)
	}
	if unsupported.Action != "hover" {
		t.Errorf("Expected offending action 'hover', got %q", unsupported.Action)
	}
}

// ========================================
// Pipeline
// ========================================

func TestReducePipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	events := []*RawEvent{
		rawMouse(1.0, 100, 200, true),
		rawMouse(1.1, 100, 200, false),
		rawKeyPress(2.0, "h"),
		rawKeyRelease(2.05, "h"),
		rawKeyPress(2.1, "i"),
		rawKeyRelease(2.15, "i"),
		rawScrollAt(3.0, 50, 50, 0, -1),
		rawMouse(4.0, 300, 300, true),
		rawMouse(4.1, 300, 300, false),
	}
	writeEventsFile(t, dir, events)

	r := NewReducer(dir, WindowAttrs{Width: 1920, Height: 1080}, ReduceConfig{})
	if err := r.ReducePipeline(); err != nil {
		t.Fatalf("ReducePipeline failed: %v", err)
	}

	actions := r.Actions()
	if len(actions) != 4 {
		t.Fatalf("Expected 4 actions, got %d", len(actions))
	}
	for i, a := range actions {
		if !a.HasID || a.ID != i {
			t.Errorf("Action %d: expected sequential id, got %d (has_id=%v)", i, a.ID, a.HasID)
		}
	}

	for _, name := range []string{"event_buffer.jsonl", "reduced_events_complete.jsonl", "reduced_events_vis.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s to be written: %v", name, err)
		}
	}

	// Every vis dump line must be a valid JSON object with the shared fields
	lines := readDumpLines(t, filepath.Join(dir, "reduced_events_vis.jsonl"))
	if len(lines) != 4 {
		t.Fatalf("Expected 4 vis lines, got %d", len(lines))
	}
	for i, obj := range lines {
		if _, ok := obj["action"]; !ok {
			t.Errorf("Line %d: missing action field", i)
		}
		if _, ok := obj["description"]; !ok {
			t.Errorf("Line %d: missing description field", i)
		}
	}
}

func TestReducePipelinePostHook(t *testing.T) {
	dir := t.TempDir()
	writeEventsFile(t, dir, []*RawEvent{
		rawMouse(1.0, 100, 200, true),
		rawMouse(1.1, 100, 200, false),
	})

	r := NewReducer(dir, WindowAttrs{}, ReduceConfig{})
	r.SetPostHook(func(actions []*Action) {
		for _, a := range actions {
			a.setDescription("rewritten")
		}
	})
	if err := r.ReducePipeline(); err != nil {
		t.Fatalf("ReducePipeline failed: %v", err)
	}

	lines := readDumpLines(t, filepath.Join(dir, "reduced_events_vis.jsonl"))
	if len(lines) != 1 {
		t.Fatalf("Expected 1 vis line, got %d", len(lines))
	}
	if lines[0]["description"] != "rewritten" {
		t.Errorf("Post hook description not applied, got %v", lines[0]["description"])
	}
}

func TestReducePipelineFlatten(t *testing.T) {
	dir := t.TempDir()
	writeEventsFile(t, dir, []*RawEvent{
		rawKeyPress(1.0, "ctrl"),
		rawMouse(1.2, 100, 100, true),
		rawMouse(1.3, 100, 100, false),
		rawKeyRelease(2.2, "ctrl"),
	})

	r := NewReducer(dir, WindowAttrs{}, ReduceConfig{Flatten: true})
	if err := r.ReducePipeline(); err != nil {
		t.Fatalf("ReducePipeline failed: %v", err)
	}

	for _, a := range r.Actions() {
		if len(a.Children) != 0 {
			t.Errorf("Flattened action %s still has %d children", a.Kind, len(a.Children))
		}
	}
	if len(r.Actions()) < 2 {
		t.Errorf("Expected the nested click to surface in the flat list, got %d actions", len(r.Actions()))
	}

	depths := map[int]bool{}
	for _, a := range r.Actions() {
		depths[a.Depth] = true
	}
	if !depths[0] || !depths[1] {
		t.Errorf("Expected depth 0 and 1 entries in the flat list, got %v", depths)
	}
}

func writeEventsFile(t *testing.T, dir string, events []*RawEvent) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("Cannot create events file: %v", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, e := range events {
		e.EventIdx = i
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("Cannot marshal event: %v", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
}

func readDumpLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Cannot open %s: %v", path, err)
	}
	defer f.Close()

	var out []map[string]interface{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &obj); err != nil {
			t.Fatalf("Invalid JSON line in %s: %v", path, err)
		}
		out = append(out, obj)
	}
	return out
}
