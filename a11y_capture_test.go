package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// fakeTreeProvider 返回固定的树, 记录调用次数
type fakeTreeProvider struct {
	elementCalls int32
	windowCalls  int32
	elementErr   error
}

func (p *fakeTreeProvider) ElementTreeAt(ctx context.Context, x, y float64) (json.RawMessage, error) {
	atomic.AddInt32(&p.elementCalls, 1)
	if p.elementErr != nil {
		return nil, p.elementErr
	}
	return json.RawMessage(fmt.Sprintf(`{"role": "button", "rect": {"x": %g, "y": %g, "w": 10, "h": 10}}`, x, y)), nil
}

func (p *fakeTreeProvider) WindowTree(ctx context.Context) (json.RawMessage, error) {
	atomic.AddInt32(&p.windowCalls, 1)
	return json.RawMessage(`{"title": "Main Window", "children": []}`), nil
}

func newTestCapture(t *testing.T) (*A11yCapture, *Recorder, *fakeTreeProvider, string) {
	t.Helper()
	dir := t.TempDir()
	recorder, err := NewRecorder(context.Background(), dir)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	recorder.Start()
	provider := &fakeTreeProvider{}
	capture := NewA11yCapture(context.Background(), provider, recorder)
	return capture, recorder, provider, dir
}

func TestElementCaptureOnClick(t *testing.T) {
	capture, recorder, provider, dir := newTestCapture(t)
	capture.Start()

	capture.OnClick(1.5, 100, 200)
	capture.OnClick(2.5, 300, 400)

	capture.Stop()
	if err := recorder.Stop(); err != nil {
		t.Fatalf("Recorder stop failed: %v", err)
	}

	if got := atomic.LoadInt32(&provider.elementCalls); got != 2 {
		t.Errorf("Expected 2 element captures, got %d", got)
	}

	snapshots, err := loadSnapshots(dir+"/element.jsonl", "a11y_tree")
	if err != nil {
		t.Fatalf("Cannot load element snapshots: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("Expected 2 element snapshots, got %d", len(snapshots))
	}
	if snapshots[0].TimeStamp != 1.5 || snapshots[1].TimeStamp != 2.5 {
		t.Errorf("Expected timestamps 1.5 and 2.5, got %v and %v",
			snapshots[0].TimeStamp, snapshots[1].TimeStamp)
	}
	if role := gjson.GetBytes(snapshots[0].Tree, "role").String(); role != "button" {
		t.Errorf("Expected role button in snapshot, got %q", role)
	}
}

func TestElementCaptureErrorSkipsSnapshot(t *testing.T) {
	capture, recorder, provider, dir := newTestCapture(t)
	provider.elementErr = fmt.Errorf("ax denied")
	capture.Start()

	capture.OnClick(1.0, 10, 10)

	capture.Stop()
	if err := recorder.Stop(); err != nil {
		t.Fatalf("Recorder stop failed: %v", err)
	}

	snapshots, err := loadSnapshots(dir+"/element.jsonl", "a11y_tree")
	if err != nil {
		t.Fatalf("Cannot load element snapshots: %v", err)
	}
	if len(snapshots) != 0 {
		t.Errorf("Expected no snapshots after capture failure, got %d", len(snapshots))
	}
}

func TestWindowCaptureWritesSnapshot(t *testing.T) {
	capture, recorder, _, dir := newTestCapture(t)

	capture.TriggerWindowCapture()

	capture.Stop()
	if err := recorder.Stop(); err != nil {
		t.Fatalf("Recorder stop failed: %v", err)
	}

	snapshots, err := loadSnapshots(dir+"/a11y.jsonl", "axtree")
	if err != nil {
		t.Fatalf("Cannot load window snapshots: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("Expected 1 window snapshot, got %d", len(snapshots))
	}
	if title := gjson.GetBytes(snapshots[0].Tree, "title").String(); title != "Main Window" {
		t.Errorf("Expected window title in snapshot, got %q", title)
	}
}

// blockingTreeProvider 的 WindowTree 阻塞到上下文取消为止
type blockingTreeProvider struct {
	cancelled chan struct{}
}

func (p *blockingTreeProvider) ElementTreeAt(ctx context.Context, x, y float64) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (p *blockingTreeProvider) WindowTree(ctx context.Context) (json.RawMessage, error) {
	<-ctx.Done()
	select {
	case p.cancelled <- struct{}{}:
	default:
	}
	return nil, ctx.Err()
}

func TestWindowCaptureCancelAndReplace(t *testing.T) {
	dir := t.TempDir()
	recorder, err := NewRecorder(context.Background(), dir)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	recorder.Start()
	defer recorder.Stop()

	provider := &blockingTreeProvider{cancelled: make(chan struct{}, 2)}
	capture := NewA11yCapture(context.Background(), provider, recorder)

	capture.TriggerWindowCapture()
	// 第二次触发必须先取消第一次在途采集
	capture.TriggerWindowCapture()

	select {
	case <-provider.cancelled:
	case <-time.After(5 * time.Second):
		t.Error("Expected the first in-flight capture to be cancelled")
	}

	capture.Stop()
}
