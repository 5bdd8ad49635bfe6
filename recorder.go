package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ========================================
// Recorder - 原始事件录制管道
// ========================================

// StopGracePeriod 停止后继续收尾事件的时长, 保证收到结尾的 release
const StopGracePeriod = 500 * time.Millisecond

// RawEventSource feeds raw input events into a recorder.
// Run blocks until ctx is cancelled or the source fails.
type RawEventSource interface {
	Run(ctx context.Context, emit func(RawEvent)) error
}

// Recorder drains raw events and accessibility snapshots to the
// recording directory's jsonl files
type Recorder struct {
	ctx           context.Context
	recordingPath string

	eventChan   chan RawEvent
	a11yChan    chan Snapshot
	elementChan chan Snapshot

	paused atomic.Bool

	eventCount   int64
	recentEvents *RawRingBuffer

	eventsFile  *jsonlWriter
	a11yFile    *jsonlWriter
	elementFile *jsonlWriter

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// RawRingBuffer 最近原始事件的环形缓冲区
type RawRingBuffer struct {
	data  []RawEvent
	size  int
	head  int
	count int
	mu    sync.RWMutex
}

func NewRawRingBuffer(size int) *RawRingBuffer {
	return &RawRingBuffer{
		data: make([]RawEvent, size),
		size: size,
	}
}

func (r *RawRingBuffer) Push(event RawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = event
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RawRingBuffer) GetRecent(n int) []RawEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n == 0 {
		return nil
	}

	result := make([]RawEvent, n)
	start := (r.head - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.data[(start+i)%r.size]
	}
	return result
}

func (r *RawRingBuffer) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// ========================================
// jsonlWriter - 追加式 jsonl 写入
// ========================================

type jsonlWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

func newJSONLWriter(path string) (*jsonlWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	writer := bufio.NewWriter(file)
	encoder := json.NewEncoder(writer)
	encoder.SetEscapeHTML(false)
	return &jsonlWriter{file: file, writer: writer, encoder: encoder}, nil
}

func (w *jsonlWriter) Write(item interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(item)
}

func (w *jsonlWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ========================================
// Recorder 实现
// ========================================

// NewRecorder 创建录制管道并打开目标文件
func NewRecorder(ctx context.Context, recordingPath string) (*Recorder, error) {
	if err := os.MkdirAll(recordingPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	eventsFile, err := newJSONLWriter(filepath.Join(recordingPath, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	a11yFile, err := newJSONLWriter(filepath.Join(recordingPath, "a11y.jsonl"))
	if err != nil {
		eventsFile.Close()
		return nil, err
	}
	elementFile, err := newJSONLWriter(filepath.Join(recordingPath, "element.jsonl"))
	if err != nil {
		eventsFile.Close()
		a11yFile.Close()
		return nil, err
	}

	return &Recorder{
		ctx:           ctx,
		recordingPath: recordingPath,
		eventChan:     make(chan RawEvent, 10000),
		a11yChan:      make(chan Snapshot, 64),
		elementChan:   make(chan Snapshot, 256),
		recentEvents:  NewRawRingBuffer(1000),
		eventsFile:    eventsFile,
		a11yFile:      a11yFile,
		elementFile:   elementFile,
		stopChan:      make(chan struct{}),
	}, nil
}

// Start 启动写入协程
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.drainEvents()

	r.wg.Add(1)
	go r.drainSnapshots()

	RecorderLog().Str("path", r.recordingPath).Msg("Recorder started")
}

// Emit 接收一条原始事件 (主入口)
func (r *Recorder) Emit(event RawEvent) {
	if r.paused.Load() {
		return
	}

	select {
	case r.eventChan <- event:
	default:
		// 通道满了, 带超时等待避免永久阻塞采集线程
		select {
		case r.eventChan <- event:
		case <-time.After(500 * time.Millisecond):
			LogWarn("recorder").
				Str("action", event.Action).
				Float64("timestamp", event.TimeStamp).
				Msg("Event channel send timeout, event dropped")
		}
	}
}

// EmitWindowSnapshot 接收一帧窗口无障碍树
func (r *Recorder) EmitWindowSnapshot(timeStamp float64, tree json.RawMessage) {
	if r.paused.Load() {
		return
	}
	select {
	case r.a11yChan <- Snapshot{TimeStamp: timeStamp, Tree: tree}:
	default:
		LogWarn("recorder").Float64("timestamp", timeStamp).Msg("Window snapshot dropped, channel full")
	}
}

// EmitElementSnapshot 接收一帧点击位置的元素子树
func (r *Recorder) EmitElementSnapshot(timeStamp float64, tree json.RawMessage) {
	if r.paused.Load() {
		return
	}
	select {
	case r.elementChan <- Snapshot{TimeStamp: timeStamp, Tree: tree}:
	default:
		LogWarn("recorder").Float64("timestamp", timeStamp).Msg("Element snapshot dropped, channel full")
	}
}

// Pause 暂停录制, 暂停期间的事件直接丢弃
func (r *Recorder) Pause() {
	if r.paused.CompareAndSwap(false, true) {
		LogUserAction(ActionRecordingPause, filepath.Base(r.recordingPath), nil)
	}
}

// Resume 恢复录制
func (r *Recorder) Resume() {
	if r.paused.CompareAndSwap(true, false) {
		LogUserAction(ActionRecordingResume, filepath.Base(r.recordingPath), nil)
	}
}

// IsPaused reports whether the recorder is currently paused
func (r *Recorder) IsPaused() bool {
	return r.paused.Load()
}

// EventCount 已落盘的事件数
func (r *Recorder) EventCount() int64 {
	return atomic.LoadInt64(&r.eventCount)
}

// GetRecentEvents 获取最近事件 (从内存)
func (r *Recorder) GetRecentEvents(count int) []RawEvent {
	return r.recentEvents.GetRecent(count)
}

// Stop 停止录制: 先等待收尾窗口, 再排空通道并刷盘
func (r *Recorder) Stop() error {
	var closeErr error
	r.stopOnce.Do(func() {
		// 停止指令之后紧跟的 release 还在路上
		time.Sleep(StopGracePeriod)
		close(r.stopChan)
		r.wg.Wait()

		if err := r.eventsFile.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close events file: %w", err)
		}
		if err := r.a11yFile.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("failed to close a11y file: %w", err)
		}
		if err := r.elementFile.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("failed to close element file: %w", err)
		}

		RecorderLog().
			Str("path", r.recordingPath).
			Int64("event_count", atomic.LoadInt64(&r.eventCount)).
			Msg("Recorder stopped")
	})
	return closeErr
}

// drainEvents 事件写入主循环, 按到达顺序分配 event_idx
func (r *Recorder) drainEvents() {
	defer r.wg.Done()

	for {
		select {
		case event := <-r.eventChan:
			r.writeEvent(event)
		case <-r.stopChan:
			for {
				select {
				case event := <-r.eventChan:
					r.writeEvent(event)
				default:
					return
				}
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Recorder) writeEvent(event RawEvent) {
	event.EventIdx = int(atomic.AddInt64(&r.eventCount, 1)) - 1
	r.recentEvents.Push(event)
	if err := r.eventsFile.Write(&event); err != nil {
		LogError("recorder").Err(err).Int("event_idx", event.EventIdx).Msg("Failed to write event")
	}
}

// drainSnapshots 无障碍快照写入循环
func (r *Recorder) drainSnapshots() {
	defer r.wg.Done()

	for {
		select {
		case snap := <-r.a11yChan:
			r.writeSnapshot(r.a11yFile, "axtree", snap)
		case snap := <-r.elementChan:
			r.writeSnapshot(r.elementFile, "a11y_tree", snap)
		case <-r.stopChan:
			for {
				select {
				case snap := <-r.a11yChan:
					r.writeSnapshot(r.a11yFile, "axtree", snap)
				case snap := <-r.elementChan:
					r.writeSnapshot(r.elementFile, "a11y_tree", snap)
				default:
					return
				}
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Recorder) writeSnapshot(w *jsonlWriter, treeField string, snap Snapshot) {
	record := jsonObject{
		{Key: "time_stamp", Value: snap.TimeStamp},
		{Key: treeField, Value: snap.Tree},
	}
	if err := w.Write(record); err != nil {
		LogError("recorder").Err(err).Float64("timestamp", snap.TimeStamp).Msg("Failed to write snapshot")
	}
}
