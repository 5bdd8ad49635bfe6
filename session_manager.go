package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ========================================
// Session Manager - 录制生命周期管理
// ========================================

// 录制状态机: recording -> paused -> recording -> recorded -> reducing -> reduced
const (
	StatusRecording = "recording"
	StatusPaused    = "paused"
	StatusRecorded  = "recorded"
	StatusReducing  = "reducing"
	StatusReduced   = "reduced"
	StatusFailed    = "failed"
)

const metadataFileName = "metadata.json"

// RecordingMetadata 录制目录里的元数据文件
type RecordingMetadata struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	StartTime           float64 `json:"start_time"`
	EndTime             float64 `json:"end_time"`
	Status              string  `json:"status"`
	EventCount          int64   `json:"event_count"`
	ScreenWidth         float64 `json:"screen_width"`
	ScreenHeight        float64 `json:"screen_height"`
	FPS                 int     `json:"fps"`
	VideoStartTimestamp float64 `json:"video_start_timestamp"`
}

// LoadRecordingMetadata 读取录制目录的元数据
func LoadRecordingMetadata(recordingPath string) (*RecordingMetadata, error) {
	data, err := os.ReadFile(filepath.Join(recordingPath, metadataFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta RecordingMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

// Save 写出元数据文件
func (m *RecordingMetadata) Save(recordingPath string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(recordingPath, metadataFileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// RecordingStatusEvent 状态变更通知
type RecordingStatusEvent struct {
	RecordingID string  `json:"recordingId"`
	Status      string  `json:"status"`
	Timestamp   float64 `json:"timestamp"`
}

// activeRecording 运行中录制的内存状态
type activeRecording struct {
	meta         *RecordingMetadata
	path         string
	recorder     *Recorder
	capture      *A11yCapture
	sourceCancel context.CancelFunc
	sourceDone   chan struct{}
}

// SessionManager owns the recording lifecycle: it wires the event
// source, the recorder and the accessibility capture together, keeps
// the store index in sync and drives reduction afterwards
type SessionManager struct {
	ctx       context.Context
	dataDir   string
	store     *SessionStore
	video     *VideoService
	provider  TreeProvider
	source    RawEventSource
	predictor TargetPredictor
	plugins   *PluginManager

	mu     sync.Mutex
	active *activeRecording

	listenerMu sync.RWMutex
	listeners  []chan RecordingStatusEvent
}

// NewSessionManager 创建管理器
func NewSessionManager(ctx context.Context, dataDir string, store *SessionStore, video *VideoService) *SessionManager {
	return &SessionManager{
		ctx:     ctx,
		dataDir: dataDir,
		store:   store,
		video:   video,
	}
}

// SetTreeProvider 设置无障碍树提供方
func (m *SessionManager) SetTreeProvider(provider TreeProvider) {
	m.provider = provider
}

// SetEventSource 设置原始事件来源
func (m *SessionManager) SetEventSource(source RawEventSource) {
	m.source = source
}

// SetTargetPredictor 设置目标兜底预测
func (m *SessionManager) SetTargetPredictor(predictor TargetPredictor) {
	m.predictor = predictor
}

// SetPluginManager 设置归约后处理脚本
func (m *SessionManager) SetPluginManager(plugins *PluginManager) {
	m.plugins = plugins
}

// RecordingsDir 所有录制目录的根
func (m *SessionManager) RecordingsDir() string {
	return filepath.Join(m.dataDir, "recordings")
}

// RecordingPath 单个录制的目录
func (m *SessionManager) RecordingPath(id string) string {
	return filepath.Join(m.RecordingsDir(), id)
}

// ========================================
// 状态订阅
// ========================================

// Subscribe 订阅状态变更, 返回的通道在管理器生命周期内有效
func (m *SessionManager) Subscribe() <-chan RecordingStatusEvent {
	ch := make(chan RecordingStatusEvent, 16)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

func (m *SessionManager) emitStatus(recordingID, status string) {
	event := RecordingStatusEvent{
		RecordingID: recordingID,
		Status:      status,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
	}
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, ch := range m.listeners {
		select {
		case ch <- event:
		default:
			// 订阅方太慢, 丢弃而不阻塞状态机
		}
	}
}

// ========================================
// 录制生命周期
// ========================================

// StartRecording 开始一次新录制
func (m *SessionManager) StartRecording(name string, screenWidth, screenHeight float64, fps int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return "", fmt.Errorf("recording %s already in progress", m.active.meta.ID)
	}
	if m.source == nil {
		return "", fmt.Errorf("no event source configured")
	}

	id := uuid.New().String()
	path := m.RecordingPath(id)
	now := float64(time.Now().UnixNano()) / 1e9

	if name == "" {
		name = "Recording " + time.Now().Format("2006-01-02 15:04:05")
	}

	recorder, err := NewRecorder(m.ctx, path)
	if err != nil {
		return "", err
	}
	recorder.Start()

	meta := &RecordingMetadata{
		ID:           id,
		Name:         name,
		StartTime:    now,
		Status:       StatusRecording,
		ScreenWidth:  screenWidth,
		ScreenHeight: screenHeight,
		FPS:          fps,
		// 录屏与事件流同时启动, 以事件时钟为准
		VideoStartTimestamp: now,
	}
	if err := meta.Save(path); err != nil {
		recorder.Stop()
		return "", err
	}

	active := &activeRecording{
		meta:       meta,
		path:       path,
		recorder:   recorder,
		sourceDone: make(chan struct{}),
	}

	if m.provider != nil {
		active.capture = NewA11yCapture(m.ctx, m.provider, recorder)
		active.capture.Start()
	}

	sourceCtx, cancel := context.WithCancel(m.ctx)
	active.sourceCancel = cancel
	go func() {
		defer close(active.sourceDone)
		err := m.source.Run(sourceCtx, func(e RawEvent) {
			recorder.Emit(e)
			if active.capture != nil && e.Action == RawActionClick && e.Pressed {
				active.capture.OnClick(e.TimeStamp, e.X, e.Y)
			}
		})
		if err != nil && sourceCtx.Err() == nil {
			LogError("session").Err(err).Str("recording_id", id).Msg("Event source failed")
		}
	}()

	if err := m.store.CreateRecording(&RecordingRecord{
		ID:                  id,
		Name:                name,
		Path:                path,
		StartTime:           now,
		Status:              StatusRecording,
		ScreenWidth:         screenWidth,
		ScreenHeight:        screenHeight,
		FPS:                 fps,
		VideoStartTimestamp: meta.VideoStartTimestamp,
	}); err != nil {
		LogError("session").Err(err).Str("recording_id", id).Msg("Failed to index recording")
	}

	m.active = active
	LogUserAction(ActionRecordingStart, id, map[string]interface{}{"name": name})
	m.emitStatus(id, StatusRecording)
	return id, nil
}

// PauseRecording 暂停当前录制
func (m *SessionManager) PauseRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return fmt.Errorf("no recording in progress")
	}
	m.active.recorder.Pause()
	m.active.meta.Status = StatusPaused
	m.active.meta.Save(m.active.path)
	m.store.SetRecordingStatus(m.active.meta.ID, StatusPaused)
	m.emitStatus(m.active.meta.ID, StatusPaused)
	return nil
}

// ResumeRecording 恢复当前录制
func (m *SessionManager) ResumeRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return fmt.Errorf("no recording in progress")
	}
	m.active.recorder.Resume()
	m.active.meta.Status = StatusRecording
	m.active.meta.Save(m.active.path)
	m.store.SetRecordingStatus(m.active.meta.ID, StatusRecording)
	m.emitStatus(m.active.meta.ID, StatusRecording)
	return nil
}

// StopRecording 停止当前录制并落盘
func (m *SessionManager) StopRecording() (string, error) {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()

	if active == nil {
		return "", fmt.Errorf("no recording in progress")
	}

	id := active.meta.ID

	if active.capture != nil {
		active.capture.Stop()
	}
	if err := active.recorder.Stop(); err != nil {
		LogError("session").Err(err).Str("recording_id", id).Msg("Recorder stop failed")
	}
	active.sourceCancel()
	<-active.sourceDone

	now := float64(time.Now().UnixNano()) / 1e9
	active.meta.EndTime = now
	active.meta.Status = StatusRecorded
	active.meta.EventCount = active.recorder.EventCount()
	if err := active.meta.Save(active.path); err != nil {
		return id, err
	}

	if rec, err := m.store.GetRecording(id); err == nil && rec != nil {
		rec.EndTime = now
		rec.Status = StatusRecorded
		rec.EventCount = int(active.meta.EventCount)
		if err := m.store.UpdateRecording(rec); err != nil {
			LogError("session").Err(err).Str("recording_id", id).Msg("Failed to update recording index")
		}
	}

	// 有视频时顺手生成封面
	if m.video != nil && m.video.IsAvailable() {
		if videoPath := findVideoFile(active.path); videoPath != "" {
			thumbPath := filepath.Join(active.path, "thumbnail.jpg")
			if err := m.video.CreateThumbnail(videoPath, thumbPath, 1.0, 320); err != nil {
				LogWarn("session").Err(err).Str("recording_id", id).Msg("Thumbnail creation failed")
			}
		}
	}

	LogUserAction(ActionRecordingStop, id, map[string]interface{}{
		"event_count": active.meta.EventCount,
		"duration":    now - active.meta.StartTime,
	})
	m.emitStatus(id, StatusRecorded)
	return id, nil
}

// ActiveRecordingID 当前录制的 id, 没有时返回空串
func (m *SessionManager) ActiveRecordingID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.meta.ID
}

// ========================================
// 归约
// ========================================

// ReduceRecording 对一次已完成的录制执行归约
func (m *SessionManager) ReduceRecording(id string, cfg ReduceConfig) error {
	meta, err := LoadRecordingMetadata(m.RecordingPath(id))
	if err != nil {
		return err
	}
	if meta.Status == StatusRecording || meta.Status == StatusPaused {
		return fmt.Errorf("recording %s still in progress", id)
	}

	m.setStatus(meta, StatusReducing)
	LogUserAction(ActionReduceStart, id, nil)

	reducer := NewReducer(m.RecordingPath(id), WindowAttrs{
		Width:  meta.ScreenWidth,
		Height: meta.ScreenHeight,
	}, cfg)
	reducer.SetVideoService(m.video)
	if m.predictor != nil {
		reducer.SetTargetPredictor(m.predictor)
	}
	if m.plugins != nil {
		reducer.SetPostHook(func(actions []*Action) {
			m.plugins.ProcessActions(id, actions)
		})
	}

	if err := reducer.ReducePipeline(); err != nil {
		m.setStatus(meta, StatusFailed)
		return err
	}

	if err := m.store.IndexActions(id, reducer.Actions()); err != nil {
		LogError("session").Err(err).Str("recording_id", id).Msg("Failed to index actions")
	}

	m.setStatus(meta, StatusReduced)
	LogUserAction(ActionReduceDone, id, map[string]interface{}{
		"action_count": len(reducer.Actions()),
	})
	return nil
}

func (m *SessionManager) setStatus(meta *RecordingMetadata, status string) {
	meta.Status = status
	meta.Save(m.RecordingPath(meta.ID))
	m.store.SetRecordingStatus(meta.ID, status)
	m.emitStatus(meta.ID, status)
}

// ========================================
// 查询与删除
// ========================================

// ListRecordings 列出录制
func (m *SessionManager) ListRecordings(status string, limit int) ([]RecordingRecord, error) {
	return m.store.ListRecordings(status, limit)
}

// GetRecording 获取录制条目
func (m *SessionManager) GetRecording(id string) (*RecordingRecord, error) {
	return m.store.GetRecording(id)
}

// RenameRecording 重命名录制
func (m *SessionManager) RenameRecording(id, newName string) error {
	meta, err := LoadRecordingMetadata(m.RecordingPath(id))
	if err == nil {
		meta.Name = newName
		meta.Save(m.RecordingPath(id))
	}
	return m.store.RenameRecording(id, newName)
}

// DeleteRecording 删除录制目录及索引
func (m *SessionManager) DeleteRecording(id string) error {
	m.mu.Lock()
	if m.active != nil && m.active.meta.ID == id {
		m.mu.Unlock()
		return fmt.Errorf("recording %s is in progress", id)
	}
	m.mu.Unlock()

	if err := os.RemoveAll(m.RecordingPath(id)); err != nil {
		return fmt.Errorf("failed to remove recording directory: %w", err)
	}
	if err := m.store.DeleteRecording(id); err != nil {
		return err
	}
	LogUserAction(ActionSessionDelete, id, nil)
	return nil
}
