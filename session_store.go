package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ========================================
// SessionStore - SQLite 录制索引存储
// ========================================

type SessionStore struct {
	db     *sql.DB
	dbPath string

	// 连接池上限为 1, 开着事务时不能再查库, FTS 可用性在建表时确定
	ftsEnabled bool

	stmtInsertRecording *sql.Stmt
	stmtUpdateRecording *sql.Stmt
	stmtInsertAction    *sql.Stmt
}

// SQL Schema
const sessionSchemaSQL = `
-- 启用 WAL 模式提升并发写入性能
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA cache_size = -64000;
PRAGMA temp_store = MEMORY;

-- ==================== Recordings 表 ====================
CREATE TABLE IF NOT EXISTS recordings (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    start_time REAL NOT NULL,
    end_time REAL DEFAULT 0,
    status TEXT DEFAULT 'recording',
    event_count INTEGER DEFAULT 0,
    action_count INTEGER DEFAULT 0,
    screen_width REAL DEFAULT 0,
    screen_height REAL DEFAULT 0,
    fps INTEGER DEFAULT 0,
    video_start_timestamp REAL DEFAULT 0,
    metadata TEXT DEFAULT '{}',
    created_at INTEGER DEFAULT (strftime('%s', 'now') * 1000),
    updated_at INTEGER DEFAULT (strftime('%s', 'now') * 1000)
);

CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status);
CREATE INDEX IF NOT EXISTS idx_recordings_time ON recordings(start_time DESC);

-- ==================== Actions 表 (归约结果索引) ====================
CREATE TABLE IF NOT EXISTS actions (
    recording_id TEXT NOT NULL,
    action_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    description TEXT,
    start_time REAL NOT NULL,
    end_time REAL DEFAULT 0,
    depth INTEGER DEFAULT 0,
    PRIMARY KEY (recording_id, action_id),
    FOREIGN KEY (recording_id) REFERENCES recordings(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_actions_recording_time ON actions(recording_id, start_time);
CREATE INDEX IF NOT EXISTS idx_actions_kind ON actions(recording_id, kind);
`

// FTS Schema (单独创建，因为可能需要检查是否存在)
const actionFTSSchemaSQL = `
-- 动作描述全文搜索 (FTS5)
CREATE VIRTUAL TABLE IF NOT EXISTS actions_fts USING fts5(
    recording_id,
    action_id,
    description
);
`

// RecordingRecord 索引库中的录制条目
type RecordingRecord struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Path                string         `json:"path"`
	StartTime           float64        `json:"startTime"`
	EndTime             float64        `json:"endTime"`
	Status              string         `json:"status"`
	EventCount          int            `json:"eventCount"`
	ActionCount         int            `json:"actionCount"`
	ScreenWidth         float64        `json:"screenWidth"`
	ScreenHeight        float64        `json:"screenHeight"`
	FPS                 int            `json:"fps"`
	VideoStartTimestamp float64        `json:"videoStartTimestamp"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// ActionRecord 索引库中的动作条目
type ActionRecord struct {
	RecordingID string  `json:"recordingId"`
	ActionID    int     `json:"actionId"`
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	StartTime   float64 `json:"startTime"`
	EndTime     float64 `json:"endTime"`
	Depth       int     `json:"depth"`
}

// NewSessionStore 创建录制索引存储
func NewSessionStore(dataDir string) (*SessionStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "recordings.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite 单写入
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SessionStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// initSchema 初始化数据库 schema
func (s *SessionStore) initSchema() error {
	if _, err := s.db.Exec(sessionSchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// 尝试创建 FTS 表 (可能失败如果 SQLite 没有 FTS5 支持)
	if _, err := s.db.Exec(actionFTSSchemaSQL); err != nil {
		LogWarn("session_store").Err(err).Msg("FTS5 not available, full-text search disabled")
	} else {
		s.ftsEnabled = true
	}

	return nil
}

// prepareStatements 预编译 SQL 语句
func (s *SessionStore) prepareStatements() error {
	var err error

	s.stmtInsertRecording, err = s.db.Prepare(`
		INSERT INTO recordings (
			id, name, path, start_time, end_time, status,
			event_count, action_count, screen_width, screen_height,
			fps, video_start_timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert recording: %w", err)
	}

	s.stmtUpdateRecording, err = s.db.Prepare(`
		UPDATE recordings SET
			name = ?, end_time = ?, status = ?, event_count = ?, action_count = ?,
			screen_width = ?, screen_height = ?, fps = ?, video_start_timestamp = ?,
			metadata = ?, updated_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare update recording: %w", err)
	}

	s.stmtInsertAction, err = s.db.Prepare(`
		INSERT OR REPLACE INTO actions (
			recording_id, action_id, kind, description, start_time, end_time, depth
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert action: %w", err)
	}

	return nil
}

// Close 关闭存储
func (s *SessionStore) Close() error {
	if s.stmtInsertRecording != nil {
		s.stmtInsertRecording.Close()
	}
	if s.stmtUpdateRecording != nil {
		s.stmtUpdateRecording.Close()
	}
	if s.stmtInsertAction != nil {
		s.stmtInsertAction.Close()
	}
	return s.db.Close()
}

// ========================================
// Recording 操作
// ========================================

// CreateRecording 创建录制条目
func (s *SessionStore) CreateRecording(rec *RecordingRecord) error {
	metadata, _ := json.Marshal(rec.Metadata)
	_, err := s.stmtInsertRecording.Exec(
		rec.ID, rec.Name, rec.Path, rec.StartTime, rec.EndTime, rec.Status,
		rec.EventCount, rec.ActionCount, rec.ScreenWidth, rec.ScreenHeight,
		rec.FPS, rec.VideoStartTimestamp, string(metadata),
	)
	return err
}

// UpdateRecording 更新录制条目
func (s *SessionStore) UpdateRecording(rec *RecordingRecord) error {
	metadata, _ := json.Marshal(rec.Metadata)
	_, err := s.stmtUpdateRecording.Exec(
		rec.Name, rec.EndTime, rec.Status, rec.EventCount, rec.ActionCount,
		rec.ScreenWidth, rec.ScreenHeight, rec.FPS, rec.VideoStartTimestamp,
		string(metadata), time.Now().UnixMilli(),
		rec.ID,
	)
	return err
}

// SetRecordingStatus 只更新状态字段
func (s *SessionStore) SetRecordingStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE recordings SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	return err
}

// RenameRecording 重命名录制
func (s *SessionStore) RenameRecording(id, newName string) error {
	_, err := s.db.Exec(`UPDATE recordings SET name = ?, updated_at = ? WHERE id = ?`,
		newName, time.Now().UnixMilli(), id)
	return err
}

// GetRecording 获取录制条目
func (s *SessionStore) GetRecording(id string) (*RecordingRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, name, path, start_time, end_time, status, event_count, action_count,
			screen_width, screen_height, fps, video_start_timestamp, metadata
		FROM recordings WHERE id = ?
	`, id)
	return scanRecording(row)
}

// ListRecordings 列出录制, status 为空时不过滤
func (s *SessionStore) ListRecordings(status string, limit int) ([]RecordingRecord, error) {
	query := `
		SELECT id, name, path, start_time, end_time, status, event_count, action_count,
			screen_width, screen_height, fps, video_start_timestamp, metadata
		FROM recordings
	`
	var args []interface{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY start_time DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recordings []RecordingRecord
	for rows.Next() {
		rec, err := scanRecordingRow(rows)
		if err != nil {
			return nil, err
		}
		recordings = append(recordings, *rec)
	}
	return recordings, rows.Err()
}

// DeleteRecording 删除录制条目及其动作索引
func (s *SessionStore) DeleteRecording(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM actions WHERE recording_id = ?`, id); err != nil {
		return err
	}
	if s.ftsEnabled {
		if _, err := tx.Exec(`DELETE FROM actions_fts WHERE recording_id = ?`, id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM recordings WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func scanRecording(row *sql.Row) (*RecordingRecord, error) {
	var rec RecordingRecord
	var metadata sql.NullString

	err := row.Scan(
		&rec.ID, &rec.Name, &rec.Path, &rec.StartTime, &rec.EndTime,
		&rec.Status, &rec.EventCount, &rec.ActionCount,
		&rec.ScreenWidth, &rec.ScreenHeight, &rec.FPS, &rec.VideoStartTimestamp,
		&metadata,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if metadata.Valid {
		json.Unmarshal([]byte(metadata.String), &rec.Metadata)
	}
	return &rec, nil
}

func scanRecordingRow(rows *sql.Rows) (*RecordingRecord, error) {
	var rec RecordingRecord
	var metadata sql.NullString

	err := rows.Scan(
		&rec.ID, &rec.Name, &rec.Path, &rec.StartTime, &rec.EndTime,
		&rec.Status, &rec.EventCount, &rec.ActionCount,
		&rec.ScreenWidth, &rec.ScreenHeight, &rec.FPS, &rec.VideoStartTimestamp,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	if metadata.Valid {
		json.Unmarshal([]byte(metadata.String), &rec.Metadata)
	}
	return &rec, nil
}

// ========================================
// Action 索引操作
// ========================================

// IndexActions 重建一次录制的动作索引 (归约完成后调用)
func (s *SessionStore) IndexActions(recordingID string, actions []*Action) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM actions WHERE recording_id = ?`, recordingID); err != nil {
		return fmt.Errorf("clear actions: %w", err)
	}
	hasFTS := s.ftsEnabled
	if hasFTS {
		if _, err := tx.Exec(`DELETE FROM actions_fts WHERE recording_id = ?`, recordingID); err != nil {
			return fmt.Errorf("clear actions fts: %w", err)
		}
	}

	stmt := tx.Stmt(s.stmtInsertAction)
	count := 0

	var index func(list []*Action) error
	index = func(list []*Action) error {
		for _, a := range list {
			if a.HasID && a.Vis {
				// 未闭合的动作沿子节点回退到真实结束时间
				if _, err := stmt.Exec(
					recordingID, a.ID, a.Kind, nullString(a.Description),
					a.StartTime, a.getEndTime(), a.Depth,
				); err != nil {
					return fmt.Errorf("insert action %d: %w", a.ID, err)
				}
				if hasFTS && a.Description != "" {
					if _, err := tx.Exec(
						`INSERT INTO actions_fts (recording_id, action_id, description) VALUES (?, ?, ?)`,
						recordingID, a.ID, a.Description,
					); err != nil {
						return fmt.Errorf("insert action fts %d: %w", a.ID, err)
					}
				}
				count++
			}
			if err := index(a.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := index(actions); err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE recordings SET action_count = ?, updated_at = ? WHERE id = ?`,
		count, time.Now().UnixMilli(), recordingID); err != nil {
		return fmt.Errorf("update action count: %w", err)
	}

	return tx.Commit()
}

// GetActions 获取一次录制的动作索引
func (s *SessionStore) GetActions(recordingID string) ([]ActionRecord, error) {
	rows, err := s.db.Query(`
		SELECT recording_id, action_id, kind, description, start_time, end_time, depth
		FROM actions
		WHERE recording_id = ?
		ORDER BY start_time
	`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanActionRows(rows)
}

// SearchActions 按描述搜索动作, recordingID 为空时全库搜索
func (s *SessionStore) SearchActions(recordingID, text string, limit int) ([]ActionRecord, error) {
	if text == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	if s.ftsEnabled {
		query := `
			SELECT a.recording_id, a.action_id, a.kind, a.description, a.start_time, a.end_time, a.depth
			FROM actions a
			JOIN actions_fts f ON a.recording_id = f.recording_id AND a.action_id = f.action_id
			WHERE actions_fts MATCH ?
		`
		args := []interface{}{text}
		if recordingID != "" {
			query += ` AND a.recording_id = ?`
			args = append(args, recordingID)
		}
		query += fmt.Sprintf(` ORDER BY a.start_time LIMIT %d`, limit)

		rows, err := s.db.Query(query, args...)
		if err == nil {
			defer rows.Close()
			return scanActionRows(rows)
		}
		// FTS 查询失败时降级到 LIKE
		LogWarn("session_store").Err(err).Msg("FTS search failed, falling back to LIKE")
	}

	query := `
		SELECT recording_id, action_id, kind, description, start_time, end_time, depth
		FROM actions
		WHERE description LIKE ?
	`
	args := []interface{}{"%" + text + "%"}
	if recordingID != "" {
		query += ` AND recording_id = ?`
		args = append(args, recordingID)
	}
	query += fmt.Sprintf(` ORDER BY start_time LIMIT %d`, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanActionRows(rows)
}

func scanActionRows(rows *sql.Rows) ([]ActionRecord, error) {
	var actions []ActionRecord
	for rows.Next() {
		var a ActionRecord
		var description sql.NullString
		if err := rows.Scan(&a.RecordingID, &a.ActionID, &a.Kind, &description,
			&a.StartTime, &a.EndTime, &a.Depth); err != nil {
			return nil, err
		}
		a.Description = description.String
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// GetActionKindStats 按动作类型统计
func (s *SessionStore) GetActionKindStats(recordingID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT kind, COUNT(*) as count
		FROM actions WHERE recording_id = ?
		GROUP BY kind
	`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		stats[kind] = count
	}
	return stats, rows.Err()
}

// ========================================
// 维护
// ========================================

// CleanupOldRecordings 清理旧录制条目, 返回删除数量
func (s *SessionStore) CleanupOldRecordings(maxAge time.Duration) (int, error) {
	cutoff := float64(time.Now().Add(-maxAge).UnixNano()) / 1e9
	result, err := s.db.Exec(`
		DELETE FROM recordings
		WHERE end_time > 0 AND end_time < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// VacuumDatabase 压缩数据库
func (s *SessionStore) VacuumDatabase() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

// ========================================
// 辅助函数
// ========================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
