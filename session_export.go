package main

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// ========================================
// Session Export/Import
// ========================================

// ArchiveExt 导出归档的扩展名
const ArchiveExt = ".scribe"

// ExportManifest describes the export archive
type ExportManifest struct {
	FormatVersion int    `json:"formatVersion"` // 1
	AppVersion    string `json:"appVersion"`
	ExportTime    int64  `json:"exportTime"` // Unix ms
	RecordingID   string `json:"recordingId"`
	RecordingName string `json:"recordingName"`
	EventCount    int64  `json:"eventCount"`
	HasVideo      bool   `json:"hasVideo"`
	HasReduction  bool   `json:"hasReduction"`
}

// ExportRecording 将整个录制目录打包为 tar.gz 归档
func (m *SessionManager) ExportRecording(id, outputPath string) (string, error) {
	recordingPath := m.RecordingPath(id)
	meta, err := LoadRecordingMetadata(recordingPath)
	if err != nil {
		return "", fmt.Errorf("recording not found: %w", err)
	}

	if outputPath == "" {
		safeName := strings.ReplaceAll(meta.Name, " ", "_")
		safeName = strings.ReplaceAll(safeName, "/", "_")
		if safeName == "" {
			safeName = "recording"
		}
		ts := time.Unix(int64(meta.StartTime), 0).Format("2006-01-02")
		outputPath = fmt.Sprintf("%s_%s%s", safeName, ts, ArchiveExt)
	}
	if !strings.HasSuffix(outputPath, ArchiveExt) {
		outputPath += ArchiveExt
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	LogInfo("session_export").Str("recording_id", id).Str("path", outputPath).Msg("Starting export")

	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer outFile.Close()

	gz, err := gzip.NewWriterLevel(outFile, gzip.BestSpeed)
	if err != nil {
		os.Remove(outputPath)
		return "", err
	}
	tw := tar.NewWriter(gz)

	hasVideo := findVideoFile(recordingPath) != ""
	hasReduction := false

	walkErr := filepath.Walk(recordingPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(recordingPath, path)
		if err != nil {
			return err
		}
		if rel == "reduced_events_complete.jsonl" {
			hasReduction = true
		}
		return addTarFile(tw, path, filepath.ToSlash(rel), info)
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		os.Remove(outputPath)
		return "", fmt.Errorf("failed to archive recording: %w", walkErr)
	}

	// manifest 最后写, 此时统计已齐
	manifest := ExportManifest{
		FormatVersion: 1,
		AppVersion:    AppVersion,
		ExportTime:    time.Now().UnixMilli(),
		RecordingID:   meta.ID,
		RecordingName: meta.Name,
		EventCount:    meta.EventCount,
		HasVideo:      hasVideo,
		HasReduction:  hasReduction,
	}
	manifestJSON, _ := json.MarshalIndent(manifest, "", "  ")
	if err := addTarBytes(tw, "manifest.json", manifestJSON); err != nil {
		tw.Close()
		gz.Close()
		os.Remove(outputPath)
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		gz.Close()
		os.Remove(outputPath)
		return "", err
	}
	if err := gz.Close(); err != nil {
		os.Remove(outputPath)
		return "", err
	}

	LogUserAction(ActionSessionExport, id, map[string]interface{}{"path": outputPath})
	LogInfo("session_export").
		Str("recording_id", id).
		Int64("event_count", meta.EventCount).
		Bool("has_video", hasVideo).
		Str("path", outputPath).
		Msg("Recording exported successfully")

	return outputPath, nil
}

// ImportRecording 从归档恢复录制, 分配新 id 避免冲突
func (m *SessionManager) ImportRecording(inputPath string) (string, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("file not found: %s", inputPath)
	}
	LogInfo("session_import").Str("path", inputPath).Msg("Starting import")

	inFile, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer inFile.Close()

	gz, err := gzip.NewReader(inFile)
	if err != nil {
		return "", fmt.Errorf("not a valid archive: %w", err)
	}
	defer gz.Close()

	newID := uuid.New().String()
	destPath := m.RecordingPath(newID)
	if err := os.MkdirAll(destPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create recording directory: %w", err)
	}

	var manifest *ExportManifest
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			os.RemoveAll(destPath)
			return "", fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			LogWarn("session_import").Str("entry", hdr.Name).Msg("Skipping unsafe archive entry")
			continue
		}

		if name == "manifest.json" {
			data, err := io.ReadAll(tr)
			if err != nil {
				os.RemoveAll(destPath)
				return "", fmt.Errorf("failed to read manifest: %w", err)
			}
			var parsed ExportManifest
			if err := json.Unmarshal(data, &parsed); err != nil {
				LogWarn("session_import").Err(err).Msg("Failed to parse manifest, continuing anyway")
			} else {
				manifest = &parsed
			}
			continue
		}

		target := filepath.Join(destPath, name)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			os.RemoveAll(destPath)
			return "", err
		}
		if err := writeTarEntry(tr, target); err != nil {
			os.RemoveAll(destPath)
			return "", fmt.Errorf("failed to extract %s: %w", name, err)
		}
	}

	meta, err := LoadRecordingMetadata(destPath)
	if err != nil {
		os.RemoveAll(destPath)
		return "", fmt.Errorf("archive has no metadata: %w", err)
	}

	oldID := meta.ID
	meta.ID = newID
	meta.Name = meta.Name + " (imported)"
	if err := meta.Save(destPath); err != nil {
		os.RemoveAll(destPath)
		return "", err
	}

	if manifest != nil {
		LogInfo("session_import").
			Int("format_version", manifest.FormatVersion).
			Str("app_version", manifest.AppVersion).
			Int64("event_count", manifest.EventCount).
			Msg("Archive manifest")
	}

	status := StatusRecorded
	if meta.Status == StatusReduced {
		status = StatusReduced
	}
	meta.Status = status
	meta.Save(destPath)

	if err := m.store.CreateRecording(&RecordingRecord{
		ID:                  newID,
		Name:                meta.Name,
		Path:                destPath,
		StartTime:           meta.StartTime,
		EndTime:             meta.EndTime,
		Status:              status,
		EventCount:          int(meta.EventCount),
		ScreenWidth:         meta.ScreenWidth,
		ScreenHeight:        meta.ScreenHeight,
		FPS:                 meta.FPS,
		VideoStartTimestamp: meta.VideoStartTimestamp,
	}); err != nil {
		LogWarn("session_import").Err(err).Msg("Failed to index imported recording")
	}

	LogUserAction(ActionSessionImport, newID, map[string]interface{}{"source": inputPath})
	LogInfo("session_import").
		Str("old_id", oldID).
		Str("new_id", newID).
		Int64("event_count", meta.EventCount).
		Msg("Recording imported successfully")

	return newID, nil
}

// addTarFile 把磁盘文件写入归档
func addTarFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// addTarBytes 把内存数据写入归档
func addTarBytes(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// writeTarEntry 把当前归档条目落盘
func writeTarEntry(tr *tar.Reader, destPath string) error {
	outFile, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	_, err = io.Copy(outFile, tr)
	return err
}

// ShowInFolder opens the system file manager and highlights the given file
func ShowInFolder(filePath string) error {
	if filePath == "" {
		return fmt.Errorf("empty file path")
	}
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", "-R", filePath).Start()
	case "windows":
		return exec.Command("explorer", "/select,", filePath).Start()
	case "linux":
		return exec.Command("xdg-open", filepath.Dir(filePath)).Start()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}
