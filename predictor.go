package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ========================================
// Target Predictor - 视觉回退目标预测客户端
// ========================================

// HTTPPredictorConfig configures the remote prediction service client
type HTTPPredictorConfig struct {
	Endpoint string        // Service endpoint (e.g., "http://localhost:8900")
	APIKey   string        // API key (optional for local services)
	Model    string        // Model hint forwarded to the service
	Timeout  time.Duration // Request timeout
}

// HTTPPredictor asks an external vision service to identify the UI target
// of actions whose accessibility snapshot produced nothing useful.
// 请求体带上录制目录, 服务端自行读取对应帧画面.
type HTTPPredictor struct {
	config HTTPPredictorConfig
	client *http.Client
}

// NewHTTPPredictor creates a predictor client for the given service
func NewHTTPPredictor(config HTTPPredictorConfig) *HTTPPredictor {
	if config.Timeout == 0 {
		// Vision inference over several frames can be slow
		config.Timeout = 180 * time.Second
	}

	return &HTTPPredictor{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type predictRequest struct {
	RecordingPath string        `json:"recording_path"`
	Model         string        `json:"model,omitempty"`
	Queries       []TargetQuery `json:"queries"`
}

type predictResponse struct {
	Targets []map[string]interface{} `json:"targets"`
	Error   string                   `json:"error,omitempty"`
}

// PredictTargets implements TargetPredictor. The returned slice is parallel
// to queries; entries the service could not resolve are nil.
func (p *HTTPPredictor) PredictTargets(recordingPath string, queries []TargetQuery) ([]map[string]interface{}, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	reqBody := predictRequest{
		RecordingPath: recordingPath,
		Model:         p.config.Model,
		Queries:       queries,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal predict request: %w", err)
	}

	url := strings.TrimSuffix(p.config.Endpoint, "/") + "/v1/predict_targets"
	req, err := http.NewRequest("POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	timer := StartOperation("predictor", "predict_targets").
		AddDetail("query_count", len(queries))

	resp, err := p.client.Do(req)
	if err != nil {
		timer.EndWithError(err)
		return nil, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		timer.EndWithError(err)
		return nil, fmt.Errorf("read predict response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		err := fmt.Errorf("predict service returned %d: %s", resp.StatusCode, snippet)
		timer.EndWithError(err)
		return nil, err
	}

	var result predictResponse
	if err := json.Unmarshal(body, &result); err != nil {
		timer.EndWithError(err)
		return nil, fmt.Errorf("parse predict response: %w", err)
	}
	if result.Error != "" {
		err := fmt.Errorf("predict service error: %s", result.Error)
		timer.EndWithError(err)
		return nil, err
	}
	if len(result.Targets) != len(queries) {
		err := fmt.Errorf("predict service returned %d targets for %d queries", len(result.Targets), len(queries))
		timer.EndWithError(err)
		return nil, err
	}

	timer.End()
	return result.Targets, nil
}
