package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testQueries() []TargetQuery {
	return []TargetQuery{
		{ID: 0, Timestamp: 1.5, Action: "click", Description: "Single left Click", Coordinate: Coordinate{X: 10, Y: 20}},
		{ID: 3, Timestamp: 4.2, Action: "click", Description: "Double left Click", Coordinate: Coordinate{X: 50, Y: 60}},
	}
}

func TestPredictTargets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/predict_targets" {
			t.Errorf("Expected path /v1/predict_targets, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Expected bearer auth header, got %q", auth)
		}
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Cannot decode request: %v", err)
		}
		if req.RecordingPath != "/tmp/rec-1" {
			t.Errorf("Expected recording path /tmp/rec-1, got %s", req.RecordingPath)
		}
		if len(req.Queries) != 2 {
			t.Errorf("Expected 2 queries, got %d", len(req.Queries))
		}
		json.NewEncoder(w).Encode(predictResponse{Targets: []map[string]interface{}{
			{"title": "OK Button", "role": "button"},
			nil,
		}})
	}))
	defer server.Close()

	p := NewHTTPPredictor(HTTPPredictorConfig{Endpoint: server.URL, APIKey: "test-key"})
	targets, err := p.PredictTargets("/tmp/rec-1", testQueries())
	if err != nil {
		t.Fatalf("PredictTargets failed: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("Expected 2 targets, got %d", len(targets))
	}
	if targets[0]["title"] != "OK Button" {
		t.Errorf("Expected first target title OK Button, got %v", targets[0]["title"])
	}
	if targets[1] != nil {
		t.Errorf("Expected nil second target, got %v", targets[1])
	}
}

func TestPredictTargetsEmptyQueries(t *testing.T) {
	p := NewHTTPPredictor(HTTPPredictorConfig{Endpoint: "http://localhost:1"})
	targets, err := p.PredictTargets("/tmp/rec-1", nil)
	if err != nil {
		t.Fatalf("Expected no error for empty queries, got %v", err)
	}
	if targets != nil {
		t.Errorf("Expected nil targets, got %v", targets)
	}
}

func TestPredictTargetsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewHTTPPredictor(HTTPPredictorConfig{Endpoint: server.URL})
	if _, err := p.PredictTargets("/tmp/rec-1", testQueries()); err == nil {
		t.Error("Expected error on 503 response")
	}
}

func TestPredictTargetsServiceErrorField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(predictResponse{Error: "no frames found"})
	}))
	defer server.Close()

	p := NewHTTPPredictor(HTTPPredictorConfig{Endpoint: server.URL})
	if _, err := p.PredictTargets("/tmp/rec-1", testQueries()); err == nil {
		t.Error("Expected error when the service reports a failure")
	}
}

func TestPredictTargetsCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(predictResponse{Targets: []map[string]interface{}{
			{"title": "only one"},
		}})
	}))
	defer server.Close()

	p := NewHTTPPredictor(HTTPPredictorConfig{Endpoint: server.URL})
	if _, err := p.PredictTargets("/tmp/rec-1", testQueries()); err == nil {
		t.Error("Expected error when target count does not match query count")
	}
}

func TestPredictorDefaultTimeout(t *testing.T) {
	p := NewHTTPPredictor(HTTPPredictorConfig{Endpoint: "http://localhost:1"})
	if p.client.Timeout == 0 {
		t.Error("Expected a non-zero default timeout")
	}
}
