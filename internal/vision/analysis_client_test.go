package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scrypster/materio/internal/resilience"
)

func testResilientClient(maxRetries int) *resilience.ServiceClient {
	return resilience.NewServiceClient(resilience.ClientConfig{
		Name:              "vision-test",
		RequestsPerMinute: 60000,
		Burst:             1000,
		QueueWait:         time.Second,
		Timeout:           5 * time.Second,
		MaxRetries:        maxRetries,
		BackoffBase:       time.Millisecond,
		Breaker:           resilience.CircuitBreakerConfig{MaxFailures: 100},
	})
}

func TestAnalyzeImageParsesConformingResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/analyze" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.ImageBase64 == "" {
			t.Error("Expected image payload in request")
		}
		if req.Instruction == "" {
			t.Error("Expected fixed analysis instruction in request")
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"material_type":     "marble",
			"surface_texture":   "honed",
			"color_description": "white with grey veining",
			"finish_type":       "matte",
			"reflectivity":      "low",
			"structural_properties": map[string]string{
				"porosity": "low",
			},
			"confidence": 0.92,
		})
	}))
	defer server.Close()

	client := NewAnalysisClient(AnalysisClientConfig{BaseURL: server.URL}, testResilientClient(0))

	outcome, err := client.AnalyzeImage(context.Background(), []byte("fake-image-bytes"))
	if err != nil {
		t.Fatalf("Expected successful analysis, got: %v", err)
	}
	if outcome.Properties.MaterialType != "marble" {
		t.Errorf("Expected material_type 'marble', got %q", outcome.Properties.MaterialType)
	}
	if outcome.Confidence != 0.92 {
		t.Errorf("Expected confidence 0.92, got %g", outcome.Confidence)
	}
	if outcome.Properties.StructuralProperties["porosity"] != "low" {
		t.Errorf("Expected structural property carried through, got %v", outcome.Properties.StructuralProperties)
	}
}

func TestAnalyzeImageRejectsMissingMaterialType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"surface_texture": "smooth",
			"confidence":      0.8,
		})
	}))
	defer server.Close()

	client := NewAnalysisClient(AnalysisClientConfig{BaseURL: server.URL}, testResilientClient(0))

	_, err := client.AnalyzeImage(context.Background(), []byte("img"))
	var ve *resilience.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for missing material_type, got: %v", err)
	}
}

func TestAnalyzeImageRejectsMissingConfidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"material_type": "oak"})
	}))
	defer server.Close()

	client := NewAnalysisClient(AnalysisClientConfig{BaseURL: server.URL}, testResilientClient(0))

	_, err := client.AnalyzeImage(context.Background(), []byte("img"))
	var ve *resilience.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for missing confidence, got: %v", err)
	}
}

func TestAnalyzeImageRejectsConfidenceOutOfRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"material_type": "oak",
			"confidence":    1.4,
		})
	}))
	defer server.Close()

	client := NewAnalysisClient(AnalysisClientConfig{BaseURL: server.URL}, testResilientClient(0))

	_, err := client.AnalyzeImage(context.Background(), []byte("img"))
	var ve *resilience.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for out-of-range confidence, got: %v", err)
	}
}

func TestAnalyzeImageRetriesServerErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"material_type": "granite",
			"confidence":    0.75,
		})
	}))
	defer server.Close()

	client := NewAnalysisClient(AnalysisClientConfig{BaseURL: server.URL}, testResilientClient(3))

	outcome, err := client.AnalyzeImage(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Expected eventual success, got: %v", err)
	}
	if outcome.Properties.MaterialType != "granite" {
		t.Errorf("Expected 'granite', got %q", outcome.Properties.MaterialType)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls (2 retries), got %d", calls)
	}
}

func TestAnalyzeImageDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "image too large", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewAnalysisClient(AnalysisClientConfig{BaseURL: server.URL}, testResilientClient(5))

	_, err := client.AnalyzeImage(context.Background(), []byte("img"))
	var ve *resilience.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for 400, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected exactly 1 call for a 4xx, got %d", calls)
	}
}

func TestAnalyzeImageRejectsEmptyImage(t *testing.T) {
	client := NewAnalysisClient(AnalysisClientConfig{BaseURL: "http://localhost:1"}, testResilientClient(0))
	_, err := client.AnalyzeImage(context.Background(), nil)
	var ve *resilience.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for empty image, got: %v", err)
	}
}
