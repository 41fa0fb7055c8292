package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scrypster/materio/internal/resilience"
)

func embeddingServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embed" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.ImageBase64 == "" && req.Text == "" {
			t.Error("Expected image or text in request")
		}

		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = float32(i) * 0.1
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: vec})
	}))
}

func TestEmbedImageReturnsVisualDimension(t *testing.T) {
	server := embeddingServer(t, 8)
	defer server.Close()

	client := NewEmbeddingClient(EmbeddingClientConfig{
		BaseURL:     server.URL,
		DimVisual:   8,
		DimSemantic: 4,
	}, testResilientClient(0))

	vec, err := client.EmbedImage(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Expected successful embedding, got: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("Expected 8 components, got %d", len(vec))
	}
}

func TestEmbedTextDimensionMismatchIsFatal(t *testing.T) {
	server := embeddingServer(t, 5) // wrong length on purpose
	defer server.Close()

	client := NewEmbeddingClient(EmbeddingClientConfig{
		BaseURL:     server.URL,
		DimVisual:   8,
		DimSemantic: 4,
	}, testResilientClient(3))

	_, err := client.EmbedText(context.Background(), "white marble, honed finish")
	var dme *resilience.DimensionMismatchError
	if !errors.As(err, &dme) {
		t.Fatalf("Expected DimensionMismatchError, got: %v", err)
	}
	if dme.Space != "semantic" || dme.Expected != 4 || dme.Actual != 5 {
		t.Fatalf("Unexpected mismatch detail: %+v", dme)
	}
}

func TestEmbedTextRejectsEmptyText(t *testing.T) {
	client := NewEmbeddingClient(EmbeddingClientConfig{BaseURL: "http://localhost:1"}, testResilientClient(0))
	_, err := client.EmbedText(context.Background(), "   ")
	var ve *resilience.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for empty text, got: %v", err)
	}
}

func TestEmbedRejectsEmptyResponseVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer server.Close()

	client := NewEmbeddingClient(EmbeddingClientConfig{BaseURL: server.URL, DimVisual: 8}, testResilientClient(0))
	_, err := client.EmbedImage(context.Background(), []byte("img"))
	var ve *resilience.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for empty embedding, got: %v", err)
	}
}
