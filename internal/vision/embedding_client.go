package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scrypster/materio/internal/resilience"
)

// EmbeddingClient talks to the external embedding service for both
// embedding spaces. It implements Embedder.
type EmbeddingClient struct {
	baseURL     string
	visualModel string
	textModel   string
	dimVisual   int
	dimSemantic int
	client      *http.Client
	resilient   *resilience.ServiceClient
}

// EmbeddingClientConfig holds embedding service connection settings.
type EmbeddingClientConfig struct {
	// BaseURL is the embedding service endpoint (default: http://localhost:8086)
	BaseURL string

	// VisualModel embeds images (default: clip-vision-large)
	VisualModel string

	// TextModel embeds description text (default: material-text-embed)
	TextModel string

	// DimVisual is the expected visual embedding dimension (default: 512)
	DimVisual int

	// DimSemantic is the expected semantic embedding dimension (default: 384)
	DimSemantic int

	// HTTPTimeout bounds the raw HTTP round trip. Default: 30s
	HTTPTimeout time.Duration
}

// NewEmbeddingClient creates an embedding client sharing the injected
// resilient client with all other embedding callers.
func NewEmbeddingClient(config EmbeddingClientConfig, resilient *resilience.ServiceClient) *EmbeddingClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8086"
	}
	if config.VisualModel == "" {
		config.VisualModel = "clip-vision-large"
	}
	if config.TextModel == "" {
		config.TextModel = "material-text-embed"
	}
	if config.DimVisual == 0 {
		config.DimVisual = 512
	}
	if config.DimSemantic == 0 {
		config.DimSemantic = 384
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 30 * time.Second
	}

	return &EmbeddingClient{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		visualModel: config.VisualModel,
		textModel:   config.TextModel,
		dimVisual:   config.DimVisual,
		dimSemantic: config.DimSemantic,
		client:      &http.Client{Timeout: config.HTTPTimeout},
		resilient:   resilient,
	}
}

// embedRequest is the request body for the /v1/embed endpoint. Exactly
// one of ImageBase64 or Text is set.
type embedRequest struct {
	Model       string `json:"model"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Text        string `json:"text,omitempty"`
}

// embedResponse is the response from the /v1/embed endpoint.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedImage generates the visual-space embedding for image bytes.
func (c *EmbeddingClient) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, &resilience.ValidationError{Reason: "image is empty"}
	}
	req := embedRequest{
		Model:       c.visualModel,
		ImageBase64: base64.StdEncoding.EncodeToString(image),
	}
	return c.embed(ctx, req, "visual", c.dimVisual)
}

// EmbedText generates the semantic-space embedding for text.
func (c *EmbeddingClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &resilience.ValidationError{Reason: "text is empty"}
	}
	return c.embed(ctx, embedRequest{Model: c.textModel, Text: text}, "semantic", c.dimSemantic)
}

func (c *EmbeddingClient) embed(ctx context.Context, reqBody embedRequest, space string, wantDim int) ([]float32, error) {
	result, err := c.resilient.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return c.post(ctx, reqBody)
	})
	if err != nil {
		return nil, err
	}

	embedding := result.([]float32)
	if len(embedding) != wantDim {
		// A wrong-length vector means the model contract changed.
		// Fatal for this call; surfaced to operators, never retried.
		return nil, &resilience.DimensionMismatchError{
			Space:    space,
			Expected: wantDim,
			Actual:   len(embedding),
		}
	}

	return embedding, nil
}

func (c *EmbeddingClient) post(ctx context.Context, reqBody embedRequest) ([]float32, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &resilience.TransientServiceError{Reason: "request failed: " + err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusToError("embedding service", resp.StatusCode, body)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &resilience.ValidationError{Reason: "malformed embedding response: " + err.Error(), Err: err}
	}
	if len(parsed.Embedding) == 0 {
		return nil, &resilience.ValidationError{Reason: "embedding response missing embedding"}
	}

	return parsed.Embedding, nil
}
