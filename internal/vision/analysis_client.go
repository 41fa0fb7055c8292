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
	"github.com/scrypster/materio/pkg/types"
)

// analysisInstruction is the fixed instruction sent with every analysis
// request. Keeping it fixed keeps the response schema stable.
const analysisInstruction = `Analyze this material sample image. Respond with JSON containing ` +
	`material_type (required), surface_texture, color_description, finish_type, ` +
	`pattern_grain, reflectivity, structural_properties (string map), and ` +
	`confidence (0.0-1.0).`

// AnalysisClient talks to the external vision-analysis service.
// It implements Analyzer.
type AnalysisClient struct {
	baseURL   string
	model     string
	client    *http.Client
	resilient *resilience.ServiceClient
}

// AnalysisClientConfig holds vision service connection settings.
type AnalysisClientConfig struct {
	// BaseURL is the vision service endpoint (default: http://localhost:8085)
	BaseURL string

	// Model is the analysis model identifier (default: material-vision-v2)
	Model string

	// HTTPTimeout bounds the raw HTTP round trip. The resilient
	// client's own timeout is usually tighter. Default: 60s
	HTTPTimeout time.Duration
}

// NewAnalysisClient creates a vision analysis client. The resilient
// client is injected and shared with every other caller of the same
// service so quota enforcement stays correct.
func NewAnalysisClient(config AnalysisClientConfig, resilient *resilience.ServiceClient) *AnalysisClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8085"
	}
	if config.Model == "" {
		config.Model = "material-vision-v2"
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 60 * time.Second
	}

	return &AnalysisClient{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		model:     config.Model,
		client:    &http.Client{Timeout: config.HTTPTimeout},
		resilient: resilient,
	}
}

// analyzeRequest is the request body for the /v1/analyze endpoint.
type analyzeRequest struct {
	Model       string `json:"model"`
	ImageBase64 string `json:"image_base64"`
	Instruction string `json:"instruction"`
}

// analyzeResponse mirrors the vision service's JSON. The service is
// effectively duck-typed, so everything is parsed into explicit fields
// and validated; malformed responses are rejected, never coerced.
type analyzeResponse struct {
	MaterialType         string            `json:"material_type"`
	SurfaceTexture       string            `json:"surface_texture"`
	ColorDescription     string            `json:"color_description"`
	FinishType           string            `json:"finish_type"`
	PatternGrain         string            `json:"pattern_grain"`
	Reflectivity         string            `json:"reflectivity"`
	StructuralProperties map[string]string `json:"structural_properties"`
	Confidence           *float64          `json:"confidence"`
}

// AnalyzeImage sends the image through the resilient client and returns
// validated structured properties.
func (c *AnalysisClient) AnalyzeImage(ctx context.Context, image []byte) (*AnalysisOutcome, error) {
	if len(image) == 0 {
		return nil, &resilience.ValidationError{Reason: "image is empty"}
	}

	result, err := c.resilient.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return c.analyze(ctx, image)
	})
	if err != nil {
		return nil, err
	}
	return result.(*AnalysisOutcome), nil
}

// ModelVersion returns the configured analysis model identifier.
func (c *AnalysisClient) ModelVersion() string {
	return c.model
}

func (c *AnalysisClient) analyze(ctx context.Context, image []byte) (*AnalysisOutcome, error) {
	reqBody := analyzeRequest{
		Model:       c.model,
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		Instruction: analysisInstruction,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/analyze", bytes.NewReader(jsonData))
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
		return nil, statusToError("vision analysis", resp.StatusCode, body)
	}

	var parsed analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &resilience.ValidationError{Reason: "malformed analysis response: " + err.Error(), Err: err}
	}

	return validateAnalysis(&parsed)
}

// validateAnalysis converts a raw response into an AnalysisOutcome,
// enforcing the required-field contract.
func validateAnalysis(parsed *analyzeResponse) (*AnalysisOutcome, error) {
	if strings.TrimSpace(parsed.MaterialType) == "" {
		return nil, &resilience.ValidationError{Reason: "analysis response missing material_type"}
	}
	if parsed.Confidence == nil {
		return nil, &resilience.ValidationError{Reason: "analysis response missing confidence"}
	}
	if *parsed.Confidence < 0 || *parsed.Confidence > 1 {
		return nil, &resilience.ValidationError{
			Reason: fmt.Sprintf("analysis confidence %g outside [0,1]", *parsed.Confidence),
		}
	}

	return &AnalysisOutcome{
		Properties: types.MaterialProperties{
			MaterialType:         strings.TrimSpace(parsed.MaterialType),
			SurfaceTexture:       parsed.SurfaceTexture,
			ColorDescription:     parsed.ColorDescription,
			FinishType:           parsed.FinishType,
			PatternGrain:         parsed.PatternGrain,
			Reflectivity:         parsed.Reflectivity,
			StructuralProperties: parsed.StructuralProperties,
		},
		Confidence: *parsed.Confidence,
	}, nil
}

// statusToError classifies an HTTP error status into the service error
// taxonomy: 5xx and 429 are transient, everything else is terminal.
func statusToError(service string, status int, body []byte) error {
	reason := fmt.Sprintf("%s returned status %d: %s", service, status, strings.TrimSpace(string(body)))
	if status >= 500 || status == http.StatusTooManyRequests {
		return &resilience.TransientServiceError{Reason: reason, StatusCode: status}
	}
	return &resilience.ValidationError{Reason: reason}
}
