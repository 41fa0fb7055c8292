package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/scrypster/materio/internal/resilience"
)

// ImageLoader resolves a queue entry's image reference to raw bytes.
type ImageLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// RefImageLoader resolves two kinds of references: data URIs carrying
// base64-encoded image bytes (as produced by the HTTP ingest endpoint)
// and plain filesystem paths.
type RefImageLoader struct {
	// MaxBytes caps decoded image size. Zero means no cap.
	MaxBytes int
}

const dataURIPrefix = "data:"

// Load returns the image bytes for ref.
func (l *RefImageLoader) Load(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, &resilience.ValidationError{Reason: "image reference is empty"}
	}

	var data []byte
	if strings.HasPrefix(ref, dataURIPrefix) {
		payload := ref[len(dataURIPrefix):]
		if i := strings.Index(payload, ","); i >= 0 {
			payload = payload[i+1:]
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, &resilience.ValidationError{Reason: "invalid base64 image data", Err: err}
		}
		data = decoded
	} else {
		raw, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to read image %s: %w", ref, err)
		}
		data = raw
	}

	if len(data) == 0 {
		return nil, &resilience.ValidationError{Reason: "image is empty"}
	}
	if l.MaxBytes > 0 && len(data) > l.MaxBytes {
		return nil, &resilience.ValidationError{
			Reason: fmt.Sprintf("image exceeds size limit (%d > %d bytes)", len(data), l.MaxBytes),
		}
	}
	return data, nil
}
