package storage

import (
	"errors"

	"github.com/scrypster/materio/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates a queue status update that violates
	// the state machine.
	ErrInvalidTransition = errors.New("invalid queue status transition")
)

// EmbeddingSpace names one of the two vector spaces a result carries.
type EmbeddingSpace string

const (
	// SpaceVisual is the appearance-similarity embedding space.
	SpaceVisual EmbeddingSpace = "visual"

	// SpaceSemantic is the description-derived embedding space.
	SpaceSemantic EmbeddingSpace = "semantic"
)

// IsValid checks whether the space is one of the known spaces.
func (s EmbeddingSpace) IsValid() bool {
	return s == SpaceVisual || s == SpaceSemantic
}

// Candidate is one VectorSearch hit: the full stored result plus the
// cosine similarity in the space that was searched.
type Candidate struct {
	Result     *types.AnalysisResult
	Similarity float64
}
