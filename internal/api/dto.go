package api

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/seqfill/internal/strategy"
)

// FillRequest asks the server to fill the pending entries of a sequence.
// Negative entries mark positions to generate.
type FillRequest struct {
	Sequence []int `json:"sequence"`

	BatchSize       int  `json:"batch_size,omitempty"`
	MaxMemoryLength int  `json:"max_memory_length,omitempty"`
	Stream          bool `json:"stream,omitempty"`

	// MaskPosition switches the request to the masked-infill layout. When
	// set, ContextLength defaults to the sequence's provided prefix.
	MaskPosition  *int `json:"mask_position,omitempty"`
	ContextLength *int `json:"context_length,omitempty"`

	Strategy StrategyRequest `json:"strategy"`
}

// StrategyRequest selects and configures the decoding strategy by name.
// Unknown names are rejected outright.
type StrategyRequest struct {
	Name string `json:"name"`

	// Sampling
	Temperature float64 `json:"temperature,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
	EndTokens   []int   `json:"end_tokens,omitempty"`

	// Beam search
	NumBeams          int     `json:"num_beams,omitempty"`
	LengthPenalty     float64 `json:"length_penalty,omitempty"`
	NoRepeatNGramSize int     `json:"no_repeat_ngram_size,omitempty"`
	MinTargetLength   int     `json:"min_tgt_length,omitempty"`
	ConsiderEnd       bool    `json:"consider_end,omitempty"`
}

// FillResponse is the blocking fill result.
type FillResponse struct {
	ID           string  `json:"id"`
	Object       string  `json:"object"`
	Created      int64   `json:"created"`
	Sequences    [][]int `json:"sequences"`
	MemoryLength int     `json:"memory_length"`
}

// fillStepEvent is one SSE payload of a streaming fill.
type fillStepEvent struct {
	Type           string  `json:"type"`
	ID             string  `json:"id"`
	Tokens         [][]int `json:"tokens,omitempty"`
	Sequences      [][]int `json:"sequences,omitempty"`
	SequenceNumber int     `json:"sequence_number"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// BuildStrategy constructs the decoding strategy a request names.
// An unknown name is an explicit error with no fallback.
func BuildStrategy(req StrategyRequest) (strategy.Strategy, error) {
	switch req.Name {
	case "", "sampling":
		return strategy.NewSampling(strategy.SamplingConfig{
			Seed:        req.Seed,
			Temperature: float32(req.Temperature),
			TopK:        req.TopK,
			TopP:        float32(req.TopP),
			EndTokens:   req.EndTokens,
		}), nil
	case "beam":
		return strategy.NewBeamSearch(strategy.BeamSearchConfig{
			NumBeams:          req.NumBeams,
			LengthPenalty:     req.LengthPenalty,
			EndTokens:         req.EndTokens,
			NoRepeatNGramSize: req.NoRepeatNGramSize,
			MinTargetLength:   req.MinTargetLength,
			ConsiderEnd:       req.ConsiderEnd,
		}), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", req.Name)
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decode request: %w", err)
	}
	return v, nil
}
