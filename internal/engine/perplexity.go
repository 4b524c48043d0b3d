package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/seqfill/internal/logger"
	"github.com/samcharles93/seqfill/internal/tensor"
)

// Reduction selects how per-position log likelihoods are aggregated.
type Reduction string

const (
	// ReductionMean averages the masked scores per example.
	ReductionMean Reduction = "mean"
	// ReductionNone keeps the masked per-position scores.
	ReductionNone Reduction = "none"
)

// PerplexityOptions configures scoring.
type PerplexityOptions struct {
	// InvalidSlices are [lo, hi) vocabulary ranges excluded from scoring;
	// their logits are forced to -Inf before the softmax.
	InvalidSlices [][2]int
	// Reduction defaults to ReductionMean. Anything other than the two
	// defined values is an explicit error, no fallback.
	Reduction Reduction
	Exec      ExecConfig
}

// PerplexityResult holds either the per-example means or the per-position
// scores, depending on the requested reduction.
type PerplexityResult struct {
	Mean   []float32
	Scores [][]float32
}

// Perplexity scores full token rows under the model in a single forward
// pass: per-position log likelihood of each next token, weighted by the
// loss mask. Pending (negative) entries are zeroed out of both the tokens
// and the mask. A single loss-mask row is broadcast across the batch.
func Perplexity(ctx context.Context, model Model, tokens [][]int, mask tensor.Mat, positions Positions, lossMask [][]float32, opts PerplexityOptions) (PerplexityResult, error) {
	reduction := opts.Reduction
	if reduction == "" {
		reduction = ReductionMean
	}
	if reduction != ReductionMean && reduction != ReductionNone {
		return PerplexityResult{}, fmt.Errorf("unknown reduction type %q", reduction)
	}
	if len(tokens) == 0 {
		return PerplexityResult{}, fmt.Errorf("no token rows to score")
	}

	if len(lossMask) == 1 && len(tokens) > 1 {
		rows := make([][]float32, len(tokens))
		for i := range rows {
			rows[i] = lossMask[0]
		}
		lossMask = rows
	}
	if len(lossMask) != len(tokens) {
		return PerplexityResult{}, fmt.Errorf("loss mask has %d rows for %d token rows", len(lossMask), len(tokens))
	}

	// Work on copies: pending entries are scored as token 0 with zero
	// weight, without touching the caller's buffers.
	cleanTokens := make([][]int, len(tokens))
	cleanMask := make([][]float32, len(tokens))
	sawPending := false
	for i := range tokens {
		if len(lossMask[i]) != len(tokens[i]) {
			return PerplexityResult{}, fmt.Errorf("loss mask row %d has length %d for %d tokens", i, len(lossMask[i]), len(tokens[i]))
		}
		cleanTokens[i] = append([]int(nil), tokens[i]...)
		cleanMask[i] = append([]float32(nil), lossMask[i]...)
		for j, t := range cleanTokens[i] {
			if t < 0 {
				cleanTokens[i][j] = 0
				cleanMask[i][j] = 0
				sawPending = true
			}
		}
	}
	if sawPending {
		logger.FromContext(ctx).Debug("ignoring pending entries in scored tokens")
	}

	out, err := model.Forward(ctx, Batch{
		Tokens:    cleanTokens,
		Positions: positions,
		Mask:      mask,
		Exec:      opts.Exec,
	})
	if err != nil {
		return PerplexityResult{}, fmt.Errorf("model forward: %w", err)
	}
	if len(out.Logits) != len(cleanTokens) {
		return PerplexityResult{}, fmt.Errorf("model returned %d logit rows for %d token rows", len(out.Logits), len(cleanTokens))
	}

	result := PerplexityResult{}
	for i, row := range cleanTokens {
		logits := out.Logits[i]
		if logits.R != len(row) {
			return PerplexityResult{}, fmt.Errorf("logit row %d covers %d positions for %d tokens", i, logits.R, len(row))
		}
		scores := make([]float32, len(row)-1)
		var sum, weight float64
		for t := 0; t+1 < len(row); t++ {
			vec := append([]float32(nil), logits.Row(t)...)
			for _, slc := range opts.InvalidSlices {
				for v := slc[0]; v < slc[1] && v < len(vec); v++ {
					vec[v] = float32(math.Inf(-1))
				}
			}
			lp := logProb(vec, row[t+1])
			w := cleanMask[i][t+1]
			scores[t] = float32(lp) * w
			sum += lp * float64(w)
			weight += float64(w)
		}
		switch reduction {
		case ReductionMean:
			mean := float32(0)
			if weight > 0 {
				mean = float32(sum / weight)
			}
			result.Mean = append(result.Mean, mean)
		case ReductionNone:
			result.Scores = append(result.Scores, scores)
		}
	}
	return result, nil
}

// logProb returns log(softmax(logits)[target]) in float64.
func logProb(logits []float32, target int) float64 {
	if target < 0 || target >= len(logits) {
		return math.Inf(-1)
	}
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxv))
	}
	return float64(logits[target]-maxv) - math.Log(sum)
}
