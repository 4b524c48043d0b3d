package engine

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/samcharles93/seqfill/internal/tensor"
)

// flatModel returns all-zero logits, so every token has log probability
// -log(vocab). It records the token rows it receives.
type flatModel struct {
	vocab  int
	record [][]int
}

func (m *flatModel) Forward(_ context.Context, b Batch) (Output, error) {
	for _, row := range b.Tokens {
		m.record = append(m.record, append([]int(nil), row...))
	}
	out := Output{Logits: make([]tensor.Mat, len(b.Tokens))}
	for i, row := range b.Tokens {
		out.Logits[i] = tensor.NewMat(len(row), m.vocab)
	}
	return out, nil
}

func closeTo(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

// TestPerplexityMean checks the mean reduction under a uniform model:
// every scored position contributes -log(vocab).
func TestPerplexityMean(t *testing.T) {
	model := &flatModel{vocab: 4}
	res, err := Perplexity(context.Background(), model,
		[][]int{{1, 2, 3}},
		tensor.Mat{}, Positions{},
		[][]float32{{1, 1, 1}},
		PerplexityOptions{},
	)
	if err != nil {
		t.Fatalf("perplexity: %v", err)
	}
	want := float32(-math.Log(4))
	if len(res.Mean) != 1 || !closeTo(res.Mean[0], want) {
		t.Fatalf("mean = %v, want [%v]", res.Mean, want)
	}
}

// TestPerplexityNone checks the per-position reduction and that a zero
// loss-mask weight silences a position.
func TestPerplexityNone(t *testing.T) {
	model := &flatModel{vocab: 4}
	res, err := Perplexity(context.Background(), model,
		[][]int{{1, 2, 3}},
		tensor.Mat{}, Positions{},
		[][]float32{{1, 1, 0}},
		PerplexityOptions{Reduction: ReductionNone},
	)
	if err != nil {
		t.Fatalf("perplexity: %v", err)
	}
	if len(res.Scores) != 1 || len(res.Scores[0]) != 2 {
		t.Fatalf("scores shape = %v, want 1 row of 2", res.Scores)
	}
	if !closeTo(res.Scores[0][0], float32(-math.Log(4))) {
		t.Fatalf("position 0 score = %v", res.Scores[0][0])
	}
	if res.Scores[0][1] != 0 {
		t.Fatalf("masked position score = %v, want 0", res.Scores[0][1])
	}
}

// TestPerplexityPendingZeroed checks pending entries are scored as token
// zero with zero weight, without mutating the caller's buffers.
func TestPerplexityPendingZeroed(t *testing.T) {
	model := &flatModel{vocab: 4}
	tokens := [][]int{{1, Pending, 2}}
	lossMask := [][]float32{{1, 1, 1}}
	res, err := Perplexity(context.Background(), model, tokens, tensor.Mat{}, Positions{}, lossMask, PerplexityOptions{
		Reduction: ReductionNone,
	})
	if err != nil {
		t.Fatalf("perplexity: %v", err)
	}
	if !reflect.DeepEqual(model.record, [][]int{{1, 0, 2}}) {
		t.Fatalf("model saw %v, want pending replaced by 0", model.record)
	}
	if tokens[0][1] != Pending || lossMask[0][1] != 1 {
		t.Fatalf("caller buffers mutated: tokens=%v mask=%v", tokens, lossMask)
	}
	// The pending position carries zero weight.
	if res.Scores[0][0] != 0 {
		t.Fatalf("pending target score = %v, want 0", res.Scores[0][0])
	}
}

// TestPerplexityInvalidSlices checks that a banned vocabulary range drives
// the score of a target inside it to -Inf.
func TestPerplexityInvalidSlices(t *testing.T) {
	model := &flatModel{vocab: 4}
	res, err := Perplexity(context.Background(), model,
		[][]int{{0, 1}},
		tensor.Mat{}, Positions{},
		[][]float32{{1, 1}},
		PerplexityOptions{InvalidSlices: [][2]int{{1, 3}}},
	)
	if err != nil {
		t.Fatalf("perplexity: %v", err)
	}
	if !math.IsInf(float64(res.Mean[0]), -1) {
		t.Fatalf("mean = %v, want -Inf for banned target", res.Mean[0])
	}
}

// TestPerplexityBroadcastLossMask checks a single loss-mask row applies to
// every token row.
func TestPerplexityBroadcastLossMask(t *testing.T) {
	model := &flatModel{vocab: 4}
	res, err := Perplexity(context.Background(), model,
		[][]int{{1, 2, 3}, {3, 2, 1}},
		tensor.Mat{}, Positions{},
		[][]float32{{1, 1, 1}},
		PerplexityOptions{},
	)
	if err != nil {
		t.Fatalf("perplexity: %v", err)
	}
	if len(res.Mean) != 2 {
		t.Fatalf("means = %v, want 2 entries", res.Mean)
	}
}

// TestPerplexityUnknownReduction checks the explicit error, no fallback.
func TestPerplexityUnknownReduction(t *testing.T) {
	model := &flatModel{vocab: 4}
	_, err := Perplexity(context.Background(), model,
		[][]int{{1, 2}},
		tensor.Mat{}, Positions{},
		[][]float32{{1, 1}},
		PerplexityOptions{Reduction: "sum"},
	)
	if err == nil {
		t.Fatalf("expected error for unknown reduction")
	}
}
