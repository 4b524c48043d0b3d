package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/samcharles93/seqfill/internal/memory"
	"github.com/samcharles93/seqfill/internal/strategy"
	"github.com/samcharles93/seqfill/internal/tensor"
)

// forwardCall records the shape of one model invocation so tests can
// assert the incremental-computation schedule.
type forwardCall struct {
	cols     int
	maskRows int
	maskCols int
	memLen   int
}

// scriptModel is a fake model whose argmax follows a script: call i makes
// token script[i] the best continuation for every row. Each layer emits a
// one-valued cache chunk so the memory path is exercised.
type scriptModel struct {
	vocab  int
	layers int
	dim    int
	script []int

	calls  int
	record []forwardCall
	err    error
}

func (m *scriptModel) Forward(_ context.Context, b Batch) (Output, error) {
	if m.err != nil {
		return Output{}, m.err
	}
	rows := len(b.Tokens)
	cols := len(b.Tokens[0])
	m.record = append(m.record, forwardCall{
		cols:     cols,
		maskRows: b.Mask.R,
		maskCols: b.Mask.C,
		memLen:   b.Memory.Length(),
	})

	want := m.script[min(m.calls, len(m.script)-1)]
	m.calls++

	out := Output{Logits: make([]tensor.Mat, rows)}
	for i := 0; i < rows; i++ {
		logits := tensor.NewMat(cols, m.vocab)
		for c := 0; c < cols; c++ {
			logits.Row(c)[want] = 5
		}
		out.Logits[i] = logits
	}
	out.Layers = make([]LayerState, m.layers)
	for l := 0; l < m.layers; l++ {
		kv := memory.NewChunk(rows, cols, m.dim)
		for i := range kv.Data {
			kv.Data[i] = float32(m.calls)
		}
		out.Layers[l] = LayerState{KV: kv}
	}
	return out, nil
}

func greedyWithEnd(end ...int) strategy.Strategy {
	return strategy.NewSampling(strategy.SamplingConfig{EndTokens: end})
}

// TestFillGreedyEndToken covers the documented scenario: sequence
// [5, 7, -1, -1] with end token 9 and a model whose argmax sequence is
// 8, 9. The filled sequence must be [5, 7, 8, 9] after exactly two model
// calls, with the second call forwarding only the single new column.
func TestFillGreedyEndToken(t *testing.T) {
	model := &scriptModel{vocab: 16, layers: 2, dim: 4, script: []int{8, 9}}
	tokens, mems, err := Fill(context.Background(), model, Sequence{5, 7, -1, -1}, FillOptions{
		Strategy: greedyWithEnd(9),
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if !reflect.DeepEqual(tokens, [][]int{{5, 7, 8, 9}}) {
		t.Fatalf("tokens = %v, want [[5 7 8 9]]", tokens)
	}
	if model.calls != 2 {
		t.Fatalf("model calls = %d, want 2", model.calls)
	}

	// First call forwards the whole context, second only the new column.
	want := []forwardCall{
		{cols: 2, maskRows: 2, maskCols: 2, memLen: 0},
		{cols: 1, maskRows: 1, maskCols: 3, memLen: 2},
	}
	if !reflect.DeepEqual(model.record, want) {
		t.Fatalf("forward schedule = %+v, want %+v", model.record, want)
	}
	if mems.Length() != 3 {
		t.Fatalf("terminal memory length = %d, want 3", mems.Length())
	}
}

// TestFillStepCount checks that with context length C and all trailing
// entries pending, the loop makes exactly len-C model calls when the
// strategy never completes early.
func TestFillStepCount(t *testing.T) {
	model := &scriptModel{vocab: 8, layers: 1, dim: 2, script: []int{3}}
	tokens, mems, err := Fill(context.Background(), model, Sequence{1, 2, -1, -1, -1, -1}, FillOptions{
		Strategy: greedyWithEnd(),
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if model.calls != 4 {
		t.Fatalf("model calls = %d, want 4", model.calls)
	}
	if len(tokens[0]) != 6 {
		t.Fatalf("row length = %d, want 6", len(tokens[0]))
	}
	// The last generated token is never forwarded.
	if mems.Length() != 5 {
		t.Fatalf("terminal memory length = %d, want 5", mems.Length())
	}
}

// TestFillProvidedPassthrough checks that provided entries after the
// context are committed verbatim without a model call and batched into
// the next forward pass.
func TestFillProvidedPassthrough(t *testing.T) {
	model := &scriptModel{vocab: 16, layers: 1, dim: 2, script: []int{3, 4}}
	tokens, _, err := Fill(context.Background(), model, Sequence{5, -1, 7, -1}, FillOptions{
		Strategy: greedyWithEnd(),
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if !reflect.DeepEqual(tokens, [][]int{{5, 3, 7, 4}}) {
		t.Fatalf("tokens = %v, want [[5 3 7 4]]", tokens)
	}
	if model.calls != 2 {
		t.Fatalf("model calls = %d, want 2", model.calls)
	}
	// The provided token rides along with the next pending column.
	if model.record[1].cols != 2 {
		t.Fatalf("second call forwarded %d columns, want 2", model.record[1].cols)
	}
}

// TestFillFullyProvided checks that a sequence without pending entries
// returns unchanged without any model call.
func TestFillFullyProvided(t *testing.T) {
	model := &scriptModel{vocab: 8, layers: 1, dim: 2, script: []int{0}}
	tokens, _, err := Fill(context.Background(), model, Sequence{1, 2, 3}, FillOptions{
		Strategy: greedyWithEnd(),
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if !reflect.DeepEqual(tokens, [][]int{{1, 2, 3}}) {
		t.Fatalf("tokens = %v, want [[1 2 3]]", tokens)
	}
	if model.calls != 0 {
		t.Fatalf("model calls = %d, want 0", model.calls)
	}
}

// TestFillNoContext checks the fatal configuration error for a sequence
// that starts with a pending entry.
func TestFillNoContext(t *testing.T) {
	model := &scriptModel{vocab: 8, layers: 1, dim: 2, script: []int{0}}
	_, _, err := Fill(context.Background(), model, Sequence{-1, -1}, FillOptions{
		Strategy: greedyWithEnd(),
	})
	if !errors.Is(err, ErrNoContext) {
		t.Fatalf("err = %v, want ErrNoContext", err)
	}
}

// TestFillWidensBatchToBeams checks that a batch size below the beam
// width is corrected rather than rejected.
func TestFillWidensBatchToBeams(t *testing.T) {
	model := &scriptModel{vocab: 8, layers: 1, dim: 2, script: []int{3}}
	tokens, _, err := Fill(context.Background(), model, Sequence{1, -1, -1}, FillOptions{
		BatchSize: 1,
		Strategy:  strategy.NewBeamSearch(strategy.BeamSearchConfig{NumBeams: 3}),
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("finalized rows = %d, want beam width 3", len(tokens))
	}
}

// TestFillMemoryCap checks the rolling cache stays within MaxMemoryLength
// across a long generation.
func TestFillMemoryCap(t *testing.T) {
	model := &scriptModel{vocab: 8, layers: 1, dim: 2, script: []int{3}}
	_, mems, err := Fill(context.Background(), model, Sequence{1, 2, -1, -1, -1, -1, -1, -1}, FillOptions{
		Strategy:        greedyWithEnd(),
		MaxMemoryLength: 3,
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if mems.Length() != 3 {
		t.Fatalf("terminal memory length = %d, want capped 3", mems.Length())
	}
	for _, call := range model.record {
		if call.memLen > 3 {
			t.Fatalf("model saw memory length %d beyond the cap", call.memLen)
		}
	}
}

// TestFillResumeFromMemory checks multi-phase generation: with supplied
// memory covering part of the context, the first forward pass skips the
// already-cached columns.
func TestFillResumeFromMemory(t *testing.T) {
	prior := memory.Update([]memory.Chunk{memory.NewChunk(1, 2, 4)}, nil, 100)

	model := &scriptModel{vocab: 16, layers: 1, dim: 4, script: []int{9}}
	tokens, _, err := Fill(context.Background(), model, Sequence{5, 7, 8, -1}, FillOptions{
		Strategy: greedyWithEnd(),
		Memory:   prior,
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if !reflect.DeepEqual(tokens, [][]int{{5, 7, 8, 9}}) {
		t.Fatalf("tokens = %v, want [[5 7 8 9]]", tokens)
	}
	if model.record[0].cols != 1 {
		t.Fatalf("first call forwarded %d columns, want 1 (resume at cached length)", model.record[0].cols)
	}
	if model.record[0].memLen != 2 {
		t.Fatalf("first call saw memory length %d, want 2", model.record[0].memLen)
	}
}

// TestFillModelError checks model failures abort the call.
func TestFillModelError(t *testing.T) {
	wantErr := errors.New("device lost")
	model := &scriptModel{vocab: 8, layers: 1, dim: 2, script: []int{0}, err: wantErr}
	_, _, err := Fill(context.Background(), model, Sequence{1, -1}, FillOptions{
		Strategy: greedyWithEnd(),
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
}

// TestFillCancelledContext checks the loop honours context cancellation
// between steps.
func TestFillCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptModel{vocab: 8, layers: 1, dim: 2, script: []int{0}}
	_, _, err := Fill(ctx, model, Sequence{1, -1}, FillOptions{
		Strategy: greedyWithEnd(),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
