// Package toy provides a deterministic stand-in model so the CLI and the
// server can exercise the filling loop end to end without loading real
// weights. Checkpoint loading is outside this repository's scope.
package toy

import (
	"context"

	"github.com/samcharles93/seqfill/internal/engine"
	"github.com/samcharles93/seqfill/internal/memory"
	"github.com/samcharles93/seqfill/internal/tensor"
)

// Model is a minimal language model implementing engine.Model. Its logits
// for a position are a pure function of the token at that position, the
// position ids and the seed, so identical inputs always produce identical
// generations. Each layer emits a key/value chunk derived the same way,
// which gives the memory path realistic shapes to manage.
type Model struct {
	Vocab  int
	Layers int
	Dim    int
	Seed   int64
}

// New constructs a toy model. Vocab and Layers must be at least 1.
func New(vocab, layers, dim int, seed int64) *Model {
	if vocab < 1 {
		vocab = 1
	}
	if layers < 1 {
		layers = 1
	}
	if dim < 1 {
		dim = 1
	}
	return &Model{Vocab: vocab, Layers: layers, Dim: dim, Seed: seed}
}

// Forward produces logits for every forwarded position of every row plus
// one cache chunk per layer. The batch's memory is read-only input; the
// loop owns merging.
func (m *Model) Forward(_ context.Context, batch engine.Batch) (engine.Output, error) {
	rows := len(batch.Tokens)
	cols := 0
	if rows > 0 {
		cols = len(batch.Tokens[0])
	}

	out := engine.Output{Logits: make([]tensor.Mat, rows)}
	for i := 0; i < rows; i++ {
		logits := tensor.NewMat(cols, m.Vocab)
		for c := 0; c < cols; c++ {
			tok := batch.Tokens[i][c]
			pos := batch.Positions.Rows[0][c]
			vec := logits.Row(c)
			for v := 0; v < m.Vocab; v++ {
				vec[v] = m.score(tok, pos, v)
			}
		}
		out.Logits[i] = logits
	}

	out.Layers = make([]engine.LayerState, m.Layers)
	for l := 0; l < m.Layers; l++ {
		kv := memory.NewChunk(rows, cols, m.Dim)
		for i := 0; i < rows; i++ {
			for c := 0; c < cols; c++ {
				cell := kv.At(i, c)
				for d := range cell {
					cell[d] = m.score(batch.Tokens[i][c], l, d)
				}
			}
		}
		out.Layers[l] = engine.LayerState{KV: kv}
	}
	return out, nil
}

// score mixes its inputs with a splitmix-style hash and maps the result
// into [-1, 1).
func (m *Model) score(a, b, c int) float32 {
	x := uint64(m.Seed)*0x9e3779b97f4a7c15 ^ uint64(a)<<42 ^ uint64(b)<<21 ^ uint64(c)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return float32(x%2000)/1000 - 1
}
