// Package strategy provides the pluggable decoding policies the filling
// loop delegates token selection to. The loop is written once against the
// Strategy interface and never branches on the concrete type.
package strategy

import (
	"github.com/samcharles93/seqfill/internal/memory"
	"github.com/samcharles93/seqfill/internal/tensor"
)

// Strategy converts the logits of one generation step into committed
// tokens and a completion signal.
//
// Advance receives the last-position logits broadcast to the batch width
// ([batch, vocab]), the running token buffer (one row per batch entry, all
// rows sharing the committed prefix length) and the current memory. It
// returns the token buffer with one token appended per surviving row and
// the memory reordered to match any row permutation it performed. The
// memory must follow its owning row: it is per-row state.
//
// Done reports whether generation should stop. Finalize produces the final
// artifact from the last buffer state and resets the strategy for reuse.
//
// A strategy that needs a minimum batch width (beam search) additionally
// implements interface{ NumBeams() int }; the loop widens the batch to it.
type Strategy interface {
	Advance(logits tensor.Mat, tokens [][]int, mems *memory.Memory) ([][]int, *memory.Memory)
	Done() bool
	Finalize(tokens [][]int, mems *memory.Memory) ([][]int, *memory.Memory)
}

func isEndToken(endTokens []int, tok int) bool {
	for _, e := range endTokens {
		if e == tok {
			return true
		}
	}
	return false
}
