package engine

import (
	"context"
	"iter"

	"github.com/samcharles93/seqfill/internal/memory"
	"github.com/samcharles93/seqfill/internal/tensor"
)

// Step is the state handed to the consumer after each model-advancing
// iteration of the streaming loop: the token buffer as the strategy left
// it, the last-step logits already broadcast to the batch width, and the
// merged memory.
type Step struct {
	Tokens [][]int
	Logits tensor.Mat
	Memory *memory.Memory
}

// StreamFill is the incremental variant of Fill. It returns a lazy,
// finite, non-restartable sequence of steps; the loop suspends after every
// generated token and resumes when the consumer pulls the next value.
// Stopping the pull abandons the loop — no cleanup is needed since no
// external resources are held.
//
// The consumer is responsible for calling the strategy's Finalize on the
// last yielded state if it wants the finalized artifact; the sequence
// itself carries no terminal finalized value. Unlike Fill, the streaming
// path does not thread the cross-attention cache between steps.
func StreamFill(ctx context.Context, model Model, seq Sequence, opts FillOptions) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		st, err := newFillState(ctx, seq, opts)
		if err != nil {
			yield(Step{}, err)
			return
		}
		for st.counter < len(seq)-1 {
			if err := ctx.Err(); err != nil {
				yield(Step{}, err)
				return
			}
			if seq[st.counter+1] >= 0 {
				st.appendProvided()
				continue
			}
			logits, err := st.step(ctx, model, false)
			if err != nil {
				yield(Step{}, err)
				return
			}
			if !yield(Step{Tokens: st.tokens, Logits: logits, Memory: st.mems}, nil) {
				return
			}
			if st.strat.Done() {
				return
			}
		}
	}
}
