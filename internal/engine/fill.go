package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/seqfill/internal/logger"
	"github.com/samcharles93/seqfill/internal/memory"
	"github.com/samcharles93/seqfill/internal/strategy"
	"github.com/samcharles93/seqfill/internal/tensor"
)

// ErrNoContext is returned when a sequence starts with a pending entry:
// generation needs at least one provided token to condition on.
var ErrNoContext = errors.New("sequence has no leading context tokens")

// DefaultMaxMemoryLength bounds the rolling cache when FillOptions leaves
// MaxMemoryLength unset.
const DefaultMaxMemoryLength = 100000

// FillOptions configures one generation call.
type FillOptions struct {
	// BatchSize is the number of parallel rows. It is raised to the
	// strategy's beam width when that is larger (with a debug notice, not
	// an error). Zero means 1.
	BatchSize int

	// Strategy selects tokens from logits. Nil defaults to greedy
	// sampling with no end tokens.
	Strategy strategy.Strategy

	// MaxMemoryLength caps the rolling cache; zero means
	// DefaultMaxMemoryLength.
	MaxMemoryLength int

	// Layout builds the initial mask and position ids; nil means
	// DefaultLayout.
	Layout LayoutFunc

	// Memory resumes from a previous call's terminal cache (multi-phase
	// generation). The next forward starts at its length.
	Memory *memory.Memory

	Exec ExecConfig
}

// Fill runs the blocking filling loop over seq and returns the strategy's
// finalized result. Provided entries after the context are committed
// verbatim without a model call; every pending entry costs exactly one
// model invocation over the unprocessed suffix.
func Fill(ctx context.Context, model Model, seq Sequence, opts FillOptions) ([][]int, *memory.Memory, error) {
	st, err := newFillState(ctx, seq, opts)
	if err != nil {
		return nil, nil, err
	}
	for st.counter < len(seq)-1 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if seq[st.counter+1] >= 0 {
			st.appendProvided()
			continue
		}
		if _, err := st.step(ctx, model, true); err != nil {
			return nil, nil, err
		}
		if st.strat.Done() {
			break
		}
	}
	tokens, mems := st.strat.Finalize(st.tokens, st.mems)
	return tokens, mems, nil
}

// fillState is the loop state shared by the blocking and streaming
// variants. counter is the index of the last committed position; index is
// the first column the next forward pass must cover and always equals the
// cache length.
type fillState struct {
	seq       Sequence
	batchSize int
	strat     strategy.Strategy
	maxMem    int
	exec      ExecConfig

	tokens    [][]int
	mask      tensor.Mat
	positions Positions

	counter int
	index   int
	mems    *memory.Memory
	cross   []memory.Chunk
}

func newFillState(ctx context.Context, seq Sequence, opts FillOptions) (*fillState, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	strat := opts.Strategy
	if strat == nil {
		strat = strategy.NewSampling(strategy.SamplingConfig{})
	}
	if wide, ok := strat.(interface{ NumBeams() int }); ok && batchSize < wide.NumBeams() {
		logger.FromContext(ctx).Debug("adjusting batch size to beam width",
			"batch_size", batchSize, "num_beams", wide.NumBeams())
		batchSize = wide.NumBeams()
	}

	contextLength := seq.ContextLength()
	if contextLength < 1 {
		return nil, fmt.Errorf("%w: first entry is pending", ErrNoContext)
	}

	layoutFn := opts.Layout
	if layoutFn == nil {
		layoutFn = DefaultLayout
	}
	lay := layoutFn(seq)

	maxMem := opts.MaxMemoryLength
	if maxMem <= 0 {
		maxMem = DefaultMaxMemoryLength
	}

	return &fillState{
		seq:       seq,
		batchSize: batchSize,
		strat:     strat,
		maxMem:    maxMem,
		exec:      opts.Exec,
		tokens:    [][]int{append([]int(nil), lay.Tokens[0][:contextLength]...)},
		mask:      lay.Mask,
		positions: lay.Positions,
		counter:   contextLength - 1,
		index:     opts.Memory.Length(),
		mems:      opts.Memory,
	}, nil
}

// appendProvided commits seq[counter+1] verbatim to every row. No model
// call: the token will be forwarded together with the next pending one.
func (st *fillState) appendProvided() {
	tok := st.seq[st.counter+1]
	for i := range st.tokens {
		st.tokens[i] = append(st.tokens[i], tok)
	}
	st.counter++
}

// step forwards tokens[:, index:counter+1] through the model, merges the
// returned activations into the memory, broadcasts to the batch width and
// delegates token selection to the strategy. It returns the broadcast
// last-position logits. keepCross threads the cross-attention cache
// across steps; the streaming variant runs without it.
func (st *fillState) step(ctx context.Context, model Model, keepCross bool) (tensor.Mat, error) {
	suffix := make([][]int, len(st.tokens))
	for i, row := range st.tokens {
		suffix[i] = row[st.index:]
	}

	out, err := model.Forward(ctx, Batch{
		Tokens:      suffix,
		Positions:   st.positions.Slice(st.index, st.counter+1),
		Mask:        st.mask.View(st.index, st.counter+1, 0, st.counter+1),
		Memory:      st.mems,
		CrossMemory: st.cross,
		Exec:        st.exec,
	})
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("model forward for position %d: %w", st.counter+1, err)
	}
	if len(out.Logits) != len(st.tokens) {
		return tensor.Mat{}, fmt.Errorf("model returned %d logit rows for %d token rows", len(out.Logits), len(st.tokens))
	}

	if keepCross && len(out.Layers) > 0 && out.Layers[0].CrossKV != nil {
		cross := make([]memory.Chunk, len(out.Layers))
		for i, l := range out.Layers {
			cross[i] = *l.CrossKV
		}
		st.cross = cross
	}
	if len(out.Layers) > 0 {
		kv := make([]memory.Chunk, len(out.Layers))
		for i, l := range out.Layers {
			kv[i] = l.KV
		}
		st.mems = memory.Update(kv, st.mems, st.maxMem)
	}

	st.counter++
	st.index = st.counter

	last, err := broadcastLastLogits(out.Logits, st.batchSize)
	if err != nil {
		return tensor.Mat{}, err
	}
	if err := st.broadcastTokens(); err != nil {
		return tensor.Mat{}, err
	}

	st.tokens, st.mems = st.strat.Advance(last, st.tokens, st.mems)
	return last, nil
}

// broadcastLastLogits extracts each row's last-position logits and widens
// the result to batchSize rows. Only a single row may be replicated; any
// other mismatch is a contract violation.
func broadcastLastLogits(logits []tensor.Mat, batchSize int) (tensor.Mat, error) {
	if len(logits) == 0 {
		return tensor.Mat{}, errors.New("model returned no logits")
	}
	vocab := logits[0].C
	out := tensor.NewMat(batchSize, vocab)
	switch {
	case len(logits) == batchSize:
		for i := range logits {
			copy(out.Row(i), logits[i].Row(logits[i].R-1))
		}
	case len(logits) == 1:
		lastRow := logits[0].Row(logits[0].R - 1)
		for i := 0; i < batchSize; i++ {
			copy(out.Row(i), lastRow)
		}
	default:
		return tensor.Mat{}, fmt.Errorf("cannot broadcast %d logit rows to batch size %d", len(logits), batchSize)
	}
	return out, nil
}

func (st *fillState) broadcastTokens() error {
	switch {
	case len(st.tokens) == st.batchSize:
		return nil
	case len(st.tokens) == 1:
		rows := make([][]int, st.batchSize)
		for i := range rows {
			rows[i] = append([]int(nil), st.tokens[0]...)
		}
		st.tokens = rows
		return nil
	default:
		return fmt.Errorf("cannot broadcast %d token rows to batch size %d", len(st.tokens), st.batchSize)
	}
}
