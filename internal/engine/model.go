package engine

import (
	"context"

	"github.com/samcharles93/seqfill/internal/memory"
	"github.com/samcharles93/seqfill/internal/tensor"
)

// Precision names the numeric working type a model should run in.
type Precision string

const (
	Float32 Precision = "float32"
	Float16 Precision = "float16"
)

// ExecConfig is the explicit execution context threaded into every model
// invocation in place of ambient process state.
type ExecConfig struct {
	Device    string
	Precision Precision
}

// Batch is one model invocation's input: the unprocessed token suffix plus
// the matching position and mask slices, the rolling memory accumulated so
// far and, for encoder-decoder models, the per-layer cross-attention cache.
type Batch struct {
	// Tokens is [batch, new columns]: only the columns the cache does not
	// cover yet.
	Tokens [][]int
	// Positions covers the same new columns.
	Positions Positions
	// Mask is the [new columns, processed columns] slice of the full
	// attention mask.
	Mask tensor.Mat
	// Memory may be nil on the first invocation.
	Memory *memory.Memory
	// CrossMemory is the per-layer cross-attention cache, nil when absent.
	CrossMemory []memory.Chunk

	Exec ExecConfig
}

// LayerState is the cacheable state one layer emitted for a forward pass.
type LayerState struct {
	// KV holds this pass's key/value activations, [batch, new columns, dim].
	KV memory.Chunk
	// CrossKV is the cross-attention cache entry, nil for decoder-only
	// models.
	CrossKV *memory.Chunk
}

// Output is what a model returns: logits for every forwarded position
// (one [columns, vocab] matrix per batch row) and per-layer state.
type Output struct {
	Logits []tensor.Mat
	Layers []LayerState
}

// Model is the black-box network contract. Implementations read the batch
// (including its memory) and must not retain or mutate it; the loop owns
// the memory and replaces it after every step.
type Model interface {
	Forward(ctx context.Context, batch Batch) (Output, error)
}
