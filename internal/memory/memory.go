// Package memory maintains the rolling cache of per-layer key/value
// activations that makes incremental forward passes possible. The cache is
// a value owned by the generation loop: every update allocates and returns
// a fresh Memory rather than mutating the previous one in place.
package memory

import "fmt"

// Chunk holds the activations one layer produced for a single forward pass,
// laid out row-major as [batch, length, dim]. Dim is the concatenated
// key/value width (2 x hidden for the usual transformer cache).
type Chunk struct {
	Batch  int
	Length int
	Dim    int
	Data   []float32
}

// NewChunk allocates a zeroed chunk with the given shape.
func NewChunk(batch, length, dim int) Chunk {
	return Chunk{
		Batch:  batch,
		Length: length,
		Dim:    dim,
		Data:   make([]float32, batch*length*dim),
	}
}

// At returns the dim-length vector stored for (row, col) as a mutable view.
func (c *Chunk) At(row, col int) []float32 {
	if row < 0 || row >= c.Batch || col < 0 || col >= c.Length {
		panic("chunk index out of range")
	}
	start := (row*c.Length + col) * c.Dim
	return c.Data[start : start+c.Dim]
}

// Memory is the accumulated cache across all layers, shaped
// [layers, batch, length, dim] in a single row-major backing array.
type Memory struct {
	layers int
	batch  int
	length int
	dim    int
	data   []float32
}

// New allocates a zeroed memory with the given shape.
func New(layers, batch, length, dim int) *Memory {
	if layers < 0 || batch < 0 || length < 0 || dim < 0 {
		panic("negative memory dimension")
	}
	return &Memory{
		layers: layers,
		batch:  batch,
		length: length,
		dim:    dim,
		data:   make([]float32, layers*batch*length*dim),
	}
}

func (m *Memory) Layers() int { return m.layers }
func (m *Memory) Batch() int  { return m.batch }
func (m *Memory) Dim() int    { return m.dim }

// Length reports the number of cached positions. A nil memory has length 0,
// so callers can use it directly as the resume offset for the next forward.
func (m *Memory) Length() int {
	if m == nil {
		return 0
	}
	return m.length
}

// At returns the dim-length vector for (layer, row, col) as a mutable view.
func (m *Memory) At(layer, row, col int) []float32 {
	if layer < 0 || layer >= m.layers || row < 0 || row >= m.batch || col < 0 || col >= m.length {
		panic("memory index out of range")
	}
	start := ((layer*m.batch+row)*m.length + col) * m.dim
	return m.data[start : start+m.dim]
}

// Stack combines per-layer chunks into the canonical layered layout. All
// chunks must share the same batch, length and dim.
func Stack(chunks []Chunk) *Memory {
	if len(chunks) == 0 {
		return nil
	}
	first := chunks[0]
	m := New(len(chunks), first.Batch, first.Length, first.Dim)
	for l, c := range chunks {
		if c.Batch != first.Batch || c.Length != first.Length || c.Dim != first.Dim {
			panic(fmt.Sprintf("layer %d chunk shape [%d %d %d] does not match layer 0 [%d %d %d]",
				l, c.Batch, c.Length, c.Dim, first.Batch, first.Length, first.Dim))
		}
		copy(m.data[l*first.Batch*first.Length*first.Dim:], c.Data)
	}
	return m
}

// Tail returns a copy holding only the most recent n cached positions.
func (m *Memory) Tail(n int) *Memory {
	if n < 0 || n > m.length {
		panic("tail length out of range")
	}
	out := New(m.layers, m.batch, n, m.dim)
	drop := m.length - n
	for l := 0; l < m.layers; l++ {
		for r := 0; r < m.batch; r++ {
			for c := 0; c < n; c++ {
				copy(out.At(l, r, c), m.At(l, r, drop+c))
			}
		}
	}
	return out
}

// GatherRows returns a copy whose batch rows are m's rows at the given
// indices, in order. It is how beam search makes the cache follow the
// surviving beams; indices may repeat.
func (m *Memory) GatherRows(rows []int) *Memory {
	out := New(m.layers, len(rows), m.length, m.dim)
	for l := 0; l < m.layers; l++ {
		for i, src := range rows {
			if src < 0 || src >= m.batch {
				panic("gather row index out of range")
			}
			for c := 0; c < m.length; c++ {
				copy(out.At(l, i, c), m.At(l, src, c))
			}
		}
	}
	return out
}

// expandRows broadcasts a single-row memory to the given batch width.
func (m *Memory) expandRows(batch int) *Memory {
	if m.batch == batch {
		return m
	}
	if m.batch != 1 {
		panic(fmt.Sprintf("cannot broadcast memory batch %d to %d", m.batch, batch))
	}
	out := New(m.layers, batch, m.length, m.dim)
	for l := 0; l < m.layers; l++ {
		for r := 0; r < batch; r++ {
			for c := 0; c < m.length; c++ {
				copy(out.At(l, r, c), m.At(l, 0, c))
			}
		}
	}
	return out
}

// Update merges the chunks a forward pass produced into the previous memory,
// bounded by maxLength positions.
//
// With no chunks the previous memory is returned unchanged. When the new
// chunk alone fills or exceeds the budget, only its most recent positions
// survive and the old memory is evicted entirely. Otherwise the result is
// the unevicted tail of the previous memory followed by the whole new chunk.
// A single-row previous memory is broadcast when the incoming batch is wider
// (the batch grew mid-generation, e.g. beam expansion).
func Update(chunks []Chunk, prev *Memory, maxLength int) *Memory {
	if len(chunks) == 0 {
		return prev
	}
	stacked := Stack(chunks)
	prevLen := prev.Length()
	queryLen := stacked.length
	newLen := min(maxLength, prevLen+queryLen)

	if newLen <= queryLen {
		return stacked.Tail(newLen)
	}
	if prev.batch < stacked.batch {
		prev = prev.expandRows(stacked.batch)
	}
	keep := prev.Tail(newLen - queryLen)
	return concat(keep, stacked)
}

// concat joins two memories along the length axis. Shapes must agree on
// layers, batch and dim.
func concat(a, b *Memory) *Memory {
	if a.layers != b.layers || a.batch != b.batch || a.dim != b.dim {
		panic("memory shape mismatch in concat")
	}
	out := New(a.layers, a.batch, a.length+b.length, a.dim)
	for l := 0; l < a.layers; l++ {
		for r := 0; r < a.batch; r++ {
			for c := 0; c < a.length; c++ {
				copy(out.At(l, r, c), a.At(l, r, c))
			}
			for c := 0; c < b.length; c++ {
				copy(out.At(l, r, a.length+c), b.At(l, r, c))
			}
		}
	}
	return out
}
