package memory

import "testing"

// chunkFilled builds a [batch, length, dim] chunk whose (row, col) vectors
// are all set to the given base value plus the column index, so eviction
// order is visible in the merged result.
func chunkFilled(batch, length, dim int, base float32) Chunk {
	c := NewChunk(batch, length, dim)
	for r := 0; r < batch; r++ {
		for col := 0; col < length; col++ {
			vec := c.At(r, col)
			for d := range vec {
				vec[d] = base + float32(col)
			}
		}
	}
	return c
}

// TestUpdateIdentity ensures that merging no chunks returns the previous
// memory unchanged, including the nil case.
func TestUpdateIdentity(t *testing.T) {
	if got := Update(nil, nil, 10); got != nil {
		t.Fatalf("expected nil memory, got length %d", got.Length())
	}
	prev := New(2, 1, 3, 4)
	if got := Update(nil, prev, 10); got != prev {
		t.Fatalf("expected identical memory back")
	}
}

// TestUpdateRoundTrip checks that below capacity the merged length equals
// exactly the cumulative number of forwarded columns.
func TestUpdateRoundTrip(t *testing.T) {
	var mems *Memory
	total := 0
	for step, q := range []int{3, 1, 2, 1} {
		chunks := []Chunk{chunkFilled(1, q, 2, float32(10 * step))}
		mems = Update(chunks, mems, 100)
		total += q
		if mems.Length() != total {
			t.Fatalf("after step %d: length %d, want %d", step, mems.Length(), total)
		}
	}
}

// TestUpdateEviction covers the documented scenario: previous length 5,
// max length 8, new chunk length 4. The merged memory must be length 8,
// holding the previous memory's last 4 columns followed by the new chunk.
func TestUpdateEviction(t *testing.T) {
	prev := Update([]Chunk{chunkFilled(1, 5, 2, 100)}, nil, 100)
	merged := Update([]Chunk{chunkFilled(1, 4, 2, 200)}, prev, 8)

	if merged.Length() != 8 {
		t.Fatalf("merged length %d, want 8", merged.Length())
	}
	// Columns 0..3 are prev columns 1..4, columns 4..7 are the new chunk.
	for c := 0; c < 4; c++ {
		if got, want := merged.At(0, 0, c)[0], float32(100+c+1); got != want {
			t.Fatalf("kept column %d holds %v, want %v", c, got, want)
		}
	}
	for c := 0; c < 4; c++ {
		if got, want := merged.At(0, 0, 4+c)[0], float32(200+c); got != want {
			t.Fatalf("new column %d holds %v, want %v", c, got, want)
		}
	}
}

// TestUpdateChunkExceedsBudget checks that when the new chunk alone fills
// the budget, only its most recent columns survive.
func TestUpdateChunkExceedsBudget(t *testing.T) {
	prev := Update([]Chunk{chunkFilled(1, 3, 2, 100)}, nil, 100)
	merged := Update([]Chunk{chunkFilled(1, 6, 2, 200)}, prev, 4)

	if merged.Length() != 4 {
		t.Fatalf("merged length %d, want 4", merged.Length())
	}
	for c := 0; c < 4; c++ {
		if got, want := merged.At(0, 0, c)[0], float32(200+c+2); got != want {
			t.Fatalf("column %d holds %v, want %v", c, got, want)
		}
	}
}

// TestUpdateNeverExceedsMax drives many merges and checks the capacity
// invariant holds throughout.
func TestUpdateNeverExceedsMax(t *testing.T) {
	var mems *Memory
	for i := 0; i < 20; i++ {
		mems = Update([]Chunk{chunkFilled(1, 3, 2, float32(i))}, mems, 7)
		if mems.Length() > 7 {
			t.Fatalf("iteration %d: length %d exceeds max 7", i, mems.Length())
		}
	}
	if mems.Length() != 7 {
		t.Fatalf("steady-state length %d, want 7", mems.Length())
	}
}

// TestUpdateBroadcastsBatch checks that a single-row previous memory is
// broadcast when the incoming chunk is wider (beam expansion).
func TestUpdateBroadcastsBatch(t *testing.T) {
	prev := Update([]Chunk{chunkFilled(1, 2, 2, 100)}, nil, 100)
	merged := Update([]Chunk{chunkFilled(3, 1, 2, 200)}, prev, 100)

	if merged.Batch() != 3 || merged.Length() != 3 {
		t.Fatalf("merged shape batch=%d length=%d, want 3x3", merged.Batch(), merged.Length())
	}
	for r := 0; r < 3; r++ {
		if got := merged.At(0, r, 0)[0]; got != 100 {
			t.Fatalf("row %d column 0 holds %v, want broadcast 100", r, got)
		}
		if got := merged.At(0, r, 2)[0]; got != 200 {
			t.Fatalf("row %d column 2 holds %v, want 200", r, got)
		}
	}
}

// TestGatherRows checks beam-style reordering, including repeated indices.
func TestGatherRows(t *testing.T) {
	chunk := NewChunk(3, 1, 1)
	for r := 0; r < 3; r++ {
		chunk.At(r, 0)[0] = float32(r)
	}
	mems := Stack([]Chunk{chunk})

	got := mems.GatherRows([]int{2, 0, 2})
	want := []float32{2, 0, 2}
	for r := range want {
		if v := got.At(0, r, 0)[0]; v != want[r] {
			t.Fatalf("gathered row %d holds %v, want %v", r, v, want[r])
		}
	}
	if mems.At(0, 1, 0)[0] != 1 {
		t.Fatalf("gather mutated its source")
	}
}

// TestStackShapeMismatch ensures mismatched layer chunks panic loudly
// instead of silently corrupting the cache.
func TestStackShapeMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on mismatched chunk shapes")
		}
	}()
	Stack([]Chunk{NewChunk(1, 2, 2), NewChunk(1, 3, 2)})
}
