package engine

import "github.com/samcharles93/seqfill/internal/tensor"

// Positions holds the position-id rows for a sequence. Plain causal
// generation uses a single increasing row; masked infilling uses two rows
// (absolute position / offset into the generated span) so the model can
// tell "where in the original text" apart from "how far into the fill".
type Positions struct {
	Rows [][]int
}

// Slice returns a view of columns [lo, hi) of every row.
func (p Positions) Slice(lo, hi int) Positions {
	rows := make([][]int, len(p.Rows))
	for i, r := range p.Rows {
		rows[i] = r[lo:hi]
	}
	return Positions{Rows: rows}
}

// Len reports the number of columns.
func (p Positions) Len() int {
	if len(p.Rows) == 0 {
		return 0
	}
	return len(p.Rows[0])
}

// Layout bundles the initial tokens, attention mask and position ids for
// one generation call.
type Layout struct {
	Tokens    [][]int
	Mask      tensor.Mat
	Positions Positions
}

// LayoutFunc builds a layout from a sequence. DefaultLayout is used when
// the filling options leave it nil; infill callers close over their mask
// position and context length with InfillLayout.
type LayoutFunc func(Sequence) Layout

// DefaultLayout produces the plain causal layout: a batch-of-1 token row,
// a strictly lower-triangular mask and a single increasing position row.
// Pure function of its input.
func DefaultLayout(seq Sequence) Layout {
	n := len(seq)
	mask := tensor.NewMat(n, n)
	for i := 0; i < n; i++ {
		row := mask.Row(i)
		for j := 0; j <= i; j++ {
			row[j] = 1
		}
	}
	pos := make([]int, n)
	for i := range pos {
		pos[i] = i
	}
	return Layout{
		Tokens:    [][]int{append([]int(nil), seq...)},
		Mask:      mask,
		Positions: Positions{Rows: [][]int{pos}},
	}
}

// InfillLayout produces the masked-infill layout: causal attention except
// that the context block (the first contextLength columns) is visible to
// every row, and the two-row position scheme — row 0 counts through the
// context then repeats maskPosition, row 1 is zero through the context
// then counts the generated span from 1. Pure function of its inputs;
// the caller validates contextLength upstream.
func InfillLayout(seq Sequence, maskPosition, contextLength int) Layout {
	n := len(seq)
	mask := tensor.NewMat(n, n)
	for i := 0; i < n; i++ {
		row := mask.Row(i)
		for j := 0; j <= i; j++ {
			row[j] = 1
		}
		for j := 0; j < contextLength && j < n; j++ {
			row[j] = 1
		}
	}

	pos := make([]int, n)
	block := make([]int, n)
	for i := 0; i < n; i++ {
		if i < contextLength {
			pos[i] = i
		} else {
			pos[i] = maskPosition
			block[i] = i - contextLength + 1
		}
	}
	return Layout{
		Tokens:    [][]int{append([]int(nil), seq...)},
		Mask:      mask,
		Positions: Positions{Rows: [][]int{pos, block}},
	}
}
