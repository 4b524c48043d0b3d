package tensor

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; for a freshly
// allocated matrix it equals C, but views produced by View may have a
// larger stride into a shared backing array.
//
// Mat does not perform any memory safety beyond the checks performed by
// Go's slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i-th row of the matrix as a slice. The slice
// has length equal to the number of columns. Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 {
	if j < 0 || j >= m.C {
		panic("column index out of range")
	}
	return m.Row(i)[j]
}

// Set assigns the element at row i, column j.
func (m *Mat) Set(i, j int, v float32) {
	if j < 0 || j >= m.C {
		panic("column index out of range")
	}
	m.Row(i)[j] = v
}

// View returns the submatrix covering rows [r0, r1) and columns [c0, c1)
// without copying. The view shares backing storage with m.
func (m *Mat) View(r0, r1, c0, c1 int) Mat {
	if r0 < 0 || r1 > m.R || r0 > r1 || c0 < 0 || c1 > m.C || c0 > c1 {
		panic("view bounds out of range")
	}
	v := Mat{
		R:      r1 - r0,
		C:      c1 - c0,
		Stride: m.Stride,
	}
	if v.R > 0 && v.C > 0 {
		start := r0*m.Stride + c0
		v.Data = m.Data[start:]
	}
	return v
}

// Clone returns a compacted copy of m with stride equal to the column count.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}
