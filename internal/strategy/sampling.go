package strategy

import (
	"math"
	"math/rand"

	"github.com/samcharles93/seqfill/internal/memory"
	"github.com/samcharles93/seqfill/internal/tensor"
)

// SamplingConfig configures a Sampling strategy. The zero value selects
// greedy decoding (argmax) with no end tokens.
type SamplingConfig struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
	EndTokens   []int
}

// Sampling is the greedy/sampling strategy: temperature scaling, top-k
// truncation and multinomial draw (or argmax when the temperature is not
// positive), one token per batch row. Generation completes once every
// row's newest token is an end token.
type Sampling struct {
	rng    *rand.Rand
	cfg    SamplingConfig
	greedy bool
	done   bool

	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampling returns a sampling strategy with the provided configuration.
func NewSampling(cfg SamplingConfig) *Sampling {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampling{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Advance samples one token per row and appends it. Rows that already
// ended keep sampling; completion requires every row's last token to be an
// end token at the same step.
func (s *Sampling) Advance(logits tensor.Mat, tokens [][]int, mems *memory.Memory) ([][]int, *memory.Memory) {
	allEnded := len(s.cfg.EndTokens) > 0
	for i := 0; i < logits.R; i++ {
		tok := s.sampleRow(logits.Row(i))
		tokens[i] = append(tokens[i], tok)
		if !isEndToken(s.cfg.EndTokens, tok) {
			allEnded = false
		}
	}
	if allEnded {
		s.done = true
	}
	return tokens, mems
}

// Done reports whether every row has produced an end token.
func (s *Sampling) Done() bool { return s.done }

// Finalize returns the buffer unchanged and rearms the strategy so the
// same instance can serve the next call.
func (s *Sampling) Finalize(tokens [][]int, mems *memory.Memory) ([][]int, *memory.Memory) {
	s.done = false
	return tokens, mems
}

// sampleRow draws a single index from one row of logits:
//
//  1. Greedy configurations return the argmax immediately.
//  2. Logits are scaled by the inverse temperature and the top k values
//     are shortlisted (k defaults to the whole vocabulary).
//  3. A softmax over the shortlist is computed with the usual max
//     subtraction for numerical stability.
//  4. If TopP < 1 the shortlist is truncated once the cumulative
//     probability reaches TopP, then a uniform draw selects the index.
func (s *Sampling) sampleRow(logits []float32) int {
	if s.greedy {
		return argmax(logits)
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := s.cfg.TopK
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}

	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	for i := 1; i < len(topVal); i++ {
		if topVal[i] > maxv {
			maxv = topVal[i]
		}
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// argmax returns the index of the maximum value in the slice. If the slice
// is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits,
// scaled by invTemp, ordered from largest to smallest. O(V*K) insertion,
// suitable for small K.
func (s *Sampling) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	if len(topIdx) == 0 {
		return []int{0}, []float32{0}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
