package strategy

import (
	"math"
	"sort"

	"github.com/samcharles93/seqfill/internal/memory"
	"github.com/samcharles93/seqfill/internal/tensor"
)

// BeamSearchConfig configures a BeamSearch strategy. It is read once at
// construction and never mutated afterwards.
type BeamSearchConfig struct {
	NumBeams          int
	LengthPenalty     float64
	EndTokens         []int
	NoRepeatNGramSize int
	MinTargetLength   int

	// ConsiderEnd routes end-token candidates into a pool of completed
	// beams and keeps filling the live beams from the next-best
	// candidates. When false an end token occupies a live beam and the
	// search stops once every beam has ended.
	ConsiderEnd bool
}

type endedBeam struct {
	tokens []int
	score  float64 // length-penalized cumulative log probability
}

// BeamSearch keeps NumBeams candidate rows, scores every beam x vocab
// continuation by cumulative log probability each step and prunes back to
// the best NumBeams. The token buffer and the memory are gathered along
// the surviving beam indices so per-row cache state follows its beam.
//
// Ties between equally scored candidates are broken deterministically in
// favour of the lower flat candidate index (beam-major, then token id).
type BeamSearch struct {
	cfg     BeamSearchConfig
	scores  []float64
	steps   int
	ended   []endedBeam
	started bool
	done    bool
}

// NewBeamSearch returns a beam search strategy. NumBeams below 1 is raised
// to 1 and a non-positive length penalty defaults to 1.
func NewBeamSearch(cfg BeamSearchConfig) *BeamSearch {
	if cfg.NumBeams < 1 {
		cfg.NumBeams = 1
	}
	if cfg.LengthPenalty <= 0 {
		cfg.LengthPenalty = 1
	}
	return &BeamSearch{cfg: cfg}
}

// NumBeams reports the batch width the search needs; the filling loop
// widens its batch to this value.
func (b *BeamSearch) NumBeams() int { return b.cfg.NumBeams }

// Done reports whether the search has collected enough completed beams.
func (b *BeamSearch) Done() bool { return b.done }

type beamCandidate struct {
	score float64
	row   int
	tok   int
}

func (b *BeamSearch) Advance(logits tensor.Mat, tokens [][]int, mems *memory.Memory) ([][]int, *memory.Memory) {
	k := b.cfg.NumBeams
	vocab := logits.C

	// Until the first free token is chosen every row holds the same
	// prefix, so only row 0 contributes candidates; afterwards each live
	// beam extends from its own cumulative score.
	rows := logits.R
	if !b.started {
		rows = 1
		b.scores = make([]float64, 1)
	}

	logProbs := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		logProbs[i] = logSoftmax(logits.Row(i))
		if b.steps < b.cfg.MinTargetLength {
			for _, e := range b.cfg.EndTokens {
				if e >= 0 && e < vocab {
					logProbs[i][e] = math.Inf(-1)
				}
			}
		}
		for _, t := range bannedNGramTokens(tokens[i], b.cfg.NoRepeatNGramSize) {
			if t >= 0 && t < vocab {
				logProbs[i][t] = math.Inf(-1)
			}
		}
	}

	candidates := b.topCandidates(logProbs, 2*k)

	newTokens := make([][]int, 0, k)
	srcRows := make([]int, 0, k)
	newScores := make([]float64, 0, k)
	liveEnded := 0

	take := func(c beamCandidate) {
		row := append(append([]int(nil), tokens[c.row]...), c.tok)
		newTokens = append(newTokens, row)
		srcRows = append(srcRows, c.row)
		newScores = append(newScores, c.score)
		if isEndToken(b.cfg.EndTokens, c.tok) {
			liveEnded++
		}
	}

	var routedToEnd []beamCandidate
	for _, c := range candidates {
		if len(newTokens) == k {
			break
		}
		if b.cfg.ConsiderEnd && isEndToken(b.cfg.EndTokens, c.tok) {
			b.addEnded(append(append([]int(nil), tokens[c.row]...), c.tok), c.score)
			routedToEnd = append(routedToEnd, c)
			continue
		}
		take(c)
	}
	// Every shortlisted continuation ended; reuse the best of them as live
	// rows so the batch shape stays valid for the final step.
	for _, c := range routedToEnd {
		if len(newTokens) == k {
			break
		}
		take(c)
	}

	b.scores = newScores
	b.steps++
	b.started = true

	if b.cfg.ConsiderEnd {
		if len(b.ended) >= k {
			b.done = true
		}
	} else if liveEnded == len(newTokens) {
		for i, row := range newTokens {
			b.addEnded(append([]int(nil), row...), newScores[i])
		}
		b.done = true
	}

	if mems != nil {
		mems = mems.GatherRows(srcRows)
	}
	return newTokens, mems
}

// Finalize returns the completed beams ordered best-first by their
// length-penalized score, falling back to the live beams when nothing
// completed. It resets the search for reuse. Completed beams may differ in
// length, so no memory accompanies them.
func (b *BeamSearch) Finalize(tokens [][]int, mems *memory.Memory) ([][]int, *memory.Memory) {
	var out [][]int
	if len(b.ended) > 0 {
		ended := make([]endedBeam, len(b.ended))
		copy(ended, b.ended)
		sort.SliceStable(ended, func(i, j int) bool { return ended[i].score > ended[j].score })
		for _, e := range ended {
			out = append(out, e.tokens)
		}
		mems = nil
	} else {
		order := make([]int, len(tokens))
		for i := range order {
			order[i] = i
		}
		genLen := max(b.steps, 1)
		sort.SliceStable(order, func(i, j int) bool {
			return b.penalized(b.scores[order[i]], genLen) > b.penalized(b.scores[order[j]], genLen)
		})
		for _, i := range order {
			out = append(out, tokens[i])
		}
		if mems != nil {
			mems = mems.GatherRows(order)
		}
	}

	b.scores = nil
	b.steps = 0
	b.ended = nil
	b.started = false
	b.done = false
	return out, mems
}

func (b *BeamSearch) addEnded(row []int, cumScore float64) {
	genLen := max(b.steps+1, 1)
	b.ended = append(b.ended, endedBeam{tokens: row, score: b.penalized(cumScore, genLen)})
}

func (b *BeamSearch) penalized(score float64, genLen int) float64 {
	return score / math.Pow(float64(genLen), b.cfg.LengthPenalty)
}

// topCandidates shortlists the m best (score, row, token) continuations.
// Scores are the row's cumulative score plus the token log probability.
// Insertion keeps the list ordered by score descending; the strict
// comparison preserves flat-index order between equal scores.
func (b *BeamSearch) topCandidates(logProbs [][]float64, m int) []beamCandidate {
	out := make([]beamCandidate, 0, m+1)
	for row := range logProbs {
		base := b.scores[row]
		for tok, lp := range logProbs[row] {
			score := base + lp
			pos := len(out)
			for pos > 0 && out[pos-1].score < score {
				pos--
			}
			if pos >= m {
				continue
			}
			out = append(out, beamCandidate{})
			copy(out[pos+1:], out[pos:])
			out[pos] = beamCandidate{score: score, row: row, tok: tok}
			if len(out) > m {
				out = out[:m]
			}
		}
	}
	return out
}

// bannedNGramTokens returns the tokens that would complete an n-gram
// already present in row, given row's trailing n-1 tokens.
func bannedNGramTokens(row []int, n int) []int {
	if n <= 0 || len(row) < n {
		return nil
	}
	prefix := row[len(row)-(n-1):]
	var banned []int
	for i := 0; i+n <= len(row); i++ {
		match := true
		for j := 0; j < n-1; j++ {
			if row[i+j] != prefix[j] {
				match = false
				break
			}
		}
		if match {
			banned = append(banned, row[i+n-1])
		}
	}
	return banned
}

// logSoftmax computes log(softmax(x)) in float64 with max subtraction.
func logSoftmax(x []float32) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range x {
		d := float64(v - maxv)
		out[i] = d
		sum += math.Exp(d)
	}
	logSum := math.Log(sum)
	for i := range out {
		out[i] -= logSum
	}
	return out
}
