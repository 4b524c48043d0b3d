package engine

import (
	"fmt"
	"slices"
)

// Infill helpers cover the orchestration around masked infilling: finding
// the mask token to expand, building the fill sequence and splicing the
// generated span back into the surrounding document.

// FindMaskPosition returns the index of the earliest occurrence of any of
// the mask tokens, or false when none remains.
func FindMaskPosition(seq []int, maskTokens []int) (int, bool) {
	pos := len(seq)
	for _, mt := range maskTokens {
		if i := slices.Index(seq, mt); i >= 0 && i < pos {
			pos = i
		}
	}
	return pos, pos < len(seq)
}

// BuildInfillSequence assembles the generation buffer for one mask: the
// full prompt (which embeds the mask token), the start-of-piece token and
// pending slots up to targetLength.
func BuildInfillSequence(prompt []int, startToken, targetLength int) (Sequence, error) {
	if len(prompt)+1 >= targetLength {
		return nil, fmt.Errorf("target length %d leaves no room to generate after %d prompt tokens", targetLength, len(prompt))
	}
	seq := make(Sequence, 0, targetLength)
	seq = append(seq, prompt...)
	seq = append(seq, startToken)
	for len(seq) < targetLength {
		seq = append(seq, Pending)
	}
	return seq, nil
}

// SpliceInfill folds one filled output row back into its document: the
// generated span (between the start token and the first remaining pending
// slot, minus a trailing end token) replaces the mask position, and the
// text that followed the mask moves behind it.
func SpliceInfill(output []int, maskPosition, startToken int, endTokens []int) ([]int, error) {
	unfinished := slices.Index(output, Pending)
	if unfinished < 0 {
		unfinished = len(output)
	}
	if unfinished > 0 && slices.Contains(endTokens, output[unfinished-1]) {
		unfinished--
	}
	bog := slices.Index(output, startToken)
	if bog < 0 || bog > unfinished {
		return nil, fmt.Errorf("start token %d not found before position %d", startToken, unfinished)
	}
	if maskPosition >= bog {
		return nil, fmt.Errorf("mask position %d is not inside the prompt (start token at %d)", maskPosition, bog)
	}

	spliced := make([]int, 0, unfinished-1)
	spliced = append(spliced, output[:maskPosition]...)
	spliced = append(spliced, output[bog+1:unfinished]...)
	spliced = append(spliced, output[maskPosition+1:bog]...)
	return spliced, nil
}
