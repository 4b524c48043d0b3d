// Package engine implements the cache-aware autoregressive filling loop:
// given a sequence with pending positions it repeatedly forwards only the
// unprocessed suffix through a model, merges the returned activations into
// a bounded rolling memory and delegates token selection to a decoding
// strategy.
package engine

// Pending is the sentinel marking a position that still has to be
// generated. Any negative entry is treated as pending; Pending is the
// conventional value callers should write.
const Pending = -1

// Sequence is a fixed-length buffer of token ids. Entries >= 0 are
// provided (context or pre-supplied continuation tokens), negative entries
// are pending. The loop fills pending positions strictly left to right.
type Sequence []int

// ContextLength counts the leading provided entries. Generation starts
// after them; a valid sequence has at least one.
func (s Sequence) ContextLength() int {
	n := 0
	for n < len(s) && s[n] >= 0 {
		n++
	}
	return n
}

// Filled reports whether the sequence contains no pending entries.
func (s Sequence) Filled() bool {
	for _, t := range s {
		if t < 0 {
			return false
		}
	}
	return true
}
