// Package bitset provides a compact growable bitset used for tombstone
// tracking. Synchronization is the caller's responsibility.
package bitset

import "math/bits"

// Set is a growable bitset.
type Set struct {
	words []uint64
	count int
}

// New creates a bitset sized for capacity bits.
func New(capacity int) *Set {
	return &Set{words: make([]uint64, (capacity+63)/64)}
}

// Set sets the bit at i. Reports whether the bit changed.
func (s *Set) Set(i uint32) bool {
	wordIdx := int(i >> 6)
	mask := uint64(1) << (i & 63)
	if wordIdx >= len(s.words) {
		s.grow(wordIdx + 1)
	}
	if s.words[wordIdx]&mask != 0 {
		return false
	}
	s.words[wordIdx] |= mask
	s.count++
	return true
}

// Unset clears the bit at i.
func (s *Set) Unset(i uint32) {
	wordIdx := int(i >> 6)
	if wordIdx >= len(s.words) {
		return
	}
	mask := uint64(1) << (i & 63)
	if s.words[wordIdx]&mask != 0 {
		s.words[wordIdx] &^= mask
		s.count--
	}
}

// Test returns true if the bit at i is set.
func (s *Set) Test(i uint32) bool {
	wordIdx := int(i >> 6)
	if wordIdx >= len(s.words) {
		return false
	}
	return s.words[wordIdx]&(uint64(1)<<(i&63)) != 0
}

// Count returns the number of set bits.
func (s *Set) Count() int { return s.count }

// Clear unsets all bits.
func (s *Set) Clear() {
	for i := range s.words {
		s.words[i] = 0
	}
	s.count = 0
}

// ForEach calls fn for every set bit in ascending order.
// fn returning false stops iteration.
func (s *Set) ForEach(fn func(i uint32) bool) {
	for w, word := range s.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			if !fn(uint32(w*64 + bit)) {
				return
			}
			word &^= uint64(1) << bit
		}
	}
}

func (s *Set) grow(newLen int) {
	newCap := len(s.words) * 2
	if newCap < newLen {
		newCap = newLen
	}
	newWords := make([]uint64, newCap)
	copy(newWords, s.words)
	s.words = newWords
}
