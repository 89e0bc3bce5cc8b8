// Package visited tracks which nodes graph traversal has already touched.
package visited

// Set tracks visited nodes using a bitset and a dirty list for O(K) reset,
// where K is the number of nodes visited in the current traversal.
// Not safe for concurrent use; instances are pooled per search.
type Set struct {
	bits  []uint64
	dirty []uint32
}

// New creates a visited set sized for capacity nodes.
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks a node as visited.
func (s *Set) Visit(id uint32) {
	wordIdx := int(id >> 6)
	bitMask := uint64(1) << (id & 63)

	if wordIdx >= len(s.bits) {
		s.grow(wordIdx + 1)
	}

	if s.bits[wordIdx]&bitMask == 0 {
		s.bits[wordIdx] |= bitMask
		s.dirty = append(s.dirty, id)
	}
}

// Visited returns true if the node has been visited.
func (s *Set) Visited(id uint32) bool {
	wordIdx := int(id >> 6)
	if wordIdx >= len(s.bits) {
		return false
	}
	return s.bits[wordIdx]&(uint64(1)<<(id&63)) != 0
}

// Reset clears all nodes visited since the last reset.
func (s *Set) Reset() {
	for _, id := range s.dirty {
		s.bits[int(id>>6)] &^= uint64(1) << (id & 63)
	}
	s.dirty = s.dirty[:0]
}

func (s *Set) grow(newLen int) {
	newCap := len(s.bits) * 2
	if newCap < newLen {
		newCap = newLen
	}
	newBits := make([]uint64, newCap)
	copy(newBits, s.bits)
	s.bits = newBits
}
