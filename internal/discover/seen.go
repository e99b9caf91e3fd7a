package discover

import "sync"

// SeenSet is a concurrency-safe insert-if-absent set over target keys. The
// insert and the membership test are one atomic step, so two workers
// harvesting the same id concurrently cannot both claim it.
type SeenSet struct {
	seen sync.Map
}

// NewSeenSet creates an empty set.
func NewSeenSet() *SeenSet {
	return &SeenSet{}
}

// MarkIfNew records the key and reports whether this call inserted it.
func (s *SeenSet) MarkIfNew(key string) bool {
	_, loaded := s.seen.LoadOrStore(key, struct{}{})
	return !loaded
}

// Len returns the number of recorded keys.
func (s *SeenSet) Len() int {
	n := 0
	s.seen.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
