package broadcast

// keySet remembers up to capacity keys, evicting the oldest first.
type keySet struct {
	keys map[string]struct{}
	ring []string
	next int
}

func newKeySet(capacity int) *keySet {
	return &keySet{
		keys: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// add records key and reports whether it was new.
func (s *keySet) add(key string) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.keys, old)
	}
	s.ring[s.next] = key
	s.next = (s.next + 1) % len(s.ring)
	s.keys[key] = struct{}{}
	return true
}

func (s *keySet) len() int { return len(s.keys) }
