package router

// recentSet remembers the most recent n ids, evicting oldest first.
type recentSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newRecentSet(n int) *recentSet {
	if n <= 0 {
		n = 256
	}
	return &recentSet{
		ids:  make(map[string]struct{}, n),
		ring: make([]string, n),
	}
}

// Add records id and reports whether it was new.
func (s *recentSet) Add(id string) bool {
	if _, dup := s.ids[id]; dup {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.ids[id] = struct{}{}
	return true
}

func (s *recentSet) Len() int { return len(s.ids) }
