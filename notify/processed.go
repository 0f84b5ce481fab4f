package notify

// ProcessedSet remembers the most recent message ids, oldest evicted first.
// Not safe for concurrent use.
type ProcessedSet struct {
	ring  []string
	next  int
	size  int
	index map[string]struct{}
}

func NewProcessedSet(capacity int) *ProcessedSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &ProcessedSet{
		ring:  make([]string, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

func (p *ProcessedSet) Contains(id string) bool {
	_, ok := p.index[id]
	return ok
}

// Add records the id. When the set is full the oldest id is evicted and
// returned.
func (p *ProcessedSet) Add(id string) (evicted string, ok bool) {
	if p.Contains(id) {
		return "", false
	}
	if p.size == len(p.ring) {
		evicted, ok = p.ring[p.next], true
		delete(p.index, evicted)
	} else {
		p.size++
	}
	p.ring[p.next] = id
	p.index[id] = struct{}{}
	p.next = (p.next + 1) % len(p.ring)
	return
}

func (p *ProcessedSet) Len() int {
	return p.size
}

func (p *ProcessedSet) Cap() int {
	return len(p.ring)
}
