package docker

import "sync"

// activeSet tracks the containers this process created and has not yet
// removed. The final cleanup pass removes everything still in the set, so
// a crash mid-run cannot leak containers past the next pass.
type activeSet struct {
	mu         sync.Mutex
	containers map[string]string // container ID -> human-readable name
}

func newActiveSet() *activeSet {
	return &activeSet{containers: make(map[string]string)}
}

func (s *activeSet) add(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[id] = name
}

func (s *activeSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, id)
}

// drain returns and clears the current contents.
func (s *activeSet) drain() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.containers
	s.containers = make(map[string]string)
	return out
}

func (s *activeSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.containers)
}
