package jobs

import (
	"strconv"
	"sync"
)

// defaultRetained is how many past jobs stay resolvable. Shares race
// job broadcasts, so submissions against a handful of recent jobs must
// still validate.
const defaultRetained = 8

// Store holds the current job and a bounded window of its
// predecessors, keyed by numeric id.
type Store struct {
	mu       sync.RWMutex
	jobs     map[uint64]*Job
	order    []uint64
	current  *Job
	retained int
	nextID   uint64
}

// NewStore creates a store retaining the default job window.
func NewStore() *Store {
	return &Store{
		jobs:     make(map[uint64]*Job),
		retained: defaultRetained,
		nextID:   1,
	}
}

// NextID hands out the next numeric job id.
func (s *Store) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// Put registers a job and makes it current, evicting the oldest
// retained job when the window is full. A clean job flushes every
// predecessor: miners must abandon work on a new chain tip.
func (s *Store) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.CleanJobs {
		s.jobs = make(map[uint64]*Job)
		s.order = s.order[:0]
	}

	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.current = job

	for len(s.order) > s.retained {
		delete(s.jobs, s.order[0])
		s.order = s.order[1:]
	}
}

// Current returns the latest job, or nil before the first template.
func (s *Store) Current() *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Get looks a job up by numeric id.
func (s *Store) Get(id uint64) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

// Resolve looks a job up by its wire identifier. A malformed hex id
// resolves to nothing, exactly like an expired one; the caller cannot
// tell the difference and does not need to.
func (s *Store) Resolve(hexID string) (*Job, bool) {
	id, err := strconv.ParseUint(hexID, 16, 64)
	if err != nil {
		return nil, false
	}
	return s.Get(id)
}

// Len returns how many jobs are currently resolvable.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
