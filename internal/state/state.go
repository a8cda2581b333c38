package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Summary is how a finished job ended. It outlives the in-memory registry so
// a status query after the fact still has an answer.
type Summary struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	Bytes     int64     `json:"bytes"`
	Source    string    `json:"source,omitempty"`
	Dest      string    `json:"destination,omitempty"`
	DryRun    bool      `json:"dry_run,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// State is the set of job summaries kept in one JSON document.
type State struct {
	mu   sync.Mutex
	Jobs map[string]Summary `json:"jobs"`
}

func Load(path string) (*State, error) {
	st := &State{Jobs: make(map[string]Summary)}
	if path == "" {
		return st, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, err
	}
	if st.Jobs == nil {
		st.Jobs = make(map[string]Summary)
	}
	return st, nil
}

// Save writes the document through a temp file so a crash never leaves a
// half-written state file behind.
func (s *State) Save(path string) error {
	if path == "" {
		return nil
	}
	s.mu.Lock()
	b, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *State) Record(sum Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Jobs == nil {
		s.Jobs = make(map[string]Summary)
	}
	s.Jobs[sum.ID] = sum
}

func (s *State) Get(id string) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.Jobs[id]
	return sum, ok
}

// Prune drops summaries of jobs that finished before cutoff and returns how
// many were removed.
func (s *State) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sum := range s.Jobs {
		if sum.Finished.Before(cutoff) {
			delete(s.Jobs, id)
			n++
		}
	}
	return n
}

// List returns every summary, most recently finished first.
func (s *State) List() []Summary {
	s.mu.Lock()
	out := make([]Summary, 0, len(s.Jobs))
	for _, sum := range s.Jobs {
		out = append(out, sum)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Finished.After(out[j].Finished) })
	return out
}
