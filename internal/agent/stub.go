package agent

import (
	"context"
	"sync"
)

// StubRunner is a Runner for tests. It records every request and returns a
// scripted result per call, falling back to the last script when calls
// outnumber scripts.
type StubRunner struct {
	mu       sync.Mutex
	Requests []Request
	Results  []*Result
	Err      error
}

// Run records the request and returns the next scripted result.
func (s *StubRunner) Run(ctx context.Context, req Request) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Results) == 0 {
		return &Result{Output: "{}"}, nil
	}
	idx := len(s.Requests) - 1
	if idx >= len(s.Results) {
		idx = len(s.Results) - 1
	}
	return s.Results[idx], nil
}
