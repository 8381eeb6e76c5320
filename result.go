package batch

import (
	"fmt"
	"net/http"
	"sync"
)

// Result is the outcome of a handler invocation.
type Result interface {
	IsSuccess() bool
	StatusCode() int
}

// StatusResult is the default Result implementation.
type StatusResult struct {
	Status  int
	Message string
	Value   any

	noMoreItems bool
}

// Success returns a successful result carrying value.
func Success(value any) *StatusResult {
	return &StatusResult{Status: http.StatusOK, Value: value}
}

// Failure returns a failed result. Status codes below 400 are raised to 500.
func Failure(status int, message string) *StatusResult {
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	return &StatusResult{Status: status, Message: message}
}

// NoMoreItems is returned by read stages once the item source is exhausted.
func NoMoreItems() *StatusResult {
	return &StatusResult{Status: http.StatusOK, Message: "no more items", noMoreItems: true}
}

// IsNoMoreItems reports whether r signals source exhaustion.
func IsNoMoreItems(r Result) bool {
	sr, ok := r.(*StatusResult)
	return ok && sr.noMoreItems
}

func (r *StatusResult) IsSuccess() bool {
	return r != nil && r.Status < http.StatusBadRequest
}

func (r *StatusResult) StatusCode() int {
	if r == nil {
		return http.StatusInternalServerError
	}
	return r.Status
}

func (r *StatusResult) String() string {
	if r == nil {
		return "<nil result>"
	}
	if r.Message == "" {
		return fmt.Sprintf("status=%d", r.Status)
	}
	return fmt.Sprintf("status=%d message=%s", r.Status, r.Message)
}

// MultiResult aggregates the results of concurrent branches.
type MultiResult struct {
	mu      sync.RWMutex
	results []Result
}

func NewMultiResult() *MultiResult {
	return &MultiResult{}
}

// Add appends a branch result. A nil result counts as a failure.
func (m *MultiResult) Add(r Result) {
	if r == nil {
		r = Failure(http.StatusInternalServerError, "branch returned no result")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
}

// Results returns a copy of the collected results.
func (m *MultiResult) Results() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Result, len(m.results))
	copy(out, m.results)
	return out
}

func (m *MultiResult) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

// IsSuccess is true iff every collected branch succeeded.
func (m *MultiResult) IsSuccess() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.results {
		if !r.IsSuccess() {
			return false
		}
	}
	return true
}

// StatusCode is the code of the first failed branch, or 200.
func (m *MultiResult) StatusCode() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.results {
		if !r.IsSuccess() {
			return r.StatusCode()
		}
	}
	return http.StatusOK
}
