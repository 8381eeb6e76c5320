package batch

import (
	"context"
	"sync"
)

// ItemSource is a pull based supplier of work items. Sources shared by a
// fan-out controller must tolerate concurrent HasNext and Read calls.
// A nil item from Read, or HasNext returning false, signals exhaustion.
type ItemSource interface {
	HasNext(ctx context.Context, ec *ExecutionContext) bool
	Read(ctx context.Context, ec *ExecutionContext) (any, error)
	Close(ctx context.Context, ec *ExecutionContext) error
}

// ItemSourceFactory builds the item source of a run when none is installed.
type ItemSourceFactory interface {
	CreateItemSource(ctx context.Context, ec *ExecutionContext) (ItemSource, error)
}

// ItemSourceFactoryFunc is an adapter that lets you use a function as an ItemSourceFactory
type ItemSourceFactoryFunc func(ctx context.Context, ec *ExecutionContext) (ItemSource, error)

func (f ItemSourceFactoryFunc) CreateItemSource(ctx context.Context, ec *ExecutionContext) (ItemSource, error) {
	return f(ctx, ec)
}

// SliceSource serves a fixed list of items. It is safe for concurrent use.
type SliceSource struct {
	mu     sync.Mutex
	items  []any
	pos    int
	closed bool
}

// NewSliceSource copies items into a new source.
func NewSliceSource[T any](items ...T) *SliceSource {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return &SliceSource{items: out}
}

func (s *SliceSource) HasNext(_ context.Context, _ *ExecutionContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.pos < len(s.items)
}

func (s *SliceSource) Read(_ context.Context, _ *ExecutionContext) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.items) {
		return nil, nil
	}
	it := s.items[s.pos]
	s.pos++
	return it, nil
}

func (s *SliceSource) Close(_ context.Context, _ *ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Consumed is the number of items handed out so far.
func (s *SliceSource) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Closed reports whether Close was called.
func (s *SliceSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
