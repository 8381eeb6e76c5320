package batch

import (
	"context"
	stderrors "errors"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// ExecutionContext carries the handler chain, the item source and the
// process, session and request scopes across stage boundaries.
//
// Copy shares the process scope, session scope, item source and source
// factory, and gives the copy its own chain cursor, request scope,
// transactions and error registry.
type ExecutionContext struct {
	id       string
	parentID string

	chain   *Chain
	process *Scope
	session *Scope
	request *Scope
	logger  Logger

	srcMu         *sync.Mutex
	source        ItemSource
	sourceFactory ItemSourceFactory

	mu           sync.Mutex
	lastItem     any
	hasLastItem  bool
	failures     []failedItem
	transactions map[string]Transaction
}

type failedItem struct {
	err  error
	item any
}

// ContextOption configures a new ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithHandlers installs the handler chain.
func WithHandlers(handlers ...Handler) ContextOption {
	return func(ec *ExecutionContext) {
		ec.chain = NewChain(handlers...)
	}
}

// WithItemSource installs a pre-built item source.
func WithItemSource(src ItemSource) ContextOption {
	return func(ec *ExecutionContext) {
		ec.source = src
	}
}

// WithItemSourceFactory sets the factory used when no source is installed.
func WithItemSourceFactory(f ItemSourceFactory) ContextOption {
	return func(ec *ExecutionContext) {
		ec.sourceFactory = f
	}
}

// WithContextLogger sets the logger shared by the stages of the run.
func WithContextLogger(l Logger) ContextOption {
	return func(ec *ExecutionContext) {
		ec.logger = l
	}
}

// WithProcessScope shares an existing process scope.
func WithProcessScope(s *Scope) ContextOption {
	return func(ec *ExecutionContext) {
		if s != nil {
			ec.process = s
		}
	}
}

// WithSessionScope shares an existing session scope.
func WithSessionScope(s *Scope) ContextOption {
	return func(ec *ExecutionContext) {
		if s != nil {
			ec.session = s
		}
	}
}

// NewExecutionContext creates the root context of a run.
func NewExecutionContext(opts ...ContextOption) *ExecutionContext {
	ec := &ExecutionContext{
		id:           uuid.NewString(),
		chain:        NewChain(),
		process:      NewScope(),
		session:      NewScope(),
		request:      NewScope(),
		srcMu:        &sync.Mutex{},
		transactions: make(map[string]Transaction),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ec)
		}
	}
	ec.logger = NormalizeLogger(ec.logger)
	return ec
}

// Copy returns a context for a concurrent branch.
func (ec *ExecutionContext) Copy() *ExecutionContext {
	ec.srcMu.Lock()
	src, factory := ec.source, ec.sourceFactory
	ec.srcMu.Unlock()

	return &ExecutionContext{
		id:            uuid.NewString(),
		parentID:      ec.id,
		chain:         NewChain(ec.chain.Remaining()...),
		process:       ec.process,
		session:       ec.session,
		request:       NewScope(),
		logger:        ec.logger,
		srcMu:         ec.srcMu,
		source:        src,
		sourceFactory: factory,
		transactions:  make(map[string]Transaction),
	}
}

func (ec *ExecutionContext) ID() string       { return ec.id }
func (ec *ExecutionContext) ParentID() string { return ec.parentID }
func (ec *ExecutionContext) Chain() *Chain    { return ec.chain }
func (ec *ExecutionContext) Logger() Logger   { return ec.logger }

func (ec *ExecutionContext) ProcessScope() *Scope { return ec.process }
func (ec *ExecutionContext) SessionScope() *Scope { return ec.session }
func (ec *ExecutionContext) RequestScope() *Scope { return ec.request }

// RestoreChain resets the chain to snapshot, undoing mutations of a previous pass.
func (ec *ExecutionContext) RestoreChain(snapshot []Handler) {
	ec.chain.Restore(snapshot)
}

// InvokeNext pops the next handler and calls it with item. A panic in the
// handler is recovered and returned as a classified error.
func (ec *ExecutionContext) InvokeNext(ctx context.Context, item any) (res Result, err error) {
	h, ok := ec.chain.Next()
	if !ok {
		return nil, ErrChainExhausted.Clone()
	}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = RecoverError(r, captureStack())
			ec.logger.Debug("recovered panic in %s: %v", HandlerName(h), r)
		}
	}()

	return h.Handle(ctx, item, ec)
}

// SetLastReadItem records the item currently being processed.
func (ec *ExecutionContext) SetLastReadItem(item any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.lastItem = item
	ec.hasLastItem = true
}

// LastReadItem returns the item currently being processed, if any.
func (ec *ExecutionContext) LastReadItem() (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.lastItem, ec.hasLastItem
}

// ClearLastReadItem must be called after each successful iteration so the
// diagnostics only report items that are really in flight.
func (ec *ExecutionContext) ClearLastReadItem() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.lastItem = nil
	ec.hasLastItem = false
}

// RecordItemOnError associates err with the item being processed when it was raised.
// Only the first association of a given error is kept.
func (ec *ExecutionContext) RecordItemOnError(err error, item any) {
	if err == nil || !isComparable(err) {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, f := range ec.failures {
		if f.err == err {
			return
		}
	}
	ec.failures = append(ec.failures, failedItem{err: err, item: item})
}

// ItemForError returns the item recorded for err or for any error it wraps.
func (ec *ExecutionContext) ItemForError(err error) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for cur := err; cur != nil; cur = stderrors.Unwrap(cur) {
		if !isComparable(cur) {
			continue
		}
		for _, f := range ec.failures {
			if f.err == cur {
				return f.item, true
			}
		}
	}
	return nil, false
}

func isComparable(err error) bool {
	return reflect.TypeOf(err).Comparable()
}

// SetTransaction registers tx under name for downstream stages.
func (ec *ExecutionContext) SetTransaction(name string, tx Transaction) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.transactions[name] = tx
}

// Transaction returns the transaction registered under name.
func (ec *ExecutionContext) Transaction(name string) (Transaction, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	tx, ok := ec.transactions[name]
	return tx, ok
}

func (ec *ExecutionContext) RemoveTransaction(name string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.transactions, name)
}

// SetItemSource installs src for this context.
func (ec *ExecutionContext) SetItemSource(src ItemSource) {
	ec.srcMu.Lock()
	defer ec.srcMu.Unlock()
	ec.source = src
}

func (ec *ExecutionContext) ItemSource() ItemSource {
	ec.srcMu.Lock()
	defer ec.srcMu.Unlock()
	return ec.source
}

func (ec *ExecutionContext) SetItemSourceFactory(f ItemSourceFactory) {
	ec.srcMu.Lock()
	defer ec.srcMu.Unlock()
	ec.sourceFactory = f
}

// DiscardItemSource drops the source and the factory reference so a
// downstream factory creates a fresh source on the next PrepareItemSource.
func (ec *ExecutionContext) DiscardItemSource() {
	ec.srcMu.Lock()
	defer ec.srcMu.Unlock()
	ec.source = nil
	ec.sourceFactory = nil
}

// PrepareItemSource makes sure a source is installed, building one from the
// configured factory or from the first downstream handler that is a factory.
func (ec *ExecutionContext) PrepareItemSource(ctx context.Context) (ItemSource, error) {
	ec.srcMu.Lock()
	defer ec.srcMu.Unlock()
	if ec.source != nil {
		return ec.source, nil
	}

	factory := ec.sourceFactory
	if factory == nil {
		if found := Discover[ItemSourceFactory](ec.chain.Remaining(), nil); len(found) > 0 {
			factory = found[0]
		}
	}
	if factory == nil {
		return nil, ErrNoItemSource.Clone()
	}

	src, err := factory.CreateItemSource(ctx, ec)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, ErrNoItemSource.Clone()
	}
	ec.source = src
	ec.sourceFactory = factory
	return src, nil
}

// HasNextItem reports whether the installed source has more items.
func (ec *ExecutionContext) HasNextItem(ctx context.Context) bool {
	src := ec.ItemSource()
	if src == nil {
		return false
	}
	return src.HasNext(ctx, ec)
}

// ReadNextItem reads from the installed source. It returns nil when no source is installed.
func (ec *ExecutionContext) ReadNextItem(ctx context.Context) (any, error) {
	src := ec.ItemSource()
	if src == nil {
		return nil, nil
	}
	return src.Read(ctx, ec)
}

// CloseItemSource closes the installed source, if any.
func (ec *ExecutionContext) CloseItemSource(ctx context.Context) error {
	src := ec.ItemSource()
	if src == nil {
		return nil
	}
	return src.Close(ctx, ec)
}
