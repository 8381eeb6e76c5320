package batch

import "context"

// DefaultTransactionName is the name loop controllers register their transaction under.
const DefaultTransactionName = "transaction"

// Transaction is a unit of work owned by a single loop controller.
// Begin may be called again after Commit or Rollback.
type Transaction interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionProvider creates transactions. Providers may be shared between
// branches, transactions never are.
type TransactionProvider interface {
	NewTransaction(ctx context.Context) (Transaction, error)
}

// NoopTransactionProvider hands out transactions that do nothing.
type NoopTransactionProvider struct{}

func (NoopTransactionProvider) NewTransaction(context.Context) (Transaction, error) {
	return noopTransaction{}, nil
}

type noopTransaction struct{}

func (noopTransaction) Begin(context.Context) error    { return nil }
func (noopTransaction) Commit(context.Context) error   { return nil }
func (noopTransaction) Rollback(context.Context) error { return nil }

// TransactionAs returns the transaction registered under name asserted to T.
func TransactionAs[T any](ec *ExecutionContext, name string) (T, bool) {
	var zero T
	tx, ok := ec.Transaction(name)
	if !ok {
		return zero, false
	}
	t, ok := tx.(T)
	return t, ok
}
