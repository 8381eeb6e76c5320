// Package sqltx provides loop transactions backed by database/sql.
package sqltx

import (
	"context"
	"database/sql"

	batch "github.com/goliatone/go-batch"
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeBeginFailed    = "TX_BEGIN_FAILED"
	TextCodeCommitFailed   = "TX_COMMIT_FAILED"
	TextCodeRollbackFailed = "TX_ROLLBACK_FAILED"
	TextCodeNotBegun       = "TX_NOT_BEGUN"
	TextCodeAlreadyBegun   = "TX_ALREADY_BEGUN"
)

var (
	ErrNotBegun = goerrors.New("transaction not begun", goerrors.CategoryOperation).
			WithTextCode(TextCodeNotBegun)
	ErrAlreadyBegun = goerrors.New("transaction already begun", goerrors.CategoryOperation).
			WithTextCode(TextCodeAlreadyBegun)
)

type Option func(*Provider)

// WithTxOptions sets the isolation level and read only flag of every transaction.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(p *Provider) {
		p.txOptions = opts
	}
}

// Provider hands out one Tx per loop run. The *sql.DB is shared, so a
// provider can serve every branch of a fan-out.
type Provider struct {
	db        *sql.DB
	txOptions *sql.TxOptions
}

func New(db *sql.DB, opts ...Option) *Provider {
	p := &Provider{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Provider) NewTransaction(context.Context) (batch.Transaction, error) {
	return &Tx{db: p.db, opts: p.txOptions}, nil
}

// Tx is a restartable database transaction. Stages reach the open *sql.Tx
// through Current or From.
type Tx struct {
	db   *sql.DB
	opts *sql.TxOptions
	tx   *sql.Tx
}

func (t *Tx) Begin(ctx context.Context) error {
	if t.tx != nil {
		return ErrAlreadyBegun.Clone()
	}
	tx, err := t.db.BeginTx(ctx, t.opts)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "begin transaction").
			WithTextCode(TextCodeBeginFailed)
	}
	t.tx = tx
	return nil
}

func (t *Tx) Commit(context.Context) error {
	if t.tx == nil {
		return ErrNotBegun.Clone()
	}
	tx := t.tx
	t.tx = nil
	if err := tx.Commit(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "commit transaction").
			WithTextCode(TextCodeCommitFailed)
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "rollback transaction").
			WithTextCode(TextCodeRollbackFailed)
	}
	return nil
}

// Current returns the open transaction, or nil between batches.
func (t *Tx) Current() *sql.Tx { return t.tx }

// From returns the open *sql.Tx registered under name on ec.
func From(ec *batch.ExecutionContext, name string) (*sql.Tx, bool) {
	tx, ok := batch.TransactionAs[*Tx](ec, name)
	if !ok || tx.Current() == nil {
		return nil, false
	}
	return tx.Current(), true
}
