package main

import (
	"context"
	"database/sql"
	"fmt"

	batch "github.com/goliatone/go-batch"
	"github.com/goliatone/go-batch/job"
	"github.com/goliatone/go-batch/sqltx"
	goerrors "github.com/goliatone/go-errors"
)

const schema = `CREATE TABLE IF NOT EXISTS batch_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	item TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

func ensureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "create batch_items table").
			WithTextCode("SCHEMA_FAILED")
	}
	return nil
}

// builtinStages registers the stages every job config can name. The record
// stage is only available when db is set.
func builtinStages(db *sql.DB) *job.Registry {
	reg := job.NewRegistry()
	_ = reg.Register("log", func(deps job.Deps) (batch.Handler, error) {
		return logStage{}, nil
	})
	_ = reg.Register("record", func(deps job.Deps) (batch.Handler, error) {
		if db == nil {
			return nil, goerrors.New("record stage needs a database", goerrors.CategoryBadInput).
				WithTextCode("STAGE_UNAVAILABLE")
		}
		return &recordStage{db: db}, nil
	})
	return reg
}

// logStage logs every item and reports success.
type logStage struct{}

func (logStage) Name() string { return "log" }

func (logStage) Handle(_ context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	ec.Logger().Info("item %v", item)
	return batch.Success(item), nil
}

// recordStage inserts every item into batch_items. Inside a loop it writes
// through the open item transaction so a rollback drops the row.
type recordStage struct {
	db *sql.DB
}

func (s *recordStage) Name() string { return "record" }

func (s *recordStage) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	const insert = `INSERT INTO batch_items (execution_id, item) VALUES (?, ?)`

	var err error
	if tx, ok := sqltx.From(ec, batch.DefaultTransactionName); ok {
		_, err = tx.ExecContext(ctx, insert, ec.ID(), fmt.Sprint(item))
	} else {
		_, err = s.db.ExecContext(ctx, insert, ec.ID(), fmt.Sprint(item))
	}
	if err != nil {
		return nil, batch.NewServiceUnavailable("record item", err)
	}
	return batch.Success(item), nil
}
