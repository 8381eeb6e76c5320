package job

import (
	"context"
	"fmt"

	batch "github.com/goliatone/go-batch"
	"github.com/goliatone/go-batch/fanout"
	"github.com/goliatone/go-batch/loop"
	"github.com/goliatone/go-batch/resident"
	"github.com/goliatone/go-batch/retry"
	"github.com/goliatone/go-batch/stage"
	goerrors "github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel/trace"
)

// Deps are the runtime collaborators a job is built with.
type Deps struct {
	Logger       batch.Logger
	Transactions batch.TransactionProvider
	Reporter     batch.FailureReporter
	Tracer       trace.Tracer
	// SourceStages run right after the read stage, before throttling and
	// business stages. Acknowledgement stages of queue sources go here.
	SourceStages []batch.Handler
}

// Job is an assembled chain ready to run.
type Job struct {
	Name     string
	Mode     Mode
	Handlers []batch.Handler

	logger batch.Logger
	fanout *fanout.Controller
}

// Build assembles the chain for cfg:
//
//	batch:    [fanout] loop read [source stages] [throttle] [tracing] stages...
//	resident: [fanout] retry resident read [source stages] [throttle] [tracing] stages...
//
// The fan-out controller is added only when concurrency is above one.
func Build(cfg Config, reg *Registry, deps Deps) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := batch.NormalizeLogger(deps.Logger)
	if cfg.Name != "" {
		logger = batch.WithLoggerFields(logger, map[string]any{"job": cfg.Name})
	}

	j := &Job{Name: cfg.Name, Mode: cfg.Mode, logger: logger}

	if cfg.Concurrency > 1 {
		j.fanout = fanout.New(
			fanout.WithConcurrency(cfg.Concurrency),
			fanout.WithGracePeriod(cfg.GracePeriod),
			fanout.WithLogger(logger),
		)
		j.Handlers = append(j.Handlers, j.fanout)
	}
	// Retry sits below the fan-out so each branch retries its own
	// iteration failures; the fan-out only sees abnormal ends and closes
	// the shared source for those.
	if cfg.Mode == ModeResident {
		j.Handlers = append(j.Handlers, retry.New(retryOptions(cfg.Retry, logger)...))
	}

	switch cfg.Mode {
	case ModeResident:
		j.Handlers = append(j.Handlers, resident.New(
			resident.WithBackoff(cfg.Resident.Backoff),
			resident.WithIdleInterval(cfg.Resident.IdleInterval),
			resident.WithReporter(deps.Reporter),
			resident.WithLogger(logger),
		))
	default:
		j.Handlers = append(j.Handlers, loop.New(
			loop.WithCommitInterval(cfg.CommitInterval),
			loop.WithTransactionProvider(deps.Transactions),
			loop.WithLogger(logger),
		))
	}

	j.Handlers = append(j.Handlers, loop.NewReadStage(loop.WithMaxCount(cfg.MaxCount)))
	j.Handlers = append(j.Handlers, deps.SourceStages...)
	if cfg.Throttle.PerSecond > 0 {
		j.Handlers = append(j.Handlers, stage.NewThrottle(cfg.Throttle.PerSecond, cfg.Throttle.Burst))
	}
	if cfg.Tracing {
		j.Handlers = append(j.Handlers, stage.NewTracing(stage.WithTracer(deps.Tracer), stage.WithSpanName("batch."+string(cfg.Mode))))
	}

	for _, name := range cfg.Stages {
		factory, ok := reg.Lookup(name)
		if !ok {
			return nil, goerrors.New("stage not registered", goerrors.CategoryNotFound).
				WithTextCode("STAGE_NOT_FOUND").
				WithMetadata(map[string]any{"stage": name})
		}
		h, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("build stage %s: %w", name, err)
		}
		j.Handlers = append(j.Handlers, h)
	}
	return j, nil
}

func retryOptions(cfg RetryConfig, logger batch.Logger) []retry.Option {
	opts := []retry.Option{
		retry.WithMaxRetryTime(cfg.MaxRetryTime),
		retry.WithExitCode(cfg.ExitCode),
		retry.WithFailureCode(cfg.FailureCode),
		retry.WithDiscardSource(cfg.DiscardSource),
		retry.WithLogger(logger),
	}
	if cfg.Duration > 0 {
		opts = append(opts, retry.WithRetryDuration(cfg.Duration))
	} else {
		opts = append(opts, retry.WithRetryLimit(cfg.Limit))
	}
	switch {
	case cfg.Backoff != nil:
		opts = append(opts, retry.WithStrategy(retry.ExponentialBackoffStrategy{
			Base:   cfg.Backoff.Base,
			Factor: cfg.Backoff.Factor,
			Max:    cfg.Backoff.Max,
		}))
	case cfg.Interval > 0:
		opts = append(opts, retry.WithInterval(cfg.Interval))
	}
	return opts
}

// Run executes the job over src and maps the outcome to a process exit code.
func (j *Job) Run(ctx context.Context, src batch.ItemSource) (batch.Result, int, error) {
	return Run(ctx, j.Handlers, src, batch.WithContextLogger(j.logger))
}

// Close releases the worker pool of a fan-out job.
func (j *Job) Close() {
	if j.fanout != nil {
		j.fanout.Close()
	}
}

// Run invokes chain on a new execution context reading from src.
func Run(ctx context.Context, chain []batch.Handler, src batch.ItemSource, opts ...batch.ContextOption) (batch.Result, int, error) {
	opts = append([]batch.ContextOption{
		batch.WithHandlers(chain...),
		batch.WithItemSource(src),
	}, opts...)
	ec := batch.NewExecutionContext(opts...)

	res, err := ec.InvokeNext(ctx, nil)
	code := batch.ExitCodeFor(res, err)
	if err != nil {
		logger := ec.Logger()
		if item, ok := ec.ItemForError(err); ok {
			logger = batch.WithLoggerFields(logger, map[string]any{"item": fmt.Sprintf("%v", item)})
		}
		logger.Error("run ended with exit code %d: %v", code, err)
	}
	return res, code, err
}
