package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	batch "github.com/goliatone/go-batch"
	"github.com/goliatone/go-batch/cron"
	"github.com/goliatone/go-batch/job"
	"github.com/goliatone/go-batch/logging"
	"github.com/goliatone/go-batch/report"
	"github.com/goliatone/go-batch/sqltx"
	"github.com/goliatone/go-logger/glog"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Globals are shared by every command.
type Globals struct {
	Config    string   `short:"c" help:"Job config file." type:"path"`
	EnvFile   []string `name:"env-file" help:"Env files loaded before the config." type:"path"`
	LogFormat string   `name:"log-format" enum:"console,json,glog" default:"console" help:"Log output format."`
	SentryDSN string   `name:"sentry-dsn" env:"SENTRY_DSN" help:"Report fatal item failures to Sentry."`

	out io.Writer
}

type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Run a batch job until its source is exhausted."`
	Resident ResidentCmd `cmd:"" help:"Run a resident job until it is stopped."`
	ExitCode ExitCodeCmd `cmd:"" name:"exit-code" help:"Print the process exit code for a result status."`
	Stages   StagesCmd   `cmd:"" help:"List the built in stages."`
}

type RunCmd struct {
	Items    string `arg:"" optional:"" default:"-" help:"Item file for the lines source, - for stdin."`
	Schedule string `help:"Cron expression; runs the job on every tick until interrupted."`
}

func (c *RunCmd) Run(g *Globals) error {
	return execute(g, job.ModeBatch, c.Items, c.Schedule)
}

type ResidentCmd struct {
	Items string `arg:"" optional:"" default:"-" help:"Item file for the lines source, - for stdin."`
}

func (c *ResidentCmd) Run(g *Globals) error {
	return execute(g, job.ModeResident, c.Items, "")
}

type ExitCodeCmd struct {
	Status int `arg:"" help:"Result status code."`
}

func (c *ExitCodeCmd) Run(g *Globals) error {
	fmt.Fprintln(g.writer(), strconv.Itoa(batch.ExitCode(c.Status)))
	return nil
}

type StagesCmd struct{}

func (c *StagesCmd) Run(g *Globals) error {
	for _, name := range builtinStages(nil).Names() {
		fmt.Fprintln(g.writer(), name)
	}
	return nil
}

func (g *Globals) writer() io.Writer {
	if g.out != nil {
		return g.out
	}
	return os.Stdout
}

func (g *Globals) logger() (batch.Logger, func()) {
	switch g.LogFormat {
	case "glog":
		return logging.NewGlog(glog.NewLogger(glog.WithWriter(g.writer()))), func() {}
	case "json":
		z, err := zap.NewProduction()
		if err != nil {
			return batch.NewFmtLogger(g.writer()), func() {}
		}
		return logging.NewZap(z), func() { _ = z.Sync() }
	default:
		z, err := zap.NewDevelopment()
		if err != nil {
			return batch.NewFmtLogger(g.writer()), func() {}
		}
		return logging.NewZap(z), func() { _ = z.Sync() }
	}
}

// execute loads the job and runs it once, or on every schedule tick until
// SIGINT or SIGTERM. The returned error carries the exit code.
func execute(g *Globals, mode job.Mode, items, schedule string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(g, mode, schedule)
	if err != nil {
		return err
	}

	logger, sync := g.logger()
	defer sync()

	deps := job.Deps{Logger: logger}
	var db *sql.DB
	if g.SentryDSN != "" {
		reporter, err := report.NewSentryFromDSN(g.SentryDSN, cfg.Name)
		if err != nil {
			return err
		}
		defer reporter.Flush(0)
		deps.Reporter = reporter
	}
	if cfg.Database.DSN != "" {
		db, err = sql.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := ensureSchema(ctx, db); err != nil {
			return err
		}
		deps.Transactions = sqltx.New(db)
	}

	r := &runner{cfg: cfg, deps: deps, items: items, registry: builtinStages(db), logger: logger}

	if cfg.Schedule.Expression == "" {
		return r.once(ctx)
	}
	return r.scheduled(ctx)
}

func loadConfig(g *Globals, mode job.Mode, schedule string) (job.Config, error) {
	var (
		cfg job.Config
		err error
	)
	if g.Config == "" {
		cfg = job.DefaultConfig()
		cfg.Stages = []string{"log"}
	} else if cfg, err = job.LoadConfig(g.Config, g.EnvFile...); err != nil {
		return cfg, err
	}
	cfg.Mode = mode
	if schedule != "" {
		cfg.Schedule.Expression = schedule
	}
	return cfg, cfg.Validate()
}

type runner struct {
	cfg      job.Config
	deps     job.Deps
	items    string
	registry *job.Registry
	logger   batch.Logger
}

// once builds a fresh job, runs it over a freshly opened source and maps
// the outcome to an exit code.
func (r *runner) once(ctx context.Context) error {
	opened, err := job.OpenSource(ctx, r.cfg.Source, r.items, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := opened.Close(); err != nil {
			r.logger.Warn("close source: %v", err)
		}
	}()

	deps := r.deps
	deps.SourceStages = opened.Stages
	j, err := job.Build(r.cfg, r.registry, deps)
	if err != nil {
		return err
	}
	defer j.Close()

	res, code, err := j.Run(ctx, opened.Source)
	if err == nil {
		r.logger.Info("job finished: %v", res)
	}
	if code != 0 || err != nil {
		return &exitError{code: code, err: err}
	}
	return nil
}

// scheduled runs the job on every tick. A failed run is logged and the
// schedule keeps going; an abnormal end stops the process.
func (r *runner) scheduled(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	fatal := make(chan error, 1)

	scheduler := cron.NewScheduler(
		cron.WithLogger(r.logger),
		cron.WithLogLevel(cron.LogLevelInfo),
		cron.WithErrorHandler(func(err error) {
			r.logger.Error("scheduled run failed: %v", err)
			if batch.KindOf(err) == batch.KindAbnormalEnd {
				select {
				case fatal <- err:
				default:
				}
			}
		}),
	)
	spec := r.cfg.Schedule
	spec.SkipIfRunning = true
	if _, err := scheduler.ScheduleCron(spec, r.once); err != nil {
		return err
	}

	g.Go(func() error {
		return scheduler.Start(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-fatal:
			return err
		}
	})

	err := g.Wait()
	if serr := scheduler.Stop(context.Background()); serr != nil {
		r.logger.Warn("stop scheduler: %v", serr)
	}
	if err != nil {
		return &exitError{code: batch.ExitCodeFor(nil, err), err: err}
	}
	return nil
}
