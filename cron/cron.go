// Package cron schedules batch runs on cron expressions or at fixed times.
package cron

import (
	"context"
	"io"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"

	batch "github.com/goliatone/go-batch"
	goerrors "github.com/goliatone/go-errors"

	rcron "github.com/robfig/cron/v3"
)

// Job is one scheduled batch run.
type Job func(ctx context.Context) error

// Schedule describes when and how a job runs.
type Schedule struct {
	Expression string        `yaml:"expression"`
	Timeout    time.Duration `yaml:"timeout"`
	// SkipIfRunning drops a tick while the previous run of the same job is
	// still in progress.
	SkipIfRunning bool `yaml:"skip_if_running"`
}

// Scheduler wraps cron functionality.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger    batch.Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*cronSubscription
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	cs := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[int64]*cronSubscription),
	}
	cs.ctx, cs.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		if opt != nil {
			opt(cs)
		}
	}

	cs.cron = rcron.New(cs.build()...)
	return cs
}

func (s *Scheduler) SetLogger(logger batch.Logger) {
	s.logger = logger
}

// ScheduleCron schedules a recurring job by cron expression.
func (s *Scheduler) ScheduleCron(spec Schedule, job Job) (Handle, error) {
	if spec.Expression == "" {
		return nil, goerrors.NewValidation("invalid schedule",
			goerrors.FieldError{Field: "expression", Message: "cannot be empty"})
	}
	if job == nil {
		return nil, goerrors.NewValidation("invalid schedule",
			goerrors.FieldError{Field: "job", Message: "cannot be nil"})
	}

	sub := s.newHandle()
	var cjob rcron.Job = rcron.FuncJob(func() {
		status := sub.Status()
		if isTerminalStatus(status) {
			return
		}

		sub.setStatus(ScheduleStatusRunning, nil)
		if err := s.run(spec, job); err != nil {
			// a failed tick is recorded on the handle, the entry keeps firing
			if !isTerminalStatus(sub.Status()) {
				sub.setStatus(ScheduleStatusIdle, err)
			}
			s.errorHandler(err)
			return
		}

		if !isTerminalStatus(sub.Status()) {
			sub.setStatus(ScheduleStatusIdle, nil)
		}
	})
	if spec.SkipIfRunning {
		cjob = rcron.NewChain(rcron.SkipIfStillRunning(s.cronLogger())).Then(cjob)
	}

	entryID, err := s.cron.AddJob(spec.Expression, cjob)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid cron expression").
			WithTextCode("INVALID_SCHEDULE").
			WithMetadata(map[string]any{"expression": spec.Expression})
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, spec Schedule, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), spec, job)
}

// ScheduleAt schedules one execution at a specific time. The expression of
// spec is ignored.
func (s *Scheduler) ScheduleAt(at time.Time, spec Schedule, job Job) (Handle, error) {
	if job == nil {
		return nil, goerrors.NewValidation("invalid schedule",
			goerrors.FieldError{Field: "job", Message: "cannot be nil"})
	}

	sub := s.newHandle()
	s.storeHandle(sub)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		}

		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		if err := s.run(spec, job); err != nil {
			sub.setTerminal(ScheduleStatusFailed, err)
			s.errorHandler(err)
			s.removeStoredHandle(sub.id)
			return
		}
		sub.setTerminal(ScheduleStatusCompleted, nil)
		s.removeStoredHandle(sub.id)
	}()

	return sub, nil
}

// run executes job under the scheduler context, bounded by the schedule
// timeout. Panics become runtime errors.
func (s *Scheduler) run(spec Schedule, job Job) (err error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = batch.RecoverError(r, debug.Stack())
		}
	}()
	return job(ctx)
}

// RemoveHandler removes a scheduled job by entry ID.
func (s *Scheduler) RemoveHandler(entryID int) {
	if s == nil {
		return
	}

	var affected []*cronSubscription
	s.mu.Lock()
	for id, handle := range s.handles {
		if handle != nil && handle.entryID == entryID {
			affected = append(affected, handle)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	s.cron.Remove(rcron.EntryID(entryID))
	for _, handle := range affected {
		handle.setTerminal(ScheduleStatusCanceled, nil)
	}
}

// Start begins executing scheduled cron jobs. Running jobs are canceled
// when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	cancel := s.cancel
	s.mu.Unlock()

	if ctx != nil {
		context.AfterFunc(ctx, cancel)
	}
	s.cron.Start()
	return nil
}

// Stop stops executing scheduled jobs, cancels running ones and marks
// active handles as stopped. It waits for running jobs to return or ctx
// to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	stopped := s.cron.Stop()

	var handles []*cronSubscription
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*cronSubscription)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		if isTerminalStatus(handle.Status()) {
			continue
		}
		handle.setTerminal(ScheduleStatusStopped, nil)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *cronSubscription {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *cronSubscription) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles == nil {
		s.handles = make(map[int64]*cronSubscription)
	}
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle() *cronSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &cronSubscription{
		scheduler: s,
		id:        s.nextHandleID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	cronLogger := rcron.PrintfLogger(stdLogger)
	if level >= LogLevelDebug {
		cronLogger = rcron.VerbosePrintfLogger(stdLogger)
	}
	return cronLogger
}

func (s *Scheduler) cronLogger() rcron.Logger {
	switch {
	case s.logger != nil:
		return &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		return makeLogger(s.logWriter, s.logLevel)
	case s.logLevel > LogLevelSilent:
		return makeLogger(os.Stdout, s.logLevel)
	default:
		return rcron.DiscardLogger
	}
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
		))
	}

	opts = append(opts, rcron.WithLogger(s.cronLogger()))
	return opts
}
