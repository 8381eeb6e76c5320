package source

import (
	"context"
	"errors"
	"sync"
	"time"

	batch "github.com/goliatone/go-batch"
	goerrors "github.com/goliatone/go-errors"
	"github.com/nats-io/nats.go"
)

// DefaultFetchSize is the number of messages pulled per JetStream fetch.
const DefaultFetchSize = 10

// PullSubscription is the part of a JetStream pull subscription the source
// uses. *nats.Subscription implements it.
type PullSubscription interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Drain() error
}

type JetStreamOption func(*JetStream)

// WithFetchSize sets how many messages a single fetch may return.
func WithFetchSize(n int) JetStreamOption {
	return func(j *JetStream) {
		if n > 0 {
			j.fetchSize = n
		}
	}
}

// WithMaxWait bounds how long a fetch waits for messages.
func WithMaxWait(d time.Duration) JetStreamOption {
	return func(j *JetStream) {
		if d > 0 {
			j.maxWait = d
		}
	}
}

// JetStream reads *nats.Msg items from a pull consumer. Messages are not
// acknowledged here; put an AckStage in the chain to ack after processing.
// Safe for use by concurrent branches.
type JetStream struct {
	sub       PullSubscription
	fetchSize int
	maxWait   time.Duration

	mu      sync.Mutex
	pending []*nats.Msg
	closed  bool
}

func NewJetStream(sub PullSubscription, opts ...JetStreamOption) *JetStream {
	j := &JetStream{
		sub:       sub,
		fetchSize: DefaultFetchSize,
		maxWait:   DefaultPollTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// SubscribeJetStream binds a pull subscription to an existing durable consumer.
func SubscribeJetStream(js nats.JetStreamContext, stream, consumer string, opts ...JetStreamOption) (*JetStream, error) {
	sub, err := js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
	if err != nil {
		return nil, batch.NewServiceUnavailable("subscribe to jetstream consumer "+stream+"/"+consumer, err)
	}
	return NewJetStream(sub, opts...), nil
}

func (j *JetStream) HasNext(context.Context, *batch.ExecutionContext) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.closed
}

// Read returns the next buffered message, fetching a new batch when the
// buffer is empty. It returns nil when the fetch timed out without messages.
func (j *JetStream) Read(ctx context.Context, _ *batch.ExecutionContext) (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, nil
	}
	if len(j.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil
		}
		msgs, err := j.sub.Fetch(j.fetchSize, nats.MaxWait(j.maxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, batch.NewServiceUnavailable("fetch from jetstream", err)
		}
		j.pending = msgs
	}
	if len(j.pending) == 0 {
		return nil, nil
	}

	msg := j.pending[0]
	j.pending[0] = nil
	j.pending = j.pending[1:]
	return msg, nil
}

// Close drains the subscription. Buffered messages that were never read
// are left unacknowledged and will be redelivered.
func (j *JetStream) Close(context.Context, *batch.ExecutionContext) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.pending = nil
	if err := j.sub.Drain(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "drain jetstream subscription").
			WithTextCode("SOURCE_CLOSE_FAILED")
	}
	return nil
}

// Acknowledger is implemented by *nats.Msg.
type Acknowledger interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
}

// AckStage acknowledges a message once the rest of the chain handled it and
// negatively acknowledges it on failure so the server redelivers it. Place
// it right after the read stage. Items that are not messages pass through.
type AckStage struct {
	logger batch.Logger
}

func NewAckStage(logger batch.Logger) *AckStage {
	return &AckStage{logger: logger}
}

func (s *AckStage) Name() string { return "ack" }

func (s *AckStage) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	msg, ok := item.(Acknowledger)
	if !ok {
		return ec.InvokeNext(ctx, item)
	}

	res, err := ec.InvokeNext(ctx, item)
	if err == nil && res != nil && !res.IsSuccess() {
		err = batch.NewResultError(res)
	}
	if err != nil {
		if nakErr := msg.Nak(); nakErr != nil {
			s.loggerFor(ec).Error("nak message: %v", nakErr)
		}
		return res, err
	}

	if ackErr := msg.Ack(); ackErr != nil {
		return nil, batch.NewServiceUnavailable("ack message", ackErr)
	}
	return res, nil
}

func (s *AckStage) loggerFor(ec *batch.ExecutionContext) batch.Logger {
	if s.logger != nil {
		return s.logger
	}
	return ec.Logger()
}
