package source

import (
	"context"
	"errors"
	"sync"
	"time"

	batch "github.com/goliatone/go-batch"
	goerrors "github.com/goliatone/go-errors"
	"github.com/segmentio/kafka-go"
)

// DefaultCommitTimeout bounds a single offset commit.
const DefaultCommitTimeout = 3 * time.Second

// KafkaReader is the part of *kafka.Reader the source and commit stage use.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig describes a consumer group reader with manual commits.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// NewKafkaReader builds a consumer group reader that never commits on its
// own; offsets move only through a CommitStage.
func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Kafka reads kafka.Message items. Concurrent branches may share it.
type Kafka struct {
	reader KafkaReader
	poll   time.Duration
	closed chan struct{}
	once   sync.Once
}

// NewKafka wraps reader. A poll of zero or less uses DefaultPollTimeout.
func NewKafka(reader KafkaReader, poll time.Duration) *Kafka {
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	return &Kafka{reader: reader, poll: poll, closed: make(chan struct{})}
}

func (k *Kafka) HasNext(context.Context, *batch.ExecutionContext) bool {
	select {
	case <-k.closed:
		return false
	default:
		return true
	}
}

// Read returns nil when no message arrived within the poll timeout.
func (k *Kafka) Read(ctx context.Context, _ *batch.ExecutionContext) (any, error) {
	if !k.HasNext(ctx, nil) || ctx.Err() != nil {
		return nil, nil
	}

	pctx, cancel := context.WithTimeout(ctx, k.poll)
	defer cancel()

	msg, err := k.reader.FetchMessage(pctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		if !k.HasNext(ctx, nil) {
			return nil, nil
		}
		return nil, batch.NewServiceUnavailable("fetch from kafka", err)
	}
	return msg, nil
}

func (k *Kafka) Close(context.Context, *batch.ExecutionContext) error {
	var err error
	k.once.Do(func() {
		close(k.closed)
		if cerr := k.reader.Close(); cerr != nil {
			err = goerrors.Wrap(cerr, goerrors.CategoryExternal, "close kafka reader").
				WithTextCode("SOURCE_CLOSE_FAILED")
		}
	})
	return err
}

// CommitStage commits the offset of a message after the rest of the chain
// handled it. Failed messages stay uncommitted and are consumed again after
// a rebalance or restart. Place it right after the read stage.
type CommitStage struct {
	reader  KafkaReader
	timeout time.Duration
}

func NewCommitStage(reader KafkaReader) *CommitStage {
	return &CommitStage{reader: reader, timeout: DefaultCommitTimeout}
}

func (s *CommitStage) Name() string { return "kafka-commit" }

func (s *CommitStage) Handle(ctx context.Context, item any, ec *batch.ExecutionContext) (batch.Result, error) {
	msg, ok := item.(kafka.Message)
	if !ok {
		return ec.InvokeNext(ctx, item)
	}

	res, err := ec.InvokeNext(ctx, item)
	if err != nil {
		return res, err
	}
	if res != nil && !res.IsSuccess() {
		return res, nil
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.reader.CommitMessages(cctx, msg); err != nil {
		return nil, batch.NewServiceUnavailable("commit kafka offset", err)
	}
	return res, nil
}
