package job

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	batch "github.com/goliatone/go-batch"
	"github.com/goliatone/go-batch/source"
	goerrors "github.com/goliatone/go-errors"
	"github.com/nats-io/nats.go"
)

const (
	SourceLines     = "lines"
	SourceJetStream = "jetstream"
	SourceKafka     = "kafka"
)

// SourceConfig selects where items come from.
type SourceConfig struct {
	Type string `yaml:"type"`
	// Path is the file read by the lines source, one item per line.
	Path  string             `yaml:"path"`
	Poll  time.Duration      `yaml:"poll"`
	NATS  NATSConfig         `yaml:"nats"`
	Kafka source.KafkaConfig `yaml:"kafka"`
}

type NATSConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Consumer  string `yaml:"consumer"`
	FetchSize int    `yaml:"fetch_size"`
}

func (s SourceConfig) validate() []goerrors.FieldError {
	var fields []goerrors.FieldError
	missing := func(field string) {
		fields = append(fields, goerrors.FieldError{Field: field, Message: "is required"})
	}

	switch s.Type {
	case "", SourceLines:
	case SourceJetStream:
		if s.NATS.URL == "" {
			missing("source.nats.url")
		}
		if s.NATS.Stream == "" {
			missing("source.nats.stream")
		}
		if s.NATS.Consumer == "" {
			missing("source.nats.consumer")
		}
	case SourceKafka:
		if len(s.Kafka.Brokers) == 0 {
			missing("source.kafka.brokers")
		}
		if s.Kafka.Topic == "" {
			missing("source.kafka.topic")
		}
		if s.Kafka.GroupID == "" {
			missing("source.kafka.group_id")
		}
	default:
		fields = append(fields, goerrors.FieldError{Field: "source.type", Message: "unknown source type", Value: s.Type})
	}
	return fields
}

// OpenedSource is an item source plus the stages that acknowledge its
// items and the cleanup of its connections.
type OpenedSource struct {
	Source batch.ItemSource
	Stages []batch.Handler
	Close  func() error
}

// OpenSource connects the configured source. The lines source reads path
// when cfg.Path is empty.
func OpenSource(ctx context.Context, cfg SourceConfig, path string, logger batch.Logger) (*OpenedSource, error) {
	switch cfg.Type {
	case "", SourceLines:
		if cfg.Path != "" {
			path = cfg.Path
		}
		src, err := ReadLines(path)
		if err != nil {
			return nil, err
		}
		return &OpenedSource{Source: src, Close: func() error { return nil }}, nil

	case SourceJetStream:
		nc, err := connectNATS(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, batch.NewServiceUnavailable("open jetstream context", err)
		}
		src, err := source.SubscribeJetStream(js, cfg.NATS.Stream, cfg.NATS.Consumer,
			source.WithFetchSize(cfg.NATS.FetchSize), source.WithMaxWait(cfg.Poll))
		if err != nil {
			nc.Close()
			return nil, err
		}
		return &OpenedSource{
			Source: src,
			Stages: []batch.Handler{source.NewAckStage(logger)},
			Close: func() error {
				return nc.Drain()
			},
		}, nil

	case SourceKafka:
		reader := source.NewKafkaReader(cfg.Kafka)
		src := source.NewKafka(reader, cfg.Poll)
		return &OpenedSource{
			Source: src,
			Stages: []batch.Handler{source.NewCommitStage(reader)},
			Close: func() error {
				return src.Close(context.Background(), nil)
			},
		}, nil
	}
	return nil, goerrors.NewValidation("invalid source",
		goerrors.FieldError{Field: "source.type", Message: "unknown source type", Value: cfg.Type})
}

// connectNATS dials url and gives up when ctx is done first. A connection
// that completes after ctx is done is closed.
func connectNATS(ctx context.Context, url string) (*nats.Conn, error) {
	nc, err := dialWithContext(ctx, func() (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name("batchrun"),
			nats.MaxReconnects(10),
			nats.ReconnectWait(2*time.Second),
			nats.Timeout(5*time.Second),
		)
	}, (*nats.Conn).Close)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			return nil, err
		}
		return nil, batch.NewServiceUnavailable("connect to nats", err)
	}
	return nc, nil
}

// dialWithContext runs dial in the background and returns ctx.Err() when ctx
// is done first. The late connection, if any, is released with closeFn.
func dialWithContext[T comparable](ctx context.Context, dial func() (T, error), closeFn func(T)) (T, error) {
	type result struct {
		conn T
		err  error
	}
	var zero T
	resultCh := make(chan result, 1)
	go func() {
		conn, err := dial()
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.err == nil && res.conn != zero {
				closeFn(res.conn)
			}
		}()
		return zero, ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return zero, res.err
		}
		return res.conn, nil
	}
}

// ReadLines loads the non blank lines of a file as string items. A path of
// "-" reads stdin.
func ReadLines(path string) (*batch.SliceSource, error) {
	f := os.Stdin
	if path != "-" {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "open item file").
				WithTextCode("SOURCE_OPEN").
				WithMetadata(map[string]any{"path": path})
		}
		defer f.Close()
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "read item file").
			WithTextCode("SOURCE_READ")
	}
	return batch.NewSliceSource(lines...), nil
}
