package loop

import batch "github.com/goliatone/go-batch"

type Option func(*Controller)

// WithCommitInterval sets how many items are committed together. Values
// below 1 commit after every item.
func WithCommitInterval(k int) Option {
	return func(c *Controller) {
		c.commitInterval = k
	}
}

func WithTransactionProvider(p batch.TransactionProvider) Option {
	return func(c *Controller) {
		if p != nil {
			c.provider = p
		}
	}
}

// WithTransactionName sets the name the item transaction is registered under.
func WithTransactionName(name string) Option {
	return func(c *Controller) {
		if name != "" {
			c.txName = name
		}
	}
}

func WithLogger(l batch.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

type ReadOption func(*ReadStage)

// WithMaxCount stops reading after n items. Zero means no limit.
func WithMaxCount(n int) ReadOption {
	return func(r *ReadStage) {
		if n < 0 {
			n = 0
		}
		r.maxCount = int64(n)
	}
}
