// Package retry runs an operation a bounded number of times with
// exponential backoff, retrying only errors a classifier marks transient.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default backoff intervals
const (
	DefaultInitialInterval = 1 * time.Second
	DefaultMaxInterval     = 30 * time.Second
)

// Policy bounds the retries of one operation
type Policy struct {
	MaxRetries      uint64 // retries after the first attempt
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewPolicy returns a Policy with the default intervals
func NewPolicy(maxRetries int) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Policy{
		MaxRetries:      uint64(maxRetries),
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}
}

// Classifier reports whether err is transient and worth another attempt
type Classifier func(err error) bool

// Notify is called before sleeping ahead of retry number attempt
type Notify func(err error, wait time.Duration, attempt int)

// Do calls op until it succeeds, returns an error the classifier rejects,
// the retries are used up or ctx is done. The last error is returned as is.
func Do(ctx context.Context, p Policy, retryable Classifier, notify Notify, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = 0 // attempts, not elapsed time, bound the loop

	attempt := 0
	operation := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(err, wait, attempt)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(bo, p.MaxRetries), ctx)
	return backoff.RetryNotify(operation, b, onRetry)
}
