package rpc

import (
	"context"
	"time"

	"github.com/pingcap/errors"

	"github.com/tabkv/tabkv/config"
)

// RetryOptions tunes the backoff between attempts of one logical
// operation. The overall deadline comes from the caller's context, not
// from here.
type RetryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2,
	}
}

func RetryOptionsFromConfig(cfg *config.Config) RetryOptions {
	return RetryOptions{
		InitialBackoff: cfg.RPCInitialBackoff,
		MaxBackoff:     cfg.RPCMaxBackoff,
		BackoffFactor:  cfg.RPCBackoffFactor,
	}
}

// Retrier paces retries with exponential backoff. Not safe for
// concurrent use; one Retrier drives one invocation.
type Retrier struct {
	opts    RetryOptions
	attempt int
	backoff time.Duration
}

func NewRetrier(opts RetryOptions) *Retrier {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultRetryOptions().InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 1
	}
	return &Retrier{opts: opts, backoff: opts.InitialBackoff}
}

// Attempt returns how many pauses have been taken so far.
func (r *Retrier) Attempt() int {
	return r.attempt
}

// Pause sleeps for the current backoff, growing it for next time.
// Returns the context error if the deadline lands first.
func (r *Retrier) Pause(ctx context.Context) error {
	r.attempt++
	t := time.NewTimer(r.backoff)
	defer t.Stop()

	next := time.Duration(float64(r.backoff) * r.opts.BackoffFactor)
	if next > r.opts.MaxBackoff {
		next = r.opts.MaxBackoff
	}
	r.backoff = next

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}
