// Package worker runs one pipeline stage: it subscribes the stage's
// input event type, wraps the stage handler with logging, metrics and
// operation tracking, and drives the consume loop until shutdown.
//
// The retry helper wraps transient backend calls (embedder, LLM,
// stores) in exponential backoff with jitter. Permanent errors stop the
// retry immediately and bubble up so the poison protocol takes over.
package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/common"
)

// RetryConfig controls RetryWithBackoff.
type RetryConfig struct {
	MaxAttempts     int           // total tries including the first, default 3
	InitialInterval time.Duration // default 5s
	MaxInterval     time.Duration // wait ceiling, default 60s
	OnRetry         func(attempt int, err error, next time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 5 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 60 * time.Second
	}
	return c
}

// RetryWithBackoff runs op with exponential backoff and ±20% jitter.
// Permanent errors (common.IsPermanent) are returned without further
// attempts; context cancellation aborts the wait. The OnRetry hook fires
// after each failed attempt that will be retried.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, op func() error) error {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	attempts := 0
	wrapped := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if common.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		if attempts >= cfg.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		log.WithError(err).WithFields(log.Fields{
			"attempt": attempts,
			"next":    next.String(),
		}).Warn("Operation failed, retrying")
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempts, err, next)
		}
	}

	return backoff.RetryNotify(wrapped, backoff.WithContext(b, ctx), notify)
}
