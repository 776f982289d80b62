package clientcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// call sends one envelope, repeating it after a constant delay while the failure is network-level.
// Application errors, including Busy, return after the first attempt.
func (c *Cache) call(ctx context.Context, path, action string, payload json.RawMessage) (json.RawMessage, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.maxRetries)),
		ctx,
	)
	var data json.RawMessage
	attempt := 0
	operation := func() error {
		attempt++
		result, err := c.transport.Call(ctx, path, action, payload)
		if err == nil {
			data = result
			return nil
		}
		if isTransportFailure(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying",
			zap.String("action", action),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return data, nil
}
