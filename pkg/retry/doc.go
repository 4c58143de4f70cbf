// Package retry runs operations with bounded attempts and pluggable
// backoff. It backs the send retry policy (three attempts, randomized
// 2-5s pause, structural failures never retried) and the request retries
// of the automation driver client.
//
// Basic usage:
//
//	err := retry.Do(func() error {
//		return adapter.Send(ctx, target, text)
//	}, &retry.Config{
//		MaxAttempts: 3,
//		Backoff:     retry.DefaultSendBackoff(),
//		RetryIf:     retry.DefaultRetryIf,
//		Context:     ctx,
//		Sleep:       clk.Sleep,
//	})
//
// Errors typed with pkg/errors are retried according to
// errors.IsRetryable; untyped errors are considered transient.
package retry
