/*
Copyright 2025 The Volmux Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dispatch

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/volmux/volmux/internal/backend"
	"github.com/volmux/volmux/internal/transport"
	"github.com/volmux/volmux/internal/util"
	"github.com/volmux/volmux/internal/util/log"
)

// Retrier drives the attempts of one dispatched operation. Only transient
// transport failures are retried, vendor side rejections are final on the
// first attempt. Each attempt runs under its own timeout so a hung array
// connection cannot pin an operation forever.
type Retrier struct {
	// Backoff shapes the delays between attempts, Backoff.Steps is the
	// attempt budget.
	Backoff wait.Backoff
	// AttemptTimeout bounds a single attempt. Zero means the attempt only
	// honors the caller's context.
	AttemptTimeout time.Duration

	// OnRetry is invoked before each retry, used for accounting.
	OnRetry func()
}

// Do runs fn until it succeeds, fails hard, or the attempt budget runs out.
// An exhausted budget is normalized: attempts that kept timing out surface
// ErrOperationTimeout, other transient failures surface ErrTransport, both
// with the last vendor error attached.
func (r Retrier) Do(ctx context.Context, opName string, fn func(ctx context.Context) error) error {
	backoff := r.Backoff
	steps := backoff.Steps
	if steps < 1 {
		steps = 1
	}

	var lastErr error
	for attempt := 1; attempt <= steps; attempt++ {
		lastErr = r.attempt(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !transport.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == steps || ctx.Err() != nil {
			break
		}

		delay := backoff.Step()
		log.UsefulLog(ctx, "%s attempt %d/%d failed (%v), retrying in %v",
			opName, attempt, steps, lastErr, delay)
		if r.OnRetry != nil {
			r.OnRetry()
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return exhausted(ctx.Err())
		}
	}

	return exhausted(lastErr)
}

func (r Retrier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.AttemptTimeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.AttemptTimeout)
	defer cancel()

	return fn(attemptCtx)
}

func exhausted(lastErr error) error {
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return util.JoinErrors(backend.ErrOperationTimeout, lastErr)
	}

	return util.JoinErrors(backend.ErrTransport, lastErr)
}
