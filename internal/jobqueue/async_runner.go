package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AsyncRunner executes thread work on in-process goroutines. It is the
// scheduler used when no queue database is configured: same work routing as
// the River worker, no persistence, no recovery across restarts.
type AsyncRunner struct {
	runner  ThreadRunner
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// NewAsyncRunner creates an in-process scheduler around the dispatch loop.
func NewAsyncRunner(runner ThreadRunner, log zerolog.Logger) *AsyncRunner {
	return &AsyncRunner{
		runner:  runner,
		timeout: GetQueueConfig().JobTimeout,
		log:     log,
	}
}

// Schedule starts the work unit on its own goroutine and returns immediately.
// The webhook response must not wait on LLM latency. Failures are logged;
// the suspended thread's earlier token stays valid so the human can retry.
func (a *AsyncRunner) Schedule(_ context.Context, args ThreadWorkArgs) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := runThreadWork(ctx, a.runner, a.log, args); err != nil {
			a.log.Error().Err(err).Str("run_id", args.RunID).Msg("async thread work failed")
		}
	}()
	return nil
}

// Wait blocks until all scheduled work has finished.
func (a *AsyncRunner) Wait() {
	a.wg.Wait()
}
