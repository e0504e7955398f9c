/*
Package jobqueue provides a River-based job queue for thread work units.

Each webhook delivery becomes one job: start a new thread, or resume a
suspended one with a human response or approval decision. Jobs run exactly
once because thread side effects (tracker mutations, outgoing human requests)
are not idempotent.

For configuration and tuning parameters, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog"

	"github.com/threadline/internal/thread"
)

// Thread work operations.
const (
	OpNewThread     = "new_thread"
	OpHumanResponse = "human_response"
	OpFunctionCall  = "function_call"
)

// ThreadWorkArgs is one unit of thread work. Exactly one of Trigger or State
// is set: Trigger starts a fresh thread, State resumes a suspended one.
type ThreadWorkArgs struct {
	RunID    string            `json:"run_id"`
	Op       string            `json:"op"`
	Trigger  *thread.Trigger   `json:"trigger,omitempty"`
	State    thread.StateToken `json:"state,omitempty"`
	Message  string            `json:"message,omitempty"`
	Approved *bool             `json:"approved,omitempty"`
	Comment  string            `json:"comment,omitempty"`
}

// Kind returns the job kind for River.
func (ThreadWorkArgs) Kind() string {
	return "thread_work"
}

// ThreadRunner is the dispatch capability the worker drives. Satisfied by
// dispatch.Loop.
type ThreadRunner interface {
	Run(ctx context.Context, t *thread.Thread) (*thread.Thread, error)
	ResumeWithHumanResponse(ctx context.Context, token thread.StateToken, message string) (*thread.Thread, error)
	ResumeWithFunctionCall(ctx context.Context, token thread.StateToken, approved bool, comment string) (*thread.Thread, error)
}

// runThreadWork routes one work unit into the dispatch loop. Shared by the
// River worker and the in-process runner so both schedulers behave the same.
func runThreadWork(ctx context.Context, runner ThreadRunner, log zerolog.Logger, args ThreadWorkArgs) error {
	log.Info().
		Str("run_id", args.RunID).
		Str("op", args.Op).
		Msg("processing thread work")

	var err error
	switch args.Op {
	case OpNewThread:
		if args.Trigger == nil {
			return fmt.Errorf("new_thread work %s carries no trigger", args.RunID)
		}
		_, err = runner.Run(ctx, thread.New(*args.Trigger))
	case OpHumanResponse:
		_, err = runner.ResumeWithHumanResponse(ctx, args.State, args.Message)
	case OpFunctionCall:
		approved := args.Approved != nil && *args.Approved
		_, err = runner.ResumeWithFunctionCall(ctx, args.State, approved, args.Comment)
	default:
		return fmt.Errorf("unknown thread work op %q", args.Op)
	}

	if err != nil {
		log.Error().Err(err).Str("run_id", args.RunID).Str("op", args.Op).Msg("thread work failed")
		return err
	}

	log.Info().Str("run_id", args.RunID).Str("op", args.Op).Msg("thread work done")
	return nil
}

// ThreadWorker handles thread work jobs.
type ThreadWorker struct {
	river.WorkerDefaults[ThreadWorkArgs]
	runner ThreadRunner
	log    zerolog.Logger
}

// Work runs the thread work unit.
func (w *ThreadWorker) Work(ctx context.Context, job *river.Job[ThreadWorkArgs]) error {
	return runThreadWork(ctx, w.runner, w.log, job.Args)
}

// JobQueue manages the River job queue backed by Postgres.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
	log    zerolog.Logger
}

// NewJobQueue creates a job queue over the given database. The River schema
// migrations must already be applied.
func NewJobQueue(databaseURL string, runner ThreadRunner, log zerolog.Logger) (*JobQueue, error) {
	config := GetQueueConfig()

	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &ThreadWorker{runner: runner, log: log})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
		log:    log,
	}, nil
}

// Start starts the job queue workers.
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and closes the pool.
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// Schedule enqueues one thread work unit. MaxAttempts is pinned to 1: a
// failed run must surface as a failed job, never re-fire its side effects.
func (jq *JobQueue) Schedule(ctx context.Context, args ThreadWorkArgs) error {
	_, err := jq.client.Insert(ctx, args, &river.InsertOpts{
		MaxAttempts: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to queue thread work: %w", err)
	}
	return nil
}
