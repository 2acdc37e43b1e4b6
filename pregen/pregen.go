// Package pregen implements the pregeneration worker (§4.O): a bounded pool
// of workers draining a durable job queue, warming the synthesis cache (§4.K)
// for a voice agent's canonical response texts with resumable, checkpointed
// progress.
package pregen

import (
	"context"
	"time"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/internal/syncutil"
	"github.com/lookatitude/voxtenant/o11y"
	"github.com/lookatitude/voxtenant/synthcache"
)

// JobStatus tracks a pregeneration job's lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job specifies one pregeneration unit of work: synthesize every text in
// Texts for VoiceID/Tuning/Language, checkpointing after each.
type Job struct {
	ID         string
	TenantID   string
	AgentID    string
	VoiceID    string
	Tuning     string
	Language   string
	Texts      []string
	Status     JobStatus
	Checkpoint int // index of the next text to synthesize; resume point
}

// Queue is the durable job source/sink. Implementations back onto the
// persistent store gateway.
type Queue interface {
	// Enqueue admits a new job, set to JobQueued with a zero checkpoint.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue returns the next queued job, or (nil, false, nil) if empty.
	Dequeue(ctx context.Context) (*Job, bool, error)
	// Checkpoint persists a job's progress so a crash resumes without
	// re-invoking the provider for already-synthesized texts.
	Checkpoint(ctx context.Context, jobID string, index int) error
	// Complete marks a job finished (successfully or not).
	Complete(ctx context.Context, jobID string, status JobStatus) error
}

// Synthesizer produces audio for one text under a voice/tuning/language
// configuration. The voice session manager's speech provider satisfies this.
type Synthesizer func(ctx context.Context, voiceID, tuning, language, text string) (*synthcache.Artifact, error)

// Worker pool pulls jobs from Queue and warms Cache via Synthesize, using
// synthcache's single-flight get-or-build so a pregeneration run never
// duplicates a synthesis already served (or being served) by a live request.
type Worker struct {
	queue   Queue
	cache   *synthcache.Cache
	synth   Synthesizer
	pool    *syncutil.WorkerPool
	pollGap time.Duration
}

// Config configures a Worker.
type Config struct {
	Queue       Queue
	Cache       *synthcache.Cache
	Synthesizer Synthesizer
	// Concurrency bounds simultaneous job processing. Zero defaults to 4.
	Concurrency int
	// PollInterval is how long to wait before re-checking an empty queue.
	// Zero defaults to one second.
	PollInterval time.Duration
}

// New constructs a Worker.
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		queue:   cfg.Queue,
		cache:   cfg.Cache,
		synth:   cfg.Synthesizer,
		pool:    syncutil.NewWorkerPool(cfg.Concurrency),
		pollGap: cfg.PollInterval,
	}
}

// Run drains the queue until ctx is cancelled, submitting each dequeued job
// to the worker pool. It blocks until ctx is done and all submitted jobs
// have finished.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.pool.Wait()
			return
		default:
		}

		job, ok, err := w.queue.Dequeue(ctx)
		if err != nil || !ok {
			select {
			case <-ctx.Done():
				w.pool.Wait()
				return
			case <-time.After(w.pollGap):
			}
			continue
		}

		j := job
		_ = w.pool.Submit(func() {
			w.process(ctx, j)
		})
	}
}

// process runs one job from its checkpoint to completion, persisting
// progress after every text so an interrupted job resumes without
// re-synthesizing already-completed entries.
func (w *Worker) process(ctx context.Context, job *Job) {
	ctx, span := o11y.StartSpan(ctx, "pregen.process", o11y.Attrs{"job_id": job.ID, "agent_id": job.AgentID})
	defer span.End()

	for i := job.Checkpoint; i < len(job.Texts); i++ {
		text := job.Texts[i]
		fp := synthcache.Fingerprint(job.VoiceID, job.Tuning, job.Language, text)

		_, _, err := w.cache.GetOrBuild(ctx, fp, func(ctx context.Context) (*synthcache.Artifact, error) {
			return w.synth(ctx, job.VoiceID, job.Tuning, job.Language, text)
		})
		if err != nil {
			span.RecordError(err)
			_ = w.queue.Complete(ctx, job.ID, JobFailed)
			return
		}

		if err := w.queue.Checkpoint(ctx, job.ID, i+1); err != nil {
			span.RecordError(err)
			_ = core.NewError("pregen.process", core.ErrStoreUnavailable, "checkpoint write failed", err)
			return
		}
	}

	if err := w.queue.Complete(ctx, job.ID, JobCompleted); err != nil {
		span.RecordError(err)
	}
}

// Close stops accepting new work and waits for in-flight jobs to finish.
func (w *Worker) Close() {
	w.pool.Close()
}
