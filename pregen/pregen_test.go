package pregen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lookatitude/voxtenant/cache"
	_ "github.com/lookatitude/voxtenant/cache/providers/inmemory"
	"github.com/lookatitude/voxtenant/synthcache"
)

func newCache(t *testing.T) *synthcache.Cache {
	t.Helper()
	backend, err := cache.New("inmemory", cache.Config{MaxSize: 100, TTL: time.Hour})
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	return synthcache.New(backend, time.Hour)
}

type fakeQueue struct {
	mu          sync.Mutex
	jobs        []*Job
	checkpoints map[string]int
	completed   map[string]JobStatus
}

func newFakeQueue(jobs ...*Job) *fakeQueue {
	return &fakeQueue{jobs: jobs, checkpoints: make(map[string]int), completed: make(map[string]JobStatus)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, false, nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true, nil
}

func (q *fakeQueue) Checkpoint(ctx context.Context, jobID string, index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checkpoints[jobID] = index
	return nil
}

func (q *fakeQueue) Complete(ctx context.Context, jobID string, status JobStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[jobID] = status
	return nil
}

func TestWorker_ProcessesAllTextsAndCompletesJob(t *testing.T) {
	job := &Job{ID: "job-1", VoiceID: "v1", Tuning: "t1", Language: "en", Texts: []string{"hi", "bye"}}
	q := newFakeQueue(job)
	var calls int32
	synth := func(ctx context.Context, voiceID, tuning, language, text string) (*synthcache.Artifact, error) {
		atomic.AddInt32(&calls, 1)
		return &synthcache.Artifact{Fingerprint: text, Audio: []byte(text)}, nil
	}
	w := New(Config{Queue: q, Cache: newCache(t), Synthesizer: synth, Concurrency: 1, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if calls != 2 {
		t.Errorf("synth calls = %d, want 2", calls)
	}
	if q.completed["job-1"] != JobCompleted {
		t.Errorf("status = %q, want %q", q.completed["job-1"], JobCompleted)
	}
	if q.checkpoints["job-1"] != 2 {
		t.Errorf("checkpoint = %d, want 2", q.checkpoints["job-1"])
	}
}

func TestWorker_ResumesFromCheckpointWithoutReinvokingProvider(t *testing.T) {
	job := &Job{ID: "job-1", VoiceID: "v1", Tuning: "t1", Language: "en", Texts: []string{"a", "b", "c"}, Checkpoint: 2}
	q := newFakeQueue(job)
	var got []string
	synth := func(ctx context.Context, voiceID, tuning, language, text string) (*synthcache.Artifact, error) {
		got = append(got, text)
		return &synthcache.Artifact{Fingerprint: text, Audio: []byte(text)}, nil
	}
	w := New(Config{Queue: q, Cache: newCache(t), Synthesizer: synth, Concurrency: 1, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if len(got) != 1 || got[0] != "c" {
		t.Errorf("synthesized texts = %v, want only [c] (resuming past checkpoint 2)", got)
	}
}

func TestWorker_SynthesisFailureMarksJobFailed(t *testing.T) {
	job := &Job{ID: "job-1", VoiceID: "v1", Tuning: "t1", Language: "en", Texts: []string{"boom"}}
	q := newFakeQueue(job)
	synth := func(ctx context.Context, voiceID, tuning, language, text string) (*synthcache.Artifact, error) {
		return nil, errors.New("provider down")
	}
	w := New(Config{Queue: q, Cache: newCache(t), Synthesizer: synth, Concurrency: 1, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if q.completed["job-1"] != JobFailed {
		t.Errorf("status = %q, want %q", q.completed["job-1"], JobFailed)
	}
}
