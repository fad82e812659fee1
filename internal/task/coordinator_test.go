package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-repo/internal/artifact"
)

type blockingJob struct {
	kind     string
	resource string
	started  chan struct{}
	release  chan struct{}
	err      error
	panicMsg string
}

func newBlockingJob(kind, resource string) *blockingJob {
	return &blockingJob{
		kind:     kind,
		resource: resource,
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (j *blockingJob) Kind() string     { return j.kind }
func (j *blockingJob) Resource() string { return j.resource }

func (j *blockingJob) ConflictsWith(other Job) bool {
	return other.Resource() == j.resource
}

func (j *blockingJob) Run(ctx context.Context) error {
	close(j.started)
	select {
	case <-j.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	if j.panicMsg != "" {
		panic(j.panicMsg)
	}
	return j.err
}

func TestSubmitRejectsConflictingJob(t *testing.T) {
	c := New(Config{Enabled: true})
	first := newBlockingJob("regenerate", "group-a")
	require.NoError(t, c.Submit(first))
	<-first.started

	err := c.Submit(newBlockingJob("regenerate", "group-a"))
	require.ErrorIs(t, err, artifact.ErrConflictRejected)

	other := newBlockingJob("regenerate", "group-b")
	require.NoError(t, c.Submit(other), "disjoint resources must not block each other")
	<-other.started

	differentKind := newBlockingJob("expire-cache", "group-a")
	require.NoError(t, c.Submit(differentKind), "conflicts only apply within one kind")
	<-differentKind.started

	close(first.release)
	close(other.release)
	close(differentKind.release)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestSubmitAcceptedAgainAfterCompletion(t *testing.T) {
	c := New(Config{Enabled: true})
	completed := make(chan Job, 2)
	c.OnComplete(func(job Job, _ error) { completed <- job })

	first := newBlockingJob("regenerate", "g")
	require.NoError(t, c.Submit(first))
	close(first.release)
	require.Equal(t, Job(first), <-completed)

	second := newBlockingJob("regenerate", "g")
	require.NoError(t, c.Submit(second))
	close(second.release)
	require.Equal(t, Job(second), <-completed)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestMaxParallelPerKind(t *testing.T) {
	c := New(Config{Enabled: true, MaxParallel: 2})
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(6)
	c.OnComplete(func(Job, error) { wg.Done() })

	for i := 0; i < 6; i++ {
		job := &funcJob{kind: "k", resource: fmt.Sprintf("r%d", i), run: func(context.Context) error {
			n := running.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		}}
		require.NoError(t, c.Submit(job))
	}
	wg.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

func TestDisabledCoordinatorRejectsEverything(t *testing.T) {
	c := New(Config{Enabled: false})
	err := c.Submit(newBlockingJob("regenerate", "g"))
	require.ErrorIs(t, err, ErrTasksDisabled)
	assert.Empty(t, c.Running())
}

func TestShutdownStopsSubmissions(t *testing.T) {
	c := New(Config{Enabled: true})
	require.NoError(t, c.Shutdown(context.Background()))
	require.ErrorIs(t, c.Submit(newBlockingJob("k", "r")), ErrStopped)
}

func TestShutdownTimesOutOnStuckJob(t *testing.T) {
	c := New(Config{Enabled: true})
	job := newBlockingJob("k", "r")
	require.NoError(t, c.Submit(job))
	<-job.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Shutdown(ctx), context.DeadlineExceeded)
}

func TestPanicsAreReportedAsFailures(t *testing.T) {
	c := New(Config{Enabled: true})
	result := make(chan error, 1)
	c.OnComplete(func(_ Job, err error) { result <- err })

	job := newBlockingJob("k", "r")
	job.panicMsg = "kaboom"
	require.NoError(t, c.Submit(job))
	close(job.release)

	err := <-result
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRunningSnapshot(t *testing.T) {
	c := New(Config{Enabled: true})
	job := newBlockingJob("regenerate", "g")
	require.NoError(t, c.Submit(job))
	<-job.started

	require.Eventually(t, func() bool {
		running := c.Running()
		return len(running) == 1 && running[0].State == StateRunning
	}, time.Second, 5*time.Millisecond)
	info := c.Running()[0]
	assert.Equal(t, "regenerate", info.Kind)
	assert.Equal(t, "g", info.Resource)
	assert.NotEmpty(t, info.ID)

	job.err = errors.New("ignored")
	close(job.release)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Empty(t, c.Running())
}

type funcJob struct {
	kind     string
	resource string
	run      func(context.Context) error
}

func (j *funcJob) Kind() string                  { return j.kind }
func (j *funcJob) Resource() string              { return j.resource }
func (j *funcJob) ConflictsWith(other Job) bool  { return other.Resource() == j.resource }
func (j *funcJob) Run(ctx context.Context) error { return j.run(ctx) }
