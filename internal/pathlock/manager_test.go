package pathlock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-repo/internal/artifact"
)

func TestReadersShareKey(t *testing.T) {
	m := NewManager(time.Second)
	ctx := context.Background()

	first, err := m.Acquire(ctx, Key("r", "/a"), Read)
	require.NoError(t, err)
	second, err := m.Acquire(ctx, Key("r", "/a"), Read)
	require.NoError(t, err)

	first.Release()
	second.Release()
	assert.Equal(t, 0, m.Stats().Keys)
}

func TestWriterExcludesReaders(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	ctx := context.Background()

	w, err := m.Acquire(ctx, Key("r", "/a"), Write)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, Key("r", "/a"), Read)
	require.ErrorIs(t, err, artifact.ErrLockTimeout)

	_, err = m.Acquire(ctx, Key("r", "/a"), Write)
	require.ErrorIs(t, err, artifact.ErrLockTimeout)

	w.Release()
	r, err := m.Acquire(ctx, Key("r", "/a"), Read)
	require.NoError(t, err)
	r.Release()
}

func TestDistinctKeysIndependent(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	ctx := context.Background()

	a, err := m.Acquire(ctx, Key("r", "/a"), Write)
	require.NoError(t, err)
	defer a.Release()

	b, err := m.Acquire(ctx, Key("r", "/b"), Write)
	require.NoError(t, err)
	defer b.Release()

	other, err := m.Acquire(ctx, Key("s", "/a"), Write)
	require.NoError(t, err)
	other.Release()
}

func TestCallerCancellationWinsOverTimeout(t *testing.T) {
	m := NewManager(time.Minute)
	w, err := m.Acquire(context.Background(), "k", Write)
	require.NoError(t, err)
	defer w.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = m.Acquire(ctx, "k", Read)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWriterNotStarvedByReaders(t *testing.T) {
	m := NewManager(2 * time.Second)
	ctx := context.Background()

	r1, err := m.Acquire(ctx, "k", Read)
	require.NoError(t, err)

	var writerAcquired atomic.Bool
	writerDone := make(chan struct{})
	go func() {
		w, err := m.Acquire(ctx, "k", Write)
		if err == nil {
			writerAcquired.Store(true)
			w.Release()
		}
		close(writerDone)
	}()
	time.Sleep(20 * time.Millisecond)

	// 写者排队后，新读者必须等待写者完成。
	lateReader := make(chan error, 1)
	go func() {
		r, err := m.Acquire(ctx, "k", Read)
		if err == nil {
			if !writerAcquired.Load() {
				err = fmt.Errorf("reader overtook queued writer")
			}
			r.Release()
		}
		lateReader <- err
	}()
	time.Sleep(20 * time.Millisecond)
	r1.Release()

	<-writerDone
	require.NoError(t, <-lateReader)
}

func TestWriteIsExclusiveUnderContention(t *testing.T) {
	m := NewManager(5 * time.Second)
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(context.Background(), "k", Write)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			l.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, m.Stats().Keys)
}

func TestReentrantAcquireWithinOperation(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	ctx := WithOperation(context.Background())

	w, err := m.Acquire(ctx, "k", Write)
	require.NoError(t, err)

	nestedRead, err := m.Acquire(ctx, "k", Read)
	require.NoError(t, err)
	nestedWrite, err := m.Acquire(ctx, "k", Write)
	require.NoError(t, err)
	nestedRead.Release()
	nestedWrite.Release()

	_, err = m.Acquire(context.Background(), "k", Read)
	require.ErrorIs(t, err, artifact.ErrLockTimeout, "outer write lock must survive nested releases")

	w.Release()
	assert.Equal(t, 0, m.Stats().Keys)
}

func TestReadLockCannotUpgrade(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	ctx := WithOperation(context.Background())

	r, err := m.Acquire(ctx, "k", Read)
	require.NoError(t, err)
	defer r.Release()

	_, err = m.Acquire(ctx, "k", Write)
	require.ErrorIs(t, err, artifact.ErrLockUpgrade)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(time.Second)
	l, err := m.Acquire(context.Background(), "k", Write)
	require.NoError(t, err)
	l.Release()
	l.Release()

	again, err := m.Acquire(context.Background(), "k", Write)
	require.NoError(t, err)
	again.Release()
}

func TestAcquireAllOrdersKeys(t *testing.T) {
	m := NewManager(2 * time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		keys := []string{"b", "a", "c"}
		if i%2 == 0 {
			keys = []string{"c", "b", "a", "a"}
		}
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			set, err := m.AcquireAll(ctx, keys, Write)
			if err != nil {
				t.Errorf("acquire all: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			set.Release()
		}(keys)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Stats().Keys)
}

func TestAcquireAllRollsBackOnFailure(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	ctx := context.Background()

	blocker, err := m.Acquire(ctx, "b", Write)
	require.NoError(t, err)

	_, err = m.AcquireAll(ctx, []string{"a", "b"}, Write)
	require.ErrorIs(t, err, artifact.ErrLockTimeout)

	a, err := m.Acquire(ctx, "a", Write)
	require.NoError(t, err, "partial acquisition must be rolled back")
	a.Release()
	blocker.Release()
}

func TestEntriesReclaimedAfterManyKeys(t *testing.T) {
	m := NewManager(time.Second)
	for i := 0; i < 1000; i++ {
		l, err := m.Acquire(context.Background(), Key("r", fmt.Sprintf("/p/%d", i)), Read)
		require.NoError(t, err)
		l.Release()
	}
	assert.Equal(t, 0, m.Stats().Keys)
}
