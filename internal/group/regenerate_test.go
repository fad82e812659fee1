package group

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-repo/internal/events"
	"github.com/any-hub/any-repo/internal/pathlock"
	"github.com/any-hub/any-repo/internal/task"
)

func decodeIndex(t *testing.T, g *Repository) compositeIndex {
	t.Helper()
	var idx compositeIndex
	require.NoError(t, json.Unmarshal([]byte(readBody(t, g, IndexJSONPath)), &idx))
	return idx
}

// indexMembers 不使用 require，可在 Eventually 的条件函数中调用。
func indexMembers(g *Repository) ([]string, bool) {
	art, err := g.Retrieve(context.Background(), IndexJSONPath)
	if err != nil {
		return nil, false
	}
	defer art.Close()
	var idx compositeIndex
	if err := json.NewDecoder(art.Content).Decode(&idx); err != nil {
		return nil, false
	}
	return idx.Members, true
}

func shutdown(t *testing.T, c *task.Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}

func TestRegenerationSkippedUntilStarted(t *testing.T) {
	e := newEnv(t, "A")
	g := e.group(t, true, nil, "A")

	require.NoError(t, g.Regenerate(context.Background(), true))
	ok, err := g.storage.Exists(context.Background(), IndexJSONPath)
	require.NoError(t, err)
	require.False(t, ok)

	g.OnStarted()
	require.Equal(t, []string{"A"}, decodeIndex(t, g).Members)
	require.Equal(t, "version=1\nmembers=1\n", readBody(t, g, IndexPath))
}

func TestNonForcedRegenerationIsIdempotent(t *testing.T) {
	e := newEnv(t, "A", "B")
	g := e.group(t, true, nil, "A", "B")
	g.started.Store(true)

	require.NoError(t, g.Regenerate(context.Background(), false))
	first, err := g.storage.Stat(context.Background(), IndexJSONPath)
	require.NoError(t, err)
	firstBody := readBody(t, g, IndexJSONPath)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, g.Regenerate(context.Background(), false))
	second, err := g.storage.Stat(context.Background(), IndexJSONPath)
	require.NoError(t, err)

	require.Equal(t, firstBody, readBody(t, g, IndexJSONPath))
	require.Equal(t, first.Created, second.Created)
	require.Equal(t, first.SHA1(), second.SHA1())
}

func TestForcedRegenerationRewrites(t *testing.T) {
	e := newEnv(t, "A", "B")
	g := e.group(t, true, nil, "A", "B")
	g.started.Store(true)

	require.NoError(t, g.Regenerate(context.Background(), false))
	first, err := g.storage.Stat(context.Background(), IndexJSONPath)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, g.Regenerate(context.Background(), true))
	second, err := g.storage.Stat(context.Background(), IndexJSONPath)
	require.NoError(t, err)

	require.True(t, second.Created.After(first.Created))
	require.Equal(t, first.SHA1(), second.SHA1())

	entries, err := os.ReadDir(g.stagingDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRegenerationThroughCoordinator(t *testing.T) {
	e := newEnv(t, "A", "B")
	coord := task.New(task.Config{Enabled: true})
	defer shutdown(t, coord)
	g := e.group(t, false, coord, "A")

	bus := events.NewBus()
	bus.Subscribe(events.GroupAdapter(g))
	bus.Publish(events.Event{Kind: events.Started})

	require.Eventually(t, func() bool {
		ok, err := g.storage.Exists(context.Background(), IndexJSONPath)
		return err == nil && ok && len(coord.Running()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(events.Event{Kind: events.MembersChanged, RepositoryID: "public", MemberIDs: []string{"B", "A", "public"}})
	require.Equal(t, []string{"B", "A"}, g.Members())
	require.Eventually(t, func() bool {
		members, ok := indexMembers(g)
		return ok && len(coord.Running()) == 0 && len(members) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"B", "A"}, decodeIndex(t, g).Members)

	bus.Publish(events.Event{Kind: events.MembersChanged, RepositoryID: "other", MemberIDs: []string{"A"}})
	require.Equal(t, []string{"B", "A"}, g.Members())
}

func TestRejectedForcedRequestIsResubmitted(t *testing.T) {
	e := newEnv(t, "A", "B")
	coord := task.New(task.Config{Enabled: true})
	defer shutdown(t, coord)
	g := e.group(t, true, coord, "A")
	g.started.Store(true)

	// 持有元数据读锁，让第一次重建停在替换阶段。
	hold, err := e.locks.Acquire(context.Background(), pathlock.Key("public", MetadataLockPath), pathlock.Read)
	require.NoError(t, err)

	g.OnLocalStatusChanged(true)
	require.Eventually(t, func() bool {
		running := coord.Running()
		return len(running) == 1 && running[0].State == task.StateRunning && !g.pending.Load()
	}, 2*time.Second, 10*time.Millisecond)

	g.OnMembershipChanged([]string{"A", "B"})
	require.Len(t, coord.Running(), 1)
	require.True(t, g.pending.Load())

	hold.Release()
	require.Eventually(t, func() bool {
		members, ok := indexMembers(g)
		return ok && len(coord.Running()) == 0 && len(members) == 2 && !g.pending.Load()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDisabledCoordinatorRegeneratesInline(t *testing.T) {
	e := newEnv(t, "A")
	coord := task.New(task.Config{Enabled: false})
	defer shutdown(t, coord)
	g := e.group(t, false, coord, "A")

	g.OnStarted()
	require.Equal(t, "public", decodeIndex(t, g).Group)
}

func TestOutOfServiceSkipsRegeneration(t *testing.T) {
	e := newEnv(t, "A")
	g := e.group(t, false, nil, "A")
	g.started.Store(true)
	g.inService.Store(false)

	g.OnMembershipChanged([]string{"A"})
	ok, err := g.storage.Exists(context.Background(), IndexJSONPath)
	require.NoError(t, err)
	require.False(t, ok)

	g.OnLocalStatusChanged(true)
	require.Equal(t, []string{"A"}, decodeIndex(t, g).Members)
}

func TestRegenerationWaitsForAggregateWriters(t *testing.T) {
	e := newEnv(t, "A")
	g := e.group(t, true, nil, "A")
	g.started.Store(true)
	require.NoError(t, g.Regenerate(context.Background(), true))
	before, err := g.storage.Stat(context.Background(), IndexJSONPath)
	require.NoError(t, err)

	lock, err := e.locks.Acquire(context.Background(), pathlock.Key("public", IndexPath), pathlock.Write)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err = g.Regenerate(ctx, true)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	after, err := g.storage.Stat(context.Background(), IndexJSONPath)
	require.NoError(t, err)
	require.Equal(t, before.Created, after.Created)

	lock.Release()
	require.NoError(t, g.Regenerate(context.Background(), true))
	require.Equal(t, 0, e.locks.Stats().Keys)
}
