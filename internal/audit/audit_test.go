package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"buildbox/internal/executor"
	"buildbox/internal/executor/executortest"
)

func TestMain(m *testing.M) {
	// database/sql keeps its connection opener running until Close
	// finishes tearing the pool down.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndQuery(t *testing.T) {
	store := openTestStore(t)

	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{ID: "a", SessionID: "s1", Backend: "lxd", Instance: "box",
			CommandLine: "apt-get update", ExitCode: 0,
			Duration: 2 * time.Second, StartedAt: base},
		{ID: "b", SessionID: "s1", Backend: "lxd", Instance: "box",
			CommandLine: "apt-get install -y snapd", ExitCode: 100,
			Duration: 5 * time.Second, StartedAt: base.Add(3 * time.Second)},
		{ID: "c", SessionID: "s2", Backend: "host", Instance: "",
			CommandLine: "make", ExitCode: 0, Killed: true,
			Duration: time.Minute, StartedAt: base.Add(time.Hour)},
	}
	for _, event := range events {
		require.NoError(t, store.Record(event))
	}

	got, err := store.BySession("s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "events come back in execution order")
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, 100, got[1].ExitCode)
	assert.Equal(t, 5*time.Second, got[1].Duration)
	assert.True(t, got[0].StartedAt.Equal(base))

	s2, err := store.BySession("s2")
	require.NoError(t, err)
	require.Len(t, s2, 1)
	assert.True(t, s2[0].Killed)

	none, err := store.BySession("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBySessionOrdersWithinOneSecond(t *testing.T) {
	store := openTestStore(t)

	// A whole-second timestamp must sort before a fractional one later
	// in the same second.
	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(Event{
		ID: "b", SessionID: "s", CommandLine: "second",
		StartedAt: base.Add(500 * time.Millisecond)}))
	require.NoError(t, store.Record(Event{
		ID: "a", SessionID: "s", CommandLine: "first", StartedAt: base}))

	got, err := store.BySession("s")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].CommandLine)
	assert.Equal(t, "second", got[1].CommandLine)
	assert.True(t, got[0].StartedAt.Equal(base))
	assert.True(t, got[1].StartedAt.Equal(base.Add(500*time.Millisecond)))
}

func TestSessionsMostRecentFirst(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().UTC()
	require.NoError(t, store.Record(Event{
		ID: "a", SessionID: "old", CommandLine: "true", StartedAt: base.Add(-time.Hour)}))
	require.NoError(t, store.Record(Event{
		ID: "b", SessionID: "new", CommandLine: "true", StartedAt: base}))

	sessions, err := store.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, sessions)
}

func TestExecutorRecordsRuns(t *testing.T) {
	store := openTestStore(t)

	fake := &executortest.Fake{
		RunFunc: func(cmd executor.Command) (*executor.Result, error) {
			return executortest.Exit(7, "boom"), nil
		},
	}
	audited := Wrap(fake, store, "multipass", "box")
	require.NotEmpty(t, audited.SessionID)

	result, err := audited.Run(context.Background(), executor.Command{
		Binary: "make", Arguments: []string{"test"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitCode)

	events, err := store.BySession(audited.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "make test", events[0].CommandLine)
	assert.Equal(t, 7, events[0].ExitCode)
	assert.Equal(t, "multipass", events[0].Backend)
	assert.Equal(t, "box", events[0].Instance)
	assert.NotEmpty(t, events[0].ID)
}

func TestExecutorPreservesSessionID(t *testing.T) {
	store := openTestStore(t)

	audited := Wrap(&executortest.Fake{}, store, "host", "")
	_, err := audited.Run(context.Background(), executor.Command{
		Binary: "true", SessionID: "pinned",
	})
	require.NoError(t, err)

	events, err := store.BySession("pinned")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestExecutorPassthrough(t *testing.T) {
	store := openTestStore(t)
	fake := &executortest.Fake{}
	audited := Wrap(fake, store, "host", "")

	require.NoError(t, audited.CreateFile(context.Background(), executor.FileSpec{
		Destination: "/etc/hostname",
	}))
	require.NoError(t, audited.SyncTo(context.Background(), "/src", "/dst"))
	require.NoError(t, audited.SyncFrom(context.Background(), "/dst", "/src"))

	assert.Len(t, fake.Files, 1)
	assert.Len(t, fake.SyncedTo, 1)
	assert.Len(t, fake.SyncedFrom, 1)

	// Passthrough operations are not recorded as command events.
	events, err := store.BySession(audited.SessionID)
	require.NoError(t, err)
	assert.Empty(t, events)
}
