package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/thesyncim/tsat/pkg/tsat"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "tsat.db")
	}
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleState(i float64) tsat.State {
	return tsat.State{
		Q: quat.Number{Real: 1, Imag: 0.1 * i, Jmag: -0.2 * i, Kmag: 0.3},
		W: r3.Vec{X: i, Y: 2 * i, Z: -i},
	}
}

func TestOpenMigrates(t *testing.T) {
	s := openTestStore(t, "")
	assert.NotEqual(t, uuid.Nil, s.RunID())

	n, err := s.Count(context.Background(), "pid")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecordAndLatest(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i := range 3 {
		require.NoError(t, s.Record(ctx, "pid", sampleState(float64(i)), base.Add(time.Duration(i)*time.Second)))
	}

	got, err := s.Latest(ctx, "pid")
	require.NoError(t, err)
	assert.Equal(t, s.RunID(), got.RunID)
	assert.Equal(t, "pid", got.Strategy)
	assert.True(t, got.Time.Equal(base.Add(2*time.Second)))
	if diff := cmp.Diff(sampleState(2), got.State); diff != "" {
		t.Errorf("latest state mismatch (-want +got):\n%s", diff)
	}
}

func TestLatestUnknownStrategy(t *testing.T) {
	s := openTestStore(t, "")
	_, err := s.Latest(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHistoryNewestFirst(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i := range 5 {
		require.NoError(t, s.Record(ctx, "pid", sampleState(float64(i)), base.Add(time.Duration(i)*time.Millisecond)))
	}
	require.NoError(t, s.Record(ctx, "other", sampleState(9), base))

	recs, err := s.History(ctx, "pid", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		want := sampleState(float64(4 - i))
		if diff := cmp.Diff(want, rec.State); diff != "" {
			t.Errorf("record %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	all, err := s.History(ctx, "pid", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsat.db")
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, "pid", sampleState(1), at))
	firstRun := first.RunID()
	require.NoError(t, first.Close())

	second := openTestStore(t, path)
	assert.NotEqual(t, firstRun, second.RunID())

	got, err := second.Latest(ctx, "pid")
	require.NoError(t, err)
	assert.Equal(t, firstRun, got.RunID)

	n, err := second.Count(ctx, "pid")
	require.NoError(t, err)
	assert.Zero(t, n, "count is scoped to the current run")
}

func TestSinkRecordsRegistryUpdates(t *testing.T) {
	s := openTestStore(t, "")
	ctx := context.Background()

	reg, err := tsat.NewDefaultRegistry(tsat.DefaultPIDConfig(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	reg.OnUpdate(s.Sink())

	m := tsat.Measurement{State: sampleState(1)}
	out, err := reg.Update(m)
	require.NoError(t, err)

	n, err := s.Count(ctx, tsat.DefaultStrategy)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Latest(ctx, tsat.DefaultStrategy)
	require.NoError(t, err)
	if diff := cmp.Diff(out[tsat.DefaultStrategy], got.State); diff != "" {
		t.Errorf("stored estimate mismatch (-want +got):\n%s", diff)
	}
}

func TestSinkLogsFailures(t *testing.T) {
	s := openTestStore(t, "")
	require.NoError(t, s.Close())

	saved := tsat.Logf
	t.Cleanup(func() { tsat.Logf = saved })
	var logged int
	tsat.SetLogger(func(string, ...any) { logged++ })

	s.Sink()("pid", tsat.NewState(), time.Now())
	assert.Equal(t, 1, logged)
}
