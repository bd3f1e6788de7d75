package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/tgraph/pkg/mvcc"
)

func contains(t *testing.T, tx *Transaction, v VertexID) bool {
	t.Helper()
	ok, err := tx.ContainsVertex(v)
	require.NoError(t, err)
	return ok
}

func TestGraph_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})

	t1 := g.Begin()
	v1, err := t1.AddVertex()
	require.NoError(t, err)

	t2 := g.Begin()
	assert.False(t, contains(t, t2, v1), "uncommitted vertex is private")

	require.NoError(t, t1.Commit(ctx))
	assert.Equal(t, mvcc.Version(1), t1.CommitVersion())

	t3 := g.Begin()
	assert.True(t, contains(t, t3, v1))
	assert.False(t, contains(t, t2, v1), "repeatable read")

	n, err := t2.VertexCount()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, t2.Commit(ctx))
	require.NoError(t, t3.Commit(ctx))
}

func TestGraph_AbortReleasesIDs(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})

	t1 := g.Begin()
	other := g.Begin()
	v, err := t1.AddVertex()
	require.NoError(t, err)
	require.NoError(t, t1.SetAttribute(VertexElement(v), "name", "ghost"))

	require.NoError(t, t1.Abort())
	require.NoError(t, t1.Abort(), "abort is idempotent")
	assert.Equal(t, mvcc.Aborted, t1.State())
	assert.ErrorIs(t, t1.Commit(ctx), ErrTransactionClosed)

	assert.False(t, contains(t, other, v))

	t2 := g.Begin()
	reused, err := t2.AddVertex()
	require.NoError(t, err)
	assert.Equal(t, v, reused, "aborted id is reusable at once")
	val, err := t2.Attribute(VertexElement(reused), "name")
	require.NoError(t, err)
	assert.Nil(t, val, "nothing of the aborted vertex survives")
	require.NoError(t, t2.Commit(ctx))

	assert.False(t, contains(t, other, v))
	require.NoError(t, other.Commit(ctx))
}

func TestGraph_DeletedIDsWaitForReaders(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	v := seed(t, g, 1)[0]

	reader := g.BeginReadOnly()

	del := g.Begin()
	require.NoError(t, del.DeleteVertex(v))
	require.NoError(t, del.Commit(ctx))
	assert.Equal(t, 1, g.Stats().PendingIDs)

	tx := g.Begin()
	fresh, err := tx.AddVertex()
	require.NoError(t, err)
	assert.NotEqual(t, v, fresh, "reader still sees the deleted vertex")
	require.NoError(t, tx.Abort())

	assert.True(t, contains(t, reader, v))
	require.NoError(t, reader.Commit(ctx))

	g.Manager().Reclaim()
	stats := g.Stats()
	assert.Equal(t, 0, stats.PendingIDs)
	assert.Equal(t, 2, stats.FreeVertexIDs)

	tx = g.Begin()
	reused, err := tx.AddVertex()
	require.NoError(t, err)
	assert.Equal(t, v, reused)
	require.NoError(t, tx.Abort())
}

func TestGraph_VersionReclamation(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{ReclaimInterval: 1})
	el := VertexElement(seed(t, g, 1)[0])

	reader := g.BeginReadOnly()
	for i := 1; i <= 3; i++ {
		w := g.Begin()
		require.NoError(t, w.SetAttribute(el, "n", i))
		require.NoError(t, w.Commit(ctx))
	}

	val, err := reader.Attribute(el, "n")
	require.NoError(t, err)
	assert.Nil(t, val, "reader keeps its snapshot")
	assert.Positive(t, g.Stats().MultiVersionCells)

	require.NoError(t, reader.Commit(ctx))
	assert.Positive(t, g.Manager().Reclaim())

	stats := g.Stats()
	assert.Equal(t, 0, stats.MultiVersionCells)
	assert.Equal(t, mvcc.Version(4), stats.Version)

	val, err = g.BeginReadOnly().Attribute(el, "n")
	require.NoError(t, err)
	assert.Equal(t, 3, val)
}

func TestGraph_Sessions(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	s := g.Session()
	assert.NotEmpty(t, s.ID())

	_, err := s.Current()
	assert.ErrorIs(t, err, ErrNoTransaction)

	tx, err := s.Begin()
	require.NoError(t, err)
	cur, err := s.Current()
	require.NoError(t, err)
	assert.Same(t, tx, cur)

	t.Run("rebinding detaches", func(t *testing.T) {
		ro, err := s.BeginReadOnly()
		require.NoError(t, err)
		cur, err := s.Current()
		require.NoError(t, err)
		assert.Same(t, ro, cur)
		assert.Equal(t, mvcc.Running, tx.State(), "detached transaction keeps running")
		require.NoError(t, ro.Commit(ctx))
		_, err = s.Current()
		assert.ErrorIs(t, err, ErrNoTransaction)
	})

	t.Run("wrong graph", func(t *testing.T) {
		foreign := NewGraph(Options{}).Begin()
		defer func() { _ = foreign.Abort() }()
		assert.ErrorIs(t, s.Bind(foreign), ErrWrongGraph)
	})

	t.Run("close", func(t *testing.T) {
		require.NoError(t, s.Bind(tx))
		s.Close()
		_, err := s.Current()
		assert.ErrorIs(t, err, ErrNoTransaction)
	})

	require.NoError(t, tx.Commit(ctx))
}

func TestGraph_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	g := NewGraph(Options{Metrics: mvcc.NewMetrics(reg, "tgraph")})
	el := VertexElement(seed(t, g, 1)[0])

	t1, t2 := g.Begin(), g.Begin()
	require.NoError(t, t1.SetAttribute(el, "x", 1))
	require.NoError(t, t2.SetAttribute(el, "x", 2))
	require.NoError(t, t1.Commit(ctx))
	require.Error(t, t2.Commit(ctx))

	n, err := testutil.GatherAndCount(reg, "tgraph_tx_conflicts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats := g.Stats()
	assert.Equal(t, int64(2), stats.Commits)
	assert.Equal(t, int64(1), stats.Conflicts)
	assert.Equal(t, int64(1), stats.Aborts)
	assert.Equal(t, 1, stats.VertexSlots)
}

func TestGraph_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{ReclaimInterval: 8})
	hub := seed(t, g, 1)[0]

	const workers, rounds = 8, 25
	var conflicts atomic.Int64

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := 0; i < rounds; i++ {
				for {
					tx := g.Begin()
					v, err := tx.AddVertex()
					if err != nil {
						return err
					}
					if err := tx.SetAttribute(VertexElement(v), "worker", w); err != nil {
						return err
					}
					if _, err := tx.AddEdge(hub, v); err != nil {
						return err
					}
					// Everyone also fights over one attribute of the hub.
					if err := tx.SetAttribute(VertexElement(hub), "last", fmt.Sprintf("%d/%d", w, i)); err != nil {
						return err
					}
					err = tx.Commit(ctx)
					if errors.Is(err, ErrConflict) {
						conflicts.Add(1)
						continue
					}
					if err != nil {
						return err
					}
					break
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	reader := g.BeginReadOnly()
	n, err := reader.VertexCount()
	require.NoError(t, err)
	assert.Equal(t, 1+workers*rounds, n)
	assert.Len(t, vertexList(t, reader), 1+workers*rounds)

	d, err := reader.Degree(hub)
	require.NoError(t, err)
	assert.Equal(t, workers*rounds, d)

	m, err := reader.EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, workers*rounds, m)

	assert.Equal(t, conflicts.Load(), g.Stats().Conflicts)
	t.Logf("%d conflicts retried", conflicts.Load())
}

func TestGraph_ConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	seed(t, g, 10)

	var eg errgroup.Group
	eg.Go(func() error {
		for i := 0; i < 50; i++ {
			tx := g.Begin()
			if _, err := tx.AddVertex(); err != nil {
				return err
			}
			if err := tx.Commit(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		eg.Go(func() error {
			for i := 0; i < 50; i++ {
				tx := g.BeginReadOnly()
				vs, err := tx.Vertices()
				if err != nil {
					return err
				}
				n, err := tx.VertexCount()
				if err != nil {
					return err
				}
				if len(vs) != n {
					return fmt.Errorf("snapshot torn: %d vertices listed, count %d", len(vs), n)
				}
				if err := tx.Commit(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}
