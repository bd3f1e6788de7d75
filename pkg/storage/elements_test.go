package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustVertices adds n vertices in tx.
func mustVertices(t *testing.T, tx *Transaction, n int) []VertexID {
	t.Helper()
	out := make([]VertexID, n)
	for i := range out {
		v, err := tx.AddVertex()
		require.NoError(t, err)
		out[i] = v
	}
	return out
}

func mustEdge(t *testing.T, tx *Transaction, alpha, omega VertexID) EdgeID {
	t.Helper()
	e, err := tx.AddEdge(alpha, omega)
	require.NoError(t, err)
	return e
}

func vertexList(t *testing.T, tx *Transaction) []VertexID {
	t.Helper()
	vs, err := tx.Vertices()
	require.NoError(t, err)
	return vs
}

func edgeList(t *testing.T, tx *Transaction) []EdgeID {
	t.Helper()
	es, err := tx.Edges()
	require.NoError(t, err)
	return es
}

func incidenceList(t *testing.T, tx *Transaction, v VertexID) []Incidence {
	t.Helper()
	incs, err := tx.Incidences(v)
	require.NoError(t, err)
	return incs
}

func TestTransaction_Vertices(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	tx := g.Begin()

	vs := mustVertices(t, tx, 3)
	assert.Equal(t, []VertexID{1, 2, 3}, vs)
	assert.Equal(t, vs, vertexList(t, tx))

	n, err := tx.VertexCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := tx.FirstVertex()
	require.NoError(t, err)
	last, err := tx.LastVertex()
	require.NoError(t, err)
	assert.Equal(t, VertexID(1), first)
	assert.Equal(t, VertexID(3), last)

	next, err := tx.NextVertex(1)
	require.NoError(t, err)
	assert.Equal(t, VertexID(2), next)
	prev, err := tx.PrevVertex(1)
	require.NoError(t, err)
	assert.Equal(t, VertexID(0), prev)

	require.NoError(t, tx.DeleteVertex(2))
	ok, err := tx.ContainsVertex(2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []VertexID{1, 3}, vertexList(t, tx))

	_, err = tx.NextVertex(2)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, tx.DeleteVertex(2), ErrNotFound)

	require.NoError(t, tx.Commit(ctx))

	reader := g.BeginReadOnly()
	assert.Equal(t, []VertexID{1, 3}, vertexList(t, reader))
	n, err = reader.VertexCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTransaction_Edges(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	tx := g.Begin()
	vs := mustVertices(t, tx, 3)
	a, b, c := vs[0], vs[1], vs[2]

	ab := mustEdge(t, tx, a, b)
	bc := mustEdge(t, tx, b, c)
	loop := mustEdge(t, tx, a, a)

	t.Run("sequence", func(t *testing.T) {
		assert.Equal(t, []EdgeID{ab, bc, loop}, edgeList(t, tx))
		n, err := tx.EdgeCount()
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("iteration", func(t *testing.T) {
		first, err := tx.FirstEdge()
		require.NoError(t, err)
		last, err := tx.LastEdge()
		require.NoError(t, err)
		assert.Equal(t, ab, first)
		assert.Equal(t, loop, last)

		var backwards []EdgeID
		for e := last; e != 0; e, err = tx.PrevEdge(e) {
			require.NoError(t, err)
			backwards = append(backwards, e)
		}
		require.NoError(t, err)
		assert.Equal(t, []EdgeID{loop, bc, ab}, backwards)

		next, err := tx.NextEdge(loop)
		require.NoError(t, err)
		assert.Zero(t, next)

		_, err = tx.PrevEdge(99)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("endpoints", func(t *testing.T) {
		alpha, err := tx.Alpha(bc)
		require.NoError(t, err)
		omega, err := tx.Omega(bc)
		require.NoError(t, err)
		assert.Equal(t, b, alpha)
		assert.Equal(t, c, omega)
	})

	t.Run("incidences", func(t *testing.T) {
		assert.Equal(t, []Incidence{{ab, Out}, {loop, Out}, {loop, In}}, incidenceList(t, tx, a))
		assert.Equal(t, []Incidence{{ab, In}, {bc, Out}}, incidenceList(t, tx, b))
		assert.Equal(t, []Incidence{{bc, In}}, incidenceList(t, tx, c))

		d, err := tx.Degree(a)
		require.NoError(t, err)
		assert.Equal(t, 3, d, "self-loop counts twice")

		v, err := tx.IncidentVertex(Incidence{ab, In})
		require.NoError(t, err)
		assert.Equal(t, b, v)
		v, err = tx.Opposite(Incidence{ab, In})
		require.NoError(t, err)
		assert.Equal(t, a, v)

		next, err := tx.NextIncidence(Incidence{ab, Out})
		require.NoError(t, err)
		assert.Equal(t, Incidence{loop, Out}, next)
		prev, err := tx.PrevIncidence(Incidence{ab, Out})
		require.NoError(t, err)
		assert.True(t, prev.IsZero())

		first, err := tx.FirstIncidence(b)
		require.NoError(t, err)
		last, err := tx.LastIncidence(b)
		require.NoError(t, err)
		assert.Equal(t, Incidence{ab, In}, first)
		assert.Equal(t, Incidence{bc, Out}, last)
	})

	t.Run("invalid endpoints", func(t *testing.T) {
		_, err := tx.AddEdge(a, 42)
		assert.ErrorIs(t, err, ErrInvalidEdge)
		_, err = tx.AddEdge(0, a)
		assert.ErrorIs(t, err, ErrInvalidEdge)
	})

	require.NoError(t, tx.Commit(ctx))

	t.Run("committed", func(t *testing.T) {
		reader := g.BeginReadOnly()
		assert.Equal(t, []EdgeID{ab, bc, loop}, edgeList(t, reader))
		assert.Equal(t, []Incidence{{ab, Out}, {loop, Out}, {loop, In}}, incidenceList(t, reader, a))
		assert.Equal(t, []Incidence{{ab, In}, {bc, Out}}, incidenceList(t, reader, b))
	})

	t.Run("delete vertex deletes incident edges", func(t *testing.T) {
		tx := g.Begin()
		require.NoError(t, tx.DeleteVertex(b))
		assert.Equal(t, []EdgeID{loop}, edgeList(t, tx))
		ok, err := tx.ContainsEdge(ab)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, []Incidence{{loop, Out}, {loop, In}}, incidenceList(t, tx, a))
		assert.Empty(t, incidenceList(t, tx, c))
		require.NoError(t, tx.Commit(ctx))

		reader := g.BeginReadOnly()
		assert.Equal(t, []VertexID{a, c}, vertexList(t, reader))
		assert.Equal(t, []EdgeID{loop}, edgeList(t, reader))
		assert.Empty(t, incidenceList(t, reader, c))
		n, err := reader.EdgeCount()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestTransaction_SetEndpoints(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	setup := g.Begin()
	vs := mustVertices(t, setup, 3)
	a, b, c := vs[0], vs[1], vs[2]
	e := mustEdge(t, setup, a, b)
	f := mustEdge(t, setup, c, b)
	require.NoError(t, setup.Commit(ctx))

	tx := g.Begin()
	require.NoError(t, tx.SetAlpha(e, c))
	alpha, err := tx.Alpha(e)
	require.NoError(t, err)
	assert.Equal(t, c, alpha)
	assert.Empty(t, incidenceList(t, tx, a))
	assert.Equal(t, []Incidence{{f, Out}, {e, Out}}, incidenceList(t, tx, c))

	require.NoError(t, tx.SetOmega(f, a))
	assert.Equal(t, []Incidence{{e, In}}, incidenceList(t, tx, b))
	assert.Equal(t, []Incidence{{f, In}}, incidenceList(t, tx, a))

	assert.ErrorIs(t, tx.SetAlpha(e, 77), ErrNotFound)
	require.NoError(t, tx.SetAlpha(e, c), "same vertex is accepted")

	before := g.BeginReadOnly()
	require.NoError(t, tx.Commit(ctx))

	reader := g.BeginReadOnly()
	assert.Equal(t, []Incidence{{f, Out}, {e, Out}}, incidenceList(t, reader, c))
	assert.Equal(t, []Incidence{{f, In}}, incidenceList(t, reader, a))
	assert.Equal(t, []Incidence{{e, In}}, incidenceList(t, reader, b))
	omega, err := reader.Omega(f)
	require.NoError(t, err)
	assert.Equal(t, a, omega)

	assert.Equal(t, []Incidence{{e, Out}}, incidenceList(t, before, a), "snapshot unchanged")
	alpha, err = before.Alpha(e)
	require.NoError(t, err)
	assert.Equal(t, a, alpha)
}

func TestTransaction_Put(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	setup := g.Begin()
	vs := mustVertices(t, setup, 4)
	hub := vs[0]
	e1 := mustEdge(t, setup, hub, vs[1])
	e2 := mustEdge(t, setup, hub, vs[2])
	e3 := mustEdge(t, setup, vs[3], hub)
	require.NoError(t, setup.Commit(ctx))

	t.Run("vertices", func(t *testing.T) {
		tx := g.Begin()
		require.NoError(t, tx.PutVertexAfter(vs[0], vs[3]))
		assert.Equal(t, []VertexID{vs[1], vs[2], vs[3], vs[0]}, vertexList(t, tx))
		require.NoError(t, tx.PutVertexBefore(vs[2], vs[1]))
		assert.Equal(t, []VertexID{vs[2], vs[1], vs[3], vs[0]}, vertexList(t, tx))
		assert.ErrorIs(t, tx.PutVertexAfter(vs[1], vs[1]), ErrInvalidPosition)
		assert.ErrorIs(t, tx.PutVertexAfter(vs[1], 99), ErrNotFound)
		require.NoError(t, tx.Commit(ctx))

		assert.Equal(t, []VertexID{vs[2], vs[1], vs[3], vs[0]}, vertexList(t, g.BeginReadOnly()))
	})

	t.Run("edges", func(t *testing.T) {
		tx := g.Begin()
		require.NoError(t, tx.PutEdgeBefore(e3, e1))
		require.NoError(t, tx.PutEdgeAfter(e1, e2))
		assert.Equal(t, []EdgeID{e3, e2, e1}, edgeList(t, tx))
		require.NoError(t, tx.Commit(ctx))

		assert.Equal(t, []EdgeID{e3, e2, e1}, edgeList(t, g.BeginReadOnly()))
	})

	t.Run("incidences", func(t *testing.T) {
		tx := g.Begin()
		require.NoError(t, tx.PutIncidenceBefore(Incidence{e3, In}, Incidence{e1, Out}))
		require.NoError(t, tx.PutIncidenceAfter(Incidence{e1, Out}, Incidence{e2, Out}))
		want := []Incidence{{e3, In}, {e2, Out}, {e1, Out}}
		assert.Equal(t, want, incidenceList(t, tx, hub))

		err := tx.PutIncidenceAfter(Incidence{e1, In}, Incidence{e2, Out})
		assert.ErrorIs(t, err, ErrInvalidPosition, "different vertices")
		require.NoError(t, tx.Commit(ctx))

		assert.Equal(t, want, incidenceList(t, g.BeginReadOnly(), hub))
	})
}

func TestTransaction_Attributes(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	tx := g.Begin()
	v := mustVertices(t, tx, 1)[0]
	e := mustEdge(t, tx, v, v)

	require.NoError(t, tx.SetAttribute(VertexElement(v), "name", "Alice"))
	require.NoError(t, tx.SetAttribute(VertexElement(v), "age", 30))
	require.NoError(t, tx.SetAttribute(EdgeElement(e), "weight", 1.5))
	require.NoError(t, tx.SetAttribute(GraphElement(), "title", "people"))

	val, err := tx.Attribute(VertexElement(v), "name")
	require.NoError(t, err)
	assert.Equal(t, "Alice", val)

	val, err = tx.Attribute(VertexElement(v), "missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	names, err := tx.AttributeNames(VertexElement(v))
	require.NoError(t, err)
	assert.Equal(t, []string{"age", "name"}, names)

	_, err = tx.Attribute(VertexElement(9), "name")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, tx.SetAttribute(EdgeElement(9), "w", 1), ErrNotFound)

	require.NoError(t, tx.Commit(ctx))

	tx2 := g.Begin()
	val, err = tx2.Attribute(EdgeElement(e), "weight")
	require.NoError(t, err)
	assert.Equal(t, 1.5, val)
	val, err = tx2.Attribute(GraphElement(), "title")
	require.NoError(t, err)
	assert.Equal(t, "people", val)

	require.NoError(t, tx2.SetAttribute(VertexElement(v), "age", nil))
	names, err = tx2.AttributeNames(VertexElement(v))
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, names)
	require.NoError(t, tx2.Commit(ctx))

	val, err = g.BeginReadOnly().Attribute(VertexElement(v), "age")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestTransaction_ListVersions(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})

	tx := g.Begin()
	v0, err := tx.GraphVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v0)

	vs := mustVertices(t, tx, 2)
	mustEdge(t, tx, vs[0], vs[1])
	pending, err := tx.GraphVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "pending changes count once")
	require.NoError(t, tx.Commit(ctx))

	reader := g.BeginReadOnly()
	gv, err := reader.GraphVersion()
	require.NoError(t, err)
	vlv, err := reader.VertexListVersion()
	require.NoError(t, err)
	elv, err := reader.EdgeListVersion()
	require.NoError(t, err)
	ilv, err := reader.IncidenceListVersion(vs[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), gv)
	assert.Equal(t, int64(1), vlv)
	assert.Equal(t, int64(1), elv)
	assert.Equal(t, int64(1), ilv)

	attrOnly := g.Begin()
	require.NoError(t, attrOnly.SetAttribute(VertexElement(vs[0]), "x", 1))
	require.NoError(t, attrOnly.Commit(ctx))

	reader = g.BeginReadOnly()
	gv, err = reader.GraphVersion()
	require.NoError(t, err)
	vlv, err = reader.VertexListVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(2), gv)
	assert.Equal(t, int64(1), vlv, "attribute change leaves the vertex sequence alone")
}

func TestTransaction_ReadOnlyAndClosed(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})

	t.Run("read-only", func(t *testing.T) {
		tx := g.BeginReadOnly()
		assert.True(t, tx.IsReadOnly())
		_, err := tx.AddVertex()
		assert.ErrorIs(t, err, ErrReadOnly)
		assert.ErrorIs(t, tx.SetAttribute(GraphElement(), "x", 1), ErrReadOnly)
		require.NoError(t, tx.Commit(ctx))
	})

	t.Run("closed", func(t *testing.T) {
		tx := g.Begin()
		require.NoError(t, tx.Commit(ctx))
		_, err := tx.AddVertex()
		assert.ErrorIs(t, err, ErrTransactionClosed)
		_, err = tx.Vertices()
		assert.ErrorIs(t, err, ErrTransactionClosed)
		assert.ErrorIs(t, tx.Commit(ctx), ErrTransactionClosed)
	})

	t.Run("not started", func(t *testing.T) {
		tx := g.NewTransaction(false)
		_, err := tx.AddVertex()
		assert.ErrorIs(t, err, ErrNotRunning)
		require.NoError(t, tx.Bot())
		_, err = tx.AddVertex()
		require.NoError(t, err)
		require.NoError(t, tx.Abort())
	})
}
