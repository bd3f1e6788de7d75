package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSavepoint_RoundTrip(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	tx := g.Begin()

	v := mustVertices(t, tx, 1)[0]
	el := VertexElement(v)
	require.NoError(t, tx.SetAttribute(el, "x", 1))

	sp, err := tx.DefineSavepoint()
	require.NoError(t, err)

	require.NoError(t, tx.SetAttribute(el, "x", 2))
	w := mustVertices(t, tx, 1)[0]
	mustEdge(t, tx, v, w)

	sp2, err := tx.DefineSavepoint()
	require.NoError(t, err)
	assert.Equal(t, 2, tx.Savepoints())

	require.NoError(t, tx.RestoreSavepoint(sp))

	val, err := tx.Attribute(el, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, val)
	ok, err := tx.ContainsVertex(w)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []VertexID{v}, vertexList(t, tx))
	assert.Empty(t, edgeList(t, tx))
	assert.Empty(t, incidenceList(t, tx, v))
	n, err := tx.VertexCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, tx.RestoreSavepoint(sp2), ErrInvalidSavepoint, "defined after the restored savepoint")
	assert.Equal(t, 1, tx.Savepoints())

	// sp stays valid and can be restored again.
	require.NoError(t, tx.SetAttribute(el, "x", 3))
	require.NoError(t, tx.RestoreSavepoint(sp))
	val, err = tx.Attribute(el, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, val)

	require.NoError(t, tx.Commit(ctx))

	reader := g.BeginReadOnly()
	assert.Equal(t, []VertexID{v}, vertexList(t, reader))
	val, err = reader.Attribute(el, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, val)

	// The id taken by the rolled back vertex went back to the pool.
	next := g.Begin()
	reused, err := next.AddVertex()
	require.NoError(t, err)
	assert.Equal(t, w, reused)
	require.NoError(t, next.Abort())
}

func TestSavepoint_RestoreDeletion(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	setup := g.Begin()
	vs := mustVertices(t, setup, 2)
	e := mustEdge(t, setup, vs[0], vs[1])
	require.NoError(t, setup.Commit(ctx))

	tx := g.Begin()
	sp, err := tx.DefineSavepoint()
	require.NoError(t, err)
	require.NoError(t, tx.DeleteVertex(vs[0]))
	assert.Empty(t, edgeList(t, tx))
	assert.Equal(t, 1, tx.Changes().DeletedVertices)
	assert.Equal(t, 1, tx.Changes().DeletedEdges)

	require.NoError(t, tx.RestoreSavepoint(sp))
	assert.Equal(t, ChangeSummary{}, tx.Changes())
	assert.Equal(t, vs, vertexList(t, tx))
	assert.Equal(t, []EdgeID{e}, edgeList(t, tx))
	assert.Equal(t, []Incidence{{e, In}}, incidenceList(t, tx, vs[1]))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, vs, vertexList(t, g.BeginReadOnly()))
}

func TestSavepoint_Remove(t *testing.T) {
	g := NewGraph(Options{})
	tx := g.Begin()
	defer func() { _ = tx.Abort() }()

	sp, err := tx.DefineSavepoint()
	require.NoError(t, err)
	v := mustVertices(t, tx, 1)[0]

	require.NoError(t, tx.RemoveSavepoint(sp))
	assert.Equal(t, 0, tx.Savepoints())
	assert.ErrorIs(t, tx.RestoreSavepoint(sp), ErrInvalidSavepoint)
	assert.ErrorIs(t, tx.RemoveSavepoint(sp), ErrInvalidSavepoint)
	assert.ErrorIs(t, tx.RestoreSavepoint(nil), ErrInvalidSavepoint)

	ok, err := tx.ContainsVertex(v)
	require.NoError(t, err)
	assert.True(t, ok, "removing a savepoint keeps the changes")

	other := g.Begin()
	defer func() { _ = other.Abort() }()
	osp, err := other.DefineSavepoint()
	require.NoError(t, err)
	assert.ErrorIs(t, tx.RestoreSavepoint(osp), ErrInvalidSavepoint, "savepoint of another transaction")
}
