package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_SetMetadata(t *testing.T) {
	g := NewGraph(Options{})
	tx := g.Begin()

	err := tx.SetMetadata(map[string]interface{}{
		"app":       "test-app",
		"userId":    12345,
		"action":    "create-user",
		"requestId": "req-abc-123",
	})
	require.NoError(t, err)

	retrieved := tx.GetMetadata()
	assert.Equal(t, "test-app", retrieved["app"])
	assert.Equal(t, 12345, retrieved["userId"])
	assert.Equal(t, "create-user", retrieved["action"])
}

func TestTransaction_SetMetadata_Merge(t *testing.T) {
	g := NewGraph(Options{})
	tx := g.Begin()

	require.NoError(t, tx.SetMetadata(map[string]interface{}{
		"app":    "test-app",
		"userId": 123,
	}))
	require.NoError(t, tx.SetMetadata(map[string]interface{}{
		"action": "create",
		"userId": 456,
	}))

	retrieved := tx.GetMetadata()
	assert.Equal(t, "test-app", retrieved["app"], "app should still be present")
	assert.Equal(t, 456, retrieved["userId"], "userId should be overridden")
	assert.Equal(t, "create", retrieved["action"])
}

func TestTransaction_SetMetadata_TooLarge(t *testing.T) {
	g := NewGraph(Options{})
	tx := g.Begin()

	err := tx.SetMetadata(map[string]interface{}{
		"data": strings.Repeat("x", 2100),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestTransaction_SetMetadata_ClosedTransaction(t *testing.T) {
	g := NewGraph(Options{})

	t.Run("committed", func(t *testing.T) {
		tx := g.Begin()
		require.NoError(t, tx.Commit(context.Background()))
		assert.ErrorIs(t, tx.SetMetadata(map[string]interface{}{"test": "value"}), ErrTransactionClosed)
	})

	t.Run("aborted", func(t *testing.T) {
		tx := g.Begin()
		require.NoError(t, tx.Abort())
		assert.ErrorIs(t, tx.SetMetadata(map[string]interface{}{"test": "value"}), ErrTransactionClosed)
	})
}

func TestTransaction_GetMetadata_Copy(t *testing.T) {
	g := NewGraph(Options{})
	tx := g.Begin()
	require.NoError(t, tx.SetMetadata(map[string]interface{}{"app": "test"}))

	metadata := tx.GetMetadata()
	metadata["app"] = "modified"

	assert.Equal(t, "test", tx.GetMetadata()["app"])
}

func TestTransaction_Metadata_EmptyByDefault(t *testing.T) {
	g := NewGraph(Options{})
	assert.Empty(t, g.Begin().GetMetadata())
}

func TestTransaction_Metadata_WithOperations(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(Options{})
	tx := g.Begin()

	require.NoError(t, tx.SetMetadata(map[string]interface{}{
		"operation": "bulk-import",
		"batchId":   "batch-001",
	}))
	for i := 0; i < 5; i++ {
		v, err := tx.AddVertex()
		require.NoError(t, err)
		require.NoError(t, tx.SetAttribute(VertexElement(v), "index", i))
	}
	require.NoError(t, tx.Commit(ctx))

	reader := g.BeginReadOnly()
	n, err := reader.VertexCount()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
