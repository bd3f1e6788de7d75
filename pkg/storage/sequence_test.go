package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/tgraph/pkg/mvcc"
)

type touchRecord struct {
	key      int
	pos      position
	explicit bool
}

// newIntSequence builds a sequence over the keys 1..n, all initially unlinked.
func newIntSequence(n int, touched *[]touchRecord) sequence[int] {
	prev := make(map[int]*mvcc.Cell[int], n)
	next := make(map[int]*mvcc.Cell[int], n)
	for k := 1; k <= n; k++ {
		prev[k] = mvcc.NewCell[int]().AsStructural()
		next[k] = mvcc.NewCell[int]().AsStructural()
	}
	return sequence[int]{
		first: mvcc.NewPersistentCell(0, 0).AsStructural(),
		last:  mvcc.NewPersistentCell(0, 0).AsStructural(),
		prev:  func(k int) *mvcc.Cell[int] { return prev[k] },
		next:  func(k int) *mvcc.Cell[int] { return next[k] },
		touch: func(k int, pos position, explicit bool) {
			*touched = append(*touched, touchRecord{k, pos, explicit})
		},
	}
}

func explicitKeys(touched []touchRecord) []int {
	var out []int
	for _, r := range touched {
		if r.explicit {
			out = append(out, r.key)
		}
	}
	return out
}

func TestSequence(t *testing.T) {
	m := mvcc.NewManager(mvcc.Options{})

	setup := func(t *testing.T) (*mvcc.Tx, sequence[int], *[]touchRecord) {
		tx := m.Begin(nil, false)
		t.Cleanup(func() { _ = tx.Abort() })
		touched := &[]touchRecord{}
		s := newIntSequence(5, touched)
		for k := 1; k <= 4; k++ {
			require.NoError(t, s.append(tx, k, false))
		}
		*touched = nil
		return tx, s, touched
	}

	t.Run("append", func(t *testing.T) {
		tx, s, _ := setup(t)
		assert.Equal(t, []int{1, 2, 3, 4}, s.members(tx))
		assert.Equal(t, 1, s.head(tx))
		assert.Equal(t, 4, s.tail(tx))
	})

	t.Run("unlink middle and ends", func(t *testing.T) {
		tx, s, touched := setup(t)
		require.NoError(t, s.unlink(tx, 2, false))
		assert.Equal(t, []int{1, 3, 4}, s.members(tx))
		require.NoError(t, s.unlink(tx, 1, false))
		require.NoError(t, s.unlink(tx, 4, false))
		assert.Equal(t, []int{3}, s.members(tx))
		assert.Equal(t, 3, s.head(tx))
		assert.Equal(t, 3, s.tail(tx))
		assert.Empty(t, explicitKeys(*touched))
	})

	t.Run("moveAfter", func(t *testing.T) {
		tx, s, touched := setup(t)
		require.NoError(t, s.moveAfter(tx, 4, 1))
		assert.Equal(t, []int{1, 4, 2, 3}, s.members(tx))
		require.NoError(t, s.moveAfter(tx, 3, 0))
		assert.Equal(t, []int{3, 1, 4, 2}, s.members(tx))
		assert.Equal(t, 2, s.tail(tx))
		assert.ElementsMatch(t, []int{4, 4, 3, 3}, explicitKeys(*touched))
	})

	t.Run("moveBefore", func(t *testing.T) {
		tx, s, _ := setup(t)
		require.NoError(t, s.moveBefore(tx, 4, 1))
		assert.Equal(t, []int{4, 1, 2, 3}, s.members(tx))
		require.NoError(t, s.moveBefore(tx, 1, 3))
		assert.Equal(t, []int{4, 2, 1, 3}, s.members(tx))
	})

	t.Run("no-op move claims the position", func(t *testing.T) {
		tx, s, touched := setup(t)
		require.NoError(t, s.moveAfter(tx, 2, 1))
		require.NoError(t, s.moveAfter(tx, 1, 0))
		require.NoError(t, s.moveBefore(tx, 3, 4))
		assert.Equal(t, []int{1, 2, 3, 4}, s.members(tx))
		assert.ElementsMatch(t, []int{2, 2, 1, 1, 3, 3}, explicitKeys(*touched))
	})

	t.Run("moving relative to itself", func(t *testing.T) {
		tx, s, _ := setup(t)
		assert.ErrorIs(t, s.moveAfter(tx, 2, 2), ErrInvalidPosition)
		assert.ErrorIs(t, s.moveBefore(tx, 2, 2), ErrInvalidPosition)
	})

	t.Run("private to the transaction", func(t *testing.T) {
		tx, s, _ := setup(t)
		other := m.Begin(nil, true)
		defer func() { _ = other.Abort() }()
		assert.Equal(t, []int{1, 2, 3, 4}, s.members(tx))
		assert.Empty(t, s.members(other))
	})
}
