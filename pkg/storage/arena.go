package storage

import (
	"sort"
	"sync"

	"github.com/orneryd/tgraph/pkg/mvcc"
)

// vertexRecord is the arena entry of a vertex. Every field that can change
// after creation is a versioned cell; the id never changes.
type vertexRecord struct {
	id VertexID

	prev, next        *mvcc.Cell[VertexID]
	firstInc, lastInc *mvcc.Cell[Incidence]

	// incVersion counts modifications of the incidence sequence.
	incVersion *mvcc.Cell[int64]

	attrs attributeSet
}

func newVertexRecord(id VertexID) *vertexRecord {
	return &vertexRecord{
		id:         id,
		prev:       mvcc.NewCell[VertexID]().AsStructural(),
		next:       mvcc.NewCell[VertexID]().AsStructural(),
		firstInc:   mvcc.NewCell[Incidence]().AsStructural(),
		lastInc:    mvcc.NewCell[Incidence]().AsStructural(),
		incVersion: mvcc.NewCell[int64]().AsStructural(),
	}
}

// edgeRecord is the arena entry of an edge. The incidence links come in two
// pairs: one threading the edge through the incidence sequence of its alpha
// vertex (Out), one through that of its omega vertex (In).
type edgeRecord struct {
	id EdgeID

	prev, next   *mvcc.Cell[EdgeID]
	alpha, omega *mvcc.Cell[VertexID]

	prevOut, nextOut *mvcc.Cell[Incidence]
	prevIn, nextIn   *mvcc.Cell[Incidence]

	attrs attributeSet
}

func newEdgeRecord(id EdgeID) *edgeRecord {
	return &edgeRecord{
		id:      id,
		prev:    mvcc.NewCell[EdgeID]().AsStructural(),
		next:    mvcc.NewCell[EdgeID]().AsStructural(),
		alpha:   mvcc.NewCell[VertexID]().AsStructural(),
		omega:   mvcc.NewCell[VertexID]().AsStructural(),
		prevOut: mvcc.NewCell[Incidence]().AsStructural(),
		nextOut: mvcc.NewCell[Incidence]().AsStructural(),
		prevIn:  mvcc.NewCell[Incidence]().AsStructural(),
		nextIn:  mvcc.NewCell[Incidence]().AsStructural(),
	}
}

func (e *edgeRecord) end(which End) *mvcc.Cell[VertexID] {
	if which == Alpha {
		return e.alpha
	}
	return e.omega
}

func (e *edgeRecord) incPrev(dir Direction) *mvcc.Cell[Incidence] {
	if dir == Out {
		return e.prevOut
	}
	return e.prevIn
}

func (e *edgeRecord) incNext(dir Direction) *mvcc.Cell[Incidence] {
	if dir == Out {
		return e.nextOut
	}
	return e.nextIn
}

// graphRecord holds the graph-wide sequence anchors, counters and
// modification counters.
type graphRecord struct {
	firstVertex, lastVertex *mvcc.Cell[VertexID]
	firstEdge, lastEdge     *mvcc.Cell[EdgeID]

	vertexCount, edgeCount *mvcc.Cell[int]

	vertexListVersion *mvcc.Cell[int64]
	edgeListVersion   *mvcc.Cell[int64]
	version           *mvcc.Cell[int64]

	attrs attributeSet
}

func newGraphRecord() *graphRecord {
	return &graphRecord{
		firstVertex:       mvcc.NewPersistentCell[VertexID](0, 0).AsStructural(),
		lastVertex:        mvcc.NewPersistentCell[VertexID](0, 0).AsStructural(),
		firstEdge:         mvcc.NewPersistentCell[EdgeID](0, 0).AsStructural(),
		lastEdge:          mvcc.NewPersistentCell[EdgeID](0, 0).AsStructural(),
		vertexCount:       mvcc.NewPersistentCell(0, 0).AsStructural(),
		edgeCount:         mvcc.NewPersistentCell(0, 0).AsStructural(),
		vertexListVersion: mvcc.NewPersistentCell[int64](0, 0).AsStructural(),
		edgeListVersion:   mvcc.NewPersistentCell[int64](0, 0).AsStructural(),
		version:           mvcc.NewPersistentCell[int64](0, 0).AsStructural(),
	}
}

// attributeSet maps attribute names to value cells. Cells are created on
// first access and never removed; a cell without a value visible to a
// transaction is an absent attribute for that transaction.
type attributeSet struct {
	mu    sync.Mutex
	cells map[string]*mvcc.Cell[any]
}

func (a *attributeSet) cell(name string) *mvcc.Cell[any] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cells == nil {
		a.cells = make(map[string]*mvcc.Cell[any])
	}
	c, ok := a.cells[name]
	if !ok {
		c = mvcc.NewCell[any]()
		a.cells[name] = c
	}
	return c
}

func (a *attributeSet) lookup(name string) (*mvcc.Cell[any], bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cells[name]
	return c, ok
}

// all returns every cell sorted by name.
func (a *attributeSet) all() ([]string, []*mvcc.Cell[any]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.cells))
	for n := range a.cells {
		names = append(names, n)
	}
	sort.Strings(names)
	cells := make([]*mvcc.Cell[any], len(names))
	for i, n := range names {
		cells[i] = a.cells[n]
	}
	return names, cells
}

// =============================================================================
// Element stores
// =============================================================================

// elementStore is the arena of one element kind: a versioned backing array
// indexed by id, and the id allocator.
//
// The backing array is only replaced or modified during a writing phase. mu
// guards expansion of the array against concurrent readers.
type elementStore[R any] struct {
	mu      sync.RWMutex
	records *mvcc.Cell[[]*R]
	ids     idPool
}

func newElementStore[R any](capacity int) *elementStore[R] {
	if capacity < 1 {
		capacity = 1
	}
	initial := make([]*R, 1, capacity+1)
	return &elementStore[R]{
		records: mvcc.NewPersistentCell(0, initial).
			WithClone(func(s []*R) []*R {
				out := make([]*R, len(s), cap(s))
				copy(out, s)
				return out
			}).
			AsStructural(),
	}
}

// at returns the record of id as seen by tx.
func (s *elementStore[R]) at(tx *mvcc.Tx, id int) *R {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records.Get(tx)
	if id <= 0 || id >= len(arr) {
		return nil
	}
	return arr[id]
}

// latest returns the record of id in the newest persistent array.
func (s *elementStore[R]) latest(id int) *R {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr, _, _ := s.records.Latest()
	if id <= 0 || id >= len(arr) {
		return nil
	}
	return arr[id]
}

// apply stores added records and clears deleted ones in a single new version
// of the backing array. Writing phase only.
func (s *elementStore[R]) apply(tx *mvcc.Tx, added map[int]*R, deleted []int) {
	if len(added) == 0 && len(deleted) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	arr, err := s.records.CopyOnWrite(tx)
	if err != nil {
		panic(err)
	}
	for id, rec := range added {
		for id >= len(arr) {
			arr = append(arr, nil)
		}
		arr[id] = rec
	}
	for _, id := range deleted {
		if id < len(arr) {
			arr[id] = nil
		}
	}
	if err := s.records.Set(tx, arr, false); err != nil {
		panic(err)
	}
}

// len returns the size of the latest backing array, including slot 0.
func (s *elementStore[R]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr, _, _ := s.records.Latest()
	return len(arr)
}

// idPool hands out element ids. Released ids are reused LIFO. An id released
// at a version only becomes reusable once no running transaction started
// before that version.
type idPool struct {
	mu      sync.Mutex
	high    int
	free    []int
	pending []pendingID
}

type pendingID struct {
	id      int
	version mvcc.Version
}

func (p *idPool) acquire() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id
	}
	p.high++
	return p.high
}

// release makes id reusable immediately. Only for ids no other transaction
// can have seen.
func (p *idPool) release(id int) {
	p.mu.Lock()
	p.free = append(p.free, id)
	p.mu.Unlock()
}

// releaseAt makes id reusable once the low-water mark reaches v.
func (p *idPool) releaseAt(id int, v mvcc.Version) {
	p.mu.Lock()
	p.pending = append(p.pending, pendingID{id: id, version: v})
	p.mu.Unlock()
}

// reclaim frees every pending id released at or before low and returns how
// many were freed.
func (p *idPool) reclaim(low mvcc.Version) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.pending[:0]
	freed := 0
	for _, pid := range p.pending {
		if pid.version <= low {
			p.free = append(p.free, pid.id)
			freed++
		} else {
			kept = append(kept, pid)
		}
	}
	p.pending = kept
	return freed
}

// stats returns the high-water mark, the number of free ids and the number
// of ids waiting for reclamation.
func (p *idPool) stats() (high, free, pending int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high, len(p.free), len(p.pending)
}
