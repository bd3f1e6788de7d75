package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/orneryd/tgraph/pkg/mvcc"
)

// Transaction is a unit of work on a Graph.
//
// A transaction reads the graph as it was when Bot ran, plus its own
// pending changes. Changes become visible to transactions started after a
// successful Commit. Commit fails with a *ConflictError if a transaction that
// committed in the meantime changed something this one depends on; the
// transaction is aborted and the caller may retry.
//
// Every method locks the transaction, so two goroutines cannot drive it at
// the same time.
//
// Example 1 - Basic Transaction:
//
//	tx := g.Begin()
//	v, _ := tx.AddVertex()
//	_ = tx.SetAttribute(storage.VertexElement(v), "name", "Alice")
//	if err := tx.Commit(ctx); err != nil {
//		return err
//	}
//
// Example 2 - Retry on Conflict:
//
//	for {
//		tx := g.Begin()
//		if err := transfer(tx); err != nil {
//			_ = tx.Abort()
//			return err
//		}
//		err := tx.Commit(ctx)
//		if errors.Is(err, storage.ErrConflict) {
//			continue
//		}
//		return err
//	}
type Transaction struct {
	mu sync.Mutex

	graph *Graph
	tx    *mvcc.Tx
	cs    *changeSet

	// Ids acquired by this transaction. They survive savepoint restores and
	// are returned to the pool at abort, or at commit if no longer used.
	allocatedVertices []VertexID
	allocatedEdges    []EdgeID

	// Transaction metadata (for logging/debugging)
	Metadata map[string]interface{}
}

// participant is the transaction's hook into the mvcc commit protocol.
type participant struct {
	t *Transaction
}

func (p *participant) Validate(*mvcc.Tx) *mvcc.Conflict {
	return p.t.validate()
}

func (p *participant) Write(*mvcc.Tx) {
	p.t.write()
}

func (p *participant) Aborted(*mvcc.Tx) {
	p.t.releaseAllocated()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Bot begins the transaction, fixing its snapshot.
func (t *Transaction) Bot() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.Bot()
}

// Commit validates and applies the transaction's changes.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.Metadata) > 0 {
		t.graph.log.Debug().Uint64("tx", t.tx.ID()).Interface("metadata", t.Metadata).
			Msg("committing with metadata")
	}
	return t.tx.Commit(ctx)
}

// Abort discards every pending change. Ids of elements the transaction added
// become reusable immediately. Aborting twice is a no-op.
func (t *Transaction) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.Abort()
}

// IsInConflict reports whether Commit would currently fail, and why. It
// changes nothing.
func (t *Transaction) IsInConflict(ctx context.Context) (bool, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.tx.Probe(ctx)
	if err != nil || c == nil {
		return false, "", err
	}
	return true, fmt.Sprintf("%s: %s", c.Check, c.Reason), nil
}

func (t *Transaction) ID() uint64 {
	return t.tx.ID()
}

func (t *Transaction) State() mvcc.State {
	return t.tx.State()
}

func (t *Transaction) IsReadOnly() bool {
	return t.tx.IsReadOnly()
}

func (t *Transaction) StartVersion() mvcc.Version {
	return t.tx.StartVersion()
}

func (t *Transaction) CommitVersion() mvcc.Version {
	return t.tx.CommitVersion()
}

// Graph returns the graph the transaction belongs to.
func (t *Transaction) Graph() *Graph {
	return t.graph
}

// Changes summarizes the pending changes.
func (t *Transaction) Changes() ChangeSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cs.summary()
}

func (t *Transaction) releaseAllocated() {
	for _, id := range t.allocatedVertices {
		t.graph.vertices.ids.release(int(id))
	}
	for _, id := range t.allocatedEdges {
		t.graph.edges.ids.release(int(id))
	}
	t.allocatedVertices = nil
	t.allocatedEdges = nil
}

// SetMetadata sets transaction metadata for logging and debugging.
// Metadata is logged on commit and can be used to track which application,
// user, or request performed the transaction.
//
// The metadata is merged with any existing metadata. The total character
// count is limited to 2048 characters.
func (t *Transaction) SetMetadata(metadata map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tx.State().Terminal() {
		return ErrTransactionClosed
	}

	totalSize := 0
	for k, v := range metadata {
		totalSize += len(k)
		if v != nil {
			totalSize += len(fmt.Sprint(v))
		}
	}
	if totalSize > 2048 {
		return fmt.Errorf("transaction metadata too large: %d chars (max 2048)", totalSize)
	}

	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	}
	for k, v := range metadata {
		t.Metadata[k] = v
	}
	return nil
}

// GetMetadata returns a copy of the transaction metadata.
func (t *Transaction) GetMetadata() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make(map[string]interface{}, len(t.Metadata))
	for k, v := range t.Metadata {
		result[k] = v
	}
	return result
}

// =============================================================================
// Record lookup
// =============================================================================

// vrec finds the record of a vertex id, including vertices this transaction
// deleted. The sequences use it to follow links.
func (t *Transaction) vrec(id VertexID) *vertexRecord {
	if r, ok := t.cs.newVertices[id]; ok {
		return r
	}
	if r, ok := t.cs.goneVertices[id]; ok {
		return r
	}
	return t.graph.vertices.at(t.tx, int(id))
}

func (t *Transaction) erec(id EdgeID) *edgeRecord {
	if r, ok := t.cs.newEdges[id]; ok {
		return r
	}
	if r, ok := t.cs.goneEdges[id]; ok {
		return r
	}
	return t.graph.edges.at(t.tx, int(id))
}

// vertex returns the record of a vertex that exists for this transaction.
func (t *Transaction) vertex(id VertexID) (*vertexRecord, error) {
	if id <= 0 || t.cs.vertexDeleted(id) {
		return nil, fmt.Errorf("vertex %d: %w", id, ErrNotFound)
	}
	if r, ok := t.cs.newVertices[id]; ok {
		return r, nil
	}
	if r := t.graph.vertices.at(t.tx, int(id)); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("vertex %d: %w", id, ErrNotFound)
}

func (t *Transaction) edge(id EdgeID) (*edgeRecord, error) {
	if id <= 0 || t.cs.edgeDeleted(id) {
		return nil, fmt.Errorf("edge %d: %w", id, ErrNotFound)
	}
	if r, ok := t.cs.newEdges[id]; ok {
		return r, nil
	}
	if r := t.graph.edges.at(t.tx, int(id)); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("edge %d: %w", id, ErrNotFound)
}

// =============================================================================
// Sequences
// =============================================================================

func (t *Transaction) vertexSeq(touch func(VertexID, position, bool)) sequence[VertexID] {
	return sequence[VertexID]{
		first: t.graph.rec.firstVertex,
		last:  t.graph.rec.lastVertex,
		prev:  func(id VertexID) *mvcc.Cell[VertexID] { return t.vrec(id).prev },
		next:  func(id VertexID) *mvcc.Cell[VertexID] { return t.vrec(id).next },
		touch: touch,
	}
}

func (t *Transaction) edgeSeq(touch func(EdgeID, position, bool)) sequence[EdgeID] {
	return sequence[EdgeID]{
		first: t.graph.rec.firstEdge,
		last:  t.graph.rec.lastEdge,
		prev:  func(id EdgeID) *mvcc.Cell[EdgeID] { return t.erec(id).prev },
		next:  func(id EdgeID) *mvcc.Cell[EdgeID] { return t.erec(id).next },
		touch: touch,
	}
}

func (t *Transaction) incidenceSeq(v *vertexRecord, touch func(Incidence, position, bool)) sequence[Incidence] {
	return sequence[Incidence]{
		first: v.firstInc,
		last:  v.lastInc,
		prev:  func(i Incidence) *mvcc.Cell[Incidence] { return t.erec(i.Edge).incPrev(i.Dir) },
		next:  func(i Incidence) *mvcc.Cell[Incidence] { return t.erec(i.Edge).incNext(i.Dir) },
		touch: touch,
	}
}

// The running-phase views record every link they write in the change set.

func (t *Transaction) vertices() sequence[VertexID] {
	return t.vertexSeq(t.cs.touchVertex)
}

func (t *Transaction) edges() sequence[EdgeID] {
	return t.edgeSeq(t.cs.touchEdge)
}

func (t *Transaction) incidences(v *vertexRecord) sequence[Incidence] {
	return t.incidenceSeq(v, func(i Incidence, pos position, explicit bool) {
		t.cs.touchIncidence(v.id, i, pos, explicit)
	})
}

// =============================================================================
// Counters
// =============================================================================

func bump(tx *mvcc.Tx, c *mvcc.Cell[int64]) error {
	return c.Set(tx, c.Get(tx)+1, false)
}

func add(tx *mvcc.Tx, c *mvcc.Cell[int], delta int) error {
	return c.Set(tx, c.Get(tx)+delta, false)
}

// changed bumps the graph version and the given list versions, once per
// transaction each.
func (t *Transaction) changed(lists ...*mvcc.Cell[int64]) error {
	for _, c := range append(lists, t.graph.rec.version) {
		if c.HasTemporary(t.tx) {
			continue
		}
		if err := bump(t.tx, c); err != nil {
			return err
		}
	}
	return nil
}

// GraphVersion counts the commits that changed the graph, as seen by this
// transaction; pending changes count as one more.
func (t *Transaction) GraphVersion() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	return t.graph.rec.version.Get(t.tx), nil
}

// VertexListVersion changes whenever the vertex sequence changes.
func (t *Transaction) VertexListVersion() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	return t.graph.rec.vertexListVersion.Get(t.tx), nil
}

// EdgeListVersion changes whenever the edge sequence changes.
func (t *Transaction) EdgeListVersion() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	return t.graph.rec.edgeListVersion.Get(t.tx), nil
}

// IncidenceListVersion changes whenever the incidence sequence of v changes.
func (t *Transaction) IncidenceListVersion(v VertexID) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	rec, err := t.vertex(v)
	if err != nil {
		return 0, err
	}
	return rec.incVersion.Get(t.tx), nil
}
