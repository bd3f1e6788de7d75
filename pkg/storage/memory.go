package storage

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/tgraph/pkg/mvcc"
)

// Options configures a Graph.
type Options struct {
	// Logger is used by the graph and its transaction manager. Defaults to a
	// disabled logger.
	Logger *zerolog.Logger

	// Metrics, if set, receives transaction metrics.
	Metrics *mvcc.Metrics

	// Tracer is used for commit spans.
	Tracer trace.Tracer

	// ReclaimInterval runs version reclamation after every n-th commit.
	ReclaimInterval int

	// InitialCapacity preallocates the vertex and edge backing arrays.
	InitialCapacity int
}

// Graph is a transactional in-memory attributed graph.
//
// Every read and write goes through a Transaction. Transactions see a
// snapshot of the graph as of their start, plus their own pending changes;
// concurrent transactions proceed without blocking each other until commit.
//
// Features:
//   - Snapshot isolation with commit-time validation (optimistic MVCC)
//   - Ordered vertex, edge and per-vertex incidence sequences
//   - Attributes on the graph, vertices and edges
//   - Savepoints for partial rollback
//
// Thread Safety:
//
//	A Graph is safe for concurrent use. A Transaction must be driven by one
//	goroutine at a time; its methods serialize if that rule is broken.
//
// Example:
//
//	g := storage.NewGraph(storage.Options{})
//
//	writer := g.Begin()
//	v, _ := writer.AddVertex()
//
//	reader := g.BeginReadOnly()
//	_ = writer.Commit(ctx)
//
//	ok, _ := reader.ContainsVertex(v) // false: reader started before the commit
type Graph struct {
	log     zerolog.Logger
	manager *mvcc.Manager

	vertices *elementStore[vertexRecord]
	edges    *elementStore[edgeRecord]
	rec      *graphRecord
}

// NewGraph creates an empty graph at version 0.
func NewGraph(opts Options) *Graph {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "graph").Logger()
	}

	g := &Graph{
		log: log,
		manager: mvcc.NewManager(mvcc.Options{
			Logger:          &log,
			Metrics:         opts.Metrics,
			Tracer:          opts.Tracer,
			ReclaimInterval: opts.ReclaimInterval,
		}),
		vertices: newElementStore[vertexRecord](opts.InitialCapacity),
		edges:    newElementStore[edgeRecord](opts.InitialCapacity),
		rec:      newGraphRecord(),
	}
	g.manager.OnReclaim(g.reclaimIDs)
	return g
}

// Manager returns the transaction manager owned by the graph.
func (g *Graph) Manager() *mvcc.Manager {
	return g.manager
}

// NewTransaction creates a transaction that has not started yet. Call Bot
// to fix its snapshot.
func (g *Graph) NewTransaction(readOnly bool) *Transaction {
	t := &Transaction{
		graph:    g,
		cs:       newChangeSet(),
		Metadata: make(map[string]interface{}),
	}
	t.tx = g.manager.NewTransaction(&participant{t: t}, readOnly)
	return t
}

// Begin creates and starts a read-write transaction. After a failed writing
// phase the transaction cannot start and its operations return
// ErrNotRunning; Bot reports ErrGraphFailed.
func (g *Graph) Begin() *Transaction {
	t := g.NewTransaction(false)
	_ = t.Bot()
	return t
}

// BeginReadOnly creates and starts a read-only transaction. Read-only
// transactions never conflict and commit without validation.
func (g *Graph) BeginReadOnly() *Transaction {
	t := g.NewTransaction(true)
	_ = t.Bot()
	return t
}

func (g *Graph) reclaimIDs(low mvcc.Version) {
	nv := g.vertices.ids.reclaim(low)
	ne := g.edges.ids.reclaim(low)
	if nv+ne > 0 {
		g.log.Debug().Int("vertices", nv).Int("edges", ne).Uint64("low_water_mark", uint64(low)).
			Msg("element ids freed")
	}
}

// Stats is a point-in-time summary of a graph's storage and transactions.
type Stats struct {
	mvcc.Stats

	VertexSlots   int
	EdgeSlots     int
	FreeVertexIDs int
	FreeEdgeIDs   int
	PendingIDs    int
}

// Stats reads persistent state only; it does not need a transaction.
func (g *Graph) Stats() Stats {
	_, vfree, vpending := g.vertices.ids.stats()
	_, efree, epending := g.edges.ids.stats()
	return Stats{
		Stats:         g.manager.Stats(),
		VertexSlots:   g.vertices.len() - 1,
		EdgeSlots:     g.edges.len() - 1,
		FreeVertexIDs: vfree,
		FreeEdgeIDs:   efree,
		PendingIDs:    vpending + epending,
	}
}

// =============================================================================
// Sessions
// =============================================================================

// Session binds at most one current transaction to a caller, such as a
// request handler or a worker goroutine. Sessions are cheap; create one per
// logical caller.
type Session struct {
	id    string
	graph *Graph
}

// Session creates a new session with a random id.
func (g *Graph) Session() *Session {
	return &Session{id: uuid.NewString(), graph: g}
}

func (s *Session) ID() string {
	return s.id
}

// Begin starts a read-write transaction and makes it the session's current
// one. A previously current transaction stays running but is detached.
func (s *Session) Begin() (*Transaction, error) {
	t := s.graph.Begin()
	return t, s.Bind(t)
}

func (s *Session) BeginReadOnly() (*Transaction, error) {
	t := s.graph.BeginReadOnly()
	return t, s.Bind(t)
}

// Bind makes t the session's current transaction.
func (s *Session) Bind(t *Transaction) error {
	if t == nil {
		s.graph.manager.Unbind(s.id)
		return nil
	}
	if t.graph != s.graph {
		return ErrWrongGraph
	}
	return s.graph.manager.Bind(s.id, t.tx)
}

// Current returns the session's transaction. It returns ErrNoTransaction once
// that transaction has committed or aborted.
func (s *Session) Current() (*Transaction, error) {
	tx, ok := s.graph.manager.Current(s.id)
	if !ok {
		return nil, ErrNoTransaction
	}
	p, ok := tx.Participant().(*participant)
	if !ok {
		return nil, ErrNoTransaction
	}
	return p.t, nil
}

// Close detaches the session's current transaction without ending it.
func (s *Session) Close() {
	s.graph.manager.Unbind(s.id)
}
