// Package storage provides the transactional, in-memory attributed graph.
//
// A Graph stores vertices and edges in two arenas of records. Every mutable
// field of a record (sequence links, endpoints, attributes) is an mvcc.Cell,
// so each transaction reads a consistent snapshot while it accumulates its own
// pending changes. Commit validates those changes against everything committed
// since the transaction started and, if they do not conflict, replays them onto
// the latest persistent state.
//
// The graph keeps three kinds of ordered sequences:
//   - the global vertex sequence
//   - the global edge sequence
//   - per vertex, the sequence of its incidences (edge ends attached to it)
//
// Example Usage:
//
//	g := storage.NewGraph(storage.Options{})
//
//	tx := g.Begin()
//	alice, _ := tx.AddVertex()
//	bob, _ := tx.AddVertex()
//	knows, _ := tx.AddEdge(alice, bob)
//	_ = tx.SetAttribute(storage.EdgeElement(knows), "since", 2020)
//
//	if err := tx.Commit(ctx); err != nil {
//		var conflict *storage.ConflictError
//		if errors.As(err, &conflict) {
//			// retry the whole unit of work
//		}
//	}
package storage

import (
	"errors"
	"fmt"

	"github.com/orneryd/tgraph/pkg/mvcc"
)

// Common errors
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidEdge     = errors.New("invalid edge: alpha or omega vertex not found")
	ErrInvalidPosition = errors.New("invalid position: element cannot be placed relative to itself")
	ErrNoTransaction   = errors.New("no active transaction")
	ErrWrongGraph      = errors.New("transaction belongs to another graph")
)

// Transaction errors shared with the mvcc engine so that errors.Is works with
// either package's sentinel.
var (
	ErrReadOnly          = mvcc.ErrReadOnly
	ErrTransactionClosed = mvcc.ErrTransactionClosed
	ErrNotRunning        = mvcc.ErrNotRunning
	ErrInvalidSavepoint  = mvcc.ErrInvalidSavepoint
	ErrConflict          = mvcc.ErrConflict
	ErrGraphFailed       = mvcc.ErrManagerFailed
)

// ConflictError is returned by Commit when the transaction conflicts with a
// concurrently committed one. Check names the failed validation step.
type ConflictError = mvcc.ConflictError

// VertexID identifies a vertex. IDs are 1-based; 0 means "no vertex". The id
// of a deleted vertex is reused once no running transaction can see it.
type VertexID int

// EdgeID identifies an edge. Same conventions as VertexID.
type EdgeID int

// Direction tells which end of an edge an incidence stands for.
type Direction uint8

const (
	// Out is the incidence of an edge at its alpha vertex.
	Out Direction = iota + 1
	// In is the incidence of an edge at its omega vertex.
	In
)

func (d Direction) String() string {
	switch d {
	case Out:
		return "out"
	case In:
		return "in"
	}
	return "none"
}

// Incidence is one end of an edge as seen from the vertex it is attached to.
// A self-loop has two incidences at the same vertex, one per direction.
//
// The zero Incidence means "no incidence".
type Incidence struct {
	Edge EdgeID
	Dir  Direction
}

func (i Incidence) IsZero() bool {
	return i.Edge == 0
}

// Reverse returns the incidence at the other end of the same edge.
func (i Incidence) Reverse() Incidence {
	if i.Dir == Out {
		return Incidence{Edge: i.Edge, Dir: In}
	}
	return Incidence{Edge: i.Edge, Dir: Out}
}

func (i Incidence) String() string {
	if i.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("e%d/%s", i.Edge, i.Dir)
}

// End selects the alpha or omega end of an edge.
type End uint8

const (
	Alpha End = iota
	Omega
)

func (e End) String() string {
	if e == Alpha {
		return "alpha"
	}
	return "omega"
}

// ElementKind is the kind of an attributed element.
type ElementKind uint8

const (
	GraphKind ElementKind = iota
	VertexKind
	EdgeKind
)

// Element addresses anything that carries attributes: the graph itself, a
// vertex or an edge.
type Element struct {
	Kind ElementKind
	ID   int
}

// GraphElement addresses the graph's own attributes.
func GraphElement() Element {
	return Element{Kind: GraphKind}
}

func VertexElement(id VertexID) Element {
	return Element{Kind: VertexKind, ID: int(id)}
}

func EdgeElement(id EdgeID) Element {
	return Element{Kind: EdgeKind, ID: int(id)}
}

func (e Element) String() string {
	switch e.Kind {
	case VertexKind:
		return fmt.Sprintf("v%d", e.ID)
	case EdgeKind:
		return fmt.Sprintf("e%d", e.ID)
	}
	return "graph"
}
