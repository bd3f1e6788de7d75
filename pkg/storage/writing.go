package storage

import (
	"maps"
	"slices"

	"github.com/orneryd/tgraph/pkg/mvcc"
)

// writer replays a validated change set onto the latest persistent state.
//
// The structural edits a transaction made while running were made against its
// snapshot, so they cannot be promoted as they are: concurrent commits may
// have changed the neighbourhood since. Instead the writer redoes the edits
// through the same sequence code, now reading and writing persistent values.
// Explicit moves are replayed to the position the transaction saw; everything
// else lands wherever the latest state puts it.
type writer struct {
	t  *Transaction
	tx *mvcc.Tx

	vertexMoves []vertexMove
	edgeMoves   []edgeMove
	incMoves    []incidenceMove
	endpoints   []endpointChange
	addedEnds   map[EdgeID][2]VertexID

	vertexListTouched bool
	edgeListTouched   bool
	incTouched        map[*vertexRecord]struct{}
}

type vertexMove struct {
	id, after VertexID
}

type edgeMove struct {
	id, after EdgeID
}

type incidenceMove struct {
	v          *vertexRecord
	inc, after Incidence
}

type endpointChange struct {
	rec   *edgeRecord
	which End
	v     VertexID
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// write is the writing phase of a commit. It runs with the graph exclusively
// locked and the commit version assigned.
func (t *Transaction) write() {
	w := &writer{
		t:          t,
		tx:         t.tx,
		addedEnds:  make(map[EdgeID][2]VertexID, len(t.cs.addedEdges)),
		incTouched: make(map[*vertexRecord]struct{}),
	}
	w.plan()
	w.apply()
	w.finish()
}

// plan captures every target position from the transaction's own view before
// the persistent state is touched. In-place promotion would otherwise make
// half-written state visible to later reads.
func (w *writer) plan() {
	t, cs := w.t, w.t.cs

	for _, id := range cs.addedEdges {
		rec := cs.newEdges[id]
		w.addedEnds[id] = [2]VertexID{rec.alpha.Visible(w.tx), rec.omega.Visible(w.tx)}
	}

	// Moved members are placed after their predecessor; a predecessor that
	// moved itself has to be placed first.
	movedV := make(map[VertexID]bool, len(cs.movedVertices))
	for _, id := range cs.movedVertices {
		movedV[id] = !cs.vertexDeleted(id)
	}
	var placeV func(VertexID)
	placeV = func(id VertexID) {
		if !movedV[id] {
			return
		}
		movedV[id] = false
		after := t.vrec(id).prev.Visible(w.tx)
		placeV(after)
		w.vertexMoves = append(w.vertexMoves, vertexMove{id: id, after: after})
	}
	for _, id := range cs.movedVertices {
		placeV(id)
	}

	movedE := make(map[EdgeID]bool, len(cs.movedEdges))
	for _, id := range cs.movedEdges {
		movedE[id] = !cs.edgeDeleted(id)
	}
	var placeE func(EdgeID)
	placeE = func(id EdgeID) {
		if !movedE[id] {
			return
		}
		movedE[id] = false
		after := t.erec(id).prev.Visible(w.tx)
		placeE(after)
		w.edgeMoves = append(w.edgeMoves, edgeMove{id: id, after: after})
	}
	for _, id := range cs.movedEdges {
		placeE(id)
	}

	movedI := make(map[Incidence]bool, len(cs.movedIncidences))
	for _, inc := range cs.movedIncidences {
		movedI[inc] = !cs.edgeDeleted(inc.Edge)
	}
	var placeI func(Incidence)
	placeI = func(inc Incidence) {
		if !movedI[inc] {
			return
		}
		movedI[inc] = false
		rec := t.erec(inc.Edge)
		after := rec.incPrev(inc.Dir).Visible(w.tx)
		placeI(after)
		end := Alpha
		if inc.Dir == In {
			end = Omega
		}
		v := t.vrec(rec.end(end).Visible(w.tx))
		w.incMoves = append(w.incMoves, incidenceMove{v: v, inc: inc, after: after})
	}
	for _, inc := range cs.movedIncidences {
		placeI(inc)
	}

	for _, id := range slices.Sorted(maps.Keys(cs.endpoints)) {
		if cs.edgeAdded(id) || cs.edgeDeleted(id) {
			continue
		}
		rec := t.erec(id)
		for _, which := range slices.Sorted(maps.Keys(cs.endpoints[id])) {
			w.endpoints = append(w.endpoints, endpointChange{
				rec:   rec,
				which: which,
				v:     rec.end(which).Visible(w.tx),
			})
		}
	}
}

func (w *writer) vertexSeq() sequence[VertexID] {
	return w.t.vertexSeq(func(VertexID, position, bool) { w.vertexListTouched = true })
}

func (w *writer) edgeSeq() sequence[EdgeID] {
	return w.t.edgeSeq(func(EdgeID, position, bool) { w.edgeListTouched = true })
}

func (w *writer) incidenceSeq(v *vertexRecord) sequence[Incidence] {
	return w.t.incidenceSeq(v, func(Incidence, position, bool) { w.incTouched[v] = struct{}{} })
}

func (w *writer) apply() {
	t, cs, tx := w.t, w.t.cs, w.tx

	addedV := make(map[int]*vertexRecord, len(cs.addedVertices))
	for _, id := range cs.addedVertices {
		addedV[int(id)] = cs.newVertices[id]
	}
	addedE := make(map[int]*edgeRecord, len(cs.addedEdges))
	for _, id := range cs.addedEdges {
		addedE[int(id)] = cs.newEdges[id]
	}
	deletedV := make([]int, len(cs.deletedVertices))
	for i, id := range cs.deletedVertices {
		deletedV[i] = int(id)
	}
	deletedE := make([]int, len(cs.deletedEdges))
	for i, id := range cs.deletedEdges {
		deletedE[i] = int(id)
	}
	t.graph.vertices.apply(tx, addedV, deletedV)
	t.graph.edges.apply(tx, addedE, deletedE)

	vertices, edges := w.vertexSeq(), w.edgeSeq()

	for _, id := range cs.deletedVertices {
		must(vertices.unlink(tx, id, false))
	}
	for _, id := range cs.deletedEdges {
		rec := cs.goneEdges[id]
		must(w.incidenceSeq(t.vrec(rec.alpha.Get(tx))).unlink(tx, Incidence{Edge: id, Dir: Out}, false))
		must(w.incidenceSeq(t.vrec(rec.omega.Get(tx))).unlink(tx, Incidence{Edge: id, Dir: In}, false))
		must(edges.unlink(tx, id, false))
	}

	for _, id := range cs.addedVertices {
		must(vertices.append(tx, id, false))
	}
	for _, id := range cs.addedEdges {
		rec := cs.newEdges[id]
		ends := w.addedEnds[id]
		must(rec.alpha.Set(tx, ends[0], false))
		must(rec.omega.Set(tx, ends[1], false))
		must(edges.append(tx, id, false))
		must(w.incidenceSeq(t.vrec(ends[0])).append(tx, Incidence{Edge: id, Dir: Out}, false))
		must(w.incidenceSeq(t.vrec(ends[1])).append(tx, Incidence{Edge: id, Dir: In}, false))
	}

	for _, m := range w.vertexMoves {
		must(vertices.moveAfter(tx, m.id, m.after))
	}
	for _, m := range w.edgeMoves {
		must(edges.moveAfter(tx, m.id, m.after))
	}

	for _, c := range w.endpoints {
		cell := c.rec.end(c.which)
		cur := cell.Get(tx)
		if cur == c.v {
			continue
		}
		inc := Incidence{Edge: c.rec.id, Dir: Out}
		if c.which == Omega {
			inc.Dir = In
		}
		must(w.incidenceSeq(t.vrec(cur)).unlink(tx, inc, false))
		must(cell.Set(tx, c.v, true))
		must(w.incidenceSeq(t.vrec(c.v)).append(tx, inc, false))
	}

	for _, m := range w.incMoves {
		must(w.incidenceSeq(m.v).moveAfter(tx, m.inc, m.after))
	}
}

// finish updates the counters and hands deleted and unused ids back to the
// pools.
func (w *writer) finish() {
	t, cs, tx := w.t, w.t.cs, w.tx
	rec := t.graph.rec

	if d := len(cs.addedVertices) - len(cs.deletedVertices); d != 0 {
		must(add(tx, rec.vertexCount, d))
	}
	if d := len(cs.addedEdges) - len(cs.deletedEdges); d != 0 {
		must(add(tx, rec.edgeCount, d))
	}
	if w.vertexListTouched {
		must(bump(tx, rec.vertexListVersion))
	}
	if w.edgeListTouched {
		must(bump(tx, rec.edgeListVersion))
	}
	for v := range w.incTouched {
		if !cs.vertexDeleted(v.id) {
			must(bump(tx, v.incVersion))
		}
	}
	if !cs.empty() {
		must(bump(tx, rec.version))
	}

	cv := tx.CommitVersion()
	for _, id := range cs.deletedVertices {
		t.graph.vertices.ids.releaseAt(int(id), cv)
	}
	for _, id := range cs.deletedEdges {
		t.graph.edges.ids.releaseAt(int(id), cv)
	}
	for _, id := range t.allocatedVertices {
		if !cs.vertexAdded(id) {
			t.graph.vertices.ids.release(int(id))
		}
	}
	for _, id := range t.allocatedEdges {
		if !cs.edgeAdded(id) {
			t.graph.edges.ids.release(int(id))
		}
	}
	t.allocatedVertices = nil
	t.allocatedEdges = nil

	t.graph.log.Debug().Uint64("tx", tx.ID()).Uint64("commit_version", uint64(cv)).
		Int("vertices_added", len(cs.addedVertices)).Int("vertices_deleted", len(cs.deletedVertices)).
		Int("edges_added", len(cs.addedEdges)).Int("edges_deleted", len(cs.deletedEdges)).
		Msg("changes written")
}
