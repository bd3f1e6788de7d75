package storage

import (
	"fmt"
)

// =============================================================================
// Vertices
// =============================================================================

// AddVertex creates a vertex at the end of the vertex sequence.
func (t *Transaction) AddVertex() (VertexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckWritable(); err != nil {
		return 0, err
	}

	id := VertexID(t.graph.vertices.ids.acquire())
	t.allocatedVertices = append(t.allocatedVertices, id)

	rec := newVertexRecord(id)
	t.cs.newVertices[id] = rec
	t.cs.addedVertices = append(t.cs.addedVertices, id)

	if err := t.vertices().append(t.tx, id, false); err != nil {
		return 0, err
	}
	if err := add(t.tx, t.graph.rec.vertexCount, 1); err != nil {
		return 0, err
	}
	if err := t.changed(t.graph.rec.vertexListVersion); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteVertex deletes a vertex together with every edge incident to it.
func (t *Transaction) DeleteVertex(id VertexID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckWritable(); err != nil {
		return err
	}
	rec, err := t.vertex(id)
	if err != nil {
		return err
	}

	for {
		inc := rec.firstInc.Get(t.tx)
		if inc.IsZero() {
			break
		}
		if err := t.deleteEdge(t.erec(inc.Edge)); err != nil {
			return err
		}
	}

	if err := t.vertices().unlink(t.tx, id, false); err != nil {
		return err
	}
	if t.cs.vertexAdded(id) {
		t.cs.forgetVertex(id)
	} else {
		t.cs.goneVertices[id] = rec
		t.cs.deletedVertices = append(t.cs.deletedVertices, id)
	}

	if err := add(t.tx, t.graph.rec.vertexCount, -1); err != nil {
		return err
	}
	return t.changed(t.graph.rec.vertexListVersion)
}

func (t *Transaction) ContainsVertex(id VertexID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckReadable(); err != nil {
		return false, err
	}
	_, err := t.vertex(id)
	return err == nil, nil
}

// FirstVertex returns the first vertex, or 0 if the graph has none.
func (t *Transaction) FirstVertex() (VertexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	return t.graph.rec.firstVertex.Get(t.tx), nil
}

func (t *Transaction) LastVertex() (VertexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	return t.graph.rec.lastVertex.Get(t.tx), nil
}

// NextVertex returns the vertex after id, or 0 at the end.
func (t *Transaction) NextVertex(id VertexID) (VertexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	rec, err := t.vertex(id)
	if err != nil {
		return 0, err
	}
	return rec.next.Get(t.tx), nil
}

func (t *Transaction) PrevVertex(id VertexID) (VertexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	rec, err := t.vertex(id)
	if err != nil {
		return 0, err
	}
	return rec.prev.Get(t.tx), nil
}

// Vertices returns all vertices in sequence order.
func (t *Transaction) Vertices() ([]VertexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return nil, err
	}
	return t.vertices().members(t.tx), nil
}

func (t *Transaction) VertexCount() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	return t.graph.rec.vertexCount.Get(t.tx), nil
}

// PutVertexAfter moves v directly behind after in the vertex sequence.
func (t *Transaction) PutVertexAfter(v, after VertexID) error {
	return t.moveVertex(v, after, false)
}

// PutVertexBefore moves v directly in front of before in the vertex sequence.
func (t *Transaction) PutVertexBefore(v, before VertexID) error {
	return t.moveVertex(v, before, true)
}

func (t *Transaction) moveVertex(v, anchor VertexID, before bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckWritable(); err != nil {
		return err
	}
	if _, err := t.vertex(v); err != nil {
		return err
	}
	if _, err := t.vertex(anchor); err != nil {
		return err
	}

	seq := t.vertices()
	var err error
	if before {
		err = seq.moveBefore(t.tx, v, anchor)
	} else {
		err = seq.moveAfter(t.tx, v, anchor)
	}
	if err != nil {
		return err
	}
	return t.changed(t.graph.rec.vertexListVersion)
}

// =============================================================================
// Edges
// =============================================================================

// AddEdge creates an edge from alpha to omega at the end of the edge
// sequence and of both incidence sequences.
func (t *Transaction) AddEdge(alpha, omega VertexID) (EdgeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckWritable(); err != nil {
		return 0, err
	}
	av, err := t.vertex(alpha)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEdge, err)
	}
	ov, err := t.vertex(omega)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEdge, err)
	}

	id := EdgeID(t.graph.edges.ids.acquire())
	t.allocatedEdges = append(t.allocatedEdges, id)

	rec := newEdgeRecord(id)
	t.cs.newEdges[id] = rec
	t.cs.addedEdges = append(t.cs.addedEdges, id)

	if err := rec.alpha.Set(t.tx, alpha, false); err != nil {
		return 0, err
	}
	if err := rec.omega.Set(t.tx, omega, false); err != nil {
		return 0, err
	}
	if err := t.edges().append(t.tx, id, false); err != nil {
		return 0, err
	}
	if err := t.incidences(av).append(t.tx, Incidence{Edge: id, Dir: Out}, false); err != nil {
		return 0, err
	}
	if err := t.incidences(ov).append(t.tx, Incidence{Edge: id, Dir: In}, false); err != nil {
		return 0, err
	}
	if err := add(t.tx, t.graph.rec.edgeCount, 1); err != nil {
		return 0, err
	}
	if err := t.changed(t.graph.rec.edgeListVersion, av.incVersion, ov.incVersion); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *Transaction) DeleteEdge(id EdgeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckWritable(); err != nil {
		return err
	}
	rec, err := t.edge(id)
	if err != nil {
		return err
	}
	return t.deleteEdge(rec)
}

func (t *Transaction) deleteEdge(rec *edgeRecord) error {
	av := t.vrec(rec.alpha.Get(t.tx))
	ov := t.vrec(rec.omega.Get(t.tx))

	if err := t.incidences(av).unlink(t.tx, Incidence{Edge: rec.id, Dir: Out}, false); err != nil {
		return err
	}
	if err := t.incidences(ov).unlink(t.tx, Incidence{Edge: rec.id, Dir: In}, false); err != nil {
		return err
	}
	if err := t.edges().unlink(t.tx, rec.id, false); err != nil {
		return err
	}

	if t.cs.edgeAdded(rec.id) {
		t.cs.forgetEdge(rec.id)
	} else {
		t.cs.goneEdges[rec.id] = rec
		t.cs.deletedEdges = append(t.cs.deletedEdges, rec.id)
	}

	if err := add(t.tx, t.graph.rec.edgeCount, -1); err != nil {
		return err
	}
	return t.changed(t.graph.rec.edgeListVersion, av.incVersion, ov.incVersion)
}

func (t *Transaction) ContainsEdge(id EdgeID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return false, err
	}
	_, err := t.edge(id)
	return err == nil, nil
}

// Alpha returns the start vertex of an edge.
func (t *Transaction) Alpha(id EdgeID) (VertexID, error) {
	return t.endpoint(id, Alpha)
}

// Omega returns the end vertex of an edge.
func (t *Transaction) Omega(id EdgeID) (VertexID, error) {
	return t.endpoint(id, Omega)
}

func (t *Transaction) endpoint(id EdgeID, which End) (VertexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	rec, err := t.edge(id)
	if err != nil {
		return 0, err
	}
	return rec.end(which).Get(t.tx), nil
}

// SetAlpha reattaches the start of an edge to v. The edge's outgoing
// incidence moves to the end of v's incidence sequence.
func (t *Transaction) SetAlpha(id EdgeID, v VertexID) error {
	return t.setEndpoint(id, Alpha, v)
}

// SetOmega reattaches the end of an edge to v.
func (t *Transaction) SetOmega(id EdgeID, v VertexID) error {
	return t.setEndpoint(id, Omega, v)
}

func (t *Transaction) setEndpoint(id EdgeID, which End, v VertexID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckWritable(); err != nil {
		return err
	}
	rec, err := t.edge(id)
	if err != nil {
		return err
	}
	nv, err := t.vertex(v)
	if err != nil {
		return err
	}

	cell := rec.end(which)
	cur := cell.Get(t.tx)
	if cur == v {
		if err := cell.Set(t.tx, v, true); err != nil {
			return err
		}
		t.cs.touchEndpoint(id, which, true)
		return nil
	}

	inc := Incidence{Edge: id, Dir: Out}
	if which == Omega {
		inc.Dir = In
	}
	ov := t.vrec(cur)

	if err := t.incidences(ov).unlink(t.tx, inc, false); err != nil {
		return err
	}
	if err := cell.Set(t.tx, v, true); err != nil {
		return err
	}
	if err := t.incidences(nv).append(t.tx, inc, false); err != nil {
		return err
	}
	t.cs.touchEndpoint(id, which, true)
	return t.changed(ov.incVersion, nv.incVersion)
}

func (t *Transaction) FirstEdge() (EdgeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	return t.graph.rec.firstEdge.Get(t.tx), nil
}

func (t *Transaction) LastEdge() (EdgeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	return t.graph.rec.lastEdge.Get(t.tx), nil
}

func (t *Transaction) NextEdge(id EdgeID) (EdgeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	rec, err := t.edge(id)
	if err != nil {
		return 0, err
	}
	return rec.next.Get(t.tx), nil
}

func (t *Transaction) PrevEdge(id EdgeID) (EdgeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	rec, err := t.edge(id)
	if err != nil {
		return 0, err
	}
	return rec.prev.Get(t.tx), nil
}

// Edges returns all edges in sequence order.
func (t *Transaction) Edges() ([]EdgeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return nil, err
	}
	return t.edges().members(t.tx), nil
}

func (t *Transaction) EdgeCount() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	return t.graph.rec.edgeCount.Get(t.tx), nil
}

func (t *Transaction) PutEdgeAfter(e, after EdgeID) error {
	return t.moveEdge(e, after, false)
}

func (t *Transaction) PutEdgeBefore(e, before EdgeID) error {
	return t.moveEdge(e, before, true)
}

func (t *Transaction) moveEdge(e, anchor EdgeID, before bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckWritable(); err != nil {
		return err
	}
	if _, err := t.edge(e); err != nil {
		return err
	}
	if _, err := t.edge(anchor); err != nil {
		return err
	}

	seq := t.edges()
	var err error
	if before {
		err = seq.moveBefore(t.tx, e, anchor)
	} else {
		err = seq.moveAfter(t.tx, e, anchor)
	}
	if err != nil {
		return err
	}
	return t.changed(t.graph.rec.edgeListVersion)
}

// =============================================================================
// Incidences
// =============================================================================

// incidenceVertex returns the vertex inc is attached to.
func (t *Transaction) incidenceVertex(inc Incidence) (*edgeRecord, VertexID, error) {
	rec, err := t.edge(inc.Edge)
	if err != nil {
		return nil, 0, err
	}
	switch inc.Dir {
	case Out:
		return rec, rec.alpha.Get(t.tx), nil
	case In:
		return rec, rec.omega.Get(t.tx), nil
	}
	return nil, 0, fmt.Errorf("incidence %s: %w", inc, ErrNotFound)
}

// IncidentVertex returns the vertex an incidence is attached to.
func (t *Transaction) IncidentVertex(inc Incidence) (VertexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	_, v, err := t.incidenceVertex(inc)
	return v, err
}

// Opposite returns the vertex at the other end of an incidence's edge.
func (t *Transaction) Opposite(inc Incidence) (VertexID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return 0, err
	}
	_, v, err := t.incidenceVertex(inc.Reverse())
	return v, err
}

// FirstIncidence returns the first incidence of v, or the zero Incidence.
func (t *Transaction) FirstIncidence(v VertexID) (Incidence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return Incidence{}, err
	}
	rec, err := t.vertex(v)
	if err != nil {
		return Incidence{}, err
	}
	return rec.firstInc.Get(t.tx), nil
}

func (t *Transaction) LastIncidence(v VertexID) (Incidence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return Incidence{}, err
	}
	rec, err := t.vertex(v)
	if err != nil {
		return Incidence{}, err
	}
	return rec.lastInc.Get(t.tx), nil
}

// NextIncidence returns the incidence after inc at the same vertex.
func (t *Transaction) NextIncidence(inc Incidence) (Incidence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return Incidence{}, err
	}
	rec, _, err := t.incidenceVertex(inc)
	if err != nil {
		return Incidence{}, err
	}
	return rec.incNext(inc.Dir).Get(t.tx), nil
}

func (t *Transaction) PrevIncidence(inc Incidence) (Incidence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return Incidence{}, err
	}
	rec, _, err := t.incidenceVertex(inc)
	if err != nil {
		return Incidence{}, err
	}
	return rec.incPrev(inc.Dir).Get(t.tx), nil
}

// Incidences returns the incidence sequence of v.
func (t *Transaction) Incidences(v VertexID) ([]Incidence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.CheckReadable(); err != nil {
		return nil, err
	}
	rec, err := t.vertex(v)
	if err != nil {
		return nil, err
	}
	return t.incidences(rec).members(t.tx), nil
}

// Degree counts the incidences of v. A self-loop counts twice.
func (t *Transaction) Degree(v VertexID) (int, error) {
	incs, err := t.Incidences(v)
	return len(incs), err
}

// PutIncidenceAfter moves inc directly behind after in the incidence
// sequence of their common vertex.
func (t *Transaction) PutIncidenceAfter(inc, after Incidence) error {
	return t.moveIncidence(inc, after, false)
}

func (t *Transaction) PutIncidenceBefore(inc, before Incidence) error {
	return t.moveIncidence(inc, before, true)
}

func (t *Transaction) moveIncidence(inc, anchor Incidence, before bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckWritable(); err != nil {
		return err
	}
	_, v, err := t.incidenceVertex(inc)
	if err != nil {
		return err
	}
	_, w, err := t.incidenceVertex(anchor)
	if err != nil {
		return err
	}
	if v != w {
		return fmt.Errorf("%w: %s and %s are attached to different vertices", ErrInvalidPosition, inc, anchor)
	}

	vrec := t.vrec(v)
	seq := t.incidences(vrec)
	if before {
		err = seq.moveBefore(t.tx, inc, anchor)
	} else {
		err = seq.moveAfter(t.tx, inc, anchor)
	}
	if err != nil {
		return err
	}
	return t.changed(vrec.incVersion)
}
