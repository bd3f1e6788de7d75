package storage

import (
	"maps"
	"slices"
)

// relinks records which link cells of a sequence member a transaction wrote
// and whether any write to each was explicit.
type relinks map[position]bool

func (r relinks) mark(pos position, explicit bool) {
	r[pos] = r[pos] || explicit
}

func (r relinks) explicit() bool {
	return r[posPrev] || r[posNext]
}

// changeSet accumulates everything a transaction changed. The ordered slices
// preserve the order changes are replayed in; the maps record positions
// touched per element.
type changeSet struct {
	addedVertices   []VertexID
	deletedVertices []VertexID
	addedEdges      []EdgeID
	deletedEdges    []EdgeID

	// Records created by this transaction and records deleted by it. Deleted
	// records stay reachable for validation and the writing phase.
	newVertices  map[VertexID]*vertexRecord
	newEdges     map[EdgeID]*edgeRecord
	goneVertices map[VertexID]*vertexRecord
	goneEdges    map[EdgeID]*edgeRecord

	vertexRelinks    map[VertexID]relinks
	edgeRelinks      map[EdgeID]relinks
	incidenceRelinks map[VertexID]map[Incidence]relinks

	endpoints  map[EdgeID]map[End]bool
	attributes map[Element]map[string]struct{}

	// Explicitly moved members, in the order they were first moved.
	movedVertices   []VertexID
	movedEdges      []EdgeID
	movedIncidences []Incidence
}

func newChangeSet() *changeSet {
	return &changeSet{
		newVertices:      make(map[VertexID]*vertexRecord),
		newEdges:         make(map[EdgeID]*edgeRecord),
		goneVertices:     make(map[VertexID]*vertexRecord),
		goneEdges:        make(map[EdgeID]*edgeRecord),
		vertexRelinks:    make(map[VertexID]relinks),
		edgeRelinks:      make(map[EdgeID]relinks),
		incidenceRelinks: make(map[VertexID]map[Incidence]relinks),
		endpoints:        make(map[EdgeID]map[End]bool),
		attributes:       make(map[Element]map[string]struct{}),
	}
}

// clone returns a deep copy. Records are shared: their cells are rolled back
// by the mvcc savepoint, not by the copy.
func (cs *changeSet) clone() *changeSet {
	out := &changeSet{
		addedVertices:    slices.Clone(cs.addedVertices),
		deletedVertices:  slices.Clone(cs.deletedVertices),
		addedEdges:       slices.Clone(cs.addedEdges),
		deletedEdges:     slices.Clone(cs.deletedEdges),
		newVertices:      maps.Clone(cs.newVertices),
		newEdges:         maps.Clone(cs.newEdges),
		goneVertices:     maps.Clone(cs.goneVertices),
		goneEdges:        maps.Clone(cs.goneEdges),
		vertexRelinks:    make(map[VertexID]relinks, len(cs.vertexRelinks)),
		edgeRelinks:      make(map[EdgeID]relinks, len(cs.edgeRelinks)),
		incidenceRelinks: make(map[VertexID]map[Incidence]relinks, len(cs.incidenceRelinks)),
		endpoints:        make(map[EdgeID]map[End]bool, len(cs.endpoints)),
		attributes:       make(map[Element]map[string]struct{}, len(cs.attributes)),
		movedVertices:    slices.Clone(cs.movedVertices),
		movedEdges:       slices.Clone(cs.movedEdges),
		movedIncidences:  slices.Clone(cs.movedIncidences),
	}
	for id, r := range cs.vertexRelinks {
		out.vertexRelinks[id] = maps.Clone(r)
	}
	for id, r := range cs.edgeRelinks {
		out.edgeRelinks[id] = maps.Clone(r)
	}
	for v, m := range cs.incidenceRelinks {
		cp := make(map[Incidence]relinks, len(m))
		for inc, r := range m {
			cp[inc] = maps.Clone(r)
		}
		out.incidenceRelinks[v] = cp
	}
	for e, m := range cs.endpoints {
		out.endpoints[e] = maps.Clone(m)
	}
	for el, m := range cs.attributes {
		out.attributes[el] = maps.Clone(m)
	}
	return out
}

func (cs *changeSet) touchVertex(id VertexID, pos position, explicit bool) {
	r, ok := cs.vertexRelinks[id]
	if !ok {
		r = make(relinks, 2)
		cs.vertexRelinks[id] = r
	}
	r.mark(pos, explicit)
	if explicit && !slices.Contains(cs.movedVertices, id) {
		cs.movedVertices = append(cs.movedVertices, id)
	}
}

func (cs *changeSet) touchEdge(id EdgeID, pos position, explicit bool) {
	r, ok := cs.edgeRelinks[id]
	if !ok {
		r = make(relinks, 2)
		cs.edgeRelinks[id] = r
	}
	r.mark(pos, explicit)
	if explicit && !slices.Contains(cs.movedEdges, id) {
		cs.movedEdges = append(cs.movedEdges, id)
	}
}

func (cs *changeSet) touchIncidence(v VertexID, inc Incidence, pos position, explicit bool) {
	m, ok := cs.incidenceRelinks[v]
	if !ok {
		m = make(map[Incidence]relinks)
		cs.incidenceRelinks[v] = m
	}
	r, ok := m[inc]
	if !ok {
		r = make(relinks, 2)
		m[inc] = r
	}
	r.mark(pos, explicit)
	if explicit && !slices.Contains(cs.movedIncidences, inc) {
		cs.movedIncidences = append(cs.movedIncidences, inc)
	}
}

func (cs *changeSet) touchEndpoint(e EdgeID, which End, explicit bool) {
	m, ok := cs.endpoints[e]
	if !ok {
		m = make(map[End]bool, 2)
		cs.endpoints[e] = m
	}
	m[which] = m[which] || explicit
}

func (cs *changeSet) touchAttribute(el Element, name string) {
	m, ok := cs.attributes[el]
	if !ok {
		m = make(map[string]struct{})
		cs.attributes[el] = m
	}
	m[name] = struct{}{}
}

func (cs *changeSet) vertexAdded(id VertexID) bool {
	_, ok := cs.newVertices[id]
	return ok
}

func (cs *changeSet) edgeAdded(id EdgeID) bool {
	_, ok := cs.newEdges[id]
	return ok
}

func (cs *changeSet) vertexDeleted(id VertexID) bool {
	_, ok := cs.goneVertices[id]
	return ok
}

func (cs *changeSet) edgeDeleted(id EdgeID) bool {
	_, ok := cs.goneEdges[id]
	return ok
}

// forgetVertex drops every trace of a vertex this transaction added and then
// deleted again.
func (cs *changeSet) forgetVertex(id VertexID) {
	delete(cs.newVertices, id)
	delete(cs.vertexRelinks, id)
	delete(cs.incidenceRelinks, id)
	delete(cs.attributes, VertexElement(id))
	cs.addedVertices = slices.DeleteFunc(cs.addedVertices, func(v VertexID) bool { return v == id })
	cs.movedVertices = slices.DeleteFunc(cs.movedVertices, func(v VertexID) bool { return v == id })
}

func (cs *changeSet) forgetEdge(id EdgeID) {
	delete(cs.newEdges, id)
	delete(cs.edgeRelinks, id)
	delete(cs.endpoints, id)
	delete(cs.attributes, EdgeElement(id))
	for _, m := range cs.incidenceRelinks {
		delete(m, Incidence{Edge: id, Dir: Out})
		delete(m, Incidence{Edge: id, Dir: In})
	}
	cs.addedEdges = slices.DeleteFunc(cs.addedEdges, func(e EdgeID) bool { return e == id })
	cs.movedEdges = slices.DeleteFunc(cs.movedEdges, func(e EdgeID) bool { return e == id })
	cs.movedIncidences = slices.DeleteFunc(cs.movedIncidences, func(i Incidence) bool { return i.Edge == id })
}

// empty reports whether the change set holds no change at all.
func (cs *changeSet) empty() bool {
	return len(cs.addedVertices) == 0 && len(cs.deletedVertices) == 0 &&
		len(cs.addedEdges) == 0 && len(cs.deletedEdges) == 0 &&
		len(cs.vertexRelinks) == 0 && len(cs.edgeRelinks) == 0 &&
		len(cs.incidenceRelinks) == 0 && len(cs.endpoints) == 0 &&
		len(cs.attributes) == 0
}

// ChangeSummary counts the pending changes of a transaction.
type ChangeSummary struct {
	AddedVertices   int
	DeletedVertices int
	AddedEdges      int
	DeletedEdges    int
	MovedVertices   int
	MovedEdges      int
	MovedIncidences int
	Endpoints       int
	Attributes      int
}

func (cs *changeSet) summary() ChangeSummary {
	s := ChangeSummary{
		AddedVertices:   len(cs.addedVertices),
		DeletedVertices: len(cs.deletedVertices),
		AddedEdges:      len(cs.addedEdges),
		DeletedEdges:    len(cs.deletedEdges),
		MovedVertices:   len(cs.movedVertices),
		MovedEdges:      len(cs.movedEdges),
		MovedIncidences: len(cs.movedIncidences),
	}
	for _, m := range cs.endpoints {
		s.Endpoints += len(m)
	}
	for _, m := range cs.attributes {
		s.Attributes += len(m)
	}
	return s
}
