package storage

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/orneryd/tgraph/pkg/mvcc"
)

// Names of the validation checks, in the order they run. They appear in
// ConflictError.Check and in the conflict metrics.
const (
	CheckAddedEdge     = "added-edge"
	CheckDeletedVertex = "deleted-vertex"
	CheckDeletedEdge   = "deleted-edge"
	CheckSequence      = "sequence"
	CheckEndpoint      = "endpoint"
	CheckAttribute     = "attribute"
)

func conflict(check, format string, args ...any) *mvcc.Conflict {
	return &mvcc.Conflict{Check: check, Reason: fmt.Sprintf(format, args...)}
}

// validate checks the change set against everything committed since the
// transaction started. The first conflict found wins.
//
// Runs with the commit lock held (or validation exclusion shared for a
// probe), so the latest persistent state does not move underneath it.
func (t *Transaction) validate() *mvcc.Conflict {
	checks := []func() *mvcc.Conflict{
		t.checkAddedEdges,
		t.checkDeletedVertices,
		t.checkDeletedEdges,
		t.checkSequences,
		t.checkEndpoints,
		t.checkAttributes,
	}
	for _, check := range checks {
		if c := check(); c != nil {
			return c
		}
	}
	return nil
}

// vertexAlive reports whether id still denotes, in the latest persistent
// state, the vertex this transaction sees, or was added by it.
func (t *Transaction) vertexAlive(id VertexID) bool {
	if t.cs.vertexAdded(id) {
		return true
	}
	if t.cs.vertexDeleted(id) {
		return false
	}
	r := t.graph.vertices.latest(int(id))
	return r != nil && r == t.graph.vertices.at(t.tx, int(id))
}

func (t *Transaction) edgeAlive(id EdgeID) bool {
	if t.cs.edgeAdded(id) {
		return true
	}
	if t.cs.edgeDeleted(id) {
		return false
	}
	r := t.graph.edges.latest(int(id))
	return r != nil && r == t.graph.edges.at(t.tx, int(id))
}

func changedSince(v mvcc.Version, cells ...mvcc.Versioned) bool {
	for _, c := range cells {
		if c.ChangedSince(v) {
			return true
		}
	}
	return false
}

func attributesChangedSince(set *attributeSet, v mvcc.Version) (string, bool) {
	names, cells := set.all()
	for i, c := range cells {
		if c.ChangedSince(v) {
			return names[i], true
		}
	}
	return "", false
}

// facingConflict reports whether a neighbour's link c facing a moved element
// was claimed by a concurrent explicit change. The link must now point to
// something other than the element or its value at BOT, and either the link
// itself or the link of its new target pointing back (found through back)
// must have been written explicitly. Implicit relinks, such as appending an
// element behind the neighbour, leave the slot free.
func facingConflict[K comparable](tx *mvcc.Tx, c *mvcc.Cell[K], want K, back func(K) *mvcc.Cell[K]) bool {
	start := tx.StartVersion()
	if !c.ChangedSince(start) {
		return false
	}
	latest, _, _ := c.Latest()
	if latest == want || latest == c.Base(tx) {
		return false
	}
	if c.ExplicitSince(start) {
		return true
	}
	var zero K
	if latest == zero {
		return false
	}
	b := back(latest)
	return b != nil && b.ExplicitSince(start)
}

// latestVertexLink returns, for a vertex id, its link cell at pos in the
// latest persistent state.
func (t *Transaction) latestVertexLink(pos position) func(VertexID) *mvcc.Cell[VertexID] {
	return func(id VertexID) *mvcc.Cell[VertexID] {
		r := t.graph.vertices.latest(int(id))
		if r == nil {
			return nil
		}
		if pos == posPrev {
			return r.prev
		}
		return r.next
	}
}

func (t *Transaction) latestEdgeLink(pos position) func(EdgeID) *mvcc.Cell[EdgeID] {
	return func(id EdgeID) *mvcc.Cell[EdgeID] {
		r := t.graph.edges.latest(int(id))
		if r == nil {
			return nil
		}
		if pos == posPrev {
			return r.prev
		}
		return r.next
	}
}

func (t *Transaction) latestIncidenceLink(pos position) func(Incidence) *mvcc.Cell[Incidence] {
	return func(inc Incidence) *mvcc.Cell[Incidence] {
		r := t.graph.edges.latest(int(inc.Edge))
		if r == nil {
			return nil
		}
		if pos == posPrev {
			return r.incPrev(inc.Dir)
		}
		return r.incNext(inc.Dir)
	}
}

// checkAddedEdges: both endpoints of every added edge must still exist.
func (t *Transaction) checkAddedEdges() *mvcc.Conflict {
	for _, id := range t.cs.addedEdges {
		rec := t.cs.newEdges[id]
		for _, which := range []End{Alpha, Omega} {
			v := rec.end(which).Get(t.tx)
			if !t.vertexAlive(v) {
				return conflict(CheckAddedEdge, "edge %d: %s vertex %d no longer exists", id, which, v)
			}
		}
	}
	return nil
}

// checkDeletedVertices: a deleted vertex must still exist, and nothing that
// belongs to it may have changed since BOT.
func (t *Transaction) checkDeletedVertices() *mvcc.Conflict {
	start := t.tx.StartVersion()
	for _, id := range t.cs.deletedVertices {
		rec := t.cs.goneVertices[id]
		if t.graph.vertices.latest(int(id)) != rec {
			return conflict(CheckDeletedVertex, "vertex %d was deleted concurrently", id)
		}
		if rec.incVersion.ChangedSince(start) {
			return conflict(CheckDeletedVertex, "incidences of vertex %d changed concurrently", id)
		}
		if changedSince(start, rec.prev, rec.next) {
			return conflict(CheckDeletedVertex, "neighbours of vertex %d changed concurrently", id)
		}
		if name, ok := attributesChangedSince(&rec.attrs, start); ok {
			return conflict(CheckDeletedVertex, "attribute %q of vertex %d changed concurrently", name, id)
		}
	}
	return nil
}

// checkDeletedEdges: symmetric to checkDeletedVertices, over the endpoints,
// the incidence links at both ends, the edge sequence links and attributes.
func (t *Transaction) checkDeletedEdges() *mvcc.Conflict {
	start := t.tx.StartVersion()
	for _, id := range t.cs.deletedEdges {
		rec := t.cs.goneEdges[id]
		if t.graph.edges.latest(int(id)) != rec {
			return conflict(CheckDeletedEdge, "edge %d was deleted concurrently", id)
		}
		if changedSince(start, rec.alpha, rec.omega) {
			return conflict(CheckDeletedEdge, "endpoints of edge %d changed concurrently", id)
		}
		if changedSince(start, rec.prevOut, rec.nextOut, rec.prevIn, rec.nextIn) {
			return conflict(CheckDeletedEdge, "incidence links of edge %d changed concurrently", id)
		}
		if changedSince(start, rec.prev, rec.next) {
			return conflict(CheckDeletedEdge, "neighbours of edge %d changed concurrently", id)
		}
		if name, ok := attributesChangedSince(&rec.attrs, start); ok {
			return conflict(CheckDeletedEdge, "attribute %q of edge %d changed concurrently", name, id)
		}
	}
	return nil
}

// checkSequences validates every explicit move. The moved element and the
// neighbours it expects must still exist, its own links must be unchanged,
// and a neighbour's facing link may only have changed to agree with the
// move. Sequence boundaries have no neighbour to check.
func (t *Transaction) checkSequences() *mvcc.Conflict {
	start := t.tx.StartVersion()

	for _, id := range t.cs.movedVertices {
		if t.cs.vertexDeleted(id) {
			continue
		}
		rec := t.vrec(id)
		if !t.cs.vertexAdded(id) {
			if !t.vertexAlive(id) {
				return conflict(CheckSequence, "moved vertex %d was deleted concurrently", id)
			}
			if changedSince(start, rec.prev, rec.next) {
				return conflict(CheckSequence, "position of vertex %d changed concurrently", id)
			}
		}
		if p := rec.prev.Get(t.tx); p != 0 {
			if !t.vertexAlive(p) {
				return conflict(CheckSequence, "vertex %d: predecessor %d no longer exists", id, p)
			}
			if facingConflict(t.tx, t.vrec(p).next, id, t.latestVertexLink(posPrev)) {
				return conflict(CheckSequence, "vertex %d: slot after %d was claimed concurrently", id, p)
			}
		}
		if n := rec.next.Get(t.tx); n != 0 {
			if !t.vertexAlive(n) {
				return conflict(CheckSequence, "vertex %d: successor %d no longer exists", id, n)
			}
			if facingConflict(t.tx, t.vrec(n).prev, id, t.latestVertexLink(posNext)) {
				return conflict(CheckSequence, "vertex %d: slot before %d was claimed concurrently", id, n)
			}
		}
	}

	for _, id := range t.cs.movedEdges {
		if t.cs.edgeDeleted(id) {
			continue
		}
		rec := t.erec(id)
		if !t.cs.edgeAdded(id) {
			if !t.edgeAlive(id) {
				return conflict(CheckSequence, "moved edge %d was deleted concurrently", id)
			}
			if changedSince(start, rec.prev, rec.next) {
				return conflict(CheckSequence, "position of edge %d changed concurrently", id)
			}
		}
		if p := rec.prev.Get(t.tx); p != 0 {
			if !t.edgeAlive(p) {
				return conflict(CheckSequence, "edge %d: predecessor %d no longer exists", id, p)
			}
			if facingConflict(t.tx, t.erec(p).next, id, t.latestEdgeLink(posPrev)) {
				return conflict(CheckSequence, "edge %d: slot after %d was claimed concurrently", id, p)
			}
		}
		if n := rec.next.Get(t.tx); n != 0 {
			if !t.edgeAlive(n) {
				return conflict(CheckSequence, "edge %d: successor %d no longer exists", id, n)
			}
			if facingConflict(t.tx, t.erec(n).prev, id, t.latestEdgeLink(posNext)) {
				return conflict(CheckSequence, "edge %d: slot before %d was claimed concurrently", id, n)
			}
		}
	}

	for _, inc := range t.cs.movedIncidences {
		if t.cs.edgeDeleted(inc.Edge) {
			continue
		}
		rec := t.erec(inc.Edge)
		prev, next := rec.incPrev(inc.Dir), rec.incNext(inc.Dir)
		if !t.cs.edgeAdded(inc.Edge) {
			if !t.edgeAlive(inc.Edge) {
				return conflict(CheckSequence, "moved incidence %s was deleted concurrently", inc)
			}
			if changedSince(start, prev, next) {
				return conflict(CheckSequence, "position of incidence %s changed concurrently", inc)
			}
		}
		if p := prev.Get(t.tx); !p.IsZero() {
			if !t.edgeAlive(p.Edge) {
				return conflict(CheckSequence, "incidence %s: predecessor %s no longer exists", inc, p)
			}
			if facingConflict(t.tx, t.erec(p.Edge).incNext(p.Dir), inc, t.latestIncidenceLink(posPrev)) {
				return conflict(CheckSequence, "incidence %s: slot after %s was claimed concurrently", inc, p)
			}
		}
		if n := next.Get(t.tx); !n.IsZero() {
			if !t.edgeAlive(n.Edge) {
				return conflict(CheckSequence, "incidence %s: successor %s no longer exists", inc, n)
			}
			if facingConflict(t.tx, t.erec(n.Edge).incPrev(n.Dir), inc, t.latestIncidenceLink(posNext)) {
				return conflict(CheckSequence, "incidence %s: slot before %s was claimed concurrently", inc, n)
			}
		}
	}
	return nil
}

// checkEndpoints: a reassigned end must not have been reassigned by anyone
// else, and the new vertex must still exist.
func (t *Transaction) checkEndpoints() *mvcc.Conflict {
	start := t.tx.StartVersion()
	for _, id := range slices.Sorted(maps.Keys(t.cs.endpoints)) {
		if t.cs.edgeAdded(id) || t.cs.edgeDeleted(id) {
			continue
		}
		rec := t.erec(id)
		if !t.edgeAlive(id) {
			return conflict(CheckEndpoint, "edge %d was deleted concurrently", id)
		}
		for _, which := range slices.Sorted(maps.Keys(t.cs.endpoints[id])) {
			cell := rec.end(which)
			if cell.ChangedSince(start) {
				return conflict(CheckEndpoint, "%s of edge %d changed concurrently", which, id)
			}
			if v := cell.Get(t.tx); !t.vertexAlive(v) {
				return conflict(CheckEndpoint, "new %s vertex %d of edge %d no longer exists", which, v, id)
			}
		}
	}
	return nil
}

// checkAttributes: a changed attribute conflicts if a newer persistent value
// differs from the pending one, or if its owner was deleted concurrently.
// Value cells written without going through SetAttribute are swept by the
// transaction manager afterwards.
func (t *Transaction) checkAttributes() *mvcc.Conflict {
	for _, el := range sortedElements(t.cs.attributes) {
		var set *attributeSet
		switch el.Kind {
		case GraphKind:
			set = &t.graph.rec.attrs
		case VertexKind:
			id := VertexID(el.ID)
			if t.cs.vertexDeleted(id) {
				continue
			}
			if !t.vertexAlive(id) {
				return conflict(CheckAttribute, "owner %v of changed attributes was deleted concurrently", el)
			}
			set = &t.vrec(id).attrs
		case EdgeKind:
			id := EdgeID(el.ID)
			if t.cs.edgeDeleted(id) {
				continue
			}
			if !t.edgeAlive(id) {
				return conflict(CheckAttribute, "owner %v of changed attributes was deleted concurrently", el)
			}
			set = &t.erec(id).attrs
		}

		for _, name := range slices.Sorted(maps.Keys(t.cs.attributes[el])) {
			c, ok := set.lookup(name)
			if ok && c.InConflict(t.tx) {
				return conflict(CheckAttribute, "attribute %q of %v changed concurrently", name, el)
			}
		}
	}
	return nil
}

func sortedElements[V any](m map[Element]V) []Element {
	out := slices.Collect(maps.Keys(m))
	slices.SortFunc(out, func(a, b Element) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
