package mvcc

import (
	"fmt"
	"reflect"
	"sync"
)

// Versioned is the type-erased view of a Cell. Transactions keep the cells
// they hold temporary values in as Versioned so that commit, abort and
// savepoint handling can walk them without knowing the value type.
type Versioned interface {
	// LatestVersion returns the version of the newest persistent value, or 0
	// if the cell was never committed.
	LatestVersion() Version

	// ChangedSince reports whether a persistent value newer than v exists.
	ChangedSince(v Version) bool

	// Structural reports whether the cell stores derived graph structure
	// (links, counters, backing arrays) that the writing phase recomputes,
	// as opposed to a plain value that is promoted as-is.
	Structural() bool

	// InConflict reports whether a concurrently committed value differs
	// from tx's temporary value.
	InConflict(tx *Tx) bool

	// Commit promotes tx's temporary value. Writing phase only.
	Commit(tx *Tx)

	// Discard drops tx's temporary value.
	Discard(tx *Tx)

	toMultiTemporary(tx *Tx)
	collapseTemporary(tx *Tx)
	pruneTemporary(tx *Tx, after Version) bool
}

type reclaimable interface {
	reclaim(low Version) (dropped int, multi bool)
}

// Cell is a versioned storage cell.
//
// Persistent values are keyed by the graph-wide commit version that created
// them. A transaction reads the newest persistent value not newer than its
// start version until it writes the cell; the first write creates a temporary
// value private to that transaction. During the writing phase of a commit the
// cell reads and writes its latest persistent value instead.
//
// Both sides use the single/multi slot representation: the persistent side
// becomes multi-versioned only while an older version is still visible to a
// running transaction, the temporary side only while the owning transaction
// has savepoints.
//
// Thread Safety:
//
//	All methods are safe for concurrent use by different transactions. A
//	single transaction must not be driven from two goroutines at once.
type Cell[T any] struct {
	mu         sync.Mutex
	persistent slot[T]
	temporary  map[uint64]*slot[T]

	// explicitAt is the newest commit version that wrote the cell explicitly.
	explicitAt Version

	clone      func(T) T
	equal      func(a, b T) bool
	structural bool
}

// NewCell returns a cell without any persistent value. Cells belonging to
// elements created inside a transaction start out this way.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{}
}

// NewPersistentCell returns a cell whose persistent value at version v is value.
func NewPersistentCell[T any](v Version, value T) *Cell[T] {
	c := &Cell[T]{}
	c.persistent.put(v, value)
	return c
}

// WithClone sets the function used to copy a value when a temporary value is
// created or a shared persistent value is copied on write. Values that alias
// memory (slices, maps) need one. Must be called before the cell is shared.
func (c *Cell[T]) WithClone(fn func(T) T) *Cell[T] {
	c.clone = fn
	return c
}

// WithEqual sets the equality used by conflict detection. The default is
// reflect.DeepEqual.
func (c *Cell[T]) WithEqual(fn func(a, b T) bool) *Cell[T] {
	c.equal = fn
	return c
}

// AsStructural marks the cell as holding derived structure.
func (c *Cell[T]) AsStructural() *Cell[T] {
	c.structural = true
	return c
}

func (c *Cell[T]) Structural() bool {
	return c.structural
}

// Get returns the value valid for tx: the latest persistent value while tx is
// writing, otherwise tx's temporary value or, without one, the persistent
// value tx saw at BOT.
func (c *Cell[T]) Get(tx *Tx) T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := tx.State(); st == Writing || st == Committing {
		e, _ := c.persistent.latest()
		return e.value
	}
	return c.visibleLocked(tx)
}

// Visible returns tx's own view of the cell regardless of its state.
func (c *Cell[T]) Visible(tx *Tx) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibleLocked(tx)
}

// Base returns the persistent value tx saw at BOT, ignoring its own writes.
func (c *Cell[T]) Base(tx *Tx) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, _ := c.persistent.at(tx.startVersion)
	return e.value
}

func (c *Cell[T]) visibleLocked(tx *Tx) T {
	if t, ok := c.temporary[tx.id]; ok {
		if e, ok := t.latest(); ok {
			return e.value
		}
	}
	e, _ := c.persistent.at(tx.startVersion)
	return e.value
}

// Latest returns the newest persistent value and its version.
func (c *Cell[T]) Latest() (T, Version, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.persistent.latest()
	return e.value, e.version, ok
}

func (c *Cell[T]) LatestVersion() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, _ := c.persistent.latest()
	return e.version
}

func (c *Cell[T]) ChangedSince(v Version) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.persistent.latest()
	return ok && e.version > v
}

// ExplicitSince reports whether a commit newer than v wrote the cell
// explicitly. Writes made only to keep derived structure consistent, such as
// relinking the neighbours of an appended element, do not count.
func (c *Cell[T]) ExplicitSince(v Version) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.explicitAt > v
}

// VersionCount returns the number of retained persistent versions.
func (c *Cell[T]) VersionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistent.len()
}

// HasTemporary reports whether tx holds a temporary value in the cell.
func (c *Cell[T]) HasTemporary(tx *Tx) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.temporary[tx.id]
	return ok
}

// CreateTemporary copies the value tx sees into a new temporary value owned by
// tx. It is a no-op if tx already has one.
func (c *Cell[T]) CreateTemporary(tx *Tx) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.own(c, false)

	c.mu.Lock()
	c.temporaryLocked(tx)
	c.mu.Unlock()
	return nil
}

// Set writes value for tx. While tx is running the value goes to tx's
// temporary value; while it is writing, the value becomes persistent at the
// commit version. explicit marks a write requested by the caller, as opposed
// to one made only to keep derived structure consistent.
func (c *Cell[T]) Set(tx *Tx, value T, explicit bool) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	switch st := tx.State(); st {
	case Writing:
		c.promote(tx, value, explicit)
		return nil
	case Running:
	default:
		return fmt.Errorf("%w: %s", ErrNotRunning, st)
	}

	tx.own(c, explicit)

	c.mu.Lock()
	t := c.temporaryLocked(tx)
	if tx.hasSavepoints() {
		t.put(tx.localVersion(), value)
	} else {
		t.setSingle(value)
	}
	c.mu.Unlock()
	return nil
}

func (c *Cell[T]) temporaryLocked(tx *Tx) *slot[T] {
	if t, ok := c.temporary[tx.id]; ok {
		return t
	}

	base, _ := c.persistent.at(tx.startVersion)
	v := base.value
	if c.clone != nil {
		v = c.clone(v)
	}

	t := &slot[T]{}
	if tx.hasSavepoints() {
		t.put(tx.localVersion(), v)
	} else {
		t.setSingle(v)
	}

	if c.temporary == nil {
		c.temporary = make(map[uint64]*slot[T])
	}
	c.temporary[tx.id] = t
	return t
}

// promote makes value persistent at tx's commit version. The latest persistent
// value is overwritten in place when it already belongs to this commit or no
// other active transaction started at or after it; otherwise a new version is
// appended so those transactions keep their snapshot.
func (c *Cell[T]) promote(tx *Tx, value T, explicit bool) {
	c.mu.Lock()
	cv := tx.commitVersion
	if explicit {
		c.explicitAt = cv
	}
	latest, ok := c.persistent.latest()
	switch {
	case !ok || latest.version == cv:
		c.persistent.put(cv, value)
	case !tx.manager.Referenced(latest.version, tx):
		c.persistent.replaceLatest(cv, value)
	default:
		c.persistent.put(cv, value)
	}
	multi := c.persistent.kind == slotMulti
	c.mu.Unlock()

	if multi {
		tx.manager.trackMulti(c)
	}
}

// CopyOnWrite returns the latest persistent value for in-place modification
// by the writing transaction. If another active transaction can still see that
// value, it is cloned into a new version first.
func (c *Cell[T]) CopyOnWrite(tx *Tx) (T, error) {
	if st := tx.State(); st != Writing {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNotRunning, st)
	}

	c.mu.Lock()
	cv := tx.commitVersion
	latest, ok := c.persistent.latest()
	v := latest.value
	switch {
	case ok && latest.version == cv:
	case ok && !tx.manager.Referenced(latest.version, tx):
		c.persistent.replaceLatest(cv, v)
	default:
		if c.clone != nil {
			v = c.clone(v)
		}
		c.persistent.put(cv, v)
	}
	multi := c.persistent.kind == slotMulti
	c.mu.Unlock()

	if multi {
		tx.manager.trackMulti(c)
	}
	return v, nil
}

// InConflict reports whether a value committed after tx started differs from
// tx's temporary value. Cells tx never wrote are never in conflict.
func (c *Cell[T]) InConflict(tx *Tx) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.temporary[tx.id]
	if !ok {
		return false
	}
	mine, ok := t.latest()
	if !ok {
		return false
	}
	latest, ok := c.persistent.latest()
	if !ok || latest.version <= tx.startVersion {
		return false
	}
	return !c.equalValues(latest.value, mine.value)
}

func (c *Cell[T]) equalValues(a, b T) bool {
	if c.equal != nil {
		return c.equal(a, b)
	}
	return reflect.DeepEqual(a, b)
}

func (c *Cell[T]) Commit(tx *Tx) {
	c.mu.Lock()
	var v T
	t, ok := c.temporary[tx.id]
	if ok {
		var e entry[T]
		e, ok = t.latest()
		v = e.value
	}
	c.mu.Unlock()

	if ok {
		c.promote(tx, v, tx.IsExplicit(c))
	}
}

func (c *Cell[T]) Discard(tx *Tx) {
	c.mu.Lock()
	delete(c.temporary, tx.id)
	c.mu.Unlock()
}

func (c *Cell[T]) toMultiTemporary(tx *Tx) {
	c.mu.Lock()
	if t, ok := c.temporary[tx.id]; ok {
		t.toMulti()
	}
	c.mu.Unlock()
}

func (c *Cell[T]) collapseTemporary(tx *Tx) {
	c.mu.Lock()
	if t, ok := c.temporary[tx.id]; ok {
		t.collapse()
	}
	c.mu.Unlock()
}

func (c *Cell[T]) pruneTemporary(tx *Tx, after Version) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.temporary[tx.id]
	if !ok {
		return false
	}
	if !t.truncateAfter(after) {
		delete(c.temporary, tx.id)
		return false
	}
	return true
}

// Reclaim drops persistent versions no transaction starting at or after low
// can see and returns how many were dropped.
func (c *Cell[T]) Reclaim(low Version) int {
	n, _ := c.reclaim(low)
	return n
}

func (c *Cell[T]) reclaim(low Version) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.persistent.dropBefore(low)
	return n, c.persistent.kind == slotMulti
}
