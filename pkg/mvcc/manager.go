package mvcc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Manager.
type Options struct {
	// Logger receives commit, abort and conflict events. Defaults to a
	// disabled logger.
	Logger *zerolog.Logger

	// Metrics, if set, is updated on every transaction transition.
	Metrics *Metrics

	// Tracer is used for commit spans. Defaults to the global otel tracer.
	Tracer trace.Tracer

	// ReclaimInterval runs version reclamation after every n-th commit.
	// Values below 1 mean every commit.
	ReclaimInterval int
}

// Manager coordinates the transactions of one graph.
//
// It owns the graph-wide persistent version counter, the list of active
// transactions ordered by start version (whose head is the low-water mark for
// reclamation), the owner->transaction bindings and three locks:
//
//   - BOT exclusion: shared by Bot, exclusive during the writing phase, so no
//     snapshot starts while versions are being written
//   - validation exclusion: shared by conflict probes, exclusive during the
//     writing phase, so probes never observe a half-written commit
//   - commit serialization: held by Commit from validation to the end of the
//     writing phase, so at most one transaction commits at a time
//
// Each graph owns exactly one Manager; there is no global registry.
type Manager struct {
	log     zerolog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	version atomic.Uint64
	nextID  atomic.Uint64

	regMu    sync.Mutex
	active   []*Tx
	bindings map[string]*Tx

	botLock        sync.RWMutex
	validationLock sync.RWMutex
	commitLock     sync.Mutex

	multiMu       sync.Mutex
	multi         map[reclaimable]struct{}
	reclaimHooks  []func(low Version)
	reclaimEvery  int
	sinceReclaim  int
	reclaimedVers atomic.Int64

	commits   atomic.Int64
	aborts    atomic.Int64
	conflicts atomic.Int64

	// failed is set once a writing phase panics. Persistent state is then
	// undefined and no further transaction may start or commit.
	failed atomic.Bool
}

// NewManager creates a manager at version 0 with no active transactions.
func NewManager(opts Options) *Manager {
	m := &Manager{
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		bindings:     make(map[string]*Tx),
		multi:        make(map[reclaimable]struct{}),
		reclaimEvery: opts.ReclaimInterval,
	}
	if opts.Logger != nil {
		m.log = *opts.Logger
	} else {
		m.log = zerolog.Nop()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("github.com/orneryd/tgraph/pkg/mvcc")
	}
	if m.reclaimEvery < 1 {
		m.reclaimEvery = 1
	}
	return m
}

// Version returns the current persistent version.
func (m *Manager) Version() Version {
	return Version(m.version.Load())
}

// NewTransaction creates a transaction in the NotRunning state. p may be nil
// for transactions that only use cells directly.
func (m *Manager) NewTransaction(p Participant, readOnly bool) *Tx {
	return &Tx{
		id:          m.nextID.Add(1),
		manager:     m,
		participant: p,
		readOnly:    readOnly,
		createdAt:   time.Now(),
	}
}

// Begin creates a transaction and starts it. If the manager has failed the
// transaction is returned unstarted and every operation on it errors.
func (m *Manager) Begin(p Participant, readOnly bool) *Tx {
	tx := m.NewTransaction(p, readOnly)
	_ = m.bot(tx)
	return tx
}

// Failed reports whether a writing phase panicked.
func (m *Manager) Failed() bool {
	return m.failed.Load()
}

func (m *Manager) bot(tx *Tx) error {
	m.botLock.RLock()
	defer m.botLock.RUnlock()

	if m.failed.Load() {
		return ErrManagerFailed
	}
	tx.startVersion = m.Version()
	tx.setState(Running)
	m.register(tx)

	m.log.Debug().Uint64("tx", tx.id).Uint64("start_version", uint64(tx.startVersion)).
		Bool("read_only", tx.readOnly).Msg("transaction started")
	return nil
}

// register inserts tx into the active list. Start versions only grow while
// BOT exclusion is held shared, so tx always belongs at the tail.
func (m *Manager) register(tx *Tx) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	if n := len(m.active); n > 0 && m.active[n-1].startVersion > tx.startVersion {
		panic(fmt.Sprintf("mvcc: transaction %d registered out of order: start version %d after %d",
			tx.id, tx.startVersion, m.active[n-1].startVersion))
	}
	m.active = append(m.active, tx)
	m.metrics.setActive(len(m.active))
}

func (m *Manager) deregister(tx *Tx) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	for i, t := range m.active {
		if t == tx {
			m.active = append(m.active[:i], m.active[i+1:]...)
			break
		}
	}
	for owner, t := range m.bindings {
		if t == tx {
			delete(m.bindings, owner)
		}
	}
	m.metrics.setActive(len(m.active))
}

// Active returns the active transactions ordered by start version.
func (m *Manager) Active() []*Tx {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	out := make([]*Tx, len(m.active))
	copy(out, m.active)
	return out
}

// Oldest returns the active transaction with the lowest start version.
func (m *Manager) Oldest() (*Tx, bool) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if len(m.active) == 0 {
		return nil, false
	}
	return m.active[0], true
}

// LowWaterMark is the oldest version any active transaction may read: the
// start version of the oldest transaction, or the current version if none is
// active.
func (m *Manager) LowWaterMark() Version {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if len(m.active) > 0 {
		return m.active[0].startVersion
	}
	return m.Version()
}

// Referenced reports whether an active transaction other than except started
// at or after v and therefore reads the persistent value created at v.
func (m *Manager) Referenced(v Version, except *Tx) bool {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	for i := len(m.active) - 1; i >= 0; i-- {
		t := m.active[i]
		if t.startVersion < v {
			return false
		}
		if t != except {
			return true
		}
	}
	return false
}

// =============================================================================
// Bindings
// =============================================================================

// Bind makes tx the current transaction of owner. A transaction previously
// bound to owner stays active but is no longer current.
func (m *Manager) Bind(owner string, tx *Tx) error {
	if tx != nil && tx.manager != m {
		return fmt.Errorf("mvcc: transaction %d belongs to another manager", tx.id)
	}

	m.regMu.Lock()
	defer m.regMu.Unlock()

	if tx == nil {
		delete(m.bindings, owner)
		return nil
	}
	if prev, ok := m.bindings[owner]; ok && prev != tx {
		m.log.Debug().Str("owner", owner).Uint64("tx", prev.id).Msg("transaction detached")
	}
	m.bindings[owner] = tx
	return nil
}

// Unbind removes owner's binding. The transaction stays active.
func (m *Manager) Unbind(owner string) {
	m.regMu.Lock()
	delete(m.bindings, owner)
	m.regMu.Unlock()
}

// Current returns the transaction bound to owner.
func (m *Manager) Current(owner string) (*Tx, bool) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	tx, ok := m.bindings[owner]
	return tx, ok
}

// =============================================================================
// Commit / abort
// =============================================================================

func (m *Manager) commit(ctx context.Context, tx *Tx) error {
	ctx, span := m.tracer.Start(ctx, "mvcc.Manager.Commit",
		trace.WithAttributes(
			attribute.Int64("tx.id", int64(tx.id)),
			attribute.Int64("tx.start_version", int64(tx.startVersion)),
			attribute.Bool("tx.read_only", tx.readOnly),
		),
	)
	defer span.End()

	if tx.readOnly {
		tx.setState(Committing)
		m.deregister(tx)
		tx.setState(Committed)
		m.commits.Add(1)
		m.metrics.committed(0)
		span.SetStatus(codes.Ok, "read-only")
		return nil
	}

	started := time.Now()

	m.commitLock.Lock()
	defer m.commitLock.Unlock()

	if m.failed.Load() {
		span.SetStatus(codes.Error, "manager failed")
		return ErrManagerFailed
	}

	if c := m.validate(ctx, tx); c != nil {
		m.conflicts.Add(1)
		m.metrics.conflict(c.Check)
		m.log.Info().Uint64("tx", tx.id).Str("check", c.Check).Str("reason", c.Reason).
			Msg("commit rejected")
		span.SetStatus(codes.Error, "conflict")
		span.SetAttributes(attribute.String("conflict.check", c.Check))
		m.abort(tx)
		return &ConflictError{TxID: tx.id, Check: c.Check, Reason: c.Reason}
	}

	m.writePhase(ctx, tx)

	m.sinceReclaim++
	if m.sinceReclaim >= m.reclaimEvery {
		m.sinceReclaim = 0
		m.reclaimLocked()
	}

	tx.setState(Committed)
	m.commits.Add(1)
	m.metrics.committed(time.Since(started))
	m.log.Debug().Uint64("tx", tx.id).Uint64("commit_version", uint64(tx.commitVersion)).
		Dur("elapsed", time.Since(tx.createdAt)).Msg("transaction committed")
	span.SetAttributes(attribute.Int64("tx.commit_version", int64(tx.commitVersion)))
	span.SetStatus(codes.Ok, "")
	return nil
}

// validate runs the participant's conflict detection, followed by a sweep
// of every value cell tx wrote, if anything was committed since tx started.
func (m *Manager) validate(ctx context.Context, tx *Tx) *Conflict {
	if m.Version() == tx.startVersion {
		return nil
	}

	_, span := m.tracer.Start(ctx, "mvcc.Manager.validate")
	defer span.End()

	tx.setState(Validating)
	defer tx.setState(Running)

	if tx.participant != nil {
		if c := tx.participant.Validate(tx); c != nil {
			return c
		}
	}
	for _, c := range tx.Owned() {
		if !c.Structural() && c.InConflict(tx) {
			return &Conflict{
				Check:  "attribute",
				Reason: fmt.Sprintf("value committed at version %d differs from pending value", c.LatestVersion()),
			}
		}
	}
	return nil
}

// writePhase holds BOT and validation exclusion while tx's changes become
// persistent under its commit version.
func (m *Manager) writePhase(ctx context.Context, tx *Tx) {
	m.botLock.Lock()
	defer m.botLock.Unlock()
	m.validationLock.Lock()
	defer m.validationLock.Unlock()

	tx.commitVersion = m.Version() + 1
	tx.setState(Writing)
	m.write(ctx, tx)
	m.version.Store(uint64(tx.commitVersion))

	tx.setState(Committing)
	tx.discardAll()
	m.deregister(tx)
}

func (m *Manager) probe(ctx context.Context, tx *Tx) *Conflict {
	m.validationLock.RLock()
	defer m.validationLock.RUnlock()
	return m.validate(ctx, tx)
}

// write runs the participant's writer. A failure here leaves persistent state
// partially written and cannot be undone: the manager is marked failed and
// the panic is re-raised.
func (m *Manager) write(ctx context.Context, tx *Tx) {
	_, span := m.tracer.Start(ctx, "mvcc.Manager.write",
		trace.WithAttributes(attribute.Int64("tx.commit_version", int64(tx.commitVersion))))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			m.failed.Store(true)
			m.log.Error().Uint64("tx", tx.id).Uint64("commit_version", uint64(tx.commitVersion)).
				Interface("panic", r).Msg("writing phase failed; graph state is undefined")
			span.SetStatus(codes.Error, "writing phase failed")
			panic(r)
		}
	}()

	if tx.participant != nil {
		tx.participant.Write(tx)
	}
	for _, c := range tx.Owned() {
		if !c.Structural() {
			c.Commit(tx)
		}
	}
}

func (m *Manager) abort(tx *Tx) {
	tx.setState(Aborting)
	if tx.participant != nil {
		tx.participant.Aborted(tx)
	}
	tx.discardAll()
	m.deregister(tx)
	tx.setState(Aborted)

	m.aborts.Add(1)
	m.metrics.aborted()
	m.log.Debug().Uint64("tx", tx.id).Msg("transaction aborted")
}

// =============================================================================
// Reclamation
// =============================================================================

// OnReclaim registers fn to run after every reclamation pass with the
// low-water mark used.
func (m *Manager) OnReclaim(fn func(low Version)) {
	m.multiMu.Lock()
	defer m.multiMu.Unlock()
	m.reclaimHooks = append(m.reclaimHooks, fn)
}

func (m *Manager) trackMulti(c reclaimable) {
	m.multiMu.Lock()
	m.multi[c] = struct{}{}
	m.multiMu.Unlock()
}

// Reclaim drops every persistent version that no active transaction can read
// and returns the number of versions dropped.
func (m *Manager) Reclaim() int {
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	return m.reclaimLocked()
}

func (m *Manager) reclaimLocked() int {
	low := m.LowWaterMark()

	m.multiMu.Lock()
	cells := make([]reclaimable, 0, len(m.multi))
	for c := range m.multi {
		cells = append(cells, c)
	}
	hooks := m.reclaimHooks
	m.multiMu.Unlock()

	dropped := 0
	var settled []reclaimable
	for _, c := range cells {
		n, multi := c.reclaim(low)
		dropped += n
		if !multi {
			settled = append(settled, c)
		}
	}

	m.multiMu.Lock()
	for _, c := range settled {
		delete(m.multi, c)
	}
	m.multiMu.Unlock()

	for _, fn := range hooks {
		fn(low)
	}

	if dropped > 0 {
		m.reclaimedVers.Add(int64(dropped))
		m.metrics.reclaimed(dropped)
		m.log.Debug().Int("versions", dropped).Uint64("low_water_mark", uint64(low)).Msg("versions reclaimed")
	}
	return dropped
}

// =============================================================================
// Stats
// =============================================================================

// Stats is a point-in-time summary of a manager.
type Stats struct {
	Version           Version
	Active            int
	Commits           int64
	Aborts            int64
	Conflicts         int64
	ReclaimedVersions int64
	MultiVersionCells int
}

func (m *Manager) Stats() Stats {
	m.regMu.Lock()
	active := len(m.active)
	m.regMu.Unlock()

	m.multiMu.Lock()
	multi := len(m.multi)
	m.multiMu.Unlock()

	return Stats{
		Version:           m.Version(),
		Active:            active,
		Commits:           m.commits.Load(),
		Aborts:            m.aborts.Load(),
		Conflicts:         m.conflicts.Load(),
		ReclaimedVersions: m.reclaimedVers.Load(),
		MultiVersionCells: multi,
	}
}
