package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-power/internal/actuator"
	"github.com/nerrad567/gray-logic-power/internal/device"
)

// Defaults applied to zero Options.
const (
	DefaultCheckPeriod      = 30 * time.Second
	DefaultProbeConcurrency = 4
)

// Store is the durable record store the engine reads and writes.
// *device.Registry implements it.
type Store interface {
	Get(ctx context.Context, id string) (*device.Record, error)
	Put(ctx context.Context, rec *device.Record) error
	Identities(ctx context.Context) []string
}

// Opener establishes hardware sessions. *actuator.Dispatcher implements it.
type Opener interface {
	Open(ctx context.Context, rec *device.Record) (actuator.Session, error)
}

// Observer is told about every committed change of a record's power state.
// Observers run synchronously while the system is locked, in the order the
// changes were committed. Errors are logged and otherwise ignored.
type Observer interface {
	PowerChanged(ctx context.Context, change device.PowerChange) error
}

// Recorder receives engine telemetry. The metrics package implements it.
type Recorder interface {
	// ObserveRead is called for every refresh; probed is false when the
	// cached state was fresh enough to serve.
	ObserveRead(probed bool)
	ObservePendingCommit(target device.PowerState)
	ObserveCommandFailure(backend device.Backend)
}

type noopRecorder struct{}

func (noopRecorder) ObserveRead(bool)                      {}
func (noopRecorder) ObservePendingCommit(device.PowerState) {}
func (noopRecorder) ObserveCommandFailure(device.Backend)   {}

// Logger is the logging interface used by the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options tunes an Engine. Zero values take defaults.
type Options struct {
	// CheckPeriod is how old a cached power state may get before a read
	// probes the hardware.
	CheckPeriod time.Duration

	// ApplyDelay is added to the current time to form a pending
	// transition's deadline. Zero resolves it on the next read.
	ApplyDelay time.Duration

	// OperationTimeout bounds each engine call, retries included. Zero
	// leaves the caller's deadline alone.
	OperationTimeout time.Duration

	// ProbeConcurrency bounds parallel probes during Initialize.
	ProbeConcurrency int

	Logger   Logger
	Recorder Recorder

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Engine serialises power-state reads and writes per system and keeps the
// store in line with hardware.
//
// Thread Safety: all methods are safe for concurrent use.
type Engine struct {
	store     Store
	actuators Opener
	opts      Options
	locks     *keyedMutex

	obsMu     sync.RWMutex
	observers []Observer
}

// NewEngine creates an engine over store, opening hardware sessions with
// actuators.
func NewEngine(store Store, actuators Opener, opts Options) *Engine {
	if opts.CheckPeriod <= 0 {
		opts.CheckPeriod = DefaultCheckPeriod
	}
	if opts.ApplyDelay < 0 {
		opts.ApplyDelay = 0
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = DefaultProbeConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:     store,
		actuators: actuators,
		opts:      opts,
		locks:     newKeyedMutex(),
	}
}

// AddObserver registers o for power-state changes.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	e.observers = append(e.observers, o)
	e.obsMu.Unlock()
}

// PowerState returns the power state of system id, reconciling first.
//
// This is a read with possible implicit reconciliation: a due pending
// transition is committed, and a cached state older than the check period
// is replaced by a hardware probe. Anything that changed is persisted
// before PowerState returns.
func (e *Engine) PowerState(ctx context.Context, id string) (device.PowerState, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	unlock := e.locks.lock(id)
	defer unlock()

	o, err := e.begin(ctx, id)
	if err != nil {
		return "", err
	}
	defer o.close()

	err = o.refresh(ctx)
	if cerr := o.commit(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	return o.rec.PowerState, nil
}

// SetPowerState drives system id towards the state named by requested.
//
// Unsupported requests fail with device.ErrNotSupported before anything is
// read or written. Restart requests power-cycle the hardware first and
// then target On. If the reconciled state already matches the target
// nothing further happens. Otherwise a pending transition is persisted and
// the on/off command is issued.
//
// When the command fails the pending transition is discarded and the
// record is marked unchecked, so the next read probes the hardware. The
// actuation error is returned wrapped in actuator.ErrActuationFailed.
func (e *Engine) SetPowerState(ctx context.Context, id, requested string) error {
	req, err := MapRequest(requested)
	if err != nil {
		return err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	unlock := e.locks.lock(id)
	defer unlock()

	o, err := e.begin(ctx, id)
	if err != nil {
		return err
	}
	defer o.close()

	if req.Cycle {
		s, err := o.session(ctx)
		if err != nil {
			return o.fail(ctx, err)
		}
		e.opts.Logger.Info("power cycling system", "id", id, "requested", requested)
		if err := s.PowerCycle(ctx); err != nil {
			return o.fail(ctx, err)
		}
	}

	if err := o.refresh(ctx); err != nil {
		if cerr := o.commit(ctx); cerr != nil {
			e.opts.Logger.Error("persisting system after failed refresh", "id", id, "error", cerr)
		}
		return err
	}

	if o.rec.PowerState == req.Target {
		e.opts.Logger.Debug("power state already matches", "id", id, "state", req.Target)
		return o.commit(ctx)
	}

	o.rec.Pending = &device.PendingTransition{
		Target:  req.Target,
		ApplyAt: e.opts.Now().Add(e.opts.ApplyDelay),
	}
	o.dirty = true
	if err := o.commit(ctx); err != nil {
		return err
	}

	s, err := o.session(ctx)
	if err != nil {
		return o.fail(ctx, err)
	}
	if req.Target == device.PowerOn {
		err = s.PowerOn(ctx)
	} else {
		err = s.PowerOff(ctx)
	}
	if err != nil {
		return o.fail(ctx, err)
	}

	e.opts.Logger.Info("power command accepted", "id", id, "requested", requested, "target", req.Target)
	return nil
}

// Initialize probes every system that has never been checked, or only
// the given ids when any are passed. Probes run in parallel up to
// ProbeConcurrency. A failed probe is logged and leaves the record
// unchecked so that its first read probes again. Initialize only returns
// an error if ctx ends first.
func (e *Engine) Initialize(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		ids = e.store.Identities(ctx)
	}

	g := new(errgroup.Group)
	g.SetLimit(e.opts.ProbeConcurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := e.probeUnchecked(ctx, id); err != nil {
				e.opts.Logger.Warn("initial probe failed", "id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (e *Engine) probeUnchecked(ctx context.Context, id string) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	unlock := e.locks.lock(id)
	defer unlock()

	o, err := e.begin(ctx, id)
	if err != nil {
		return err
	}
	defer o.close()

	if o.rec.LastCheckedAt != nil {
		return nil
	}
	err = o.probe(ctx)
	if cerr := o.commit(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Inspect returns a copy of system id after committing a due pending
// transition. It never touches hardware.
func (e *Engine) Inspect(ctx context.Context, id string) (*device.Record, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	o, err := e.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	o.commitDue()
	if err := o.commit(ctx); err != nil {
		return nil, err
	}
	return o.rec.DeepCopy(), nil
}

// Update applies fn to system id and persists the result. fn may change
// passthrough attributes only; a change to identity, addressing or power
// fields is rejected with device.ErrInvalidRecord and nothing is written.
func (e *Engine) Update(ctx context.Context, id string, fn func(rec *device.Record) error) (*device.Record, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	o, err := e.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	o.commitDue()

	before := o.rec.DeepCopy()
	if err := fn(o.rec); err != nil {
		return nil, err
	}
	if err := checkManagedFields(before, o.rec); err != nil {
		return nil, err
	}
	o.dirty = true
	if err := o.commit(ctx); err != nil {
		return nil, err
	}
	return o.rec.DeepCopy(), nil
}

func checkManagedFields(before, after *device.Record) error {
	var field string
	switch {
	case before.ID != after.ID:
		field = "id"
	case before.Name != after.Name:
		field = "name"
	case before.Backend != after.Backend:
		field = "backend"
	case before.Address != after.Address, before.Credentials != after.Credentials:
		field = "address"
	case before.PowerState != after.PowerState:
		field = "power_state"
	case !samePending(before.Pending, after.Pending):
		field = "pending"
	case !sameTime(before.LastCheckedAt, after.LastCheckedAt):
		field = "last_checked_at"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s is managed by the engine", device.ErrInvalidRecord, field)
}

func samePending(a, b *device.PendingTransition) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Target == b.Target && a.ApplyAt.Equal(b.ApplyAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.OperationTimeout > 0 {
		return context.WithTimeout(ctx, e.opts.OperationTimeout)
	}
	return ctx, func() {}
}

func (e *Engine) begin(ctx context.Context, id string) (*operation, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &operation{e: e, rec: rec}, nil
}

func (e *Engine) notify(ctx context.Context, changes []device.PowerChange) {
	e.obsMu.RLock()
	observers := e.observers
	e.obsMu.RUnlock()

	for _, c := range changes {
		for _, o := range observers {
			if err := o.PowerChanged(ctx, c); err != nil {
				e.opts.Logger.Warn("power change observer failed",
					"id", c.SystemID, "source", c.Source, "error", err)
			}
		}
	}
}

// operation is the working state of one engine call on one locked system.
// The hardware session is opened on first use and closed by close.
type operation struct {
	e       *Engine
	rec     *device.Record
	sess    actuator.Session
	dirty   bool
	changes []device.PowerChange
}

func (o *operation) session(ctx context.Context) (actuator.Session, error) {
	if o.sess != nil {
		return o.sess, nil
	}
	s, err := o.e.actuators.Open(ctx, o.rec)
	if err != nil {
		return nil, err
	}
	o.sess = s
	return s, nil
}

func (o *operation) close() {
	if o.sess == nil {
		return
	}
	if err := o.sess.Close(); err != nil {
		o.e.opts.Logger.Debug("closing hardware session", "id", o.rec.ID, "error", err)
	}
	o.sess = nil
}

// setState records a change of the committed power state.
func (o *operation) setState(to device.PowerState, source device.ChangeSource) {
	from := o.rec.PowerState
	o.rec.PowerState = to
	o.dirty = true
	if from == to {
		return
	}
	o.changes = append(o.changes, device.PowerChange{
		SystemID: o.rec.ID,
		Name:     o.rec.Name,
		From:     from,
		To:       to,
		Source:   source,
		At:       o.e.opts.Now(),
	})
}

// commitDue resolves a pending transition whose deadline has passed.
func (o *operation) commitDue() {
	if !o.rec.Pending.Due(o.e.opts.Now()) {
		return
	}
	target := o.rec.Pending.Target
	o.rec.Pending = nil
	o.setState(target, device.SourcePending)
	o.e.opts.Recorder.ObservePendingCommit(target)
}

// refresh commits a due pending transition and probes the hardware if the
// cached state is stale.
func (o *operation) refresh(ctx context.Context) error {
	o.commitDue()

	if !o.rec.Stale(o.e.opts.Now(), o.e.opts.CheckPeriod) {
		o.e.opts.Recorder.ObserveRead(false)
		return nil
	}
	o.e.opts.Recorder.ObserveRead(true)
	return o.probe(ctx)
}

func (o *operation) probe(ctx context.Context) error {
	s, err := o.session(ctx)
	if err != nil {
		return err
	}
	state, err := s.PowerState(ctx)
	if err != nil {
		return err
	}

	o.setState(state, device.SourceProbe)
	checked := o.e.opts.Now()
	o.rec.LastCheckedAt = &checked
	return nil
}

// commit persists the record if it changed and then notifies observers.
func (o *operation) commit(ctx context.Context) error {
	if !o.dirty {
		return nil
	}
	if err := o.e.store.Put(ctx, o.rec); err != nil {
		return fmt.Errorf("persisting system %s: %w", o.rec.ID, err)
	}
	o.dirty = false

	changes := o.changes
	o.changes = nil
	o.e.notify(ctx, changes)
	return nil
}

// fail undoes the optimistic part of a power command after err: the
// pending transition is dropped and the record marked unchecked. The
// record is persisted even if ctx has already ended.
func (o *operation) fail(ctx context.Context, err error) error {
	o.e.opts.Recorder.ObserveCommandFailure(o.rec.Backend)
	o.e.opts.Logger.Error("power command failed", "id", o.rec.ID, "backend", o.rec.Backend, "error", err)

	o.rec.Pending = nil
	o.rec.LastCheckedAt = nil
	o.dirty = true
	o.changes = append(o.changes, device.PowerChange{
		SystemID: o.rec.ID,
		Name:     o.rec.Name,
		From:     o.rec.PowerState,
		To:       o.rec.PowerState,
		Source:   device.SourceCommandFailed,
		At:       o.e.opts.Now(),
	})

	if cerr := o.commit(context.WithoutCancel(ctx)); cerr != nil {
		o.e.opts.Logger.Error("persisting system after failed command", "id", o.rec.ID, "error", cerr)
	}
	return err
}
