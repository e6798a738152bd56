package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-power/internal/device"
)

var (
	// ErrActuationFailed wraps every hardware failure: a session that could
	// not be established, a query that failed, or a command whose retries
	// were exhausted.
	ErrActuationFailed = errors.New("actuator: actuation failed")

	// ErrUnknownBackend is returned by Dispatcher.Open for a record whose
	// backend has no registered implementation.
	ErrUnknownBackend = errors.New("actuator: unknown backend")
)

// Session is an authenticated channel to one system's hardware.
//
// PowerOn and PowerOff return once the device accepted the command; they
// do not confirm the resulting state. PowerState may return
// device.PowerUnknown for controllers that report something else.
type Session interface {
	PowerState(ctx context.Context) (device.PowerState, error)
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerCycle(ctx context.Context) error
	Close() error
}

// Backend establishes sessions for one kind of hardware.
type Backend interface {
	Open(ctx context.Context, rec *device.Record) (Session, error)
}

// Recorder receives per-call telemetry. The metrics package implements it.
type Recorder interface {
	ObserveCall(backend device.Backend, op string, took time.Duration, err error)
	ObserveRetry(backend device.Backend, op string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveCall(device.Backend, string, time.Duration, error) {}
func (noopRecorder) ObserveRetry(device.Backend, string)                      {}

// Logger is the subset of logging used by the backends.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Operation names used for telemetry and error messages.
const (
	OpOpen  = "open"
	OpQuery = "query"
	OpOn    = "on"
	OpOff   = "off"
	OpCycle = "cycle"
)

// Dispatcher routes a record to the backend matching its Backend field.
// It is the only place that switches on backend kind.
type Dispatcher struct {
	backends map[device.Backend]Backend
}

// NewDispatcher returns a dispatcher for the given plug and controller
// backends. Either may be nil, in which case records of that kind fail
// with ErrUnknownBackend.
func NewDispatcher(plug, controller Backend) *Dispatcher {
	d := &Dispatcher{backends: make(map[device.Backend]Backend, 2)}
	if plug != nil {
		d.backends[device.BackendPlug] = plug
	}
	if controller != nil {
		d.backends[device.BackendController] = controller
	}
	return d
}

// Open establishes a session for rec.
func (d *Dispatcher) Open(ctx context.Context, rec *device.Record) (Session, error) {
	b, ok := d.backends[rec.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q for %s", ErrUnknownBackend, rec.Backend, rec.ID)
	}
	return b.Open(ctx, rec)
}

// failed wraps err as an actuation failure for op on rec.
func failed(op string, rec *device.Record, err error) error {
	if errors.Is(err, ErrActuationFailed) {
		return err
	}
	return fmt.Errorf("%w: %s %s (%s): %w", ErrActuationFailed, op, rec.ID, rec.Address, err)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
