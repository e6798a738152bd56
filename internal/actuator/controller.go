package actuator

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-power/internal/device"
)

// ControllerClient is the command set of an out-of-band management
// controller, already connected and authenticated.
type ControllerClient interface {
	// PowerStatus reports On, Off or Unknown.
	PowerStatus(ctx context.Context) (device.PowerState, error)
	SetPower(ctx context.Context, on bool) error
	Reset(ctx context.Context) error
	Close() error
}

// ControllerDialer connects and authenticates to rec's controller.
type ControllerDialer func(ctx context.Context, rec *device.Record) (ControllerClient, error)

// ControllerBackend opens sessions to management controllers. Session
// setup is a single attempt; any retrying happens at the transport layer.
type ControllerBackend struct {
	dial     ControllerDialer
	recorder Recorder
}

// NewControllerBackend returns a backend using dial. recorder may be nil.
func NewControllerBackend(dial ControllerDialer, recorder Recorder) *ControllerBackend {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &ControllerBackend{dial: dial, recorder: recorder}
}

// Open connects to the controller.
func (b *ControllerBackend) Open(ctx context.Context, rec *device.Record) (Session, error) {
	if b.dial == nil {
		return nil, fmt.Errorf("%w: no controller dialer configured", ErrUnknownBackend)
	}

	start := time.Now()
	client, err := b.dial(ctx, rec)
	b.recorder.ObserveCall(device.BackendController, OpOpen, time.Since(start), err)
	if err != nil {
		return nil, failed(OpOpen, rec, err)
	}
	return &controllerSession{rec: rec.DeepCopy(), client: client, recorder: b.recorder}, nil
}

type controllerSession struct {
	rec      *device.Record
	client   ControllerClient
	recorder Recorder
}

func (s *controllerSession) call(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.recorder.ObserveCall(device.BackendController, op, time.Since(start), err)
	if err != nil {
		return failed(op, s.rec, err)
	}
	return nil
}

func (s *controllerSession) PowerState(ctx context.Context) (device.PowerState, error) {
	var state device.PowerState
	err := s.call(OpQuery, func() error {
		var err error
		state, err = s.client.PowerStatus(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	if !state.Valid() {
		state = device.PowerUnknown
	}
	return state, nil
}

func (s *controllerSession) PowerOn(ctx context.Context) error {
	return s.call(OpOn, func() error { return s.client.SetPower(ctx, true) })
}

func (s *controllerSession) PowerOff(ctx context.Context) error {
	return s.call(OpOff, func() error { return s.client.SetPower(ctx, false) })
}

func (s *controllerSession) PowerCycle(ctx context.Context) error {
	return s.call(OpCycle, func() error { return s.client.Reset(ctx) })
}

func (s *controllerSession) Close() error {
	return s.client.Close()
}
