package actuator

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/retry"
)

// PlugClient is the wire protocol of a smart plug.
type PlugClient interface {
	// Handshake checks the plug is reachable. It needs no credentials.
	Handshake(ctx context.Context) error

	// Login verifies credentials. Rejected credentials should be returned
	// wrapped in retry.Permanent so they are not retried.
	Login(ctx context.Context, username, password string) error

	IsOn(ctx context.Context) (bool, error)
	SetOn(ctx context.Context, on bool) error
	Close() error
}

// PlugDialer builds an unconnected client for rec's address.
type PlugDialer func(rec *device.Record) (PlugClient, error)

// PlugOptions configures a PlugBackend.
type PlugOptions struct {
	Dial PlugDialer

	// Retry applies to session setup and to on/off commands. State queries
	// are single attempts.
	Retry retry.Policy

	// SettleDelay is waited after a successful power-off.
	SettleDelay time.Duration

	// CycleDelay separates off and on in PowerCycle.
	CycleDelay time.Duration

	Logger   Logger
	Recorder Recorder

	// Sleep replaces the context-aware wait used for settle and cycle
	// delays. Tests use it to observe delays without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// PlugBackend opens sessions to smart plugs.
type PlugBackend struct {
	opts PlugOptions
}

// NewPlugBackend creates a plug backend. Zero options take defaults.
func NewPlugBackend(opts PlugOptions) *PlugBackend {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &PlugBackend{opts: opts}
}

// Open dials the plug and performs handshake plus login under the retry
// policy. A failed open closes the client.
func (b *PlugBackend) Open(ctx context.Context, rec *device.Record) (Session, error) {
	if b.opts.Dial == nil {
		return nil, fmt.Errorf("%w: no plug dialer configured", ErrUnknownBackend)
	}

	client, err := b.opts.Dial(rec)
	if err != nil {
		return nil, failed(OpOpen, rec, err)
	}

	s := &plugSession{rec: rec.DeepCopy(), client: client, opts: &b.opts}
	err = s.attempt(ctx, OpOpen, func(ctx context.Context) error {
		if err := client.Handshake(ctx); err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		if err := client.Login(ctx, rec.Credentials.Username, rec.Credentials.Password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		return nil
	})
	if err != nil {
		client.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}
	return s, nil
}

type plugSession struct {
	rec    *device.Record
	client PlugClient
	opts   *PlugOptions
}

// attempt runs op under the retry policy and records telemetry.
func (s *plugSession) attempt(ctx context.Context, op string, fn retry.Operation) error {
	policy := s.opts.Retry
	policy.OnRetry = func(n int, err error) {
		s.opts.Recorder.ObserveRetry(device.BackendPlug, op)
		s.opts.Logger.Warn("plug call failed, retrying",
			"system", s.rec.ID, "op", op, "attempt", n, "error", err)
	}

	start := time.Now()
	err := retry.Do(ctx, policy, fn)
	s.opts.Recorder.ObserveCall(device.BackendPlug, op, time.Since(start), err)
	if err != nil {
		return failed(op, s.rec, err)
	}
	return nil
}

func (s *plugSession) PowerState(ctx context.Context) (device.PowerState, error) {
	start := time.Now()
	on, err := s.client.IsOn(ctx)
	s.opts.Recorder.ObserveCall(device.BackendPlug, OpQuery, time.Since(start), err)
	if err != nil {
		return "", failed(OpQuery, s.rec, err)
	}
	if on {
		return device.PowerOn, nil
	}
	return device.PowerOff, nil
}

func (s *plugSession) PowerOn(ctx context.Context) error {
	return s.attempt(ctx, OpOn, func(ctx context.Context) error {
		return s.client.SetOn(ctx, true)
	})
}

func (s *plugSession) PowerOff(ctx context.Context) error {
	if err := s.attempt(ctx, OpOff, func(ctx context.Context) error {
		return s.client.SetOn(ctx, false)
	}); err != nil {
		return err
	}
	s.opts.Logger.Debug("plug off, settling", "system", s.rec.ID, "delay", s.opts.SettleDelay)
	return s.opts.Sleep(ctx, s.opts.SettleDelay)
}

func (s *plugSession) PowerCycle(ctx context.Context) error {
	if err := s.PowerOff(ctx); err != nil {
		return err
	}
	if err := s.opts.Sleep(ctx, s.opts.CycleDelay); err != nil {
		return err
	}
	return s.PowerOn(ctx)
}

func (s *plugSession) Close() error {
	return s.client.Close()
}
