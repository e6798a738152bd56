// Package bridge connects the power service to MQTT.
//
// Commands arriving on powerd/command/{id} are applied through the power
// service and answered on powerd/ack/{id}. Every committed power change is
// republished, retained, on powerd/state/{id} so subscribers always see the
// last reconciled state.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-power/internal/actuator"
	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/mqtt"
)

// DefaultCommandTimeout bounds one command, including retries and cycles.
const DefaultCommandTimeout = 2 * time.Minute

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// PowerService is the subset of *power.Service the bridge uses.
type PowerService interface {
	Systems(ctx context.Context) []string
	Name(ctx context.Context, identity string) (string, error)
	PowerState(ctx context.Context, identity string) (device.PowerState, error)
	SetPowerState(ctx context.Context, identity, requested string) error
}

// Logger is the logging interface used by the bridge.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	MQTT  MQTTClient
	Power PowerService

	// QoS for commands, acks and states. Defaults to 1.
	QoS byte

	CommandTimeout time.Duration
	Logger         Logger
	Now            func() time.Time
}

// Bridge relays MQTT commands to the power service and publishes state.
//
// Thread Safety: commands are handled on their own goroutines; the power
// service serialises commands per system.
type Bridge struct {
	mqtt    MQTTClient
	power   PowerService
	qos     byte
	timeout time.Duration
	logger  Logger
	now     func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// mu guards stopped and orders wg.Add against Stop's wg.Wait.
	mu      sync.Mutex
	stopped bool
}

// New creates a bridge. Call Start to subscribe.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, errors.New("bridge: MQTT client is required")
	}
	if opts.Power == nil {
		return nil, errors.New("bridge: power service is required")
	}

	b := &Bridge{
		mqtt:    opts.MQTT,
		power:   opts.Power,
		qos:     opts.QoS,
		timeout: opts.CommandTimeout,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if b.qos == 0 {
		b.qos = 1
	}
	if b.timeout <= 0 {
		b.timeout = DefaultCommandTimeout
	}
	if b.logger == nil {
		b.logger = noopLogger{}
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// Start subscribes to command topics.
func (b *Bridge) Start() error {
	topic := mqtt.Topics{}.AllCommands()
	if err := b.mqtt.Subscribe(topic, b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", topic)
	return nil
}

// Stop unsubscribes, cancels in-flight commands and waits for them.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if err := b.mqtt.Unsubscribe(mqtt.Topics{}.AllCommands()); err != nil {
			b.logger.Warn("unsubscribe from commands failed", "error", err)
		}
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		b.cancel()
		b.wg.Wait()
	})
}

// Wait blocks until every accepted command has been answered.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// handleCommand decodes a command and runs it in the background so that a
// slow power cycle does not hold up commands for other systems.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	id, ok := mqtt.Topics{}.SystemID(topic)
	if !ok {
		return fmt.Errorf("bridge: unexpected command topic %q", topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishAck(id, "", AckRejected, &AckError{Code: ErrCodeInvalidCommand, Message: "payload is not a command: " + err.Error()})
		return fmt.Errorf("bridge: decoding command for %s: %w", id, err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.PowerState == "" {
		b.publishAck(id, cmd.ID, AckRejected, &AckError{Code: ErrCodeInvalidCommand, Message: "power_state is required"})
		return nil
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.execute(id, cmd)
	}()
	return nil
}

func (b *Bridge) execute(id string, cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()

	b.logger.Info("received command",
		"command_id", cmd.ID,
		"system", id,
		"power_state", cmd.PowerState,
		"source", cmd.Source)

	err := b.power.SetPowerState(ctx, id, cmd.PowerState)
	if err == nil {
		b.publishAck(id, cmd.ID, AckCompleted, nil)
		return
	}

	status, code := classify(err)
	b.logger.Warn("command failed",
		"command_id", cmd.ID,
		"system", id,
		"code", code,
		"error", err)
	b.publishAck(id, cmd.ID, status, &AckError{Code: code, Message: err.Error()})
}

// classify maps a service error onto an ack status and code.
func classify(err error) (AckStatus, string) {
	switch {
	case errors.Is(err, device.ErrNotFound):
		return AckRejected, ErrCodeNotFound
	case errors.Is(err, device.ErrNotSupported):
		return AckRejected, ErrCodeNotSupported
	case errors.Is(err, context.DeadlineExceeded):
		return AckFailed, ErrCodeTimeout
	case errors.Is(err, actuator.ErrActuationFailed):
		return AckFailed, ErrCodeActuationFailed
	}
	return AckFailed, ErrCodeInternal
}

func (b *Bridge) publishAck(id, commandID string, status AckStatus, ackErr *AckError) {
	ack := AckMessage{
		CommandID: commandID,
		SystemID:  id,
		Status:    status,
		Error:     ackErr,
		Timestamp: b.now().UTC(),
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.Ack(id), payload, b.qos, false); err != nil {
		b.logger.Error("failed to publish ack", "system", id, "error", err)
	}
}

// PowerChanged publishes the committed state of change.SystemID. It
// satisfies the reconcile engine's Observer interface.
func (b *Bridge) PowerChanged(_ context.Context, change device.PowerChange) error {
	return b.publishState(StateMessage{
		SystemID:   change.SystemID,
		Name:       change.Name,
		PowerState: change.To,
		Source:     string(change.Source),
		Timestamp:  change.At.UTC(),
	})
}

// PublishStates publishes the current state of every system. Reads follow
// the usual staleness rules, so systems probed recently are not probed
// again. Failures are logged and skipped.
func (b *Bridge) PublishStates(ctx context.Context) {
	for _, id := range b.power.Systems(ctx) {
		if ctx.Err() != nil {
			return
		}
		state, err := b.power.PowerState(ctx, id)
		if err != nil {
			b.logger.Warn("reading state for snapshot failed", "system", id, "error", err)
			continue
		}
		name, _ := b.power.Name(ctx, id)
		if err := b.publishState(StateMessage{
			SystemID:   id,
			Name:       name,
			PowerState: state,
			Source:     SourceSnapshot,
			Timestamp:  b.now().UTC(),
		}); err != nil {
			b.logger.Warn("publishing state snapshot failed", "system", id, "error", err)
		}
	}
}

func (b *Bridge) publishState(msg StateMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bridge: marshalling state: %w", err)
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.State(msg.SystemID), payload, b.qos, true); err != nil {
		return fmt.Errorf("bridge: publishing state of %s: %w", msg.SystemID, err)
	}
	return nil
}
