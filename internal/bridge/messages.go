package bridge

import (
	"time"

	"github.com/nerrad567/gray-logic-power/internal/device"
)

// CommandMessage requests a power change.
// Topic: powerd/command/{system_id} (the id may also be a display name)
type CommandMessage struct {
	// ID correlates the command with its acknowledgement. The bridge
	// generates one when it is empty.
	ID string `json:"id"`

	// PowerState is the requested state: On, ForceOff, GracefulShutdown,
	// ForceRestart, GracefulRestart, ...
	PowerState string `json:"power_state"`

	// Source says who issued the command, e.g. "powerctl" or "scheduler".
	Source string `json:"source,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckCompleted means the command was carried out.
	AckCompleted AckStatus = "completed"

	// AckRejected means the command was refused before touching hardware.
	AckRejected AckStatus = "rejected"

	// AckFailed means the hardware call failed; the system's record was
	// invalidated and the next read will probe.
	AckFailed AckStatus = "failed"
)

// AckMessage reports the outcome of a command.
// Topic: powerd/ack/{system_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	SystemID  string    `json:"system_id"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AckError details a rejected or failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in AckError.
const (
	ErrCodeInvalidCommand  = "INVALID_COMMAND"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeNotSupported    = "NOT_SUPPORTED"
	ErrCodeActuationFailed = "ACTUATION_FAILED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeInternal        = "INTERNAL"
)

// StateMessage carries the last committed power state of a system.
// Topic: powerd/state/{system_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	SystemID   string            `json:"system_id"`
	Name       string            `json:"name,omitempty"`
	PowerState device.PowerState `json:"power_state"`

	// Source is the change source (probe, pending, command-failed) or
	// "snapshot" for states published at startup.
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceSnapshot marks states published by PublishStates.
const SourceSnapshot = "snapshot"
