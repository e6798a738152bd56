package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-power/internal/bridge"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/mqtt"
)

const commandSource = "powerctl"

var errNoState = errors.New("no state published")

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List systems and their last published power state",
		Example: `  # List all systems
  powerctl list

  # Against a specific broker, as JSON
  powerctl list --host mqtt.lab --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.dial()
			if err != nil {
				return err
			}
			defer b.Close()

			states, err := collectStates(cmd.Context(), b, a.wait, nil)
			if err != nil {
				return err
			}
			return a.printStates(cmd.OutOrStdout(), states)
		},
	}
}

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <system>",
		Short: "Show the power state of one system",
		Long:  "Show the last power state powerd published for a system, named by identity or display name.",
		Example: `  powerctl get rack1-node3
  powerctl get 0f3c9a1e-1d2b-4c5d-8e7f-0a1b2c3d4e5f --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.dial()
			if err != nil {
				return err
			}
			defer b.Close()

			want := args[0]
			states, err := collectStates(cmd.Context(), b, a.wait, func(s bridge.StateMessage) bool {
				return matches(s, want)
			})
			if err != nil {
				return err
			}
			for _, s := range states {
				if matches(s, want) {
					return a.printStates(cmd.OutOrStdout(), []bridge.StateMessage{s})
				}
			}
			return fmt.Errorf("%w for %q", errNoState, want)
		},
	}
}

func newSetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <system> <power-state>",
		Short: "Request a power state change",
		Long: `Request a power state change and wait for powerd to acknowledge it.

Accepted states are On, ForceOn, Off, ForceOff, GracefulShutdown,
ForceRestart and GracefulRestart. The system must be named the way
powerd's command topic expects: its identity or its display name.`,
		Example: `  powerctl set rack1-node3 On
  powerctl set rack1-node3 ForceRestart --wait 2m`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.dial()
			if err != nil {
				return err
			}
			defer b.Close()

			ack, err := sendCommand(cmd.Context(), b, args[0], args[1], a.wait)
			if err != nil {
				return err
			}
			return a.printAck(cmd.OutOrStdout(), ack)
		},
	}
}

// collectStates gathers retained state messages for up to wait. When done
// is non-nil collection stops as soon as it reports true for a message.
// Later messages for the same system replace earlier ones.
func collectStates(ctx context.Context, b broker, wait time.Duration, done func(bridge.StateMessage) bool) ([]bridge.StateMessage, error) {
	var (
		mu     sync.Mutex
		byID   = make(map[string]bridge.StateMessage)
		found  = make(chan struct{})
		closed bool
	)

	handler := func(topic string, payload []byte) error {
		var msg bridge.StateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding state on %s: %w", topic, err)
		}
		if msg.SystemID == "" {
			if id, ok := (mqtt.Topics{}).SystemID(topic); ok {
				msg.SystemID = id
			}
		}

		mu.Lock()
		defer mu.Unlock()
		byID[msg.SystemID] = msg
		if done != nil && done(msg) && !closed {
			closed = true
			close(found)
		}
		return nil
	}

	if err := b.Subscribe(mqtt.Topics{}.AllStates(), 1, handler); err != nil {
		return nil, fmt.Errorf("subscribing to states: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-found:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	states := make([]bridge.StateMessage, 0, len(byID))
	for _, s := range byID {
		states = append(states, s)
	}
	sortStates(states)
	return states, nil
}

// sendCommand publishes a power command for system and waits for the
// acknowledgement carrying its command id.
func sendCommand(ctx context.Context, b broker, system, powerState string, wait time.Duration) (bridge.AckMessage, error) {
	cmdMsg := bridge.CommandMessage{
		ID:         uuid.NewString(),
		PowerState: powerState,
		Source:     commandSource,
		Timestamp:  time.Now().UTC(),
	}

	acks := make(chan bridge.AckMessage, 1)
	handler := func(topic string, payload []byte) error {
		var ack bridge.AckMessage
		if err := json.Unmarshal(payload, &ack); err != nil {
			return fmt.Errorf("decoding ack on %s: %w", topic, err)
		}
		if ack.CommandID != cmdMsg.ID {
			return nil
		}
		select {
		case acks <- ack:
		default:
		}
		return nil
	}

	// Subscribe before publishing so a fast ack is not missed.
	if err := b.Subscribe(mqtt.Topics{}.Ack(system), 1, handler); err != nil {
		return bridge.AckMessage{}, fmt.Errorf("subscribing to acks: %w", err)
	}

	payload, err := json.Marshal(cmdMsg)
	if err != nil {
		return bridge.AckMessage{}, fmt.Errorf("encoding command: %w", err)
	}
	if err := b.Publish(mqtt.Topics{}.Command(system), payload, 1, false); err != nil {
		return bridge.AckMessage{}, fmt.Errorf("publishing command: %w", err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ack := <-acks:
		if ack.Status != bridge.AckCompleted {
			return ack, ackError(ack)
		}
		return ack, nil
	case <-timer.C:
		return bridge.AckMessage{}, fmt.Errorf("no acknowledgement for command %s within %s", cmdMsg.ID, wait)
	case <-ctx.Done():
		return bridge.AckMessage{}, ctx.Err()
	}
}

func ackError(ack bridge.AckMessage) error {
	if ack.Error == nil {
		return fmt.Errorf("command %s", ack.Status)
	}
	return fmt.Errorf("command %s: %s: %s", ack.Status, ack.Error.Code, ack.Error.Message)
}

func matches(s bridge.StateMessage, want string) bool {
	return s.SystemID == want || (s.Name != "" && s.Name == want)
}

func sortStates(states []bridge.StateMessage) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Name != states[j].Name {
			return states[i].Name < states[j].Name
		}
		return states[i].SystemID < states[j].SystemID
	})
}

func (a *app) printStates(w io.Writer, states []bridge.StateMessage) error {
	if a.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(states)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYSTEM\tNAME\tPOWER\tSOURCE\tUPDATED")
	for _, s := range states {
		updated := "-"
		if !s.Timestamp.IsZero() {
			updated = s.Timestamp.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.SystemID, orDash(s.Name), s.PowerState, orDash(s.Source), updated)
	}
	return tw.Flush()
}

func (a *app) printAck(w io.Writer, ack bridge.AckMessage) error {
	if a.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ack)
	}
	_, err := fmt.Fprintf(w, "%s: %s (command %s)\n", ack.SystemID, ack.Status, ack.CommandID)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
