package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-power/internal/bridge"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/mqtt"
)

// ─── Mock Dependencies ─────────────────────────────────────────────

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeBroker delivers retained messages on subscribe and routes publishes
// to matching subscriptions, the way a broker would.
type fakeBroker struct {
	mu        sync.Mutex
	retained  map[string][]byte
	subs      map[string]mqtt.MessageHandler
	published []published
	closed    bool
	onPublish func(b *fakeBroker, topic string, payload []byte)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		retained: make(map[string][]byte),
		subs:     make(map[string]mqtt.MessageHandler),
	}
}

func (b *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	b.published = append(b.published, published{topic: topic, payload: payload, retained: retained})
	if retained {
		b.retained[topic] = payload
	}
	var handlers []mqtt.MessageHandler
	for pattern, h := range b.subs {
		if topicMatches(pattern, topic) {
			handlers = append(handlers, h)
		}
	}
	hook := b.onPublish
	b.mu.Unlock()

	for _, h := range handlers {
		_ = h(topic, payload)
	}
	if hook != nil {
		hook(b, topic, payload)
	}
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	b.subs[topic] = handler
	var replay []published
	for t, p := range b.retained {
		if topicMatches(topic, t) {
			replay = append(replay, published{topic: t, payload: p})
		}
	}
	b.mu.Unlock()

	for _, m := range replay {
		_ = handler(m.topic, m.payload)
	}
	return nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) retain(t *testing.T, msg bridge.StateMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	b.retained[mqtt.Topics{}.State(msg.SystemID)] = data
}

func topicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	s := strings.Split(topic, "/")
	if len(p) != len(s) {
		return false
	}
	for i := range p {
		if p[i] != "+" && p[i] != s[i] {
			return false
		}
	}
	return true
}

// runCLI executes the root command against b and returns its output.
func runCLI(t *testing.T, b *fakeBroker, args ...string) (string, error) {
	t.Helper()

	var gotCfg config.MQTTConfig
	a := &app{connect: func(cfg config.MQTTConfig) (broker, error) {
		gotCfg = cfg
		return b, nil
	}}
	root := newRootCommand(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	if err == nil && !strings.HasPrefix(gotCfg.Broker.ClientID, "powerctl-") {
		t.Errorf("client id = %q, want powerctl- prefix", gotCfg.Broker.ClientID)
	}
	return out.String(), err
}

func seededBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := newFakeBroker()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.retain(t, bridge.StateMessage{SystemID: "sys-b", Name: "rack1-node2", PowerState: "On", Source: "probe", Timestamp: at})
	b.retain(t, bridge.StateMessage{SystemID: "sys-a", Name: "rack1-node1", PowerState: "Off", Source: "command", Timestamp: at})
	return b
}

// ─── Command Tree ──────────────────────────────────────────────────

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand(defaultApp())

	for _, name := range []string{"list", "get", "set"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
	for _, flag := range []string{"config", "host", "port", "username", "password", "wait", "json"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag --%s", flag)
		}
	}
}

func TestCommands_ArgValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"list with args", []string{"list", "extra"}},
		{"get without system", []string{"get"}},
		{"set without state", []string{"set", "sys-a"}},
		{"set too many", []string{"set", "sys-a", "On", "extra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBroker()
			if _, err := runCLI(t, b, tt.args...); err == nil {
				t.Fatal("expected argument error")
			}
			if len(b.subs) != 0 {
				t.Error("broker used despite invalid arguments")
			}
		})
	}
}

// ─── Config Resolution ─────────────────────────────────────────────

func TestMQTTConfig_Defaults(t *testing.T) {
	a := &app{}
	cfg, err := a.mqttConfig()
	if err != nil {
		t.Fatalf("mqttConfig() error = %v", err)
	}
	if cfg.Broker.Host != "localhost" || cfg.Broker.Port != 1883 {
		t.Errorf("broker = %s:%d, want localhost:1883", cfg.Broker.Host, cfg.Broker.Port)
	}
	if !cfg.Enabled {
		t.Error("Enabled = false")
	}
}

func TestMQTTConfig_FlagsOverride(t *testing.T) {
	a := &app{host: "mqtt.lab", port: 8883, username: "ops", password: "secret"}
	cfg, err := a.mqttConfig()
	if err != nil {
		t.Fatalf("mqttConfig() error = %v", err)
	}
	if cfg.Broker.Host != "mqtt.lab" || cfg.Broker.Port != 8883 {
		t.Errorf("broker = %s:%d", cfg.Broker.Host, cfg.Broker.Port)
	}
	if cfg.Auth.Username != "ops" || cfg.Auth.Password != "secret" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
}

func TestMQTTConfig_MissingFile(t *testing.T) {
	a := &app{configPath: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := a.mqttConfig(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestMQTTConfig_UniqueClientID(t *testing.T) {
	a := &app{}
	first, _ := a.mqttConfig()
	second, _ := a.mqttConfig()
	if first.Broker.ClientID == second.Broker.ClientID {
		t.Errorf("client ids collide: %q", first.Broker.ClientID)
	}
}

// ─── list / get ────────────────────────────────────────────────────

func TestList_Table(t *testing.T) {
	b := seededBroker(t)

	out, err := runCLI(t, b, "list", "--wait", "20ms")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "SYSTEM") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "rack1-node1") || !strings.Contains(lines[1], "Off") {
		t.Errorf("first row = %q, want rack1-node1 Off", lines[1])
	}
	if !strings.Contains(lines[2], "rack1-node2") || !strings.Contains(lines[2], "On") {
		t.Errorf("second row = %q, want rack1-node2 On", lines[2])
	}
	if !b.closed {
		t.Error("broker not closed")
	}
}

func TestList_JSON(t *testing.T) {
	b := seededBroker(t)

	out, err := runCLI(t, b, "list", "--wait", "20ms", "--json")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}

	var states []bridge.StateMessage
	if err := json.Unmarshal([]byte(out), &states); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(states) != 2 || states[0].SystemID != "sys-a" {
		t.Errorf("states = %+v", states)
	}
}

func TestList_Empty(t *testing.T) {
	out, err := runCLI(t, newFakeBroker(), "list", "--wait", "10ms")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if strings.Count(strings.TrimSpace(out), "\n") != 0 {
		t.Errorf("expected header only, got:\n%s", out)
	}
}

func TestGet(t *testing.T) {
	tests := []struct {
		name   string
		system string
		want   string
	}{
		{"by identity", "sys-b", "rack1-node2"},
		{"by name", "rack1-node1", "sys-a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A long wait proves the match short-circuits collection.
			start := time.Now()
			out, err := runCLI(t, seededBroker(t), "get", tt.system, "--wait", "5s")
			if err != nil {
				t.Fatalf("get error = %v", err)
			}
			if time.Since(start) > 2*time.Second {
				t.Error("get waited for the full window despite a match")
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestGet_Unknown(t *testing.T) {
	_, err := runCLI(t, seededBroker(t), "get", "nope", "--wait", "10ms")
	if !errors.Is(err, errNoState) {
		t.Fatalf("error = %v, want errNoState", err)
	}
}

// ─── set ───────────────────────────────────────────────────────────

// ackWith replies to any command with an ack built by build.
func ackWith(build func(cmd bridge.CommandMessage, system string) bridge.AckMessage) func(*fakeBroker, string, []byte) {
	return func(b *fakeBroker, topic string, payload []byte) {
		system, ok := mqtt.Topics{}.SystemID(topic)
		if !ok || topic != (mqtt.Topics{}).Command(system) {
			return
		}
		var cmd bridge.CommandMessage
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return
		}
		data, _ := json.Marshal(build(cmd, system))
		go func() { _ = b.Publish(mqtt.Topics{}.Ack(system), data, 1, false) }()
	}
}

func TestSet_Completed(t *testing.T) {
	b := newFakeBroker()
	var got bridge.CommandMessage
	b.onPublish = ackWith(func(cmd bridge.CommandMessage, system string) bridge.AckMessage {
		got = cmd
		return bridge.AckMessage{CommandID: cmd.ID, SystemID: system, Status: bridge.AckCompleted}
	})

	out, err := runCLI(t, b, "set", "sys-a", "ForceRestart", "--wait", "2s")
	if err != nil {
		t.Fatalf("set error = %v", err)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("output = %q", out)
	}

	if got.PowerState != "ForceRestart" || got.Source != commandSource || got.ID == "" {
		t.Errorf("command = %+v", got)
	}
	for _, p := range b.published {
		if p.topic == (mqtt.Topics{}).Command("sys-a") && p.retained {
			t.Error("command published retained")
		}
	}
}

func TestSet_IgnoresOtherCommandAcks(t *testing.T) {
	b := newFakeBroker()
	b.onPublish = ackWith(func(cmd bridge.CommandMessage, system string) bridge.AckMessage {
		return bridge.AckMessage{CommandID: "someone-else", SystemID: system, Status: bridge.AckCompleted}
	})

	_, err := runCLI(t, b, "set", "sys-a", "On", "--wait", "50ms")
	if err == nil || !strings.Contains(err.Error(), "no acknowledgement") {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func TestSet_Failure(t *testing.T) {
	b := newFakeBroker()
	b.onPublish = ackWith(func(cmd bridge.CommandMessage, system string) bridge.AckMessage {
		return bridge.AckMessage{
			CommandID: cmd.ID,
			SystemID:  system,
			Status:    bridge.AckFailed,
			Error:     &bridge.AckError{Code: bridge.ErrCodeActuationFailed, Message: "plug unreachable"},
		}
	})

	_, err := runCLI(t, b, "set", "sys-a", "On", "--wait", "2s")
	if err == nil {
		t.Fatal("expected error for failed ack")
	}
	if !strings.Contains(err.Error(), "plug unreachable") {
		t.Errorf("error = %v", err)
	}
}
