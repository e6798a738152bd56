package actuator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/retry"
)

var errTimeout = errors.New("i/o timeout")

// fakePlug records calls and fails the first N of each kind.
type fakePlug struct {
	mu sync.Mutex

	on          bool
	failConnect int
	failSet     int
	rejectLogin bool
	queryErr    error

	calls  []string
	closed bool
}

func (f *fakePlug) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakePlug) Handshake(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("handshake")
	if f.failConnect > 0 {
		f.failConnect--
		return errTimeout
	}
	return nil
}

func (f *fakePlug) Login(_ context.Context, user, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("login:" + user)
	if f.rejectLogin {
		return retry.Permanent(errors.New("bad credentials"))
	}
	return nil
}

func (f *fakePlug) IsOn(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("query")
	return f.on, f.queryErr
}

func (f *fakePlug) SetOn(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.record("set:on")
	} else {
		f.record("set:off")
	}
	if f.failSet > 0 {
		f.failSet--
		return errTimeout
	}
	f.on = on
	return nil
}

func (f *fakePlug) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePlug) log() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

// fakeRecorder counts telemetry callbacks.
type fakeRecorder struct {
	mu      sync.Mutex
	calls   map[string]int
	failed  map[string]int
	retries map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{calls: map[string]int{}, failed: map[string]int{}, retries: map[string]int{}}
}

func (r *fakeRecorder) ObserveCall(b device.Backend, op string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[string(b)+"/"+op]++
	if err != nil {
		r.failed[string(b)+"/"+op]++
	}
}

func (r *fakeRecorder) ObserveRetry(b device.Backend, op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[string(b)+"/"+op]++
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func plugRecord() *device.Record {
	return &device.Record{
		ID:          "plug-1",
		Name:        "rack-a-node1",
		Backend:     device.BackendPlug,
		Address:     "10.0.0.21",
		Credentials: device.Credentials{Username: "admin", Password: "secret"},
		PowerState:  device.PowerOff,
	}
}

func newPlugBackend(plug *fakePlug, sl *sleepLog, rec Recorder) *PlugBackend {
	return NewPlugBackend(PlugOptions{
		Dial:        func(*device.Record) (PlugClient, error) { return plug, nil },
		Retry:       retry.Policy{MaxAttempts: 5},
		SettleDelay: 300 * time.Millisecond,
		CycleDelay:  time.Second,
		Sleep:       sl.sleep,
		Recorder:    rec,
	})
}

func TestPlugBackend_OpenRetriesHandshake(t *testing.T) {
	plug := &fakePlug{failConnect: 2}
	rec := newFakeRecorder()
	b := newPlugBackend(plug, &sleepLog{}, rec)

	s, err := b.Open(context.Background(), plugRecord())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close() //nolint:errcheck // Test cleanup

	if got := plug.log(); got != "handshake,handshake,handshake,login:admin" {
		t.Errorf("calls = %s", got)
	}
	if rec.retries["plug/open"] != 2 {
		t.Errorf("retries = %d, want 2", rec.retries["plug/open"])
	}
}

func TestPlugBackend_OpenExhausted(t *testing.T) {
	plug := &fakePlug{failConnect: 10}
	b := newPlugBackend(plug, &sleepLog{}, nil)

	_, err := b.Open(context.Background(), plugRecord())
	if !errors.Is(err, ErrActuationFailed) {
		t.Fatalf("Open() error = %v, want ErrActuationFailed", err)
	}
	if !errors.Is(err, retry.ErrExhausted) || !errors.Is(err, errTimeout) {
		t.Errorf("Open() error = %v, want exhaustion with cause", err)
	}
	if strings.Count(plug.log(), "handshake") != 5 {
		t.Errorf("handshake attempts = %s, want 5", plug.log())
	}
	if !plug.closed {
		t.Error("client not closed after failed open")
	}
}

func TestPlugBackend_LoginRejectedNotRetried(t *testing.T) {
	plug := &fakePlug{rejectLogin: true}
	b := newPlugBackend(plug, &sleepLog{}, nil)

	_, err := b.Open(context.Background(), plugRecord())
	if !errors.Is(err, ErrActuationFailed) {
		t.Fatalf("Open() error = %v, want ErrActuationFailed", err)
	}
	if errors.Is(err, retry.ErrExhausted) {
		t.Error("rejected login should not be reported as exhaustion")
	}
	if got := plug.log(); got != "handshake,login:admin" {
		t.Errorf("calls = %s, want a single attempt", got)
	}
}

func TestPlugSession_PowerOffSettles(t *testing.T) {
	plug := &fakePlug{on: true, failSet: 1}
	sl := &sleepLog{}
	b := newPlugBackend(plug, sl, nil)

	s, err := b.Open(context.Background(), plugRecord())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.PowerOff(context.Background()); err != nil {
		t.Fatalf("PowerOff() error = %v", err)
	}

	if !strings.HasSuffix(plug.log(), "set:off,set:off") {
		t.Errorf("calls = %s, want one retried off", plug.log())
	}
	if len(sl.delays) != 1 || sl.delays[0] != 300*time.Millisecond {
		t.Errorf("sleeps = %v, want [300ms]", sl.delays)
	}
}

func TestPlugSession_PowerOnExhausted(t *testing.T) {
	plug := &fakePlug{failSet: 100}
	sl := &sleepLog{}
	b := newPlugBackend(plug, sl, nil)

	s, err := b.Open(context.Background(), plugRecord())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	err = s.PowerOn(context.Background())
	if !errors.Is(err, ErrActuationFailed) || !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("PowerOn() error = %v, want exhausted actuation failure", err)
	}
	if n := strings.Count(plug.log(), "set:on"); n != 5 {
		t.Errorf("on attempts = %d, want 5", n)
	}
}

func TestPlugSession_PowerOffFailureSkipsSettle(t *testing.T) {
	plug := &fakePlug{on: true, failSet: 100}
	sl := &sleepLog{}
	b := newPlugBackend(plug, sl, nil)

	s, _ := b.Open(context.Background(), plugRecord()) //nolint:errcheck // Open cannot fail here
	if err := s.PowerOff(context.Background()); err == nil {
		t.Fatal("PowerOff() error = nil, want failure")
	}
	if len(sl.delays) != 0 {
		t.Errorf("settle delay observed after failed off: %v", sl.delays)
	}
}

func TestPlugSession_PowerCycle(t *testing.T) {
	plug := &fakePlug{on: true}
	sl := &sleepLog{}
	b := newPlugBackend(plug, sl, nil)

	s, err := b.Open(context.Background(), plugRecord())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.PowerCycle(context.Background()); err != nil {
		t.Fatalf("PowerCycle() error = %v", err)
	}

	if !strings.HasSuffix(plug.log(), "set:off,set:on") {
		t.Errorf("calls = %s, want off then on", plug.log())
	}
	want := []time.Duration{300 * time.Millisecond, time.Second}
	if len(sl.delays) != 2 || sl.delays[0] != want[0] || sl.delays[1] != want[1] {
		t.Errorf("sleeps = %v, want %v", sl.delays, want)
	}
}

func TestPlugSession_PowerStateNotRetried(t *testing.T) {
	plug := &fakePlug{queryErr: errTimeout}
	b := newPlugBackend(plug, &sleepLog{}, nil)

	s, _ := b.Open(context.Background(), plugRecord()) //nolint:errcheck // Open cannot fail here
	if _, err := s.PowerState(context.Background()); !errors.Is(err, ErrActuationFailed) {
		t.Fatalf("PowerState() error = %v, want ErrActuationFailed", err)
	}
	if n := strings.Count(plug.log(), "query"); n != 1 {
		t.Errorf("query attempts = %d, want 1", n)
	}

	plug.queryErr = nil
	plug.on = true
	state, err := s.PowerState(context.Background())
	if err != nil || state != device.PowerOn {
		t.Errorf("PowerState() = (%q, %v), want On", state, err)
	}
}

// fakeController implements ControllerClient.
type fakeController struct {
	status    device.PowerState
	statusErr error
	calls     []string
}

func (f *fakeController) PowerStatus(context.Context) (device.PowerState, error) {
	f.calls = append(f.calls, "status")
	return f.status, f.statusErr
}

func (f *fakeController) SetPower(_ context.Context, on bool) error {
	if on {
		f.calls = append(f.calls, "on")
	} else {
		f.calls = append(f.calls, "off")
	}
	return nil
}

func (f *fakeController) Reset(context.Context) error {
	f.calls = append(f.calls, "reset")
	return nil
}

func (f *fakeController) Close() error { return nil }

func controllerRecord() *device.Record {
	return &device.Record{
		ID:          "ctrl-1",
		Name:        "rack-b-node2",
		Backend:     device.BackendController,
		Address:     "10.0.0.30",
		Credentials: device.Credentials{Username: "root", Password: "turing", Node: 2},
		PowerState:  device.PowerUnknown,
	}
}

func TestControllerBackend_SingleAttemptOpen(t *testing.T) {
	dials := 0
	b := NewControllerBackend(func(context.Context, *device.Record) (ControllerClient, error) {
		dials++
		return nil, errTimeout
	}, nil)

	_, err := b.Open(context.Background(), controllerRecord())
	if !errors.Is(err, ErrActuationFailed) || !errors.Is(err, errTimeout) {
		t.Fatalf("Open() error = %v", err)
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestControllerSession(t *testing.T) {
	fc := &fakeController{status: "Sleeping"}
	b := NewControllerBackend(func(context.Context, *device.Record) (ControllerClient, error) {
		return fc, nil
	}, nil)

	s, err := b.Open(context.Background(), controllerRecord())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	state, err := s.PowerState(context.Background())
	if err != nil || state != device.PowerUnknown {
		t.Errorf("PowerState() = (%q, %v), want Unknown", state, err)
	}

	if err := s.PowerCycle(context.Background()); err != nil {
		t.Fatalf("PowerCycle() error = %v", err)
	}
	if err := s.PowerOn(context.Background()); err != nil {
		t.Fatalf("PowerOn() error = %v", err)
	}
	if got := strings.Join(fc.calls, ","); got != "status,reset,on" {
		t.Errorf("calls = %s, want native reset", got)
	}
}

func TestDispatcher(t *testing.T) {
	plug := &fakePlug{}
	fc := &fakeController{status: device.PowerOn}
	d := NewDispatcher(
		newPlugBackend(plug, &sleepLog{}, nil),
		NewControllerBackend(func(context.Context, *device.Record) (ControllerClient, error) { return fc, nil }, nil),
	)
	ctx := context.Background()

	if _, err := d.Open(ctx, plugRecord()); err != nil {
		t.Errorf("Open(plug) error = %v", err)
	}
	if _, err := d.Open(ctx, controllerRecord()); err != nil {
		t.Errorf("Open(controller) error = %v", err)
	}

	unknown := plugRecord()
	unknown.Backend = "ipmi"
	if _, err := d.Open(ctx, unknown); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Open(ipmi) error = %v, want ErrUnknownBackend", err)
	}

	if _, err := NewDispatcher(nil, nil).Open(ctx, plugRecord()); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Open() without backends error = %v, want ErrUnknownBackend", err)
	}
}
