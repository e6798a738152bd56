package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/config"
)

func enabled() *Metrics {
	return New(config.MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"})
}

func TestObserveCall(t *testing.T) {
	m := enabled()

	m.ObserveCall(device.BackendPlug, "power_on", 120*time.Millisecond, nil)
	m.ObserveCall(device.BackendPlug, "power_on", time.Second, errors.New("refused"))
	m.ObserveCall(device.BackendController, "power_state", 10*time.Millisecond, nil)

	if got := testutil.ToFloat64(m.actuatorCalls.WithLabelValues("plug", "power_on", "ok")); got != 1 {
		t.Errorf("plug power_on ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.actuatorCalls.WithLabelValues("plug", "power_on", "error")); got != 1 {
		t.Errorf("plug power_on error = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.actuatorDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestObserveEngineEvents(t *testing.T) {
	m := enabled()

	m.ObserveRetry(device.BackendPlug, "power_off")
	m.ObserveRetry(device.BackendPlug, "power_off")
	m.ObserveRead(true)
	m.ObserveRead(false)
	m.ObserveRead(false)
	m.ObservePendingCommit(device.PowerOn)
	m.ObserveCommandFailure(device.BackendController)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"retries", testutil.ToFloat64(m.actuatorRetries.WithLabelValues("plug", "power_off")), 2},
		{"probe reads", testutil.ToFloat64(m.reads.WithLabelValues("probe")), 1},
		{"cache reads", testutil.ToFloat64(m.reads.WithLabelValues("cache")), 2},
		{"pending commits", testutil.ToFloat64(m.pendingCommits.WithLabelValues("On")), 1},
		{"command failures", testutil.ToFloat64(m.commandFailures.WithLabelValues("controller")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestDisabledIsNoop(t *testing.T) {
	m := New(config.MetricsConfig{})

	m.ObserveCall(device.BackendPlug, "power_on", time.Second, nil)
	m.ObserveRetry(device.BackendPlug, "power_on")
	m.ObserveRead(true)
	m.ObservePendingCommit(device.PowerOff)
	m.ObserveCommandFailure(device.BackendPlug)

	if m.Enabled() {
		t.Error("Enabled() = true for disabled config")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Handler() status = %d, want 404", rec.Code)
	}

	if err := m.Serve(context.Background()); err != nil {
		t.Errorf("Serve() error = %v, want nil", err)
	}
}

func TestHandler(t *testing.T) {
	m := New(config.MetricsConfig{Enabled: true, Namespace: "powertest"})
	m.ObserveRead(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Handler() status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `powertest_power_reads_total{source="probe"} 1`) {
		t.Errorf("exposition missing read counter:\n%s", body)
	}
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	m := New(config.MetricsConfig{Enabled: true, Listen: addr})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://" + addr + Path)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET %s error = %v", Path, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "powerd_") && !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("unexpected body:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
