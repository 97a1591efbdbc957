package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autopeer-io/gearlink/internal/catalog"
	"github.com/autopeer-io/gearlink/internal/dfu"
	"github.com/autopeer-io/gearlink/pkg/options"
)

type stubController struct {
	mu      sync.Mutex
	state   dfu.UpdateState
	force   bool
	applied chan []catalog.UpdateDescriptor
	stopped int
	err     error
}

func newStubController(st dfu.UpdateState) *stubController {
	return &stubController{state: st, applied: make(chan []catalog.UpdateDescriptor, 1)}
}

func (c *stubController) DescribeComponents(ctx context.Context) ([]catalog.Component, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []catalog.Component{{VendorID: "1", ProductID: "10", Version: "1.0.0"}}, c.err
}

func (c *stubController) CheckFirmware(ctx context.Context, force bool) ([]catalog.UpdateDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.force = force
	if c.err != nil {
		return nil, c.err
	}
	return []catalog.UpdateDescriptor{{TargetVersion: "1.1.0", UpgradeStatus: catalog.Optional}}, nil
}

func (c *stubController) ApplyUpdates(ctx context.Context, candidates []catalog.UpdateDescriptor) error {
	c.applied <- candidates
	return nil
}

func (c *stubController) ExecuteUpdates(ctx context.Context) error { return nil }

func (c *stubController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
	c.state = dfu.Stopped{}
}

func (c *stubController) State() dfu.UpdateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stubController) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *stubController) snapshot() (force bool, stopped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.force, c.stopped
}

func newTestServer(ctrl Controller, ready func() bool) *httptest.Server {
	s := NewServer(options.NewHttpOptions(), ctrl, ready)
	return httptest.NewServer(s.Handler())
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw any
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			t.Fatal(err)
		}
		out, _ = raw.(map[string]any)
	}
	return resp, out
}

func TestProbes(t *testing.T) {
	var up atomic.Bool
	ts := newTestServer(newStubController(dfu.Idle{}), up.Load)
	defer ts.Close()

	tests := []struct {
		path string
		up   bool
		want int
	}{
		{"/healthz", false, http.StatusOK},
		{"/readyz", true, http.StatusOK},
		{"/readyz", false, http.StatusServiceUnavailable},
		{"/metrics", true, http.StatusOK},
	}
	for _, tt := range tests {
		up.Store(tt.up)
		resp, _ := do(t, ts, http.MethodGet, tt.path, "")
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s (link up=%v) = %d, want %d", tt.path, tt.up, resp.StatusCode, tt.want)
		}
	}
}

func TestState(t *testing.T) {
	tests := []struct {
		state   dfu.UpdateState
		name    string
		percent float64
		errMsg  string
	}{
		{dfu.Idle{}, "Idle", -1, ""},
		{dfu.TransferProgress{Percent: 42}, "TransferProgress", 42, ""},
		{dfu.Failed{Err: dfu.ErrStopped}, "Error", -1, dfu.ErrStopped.Error()},
	}
	for _, tt := range tests {
		ts := newTestServer(newStubController(tt.state), nil)
		resp, body := do(t, ts, http.MethodGet, "/v1/dfu/state", "")
		ts.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body["state"] != tt.name {
			t.Errorf("state = %v, want %s", body["state"], tt.name)
		}
		if tt.percent >= 0 && body["percent"] != tt.percent {
			t.Errorf("percent = %v, want %v", body["percent"], tt.percent)
		}
		if tt.errMsg != "" && body["error"] != tt.errMsg {
			t.Errorf("error = %v, want %s", body["error"], tt.errMsg)
		}
	}
}

func TestCheckPassesForce(t *testing.T) {
	ctrl := newStubController(dfu.Idle{})
	ts := newTestServer(ctrl, nil)
	defer ts.Close()

	resp, _ := do(t, ts, http.MethodPost, "/v1/dfu/check?force=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if force, _ := ctrl.snapshot(); !force {
		t.Error("force not passed to the controller")
	}

	ctrl.setErr(catalog.ErrNetwork)
	resp, body := do(t, ts, http.MethodPost, "/v1/dfu/check", "")
	if resp.StatusCode != http.StatusBadGateway || body["error"] == nil {
		t.Errorf("got %d %v, want 502 with an error", resp.StatusCode, body)
	}
}

func TestApplyRunsInBackground(t *testing.T) {
	ctrl := newStubController(dfu.Idle{})
	ts := newTestServer(ctrl, nil)
	defer ts.Close()

	resp, _ := do(t, ts, http.MethodPost, "/v1/dfu/apply", `{"updates":[{"targetVersion":"2.0.0","upgradeStatus":"MANDATORY","vendorId":"1","productId":"20"}]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case got := <-ctrl.applied:
		if len(got) != 1 || got[0].TargetVersion != "2.0.0" || got[0].UpgradeStatus != catalog.Mandatory {
			t.Errorf("applied %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("apply never reached the controller")
	}
}

func TestBusyAndIllegalRequests(t *testing.T) {
	tests := []struct {
		name  string
		state dfu.UpdateState
		path  string
	}{
		{"apply while transferring", dfu.TransferProgress{Percent: 10}, "/v1/dfu/apply"},
		{"execute before transfer", dfu.Idle{}, "/v1/dfu/execute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(newStubController(tt.state), nil)
			defer ts.Close()

			resp, _ := do(t, ts, http.MethodPost, tt.path, "")
			if resp.StatusCode != http.StatusConflict {
				t.Errorf("status = %d, want 409", resp.StatusCode)
			}
		})
	}
}

func TestStop(t *testing.T) {
	ctrl := newStubController(dfu.Transferred{})
	ts := newTestServer(ctrl, nil)
	defer ts.Close()

	resp, body := do(t, ts, http.MethodPost, "/v1/dfu/stop", "")
	if resp.StatusCode != http.StatusOK || body["state"] != "Stopped" {
		t.Errorf("got %d %v, want 200 Stopped", resp.StatusCode, body)
	}
	if _, stopped := ctrl.snapshot(); stopped != 1 {
		t.Errorf("Stop called %d times, want 1", stopped)
	}

	resp, _ = do(t, ts, http.MethodGet, "/v1/dfu/stop", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/dfu/stop = %d, want 405", resp.StatusCode)
	}
}
