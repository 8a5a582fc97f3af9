package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/api"
	"proxyfleet/internal/config"
	"proxyfleet/internal/execx"
	"proxyfleet/internal/model"
	"proxyfleet/internal/xray"
)

// fakeRunner plays both systemd and the xray stats API.
type fakeRunner struct {
	cmds      []string
	active    bool
	failStart bool
	stats     string
	statsErr  error
}

var _ execx.Runner = (*fakeRunner)(nil)

func (f *fakeRunner) record(name string, args ...string) {
	f.cmds = append(f.cmds, name+" "+strings.Join(args, " "))
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	f.record(name, args...)
	if name == "systemctl" && len(args) == 2 {
		switch args[0] {
		case "stop":
			f.active = false
			return nil
		case "start":
			if f.failStart {
				return errors.New("unit failed")
			}
			f.active = true
			return nil
		}
	}
	return nil
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	f.record(name, args...)
	if name == "systemctl" && len(args) == 2 && args[0] == "is-active" {
		if f.active {
			return "active\n", nil
		}
		return "inactive\n", errors.New("systemctl is-active: exit status 3")
	}
	return f.stats, f.statsErr
}

func (f *fakeRunner) sawStatsQuery() bool {
	for _, c := range f.cmds {
		if strings.Contains(c, "statsquery") {
			return true
		}
	}
	return false
}

// panelStub answers the three endpoints a cycle touches for node "n1".
type panelStub struct {
	mu          sync.Mutex
	clients     []model.ClientDescriptor
	heartbeats  []api.HeartbeatRequest
	reports     []api.TrafficReport
	failClients bool
	failTraffic bool
	dropNode    bool
}

func (p *panelStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "GET /api/nodes/n1/clients":
			if p.failClients {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(p.clients)
		case "POST /api/nodes/n1/heartbeat":
			if p.dropNode {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown node"})
				return
			}
			var req api.HeartbeatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode heartbeat: %v", err)
			}
			p.heartbeats = append(p.heartbeats, req)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "POST /api/nodes/n1/traffic":
			if p.failTraffic {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			var report api.TrafficReport
			if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
				t.Errorf("decode traffic: %v", err)
			}
			p.reports = append(p.reports, report)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (p *panelStub) set(fn func(*panelStub)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *panelStub) snapshot() ([]api.HeartbeatRequest, []api.TrafficReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]api.HeartbeatRequest(nil), p.heartbeats...), append([]api.TrafficReport(nil), p.reports...)
}

func newTestAgent(t *testing.T, stub *panelStub, f *fakeRunner) *agent {
	t.Helper()

	ts := httptest.NewServer(stub.handler(t))
	t.Cleanup(ts.Close)

	cfg := testAgentConfig(writeXrayConfig(t))
	cfg.Panel = ts.URL
	mgr := xray.NewManager(f)
	return &agent{
		cfg:     cfg,
		client:  newPanelClient(cfg),
		xray:    mgr,
		rec:     &reconciler{cfg: cfg, xray: mgr, log: zap.NewNop()},
		log:     zap.NewNop(),
		pending: api.TrafficReport{},
	}
}

func statsJSON(email string, up, down int64) string {
	return fmt.Sprintf(`{"stat":[
		{"name":"user>>>%s>>>traffic>>>uplink","value":"%d"},
		{"name":"user>>>%s>>>traffic>>>downlink","value":"%d"}]}`, email, up, email, down)
}

var aliceDesired = []model.ClientDescriptor{
	{ID: "11111111-1111-1111-1111-111111111111", Email: "alice@example.com"},
}

func TestCycle_HappyPath(t *testing.T) {
	t.Parallel()

	stub := &panelStub{clients: aliceDesired}
	f := &fakeRunner{active: true, stats: statsJSON("alice@example.com", 100, 200)}
	a := newTestAgent(t, stub, f)

	a.runCycle(context.Background())

	heartbeats, reports := stub.snapshot()
	if len(heartbeats) != 1 {
		t.Fatalf("heartbeats=%d", len(heartbeats))
	}
	hb := heartbeats[0]
	if hb.Status != api.AgentOK {
		t.Fatalf("status=%q", hb.Status)
	}
	if hb.Metrics == nil || hb.Metrics.EnforcedClients != 1 {
		t.Fatalf("metrics=%+v", hb.Metrics)
	}
	if len(reports) != 1 {
		t.Fatalf("reports=%d", len(reports))
	}
	if d := reports[0]["alice@example.com"]; d.Uplink != 100 || d.Downlink != 200 {
		t.Fatalf("delta=%+v", d)
	}
	if len(a.pending) != 0 {
		t.Fatalf("pending=%v after delivery", a.pending)
	}
}

func TestCycle_TrafficRetryMerges(t *testing.T) {
	t.Parallel()

	stub := &panelStub{clients: aliceDesired, failTraffic: true}
	f := &fakeRunner{active: true, stats: statsJSON("alice@example.com", 100, 200)}
	a := newTestAgent(t, stub, f)

	a.runCycle(context.Background())
	if _, reports := stub.snapshot(); len(reports) != 0 {
		t.Fatalf("reports=%d while panel is failing", len(reports))
	}
	if d := a.pending["alice@example.com"]; d.Uplink != 100 || d.Downlink != 200 {
		t.Fatalf("pending=%+v", a.pending)
	}

	// Next window harvests fresh deltas; the retried report carries both.
	stub.set(func(p *panelStub) { p.failTraffic = false })
	f.stats = statsJSON("alice@example.com", 10, 20)

	a.runCycle(context.Background())
	_, reports := stub.snapshot()
	if len(reports) != 1 {
		t.Fatalf("reports=%d", len(reports))
	}
	if d := reports[0]["alice@example.com"]; d.Uplink != 110 || d.Downlink != 220 {
		t.Fatalf("delta=%+v", d)
	}
	if len(a.pending) != 0 {
		t.Fatalf("pending=%v after delivery", a.pending)
	}
}

func TestCycle_QueryFailureStillFlushesPending(t *testing.T) {
	t.Parallel()

	stub := &panelStub{clients: aliceDesired}
	f := &fakeRunner{active: true, statsErr: errors.New("api unreachable")}
	a := newTestAgent(t, stub, f)
	a.pending["alice@example.com"] = model.TrafficDelta{Uplink: 7, Downlink: 9}

	a.runCycle(context.Background())

	_, reports := stub.snapshot()
	if len(reports) != 1 {
		t.Fatalf("reports=%d", len(reports))
	}
	if d := reports[0]["alice@example.com"]; d.Uplink != 7 || d.Downlink != 9 {
		t.Fatalf("delta=%+v", d)
	}
	if len(a.pending) != 0 {
		t.Fatalf("pending=%v after delivery", a.pending)
	}
}

func TestCycle_UnknownNodeSkipsTraffic(t *testing.T) {
	t.Parallel()

	stub := &panelStub{clients: aliceDesired, dropNode: true}
	f := &fakeRunner{active: true, stats: statsJSON("alice@example.com", 100, 200)}
	a := newTestAgent(t, stub, f)

	a.runCycle(context.Background())

	_, reports := stub.snapshot()
	if len(reports) != 0 {
		t.Fatalf("reports=%d", len(reports))
	}
	// The counters were never harvested, so nothing is lost node-side.
	if f.sawStatsQuery() {
		t.Fatalf("statsquery ran despite unknown node")
	}
}

func TestCycle_FetchFailureKeepsServing(t *testing.T) {
	t.Parallel()

	stub := &panelStub{failClients: true}
	f := &fakeRunner{active: true, stats: `{"stat":[]}`}
	a := newTestAgent(t, stub, f)
	before, err := os.ReadFile(a.cfg.XrayConfigPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	a.runCycle(context.Background())

	after, err := os.ReadFile(a.cfg.XrayConfigPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("config rewritten while panel unreachable")
	}
	heartbeats, _ := stub.snapshot()
	if len(heartbeats) != 1 || heartbeats[0].Status != api.AgentOK {
		t.Fatalf("heartbeats=%+v", heartbeats)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	stub := &panelStub{clients: aliceDesired}
	f := &fakeRunner{active: true}
	a := newTestAgent(t, stub, f)
	ctx := context.Background()

	if got := a.status(ctx); got != api.AgentOK {
		t.Fatalf("status=%q", got)
	}

	f.active = false
	if got := a.status(ctx); got != api.AgentDegraded {
		t.Fatalf("status=%q with service down", got)
	}

	f.active = true
	a.rec.state = StateDegraded
	if got := a.status(ctx); got != api.AgentDegraded {
		t.Fatalf("status=%q with reconciler degraded", got)
	}
}

func TestMergePending(t *testing.T) {
	t.Parallel()

	pending := api.TrafficReport{"alice@example.com": {Uplink: 5, Downlink: 10}}
	mergePending(pending, map[string]model.TrafficDelta{
		"alice@example.com": {Uplink: 1, Downlink: 2},
		"bob@example.com":   {Uplink: 3},
	})

	if d := pending["alice@example.com"]; d.Uplink != 6 || d.Downlink != 12 {
		t.Fatalf("alice=%+v", d)
	}
	if d := pending["bob@example.com"]; d.Uplink != 3 || d.Downlink != 0 {
		t.Fatalf("bob=%+v", d)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	var got api.RegisterNodeRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/nodes/register" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.RegisterNodeResponse{NodeID: "n-123"})
	}))
	t.Cleanup(ts.Close)

	cfg := config.AgentConfig{
		Name:        "edge-1",
		Panel:       ts.URL,
		APIToken:    "tok",
		AdvertiseIP: "198.51.100.7",
		CountryCode: "NL",
		XrayBinary:  "proxyfleet-test-missing-binary",
	}
	id, err := Register(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id != "n-123" {
		t.Fatalf("node_id=%q", id)
	}
	if got.Name != "edge-1" || got.IP != "198.51.100.7" || got.CountryCode != "NL" {
		t.Fatalf("request=%+v", got)
	}
	// No xray installed locally; the version is simply absent.
	if got.XrayVersion != "" {
		t.Fatalf("xray_version=%q", got.XrayVersion)
	}
}

func TestRegister_RetriesUntilPanelAnswers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.RegisterNodeResponse{NodeID: "n-123"})
	}))
	t.Cleanup(ts.Close)

	cfg := config.AgentConfig{
		Name:        "edge-1",
		Panel:       ts.URL,
		APIToken:    "tok",
		AdvertiseIP: "198.51.100.7",
		XrayBinary:  "proxyfleet-test-missing-binary",
	}
	id, err := Register(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id != "n-123" {
		t.Fatalf("node_id=%q", id)
	}
	if calls.Load() < 2 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestRegister_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cfg := config.AgentConfig{
		Name:        "edge-1",
		Panel:       ts.URL,
		APIToken:    "tok",
		AdvertiseIP: "198.51.100.7",
		XrayBinary:  "proxyfleet-test-missing-binary",
	}
	start := time.Now()
	if _, err := Register(ctx, cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected error after cancel")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("register kept retrying past cancel")
	}
}

func TestRun_RequiresNodeID(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), config.AgentConfig{Name: "edge-1"}, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "node_id") {
		t.Fatalf("err=%v", err)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"panel.example.com:8080", "http://panel.example.com:8080"},
		{"http://panel.example.com", "http://panel.example.com"},
		{"https://panel.example.com", "https://panel.example.com"},
	}
	for _, tc := range cases {
		if got := normalizeBaseURL(tc.in); got != tc.want {
			t.Fatalf("normalizeBaseURL(%q)=%q", tc.in, got)
		}
	}
}
