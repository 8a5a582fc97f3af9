package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"proxyfleet/internal/config"
	"proxyfleet/internal/model"
	"proxyfleet/internal/xray"
)

const testXrayConfig = `{
  "inbounds": [
    {
      "tag": "vless-in",
      "protocol": "vless",
      "settings": {
        "clients": [
          {"id": "11111111-1111-1111-1111-111111111111", "email": "alice@example.com"}
        ],
        "decryption": "none"
      }
    }
  ],
  "outbounds": [{"protocol": "freedom"}]
}
`

func writeXrayConfig(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(testXrayConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testAgentConfig(configPath string) config.AgentConfig {
	return config.AgentConfig{
		Name:           "edge-1",
		Panel:          "http://127.0.0.1:1",
		APIToken:       "tok",
		NodeID:         "n1",
		SyncSec:        60,
		XrayConfigPath: configPath,
		XrayBinary:     "xray",
		XrayAPIAddr:    "127.0.0.1:10085",
		XrayService:    "xray",
		InboundTag:     "vless-in",
	}
}

func newTestReconciler(t *testing.T, f *fakeRunner) *reconciler {
	t.Helper()

	return &reconciler{
		cfg:  testAgentConfig(writeXrayConfig(t)),
		xray: xray.NewManager(f),
		log:  zap.NewNop(),
	}
}

func countCmds(f *fakeRunner, cmd string) int {
	n := 0
	for _, c := range f.cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestReconcile_AppliesDesiredSet(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{active: true}
	r := newTestReconciler(t, f)
	desired := []model.ClientDescriptor{
		{ID: "b-2", Email: "bob@example.com"},
		{ID: "c-3", Email: "carol@example.com"},
	}

	if err := r.reconcile(context.Background(), desired); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if r.state != StateIdle {
		t.Fatalf("state=%v", r.state)
	}
	if r.enforced != 2 {
		t.Fatalf("enforced=%d", r.enforced)
	}

	got, err := xray.CurrentClients(r.cfg.XrayConfigPath, r.cfg.InboundTag)
	if err != nil {
		t.Fatalf("CurrentClients: %v", err)
	}
	if len(got) != 2 || got[0].Email != "bob@example.com" || got[1].Email != "carol@example.com" {
		t.Fatalf("clients=%+v", got)
	}

	if n := countCmds(f, "systemctl stop xray"); n != 1 {
		t.Fatalf("stops=%d", n)
	}
	if n := countCmds(f, "systemctl start xray"); n != 1 {
		t.Fatalf("starts=%d", n)
	}
}

func TestReconcile_NoOpWhenMatched(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{active: true}
	r := newTestReconciler(t, f)
	before, err := os.ReadFile(r.cfg.XrayConfigPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	desired := []model.ClientDescriptor{
		{ID: "11111111-1111-1111-1111-111111111111", Email: "alice@example.com"},
	}
	if err := r.reconcile(context.Background(), desired); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if r.state != StateIdle {
		t.Fatalf("state=%v", r.state)
	}
	if r.enforced != 1 {
		t.Fatalf("enforced=%d", r.enforced)
	}
	if len(f.cmds) != 0 {
		t.Fatalf("cmds=%v, want none", f.cmds)
	}
	after, err := os.ReadFile(r.cfg.XrayConfigPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("config rewritten on a matching set")
	}
}

func TestReconcile_EmptyDesiredWipesClients(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{active: true}
	r := newTestReconciler(t, f)

	if err := r.reconcile(context.Background(), []model.ClientDescriptor{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if r.state != StateIdle || r.enforced != 0 {
		t.Fatalf("state=%v enforced=%d", r.state, r.enforced)
	}
	got, err := xray.CurrentClients(r.cfg.XrayConfigPath, r.cfg.InboundTag)
	if err != nil {
		t.Fatalf("CurrentClients: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("clients=%+v", got)
	}
}

func TestReconcile_MalformedConfigFailsClosed(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{active: true}
	r := newTestReconciler(t, f)
	if err := os.WriteFile(r.cfg.XrayConfigPath, []byte("{"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	err := r.reconcile(context.Background(), []model.ClientDescriptor{{ID: "b-2", Email: "bob@example.com"}})
	if err == nil || !strings.Contains(err.Error(), "read local config") {
		t.Fatalf("err=%v", err)
	}
	if r.state != StateIdle {
		t.Fatalf("state=%v", r.state)
	}
	if len(f.cmds) != 0 {
		t.Fatalf("cmds=%v, want none", f.cmds)
	}
	// The broken file must be left as-is for an operator to inspect.
	data, err := os.ReadFile(r.cfg.XrayConfigPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) != "{" {
		t.Fatalf("config=%q", data)
	}
}

func TestReconcile_RestartFailureDegradesThenRecovers(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{active: true, failStart: true}
	r := newTestReconciler(t, f)
	desired := []model.ClientDescriptor{{ID: "b-2", Email: "bob@example.com"}}

	err := r.reconcile(context.Background(), desired)
	if err == nil {
		t.Fatalf("expected restart error")
	}
	if r.state != StateDegraded {
		t.Fatalf("state=%v", r.state)
	}
	// The write landed even though the restart did not.
	got, err := xray.CurrentClients(r.cfg.XrayConfigPath, r.cfg.InboundTag)
	if err != nil {
		t.Fatalf("CurrentClients: %v", err)
	}
	if len(got) != 1 || got[0].Email != "bob@example.com" {
		t.Fatalf("clients=%+v", got)
	}

	// Matching sets normally mean no-op, but a degraded pass still owes
	// the restart.
	f.failStart = false
	if err := r.reconcile(context.Background(), desired); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r.state != StateIdle {
		t.Fatalf("state=%v after retry", r.state)
	}
	if n := countCmds(f, "systemctl start xray"); n != 2 {
		t.Fatalf("starts=%d", n)
	}
}

func TestSameClients(t *testing.T) {
	t.Parallel()

	alice := model.ClientDescriptor{ID: "a", Email: "alice@example.com"}
	bob := model.ClientDescriptor{ID: "b", Email: "bob@example.com"}

	cases := []struct {
		name             string
		current, desired []model.ClientDescriptor
		want             bool
	}{
		{"both empty", nil, []model.ClientDescriptor{}, true},
		{"same order", []model.ClientDescriptor{alice, bob}, []model.ClientDescriptor{alice, bob}, true},
		{"reordered", []model.ClientDescriptor{bob, alice}, []model.ClientDescriptor{alice, bob}, true},
		{"extra member", []model.ClientDescriptor{alice}, []model.ClientDescriptor{alice, bob}, false},
		{"missing member", []model.ClientDescriptor{alice, bob}, []model.ClientDescriptor{alice}, false},
		{"email changed", []model.ClientDescriptor{alice}, []model.ClientDescriptor{{ID: "a", Email: "new@example.com"}}, false},
	}
	for _, tc := range cases {
		if got := sameClients(tc.current, tc.desired); got != tc.want {
			t.Fatalf("%s: got=%v", tc.name, got)
		}
	}
}
