package xray

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"proxyfleet/internal/execx"
)

const (
	statePollInterval = 200 * time.Millisecond
	stateWait         = 15 * time.Second
)

// Manager executes systemctl/xray commands. It is injectable for unit tests.
type Manager struct {
	r execx.Runner
}

func NewManager(r execx.Runner) *Manager {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Manager{r: r}
}

// Restart stops the enforcement service, waits until it is inactive,
// starts it again and waits until it reports active. An error at any
// step means the service may be down.
func (m *Manager) Restart(ctx context.Context, service string) error {
	if service == "" {
		return fmt.Errorf("xray_service is required")
	}
	if err := m.run(ctx, "systemctl", "stop", service); err != nil {
		return fmt.Errorf("stop %s: %w", service, err)
	}
	if err := m.waitActive(ctx, service, false); err != nil {
		return fmt.Errorf("stop %s: %w", service, err)
	}
	if err := m.run(ctx, "systemctl", "start", service); err != nil {
		return fmt.Errorf("start %s: %w", service, err)
	}
	if err := m.waitActive(ctx, service, true); err != nil {
		return fmt.Errorf("start %s: %w", service, err)
	}
	return nil
}

// Running reports whether the enforcement service is active.
func (m *Manager) Running(ctx context.Context, service string) bool {
	out, err := m.output(ctx, "systemctl", "is-active", service)
	return err == nil && strings.TrimSpace(out) == "active"
}

func (m *Manager) waitActive(ctx context.Context, service string, want bool) error {
	deadline := time.Now().Add(stateWait)
	for {
		if m.Running(ctx, service) == want {
			return nil
		}
		if time.Now().After(deadline) {
			if want {
				return fmt.Errorf("service did not become active within %s", stateWait)
			}
			return fmt.Errorf("service did not stop within %s", stateWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statePollInterval):
		}
	}
}

// Version returns the local xray-core version, e.g. "25.1.30".
func (m *Manager) Version(ctx context.Context, binary string) (string, error) {
	out, err := m.output(ctx, binary, "version")
	if err != nil {
		return "", err
	}
	return ParseVersion(out), nil
}

// ParseVersion extracts the bare version from `xray version` output.
// The first line looks like "Xray 25.1.30 (Xray, Penetrates Everything.)".
func ParseVersion(out string) string {
	line := out
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) >= 2 && strings.EqualFold(fields[0], "xray") {
		return fields[1]
	}
	return strings.TrimSpace(line)
}

func (m *Manager) run(ctx context.Context, name string, args ...string) error {
	if m == nil || m.r == nil {
		return fmt.Errorf("runner not initialized")
	}
	return m.r.Run(ctx, name, args...)
}

func (m *Manager) output(ctx context.Context, name string, args ...string) (string, error) {
	if m == nil || m.r == nil {
		return "", fmt.Errorf("runner not initialized")
	}
	return m.r.Output(ctx, name, args...)
}
