package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"proxyfleet/internal/config"
	"proxyfleet/internal/model"
	"proxyfleet/internal/xray"
)

// State names the reconciler's position in its compare-and-apply pass.
type State int

const (
	// StateIdle means the local config matched the panel on the last pass.
	StateIdle State = iota
	// StateComparing and StateApplying only show up mid-pass.
	StateComparing
	StateApplying
	// StateDegraded means the config was rewritten but the service restart
	// failed. The restart is owed and retried even when the sets match.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComparing:
		return "comparing"
	case StateApplying:
		return "applying"
	case StateDegraded:
		return "degraded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// reconciler drives the local xray config toward the panel's assignment
// snapshot: at most one config write and one restart per pass, and no
// touch at all when the client sets already match.
type reconciler struct {
	cfg  config.AgentConfig
	xray *xray.Manager
	log  *zap.Logger

	state    State
	enforced int
}

func (r *reconciler) reconcile(ctx context.Context, desired []model.ClientDescriptor) error {
	prev := r.state
	r.state = StateComparing

	current, err := xray.CurrentClients(r.cfg.XrayConfigPath, r.cfg.InboundTag)
	if err != nil {
		// Fail closed: a config that cannot be parsed must not be
		// rewritten blind.
		r.state = prev
		return fmt.Errorf("read local config: %w", err)
	}
	r.enforced = len(current)

	if sameClients(current, desired) {
		if prev != StateDegraded {
			r.state = StateIdle
			return nil
		}
		// The config already matches but the last restart failed.
		return r.restart(ctx)
	}

	r.state = StateApplying
	if err := xray.WriteClients(r.cfg.XrayConfigPath, r.cfg.InboundTag, r.cfg.ClientFlow, desired); err != nil {
		// The rename never happened, the old config is intact.
		r.state = prev
		return fmt.Errorf("write config: %w", err)
	}
	r.enforced = len(desired)
	return r.restart(ctx)
}

func (r *reconciler) restart(ctx context.Context) error {
	if err := r.xray.Restart(ctx, r.cfg.XrayService); err != nil {
		r.state = StateDegraded
		return err
	}
	if r.cfg.HealthAddr != "" && !waitInbound(ctx, r.cfg.HealthAddr, inboundWait) {
		r.state = StateDegraded
		return fmt.Errorf("inbound %s not accepting connections after restart", r.cfg.HealthAddr)
	}
	r.state = StateIdle
	return nil
}

// sameClients compares membership only; order differences do not trigger
// a rewrite. An email change for a kept id does, since email is the key
// traffic is attributed under.
func sameClients(current, desired []model.ClientDescriptor) bool {
	if len(current) != len(desired) {
		return false
	}
	emails := make(map[string]string, len(current))
	for _, c := range current {
		emails[c.ID] = c.Email
	}
	for _, d := range desired {
		email, ok := emails[d.ID]
		if !ok || email != d.Email {
			return false
		}
	}
	return true
}
