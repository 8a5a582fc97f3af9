package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"proxyfleet/internal/addrutil"
	"proxyfleet/internal/api"
	"proxyfleet/internal/config"
	"proxyfleet/internal/model"
	"proxyfleet/internal/stunutil"
	"proxyfleet/internal/xray"
)

const stunProbeTimeout = 5 * time.Second

// Register announces this node to the panel and returns the minted node id.
// It retries with exponential backoff until the panel answers or ctx is
// cancelled; a panel that is briefly down at boot must not kill the agent.
func Register(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (string, error) {
	client := newPanelClient(cfg)
	manager := xray.NewManager(nil)

	ip := cfg.AdvertiseIP
	if ip == "" && len(cfg.STUNServers) > 0 {
		addr, err := stunutil.Probe(ctx, cfg.STUNServers, stunProbeTimeout)
		if err != nil {
			logger.Warn("stun probe failed", zap.Error(err))
		} else {
			ip = addrutil.Host(addr)
		}
	}

	version, err := manager.Version(ctx, cfg.XrayBinary)
	if err != nil {
		logger.Warn("xray version probe failed", zap.Error(err))
	}

	req := api.RegisterNodeRequest{
		Name:        cfg.Name,
		IP:          ip,
		CountryCode: cfg.CountryCode,
		CountryName: cfg.CountryName,
		City:        cfg.City,
		ISP:         cfg.ISP,
		XrayVersion: version,
	}

	var nodeID string
	operation := func() error {
		resp, err := client.RegisterNode(ctx, req)
		if err != nil {
			logger.Warn("register failed, will retry", zap.Error(err))
			return err
		}
		nodeID = resp.NodeID
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(eb, ctx)); err != nil {
		return "", err
	}
	logger.Info("registered", zap.String("node_id", nodeID), zap.String("ip", ip))
	return nodeID, nil
}

// Run starts the long-running node agent loop: reconcile the local xray
// config against the panel, heartbeat, then flush traffic deltas, once
// per sync interval. cfg.NodeID must already be set; Register first.
func Run(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) error {
	if cfg.NodeID == "" {
		return errors.New("agent.node_id is empty; register first")
	}

	manager := xray.NewManager(nil)
	a := &agent{
		cfg:     cfg,
		client:  newPanelClient(cfg),
		xray:    manager,
		rec:     &reconciler{cfg: cfg, xray: manager, log: logger},
		log:     logger,
		pending: api.TrafficReport{},
	}

	ticker := time.NewTicker(time.Duration(cfg.SyncSec) * time.Second)
	defer ticker.Stop()

	// First cycle runs immediately so a fresh node converges without
	// waiting out the interval.
	a.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			go a.runCycle(ctx)
		}
	}
}

type agent struct {
	cfg    config.AgentConfig
	client *api.Client
	xray   *xray.Manager
	rec    *reconciler
	log    *zap.Logger

	// mu makes cycles single-flight; pending is only touched under it.
	mu      sync.Mutex
	pending api.TrafficReport
}

func (a *agent) runCycle(ctx context.Context) {
	if !a.mu.TryLock() {
		// Restarts can outlast the sync interval. Skip the tick, the
		// next one picks up whatever this cycle leaves behind.
		a.log.Debug("cycle still in flight, tick skipped")
		return
	}
	defer a.mu.Unlock()

	a.syncClients(ctx)
	if !a.sendHeartbeat(ctx) {
		return
	}
	a.reportTraffic(ctx)
}

func (a *agent) syncClients(ctx context.Context) {
	desired, err := a.client.NodeClients(ctx, a.cfg.NodeID)
	if err != nil {
		// Last known-good config keeps serving while the panel is out.
		a.log.Warn("fetch assigned clients failed", zap.Error(err))
		return
	}
	if err := a.rec.reconcile(ctx, desired); err != nil {
		a.log.Warn("reconcile failed", zap.Error(err), zap.Stringer("state", a.rec.state))
		return
	}
	a.log.Debug("reconciled", zap.Int("clients", a.rec.enforced), zap.Stringer("state", a.rec.state))
}

// sendHeartbeat reports liveness. A false return means the panel does not
// know this node id; the rest of the cycle is pointless then.
func (a *agent) sendHeartbeat(ctx context.Context) bool {
	req := api.HeartbeatRequest{
		Status: a.status(ctx),
		Metrics: &model.NodeMetrics{
			CPUPct:          cpuPct(),
			MemPct:          memPct(),
			EnforcedClients: a.rec.enforced,
		},
	}
	err := a.client.Heartbeat(ctx, a.cfg.NodeID, req)
	if api.IsNotFound(err) {
		// Deleted on the panel. Keep serving existing clients; an
		// operator clears node_id from the config to re-enroll.
		a.log.Error("panel does not know this node", zap.String("node_id", a.cfg.NodeID))
		return false
	}
	if err != nil {
		a.log.Warn("heartbeat failed", zap.Error(err))
	}
	return true
}

func (a *agent) status(ctx context.Context) string {
	if a.rec.state == StateDegraded {
		return api.AgentDegraded
	}
	if !a.xray.Running(ctx, a.cfg.XrayService) {
		return api.AgentDegraded
	}
	if a.cfg.HealthAddr != "" && !checkInbound(a.cfg.HealthAddr, inboundDialTimeout) {
		return api.AgentDegraded
	}
	return api.AgentOK
}

func (a *agent) reportTraffic(ctx context.Context) {
	deltas, err := a.xray.QueryTraffic(ctx, a.cfg.XrayBinary, a.cfg.XrayAPIAddr)
	if err != nil {
		// A failed query leaves the runtime counters unreset, so nothing
		// is lost; still try to flush what earlier cycles left pending.
		a.log.Warn("traffic query failed", zap.Error(err))
	}
	mergePending(a.pending, deltas)

	if len(a.pending) == 0 {
		return
	}
	if err := a.client.ReportTraffic(ctx, a.cfg.NodeID, a.pending); err != nil {
		// The counters were already reset node-side, so this report is
		// the only copy. It rides along into the next cycle.
		a.log.Warn("traffic report failed", zap.Error(err), zap.Int("clients", len(a.pending)))
		return
	}
	a.pending = api.TrafficReport{}
}

// mergePending folds freshly harvested deltas into the unsent report.
func mergePending(pending api.TrafficReport, deltas map[string]model.TrafficDelta) {
	for email, d := range deltas {
		cur := pending[email]
		cur.Uplink += d.Uplink
		cur.Downlink += d.Downlink
		pending[email] = cur
	}
}

func newPanelClient(cfg config.AgentConfig) *api.Client {
	client := api.NewClient(normalizeBaseURL(cfg.Panel), cfg.APIToken)
	if cfg.RequestTimeoutSec > 0 {
		client.HTTPClient.Timeout = time.Duration(cfg.RequestTimeoutSec) * time.Second
	}
	return client
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
