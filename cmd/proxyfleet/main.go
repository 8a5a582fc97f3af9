package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"proxyfleet/internal/agent"
	"proxyfleet/internal/api"
	"proxyfleet/internal/config"
	"proxyfleet/internal/metrics"
	"proxyfleet/internal/panel"
	"proxyfleet/internal/store"
)

const usage = `proxyfleet - proxy fleet control plane

Usage:
  proxyfleet panel serve --config <path> [--debug]
  proxyfleet panel status --config <path>
  proxyfleet agent run --config <path> [--debug]
  proxyfleet client add --config <path> --email <addr> [--id <uuid>] [--limit-mb <n>] [--expire-days <n>]
  proxyfleet client list --config <path>
  proxyfleet client set --config <path> --id <uuid> [--status active|blocked] [--limit-mb <n>] [--extend-days <n>]
  proxyfleet client remove --config <path> --id <uuid>
  proxyfleet client assign --config <path> --id <uuid> --node <node-id>
  proxyfleet client unassign --config <path> --id <uuid> --node <node-id>
  proxyfleet node list --config <path>
  proxyfleet node remove --config <path> --id <node-id>
  proxyfleet stats --config <path>
`

const dbFileName = "proxyfleet.db"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "panel":
		handlePanel(os.Args[2:])
	case "agent":
		handleAgent(os.Args[2:])
	case "client":
		handleClient(os.Args[2:])
	case "node":
		handleNode(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handlePanel(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "panel subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "serve":
		panelServe(args[1:])
	case "status":
		panelStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown panel subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func panelServe(args []string) {
	fs := flag.NewFlagSet("panel serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	debug := fs.Bool("debug", false, "verbose logging")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Panel == nil {
		fatal(errors.New("panel config required"))
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if cfg.Panel.DataDir == "" {
		fatal(errors.New("panel.data_dir is required"))
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Panel.DataDir, 0o755); err != nil {
		fatal(err)
	}
	st, err := store.Open(filepath.Join(cfg.Panel.DataDir, dbFileName))
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sweeper := &panel.Sweeper{
		Store:        st,
		Interval:     time.Duration(cfg.Panel.SweepSec) * time.Second,
		OfflineAfter: time.Duration(cfg.Panel.OfflineAfterSec) * time.Second,
		Log:          logger,
		Metrics:      metrics.Get(),
	}
	go sweeper.Run(ctx)

	srv := panel.NewServer(*cfg.Panel, st, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		fatal(err)
	}
}

func panelStatus(args []string) {
	fs := flag.NewFlagSet("panel status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Panel == nil {
		fatal(errors.New("panel config required"))
	}
	config.ApplyDefaults(&cfg)
	if cfg.Panel.DataDir == "" {
		fatal(errors.New("panel.data_dir is required"))
	}

	st, err := store.Open(filepath.Join(cfg.Panel.DataDir, dbFileName))
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	stats, err := st.Stats(ctx, time.Now().UTC())
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "nodes=%d online=%d clients=%d active=%d traffic_today=%s\n",
		stats.Nodes, stats.NodesOnline, stats.Clients, stats.ClientsActive,
		humanize.Bytes(uint64(stats.TrafficToday)))

	nodes, err := st.ListNodes(ctx)
	if err != nil {
		fatal(err)
	}
	if len(nodes) == 0 {
		fmt.Fprintln(os.Stdout, "no registered nodes")
		return
	}
	fmt.Fprintf(os.Stdout, "%-36s  %-12s  %-15s  %-7s  %-8s  %-20s\n",
		"ID", "NAME", "IP", "COUNTRY", "STATUS", "LAST_HEARTBEAT")
	for _, n := range nodes {
		last := ""
		if !n.LastHeartbeatAt.IsZero() {
			last = n.LastHeartbeatAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%-36s  %-12s  %-15s  %-7s  %-8s  %-20s\n",
			n.ID, n.Name, n.IP, n.CountryCode, n.Status, last)
	}
}

func handleAgent(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "agent subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "run":
		agentRun(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown agent subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func agentRun(args []string) {
	fs := flag.NewFlagSet("agent run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	debug := fs.Bool("debug", false, "verbose logging")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Agent == nil {
		fatal(errors.New("agent config required"))
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Agent.NodeID == "" {
		nodeID, err := agent.Register(ctx, *cfg.Agent, logger)
		if err != nil {
			fatal(err)
		}
		if err := writeBackNodeID(*configPath, &cfg, nodeID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to persist node_id: %v\n", err)
		}
	}

	if err := agent.Run(ctx, *cfg.Agent, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleClient(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "client subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "add":
		clientAdd(args[1:])
	case "list":
		clientList(args[1:])
	case "set":
		clientSet(args[1:])
	case "remove":
		clientRemove(args[1:])
	case "assign":
		clientAssign(args[1:])
	case "unassign":
		clientUnassign(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown client subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func clientAdd(args []string) {
	fs := flag.NewFlagSet("client add", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	email := fs.String("email", "", "client email, unique across the fleet")
	id := fs.String("id", "", "client UUID; generated when omitted")
	limitMB := fs.Int64("limit-mb", -1, "daily traffic limit in MB, 0 means unlimited")
	expireDays := fs.Int("expire-days", -1, "days until expiry, 0 means never")
	_ = fs.Parse(args)

	if *email == "" {
		fatal(errors.New("--email is required"))
	}
	clientID := *id
	if clientID == "" {
		clientID = uuid.NewString()
	}

	req := api.RegisterClientRequest{ID: clientID, Email: *email}
	if *limitMB >= 0 {
		req.DailyLimitMB = limitMB
	}
	if *expireDays >= 0 {
		req.ExpireDays = expireDays
	}

	client, err := apiClient(*configPath)
	if err != nil {
		fatal(err)
	}
	rec, err := client.RegisterClient(context.Background(), req)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "created %s (%s)\n", rec.Email, rec.ID)
}

func clientList(args []string) {
	fs := flag.NewFlagSet("client list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	client, err := apiClient(*configPath)
	if err != nil {
		fatal(err)
	}
	clients, err := client.ListClients(context.Background())
	if err != nil {
		fatal(err)
	}
	if len(clients) == 0 {
		fmt.Fprintln(os.Stdout, "no clients")
		return
	}
	fmt.Fprintf(os.Stdout, "%-36s  %-24s  %-8s  %-9s  %-20s  %-10s  %-10s\n",
		"ID", "EMAIL", "STATUS", "LIMIT_MB", "EXPIRES", "UP", "DOWN")
	for _, c := range clients {
		expires := ""
		if c.ExpiresAt != nil {
			expires = c.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%-36s  %-24s  %-8s  %-9d  %-20s  %-10s  %-10s\n",
			c.ID, c.Email, c.Status, c.DailyLimitMB, expires,
			humanize.Bytes(uint64(c.TotalUplink)), humanize.Bytes(uint64(c.TotalDownlink)))
	}
}

func clientSet(args []string) {
	fs := flag.NewFlagSet("client set", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "", "client UUID")
	status := fs.String("status", "", "active or blocked")
	limitMB := fs.Int64("limit-mb", -1, "daily traffic limit in MB, 0 means unlimited")
	extendDays := fs.Int("extend-days", 0, "extend expiry by this many days")
	_ = fs.Parse(args)

	if *id == "" {
		fatal(errors.New("--id is required"))
	}

	req := api.UpdateClientRequest{}
	if *status != "" {
		req.Status = status
	}
	if *limitMB >= 0 {
		req.DailyLimitMB = limitMB
	}
	if *extendDays != 0 {
		req.ExtendDays = extendDays
	}

	client, err := apiClient(*configPath)
	if err != nil {
		fatal(err)
	}
	rec, err := client.UpdateClient(context.Background(), *id, req)
	if err != nil {
		fatal(err)
	}
	expires := "never"
	if rec.ExpiresAt != nil {
		expires = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(os.Stdout, "updated %s status=%s limit_mb=%d expires=%s\n",
		rec.Email, rec.Status, rec.DailyLimitMB, expires)
}

func clientRemove(args []string) {
	fs := flag.NewFlagSet("client remove", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "", "client UUID")
	_ = fs.Parse(args)

	if *id == "" {
		fatal(errors.New("--id is required"))
	}
	client, err := apiClient(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := client.DeleteClient(context.Background(), *id); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "removed %s\n", *id)
}

func clientAssign(args []string) {
	fs := flag.NewFlagSet("client assign", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "", "client UUID")
	node := fs.String("node", "", "node ID")
	_ = fs.Parse(args)

	if *id == "" || *node == "" {
		fatal(errors.New("--id and --node are required"))
	}
	client, err := apiClient(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := client.Assign(context.Background(), *id, *node); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "assigned %s to %s\n", *id, *node)
}

func clientUnassign(args []string) {
	fs := flag.NewFlagSet("client unassign", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "", "client UUID")
	node := fs.String("node", "", "node ID")
	_ = fs.Parse(args)

	if *id == "" || *node == "" {
		fatal(errors.New("--id and --node are required"))
	}
	client, err := apiClient(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := client.Unassign(context.Background(), *id, *node); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "unassigned %s from %s\n", *id, *node)
}

func handleNode(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "node subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "list":
		nodeList(args[1:])
	case "remove":
		nodeRemove(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown node subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func nodeList(args []string) {
	fs := flag.NewFlagSet("node list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	client, err := apiClient(*configPath)
	if err != nil {
		fatal(err)
	}
	nodes, err := client.ListNodes(context.Background())
	if err != nil {
		fatal(err)
	}
	if len(nodes) == 0 {
		fmt.Fprintln(os.Stdout, "no registered nodes")
		return
	}
	fmt.Fprintf(os.Stdout, "%-36s  %-12s  %-15s  %-7s  %-8s  %-20s\n",
		"ID", "NAME", "IP", "COUNTRY", "STATUS", "LAST_HEARTBEAT")
	for _, n := range nodes {
		last := ""
		if n.LastHeartbeatAt != nil {
			last = n.LastHeartbeatAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%-36s  %-12s  %-15s  %-7s  %-8s  %-20s\n",
			n.ID, n.Name, n.IP, n.CountryCode, n.Status, last)
	}
}

func nodeRemove(args []string) {
	fs := flag.NewFlagSet("node remove", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "", "node ID")
	_ = fs.Parse(args)

	if *id == "" {
		fatal(errors.New("--id is required"))
	}
	client, err := apiClient(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := client.DeleteNode(context.Background(), *id); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "removed %s\n", *id)
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	client, err := apiClient(*configPath)
	if err != nil {
		fatal(err)
	}
	stats, err := client.Stats(context.Background())
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "nodes=%d online=%d clients=%d active=%d traffic_today=%s\n",
		stats.Nodes, stats.NodesOnline, stats.Clients, stats.ClientsActive,
		humanize.Bytes(uint64(stats.TrafficToday)))
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errors.New("--config is required")
	}
	return config.Load(path)
}

// apiClient builds a panel API client from whichever config section is
// present: agents know the panel URL, the panel host reaches itself over
// loopback.
func apiClient(configPath string) (*api.Client, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	config.ApplyDefaults(&cfg)
	if cfg.Agent != nil && cfg.Agent.Panel != "" {
		return api.NewClient(normalizeBaseURL(cfg.Agent.Panel), cfg.Agent.APIToken), nil
	}
	if cfg.Panel != nil {
		return api.NewClient(panelBaseURL(cfg.Panel.Listen), cfg.Panel.APIToken), nil
	}
	return nil, errors.New("config needs a panel or agent section")
}

func panelBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return normalizeBaseURL(listen)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func writeBackNodeID(path string, cfg *config.Config, nodeID string) error {
	if path == "" || cfg == nil || cfg.Agent == nil || nodeID == "" {
		return nil
	}
	if cfg.Agent.NodeID == nodeID {
		return nil
	}
	cfg.Agent.NodeID = nodeID
	return config.Save(path, *cfg)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
