package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"gpufleet/internal/agent"
	"gpufleet/internal/aggregator"
	"gpufleet/internal/api"
	"gpufleet/internal/audit"
	"gpufleet/internal/config"
	"gpufleet/internal/hostinfo"
	"gpufleet/internal/logutil"
	"gpufleet/internal/model"
)

const usage = `gpufleet - GPU fleet telemetry and remote process control

Usage:
  gpufleet config init --out <path> [--role aggregator|agent]
  gpufleet aggregator serve [--config <path>] [--listen :7864] [--liveness-window 30s]
  gpufleet agent run [--config <path>] [--aggregator <host:port>] [--hostname <name>]
  gpufleet agent push [--config <path>] [--aggregator <host:port>] [--hostname <name>]
  gpufleet hosts --aggregator <host:port> [--json]
  gpufleet kill --aggregator <host:port> --host <name> --pids <pid,pid,...>
  gpufleet command --aggregator <host:port> --id <command-id>
  gpufleet audit stats --path <file> [--window 24h]

Environment:
  GPUFLEET_AGGREGATOR_*  overrides the aggregator section (e.g. GPUFLEET_AGGREGATOR_LISTEN)
  GPUFLEET_AGENT_*       overrides the agent section (e.g. GPUFLEET_AGENT_AGGREGATOR)
  GPUFLEET_LOG_LEVEL     debug|info|warn|error
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "config":
		handleConfig(os.Args[2:])
	case "aggregator":
		handleAggregator(os.Args[2:])
	case "agent":
		handleAgent(os.Args[2:])
	case "hosts":
		handleHosts(os.Args[2:])
	case "kill":
		handleKill(os.Args[2:])
	case "command":
		handleCommand(os.Args[2:])
	case "audit":
		handleAudit(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleConfig(args []string) {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprint(os.Stderr, "usage: gpufleet config init --out <path> [--role aggregator|agent]\n")
		os.Exit(2)
	}
	fs := pflag.NewFlagSet("config init", pflag.ExitOnError)
	out := fs.String("out", "gpufleet.yaml", "path to write")
	role := fs.String("role", "", "only write the aggregator or agent section")
	aggregatorAddr := fs.String("aggregator", "127.0.0.1"+config.DefaultListen, "aggregator address for the agent section")
	_ = fs.Parse(args[1:])

	var cfg config.Config
	switch *role {
	case "":
		cfg.Aggregator = &config.AggregatorConfig{}
		cfg.Agent = &config.AgentConfig{Aggregator: *aggregatorAddr}
	case "aggregator":
		cfg.Aggregator = &config.AggregatorConfig{}
	case "agent":
		cfg.Agent = &config.AgentConfig{Aggregator: *aggregatorAddr}
	default:
		fatal(fmt.Errorf("unknown role %q", *role))
	}
	fatal(config.Save(*out, cfg))
	fmt.Fprintf(os.Stdout, "wrote %s\n", *out)
}

func handleAggregator(args []string) {
	if len(args) == 0 || args[0] != "serve" {
		fmt.Fprint(os.Stderr, "aggregator subcommand required: serve\n")
		os.Exit(2)
	}
	fs := pflag.NewFlagSet("aggregator serve", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address")
	window := fs.Duration("liveness-window", 0, "how long a host stays online after its last snapshot")
	auditPath := fs.String("audit-path", "", "CSV file recording kill results")
	origins := fs.String("cors-origins", "", "comma-separated allowed CORS origins")
	logLevel := fs.String("log-level", "", "log level")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = &config.AggregatorConfig{}
	}
	cfg.Agent = nil
	fatal(config.ApplyEnv(&cfg))
	fatal(overrideAggregator(cfg.Aggregator, *listen, *window, *auditPath, *origins))
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	config.ApplyDefaults(&cfg)
	fatal(config.Validate(cfg))

	sync := initLogging(cfg.LogLevel)
	defer sync()

	ctx, cancel := signalContext()
	defer cancel()
	fatal(aggregator.NewServer(*cfg.Aggregator).ListenAndServe(ctx))
}

func handleAgent(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "agent subcommand required: run|push\n")
		os.Exit(2)
	}
	sub := args[0]
	if sub != "run" && sub != "push" {
		fmt.Fprintf(os.Stderr, "unknown agent subcommand %q\n", sub)
		os.Exit(2)
	}

	fs := pflag.NewFlagSet("agent "+sub, pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	aggregatorAddr := fs.String("aggregator", "", "aggregator address")
	hostname := fs.String("hostname", "", "hostname to report as")
	interval := fs.Duration("report-interval", 0, "delay between snapshot pushes")
	stunList := fs.String("stun", "", "comma-separated STUN servers for public address discovery")
	logLevel := fs.String("log-level", "", "log level")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Agent == nil {
		cfg.Agent = &config.AgentConfig{}
	}
	cfg.Aggregator = nil
	fatal(config.ApplyEnv(&cfg))
	overrideAgent(cfg.Agent, *aggregatorAddr, *hostname, *interval, *stunList)
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	config.ApplyDefaults(&cfg)
	fatal(config.Validate(cfg))

	sync := initLogging(cfg.LogLevel)
	defer sync()

	ac := *cfg.Agent
	collector := hostinfo.New(hostinfo.Options{
		Hostname:          ac.Hostname,
		DiskPath:          ac.DiskPath,
		ContainerMemTTL:   time.Duration(ac.ContainerMemCacheSec) * time.Second,
		STUNServers:       ac.STUNServers,
		PublicAddrRefresh: time.Duration(ac.PublicAddrRefreshSec) * time.Second,
	}, nil, nil)

	ctx, cancel := signalContext()
	defer cancel()

	if sub == "push" {
		client := api.NewClient(api.BaseURL(ac.Aggregator))
		snap, err := agent.PushOnce(ctx, client, collector, ac.Hostname)
		fatal(err)
		fmt.Fprintf(os.Stdout, "reported %s gpus=%d processes=%d\n", snap.Hostname, len(snap.GPUs), len(snap.SystemInfo.Processes))
		return
	}

	session := agent.NewSession(agent.OptionsFromConfig(ac), collector, agent.NewSignalTerminator())
	logutil.GetLogger().Info("agent starting",
		zap.String("hostname", ac.Hostname),
		zap.String("aggregator", ac.Aggregator))
	if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleHosts(args []string) {
	fs := pflag.NewFlagSet("hosts", pflag.ExitOnError)
	addr := fs.String("aggregator", "127.0.0.1"+config.DefaultListen, "aggregator address")
	asJSON := fs.Bool("json", false, "print the raw response")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := api.NewClient(api.BaseURL(*addr)).Hosts(ctx)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(resp)
		return
	}

	names := make([]string, 0, len(resp.Machines))
	for name := range resp.Machines {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Fprintln(os.Stdout, "no hosts")
		return
	}
	for _, name := range names {
		h := resp.Machines[name]
		state := "offline"
		if h.IsOnline {
			state = "online"
		}
		lastSeen := "never"
		if !h.LastSeen.IsZero() {
			lastSeen = h.LastSeen.Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%s %s connected=%t gpus=%d cpu=%.1f%% mem=%.1f%% ip=%s last_seen=%s\n",
			name, state, h.Connected, len(h.GPUs), h.SystemInfo.CPUPercent, h.SystemInfo.MemoryPercent,
			h.SystemInfo.IPAddress, lastSeen)
		for _, g := range h.GPUs {
			fmt.Fprintf(os.Stdout, "  gpu%d %s util=%d%% mem=%d/%dMiB temp=%dC procs=%d\n",
				g.ID, g.Name, g.Utilization, g.MemoryUsed, g.MemoryTotal, g.Temperature, len(g.Processes))
		}
	}
}

func handleKill(args []string) {
	fs := pflag.NewFlagSet("kill", pflag.ExitOnError)
	addr := fs.String("aggregator", "127.0.0.1"+config.DefaultListen, "aggregator address")
	host := fs.String("host", "", "target hostname")
	pids := fs.IntSlice("pids", nil, "comma-separated pids to terminate")
	wait := fs.Duration("wait", 0, "poll for the result up to this long")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second+*wait)
	defer cancel()
	client := api.NewClient(api.BaseURL(*addr))
	resp, err := client.KillProcesses(ctx, api.KillRequest{Hostname: *host, PIDs: *pids})
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "dispatched command_id=%s host=%s pids=%v\n", resp.CommandID, resp.Hostname, resp.PIDs)
	if *wait <= 0 {
		return
	}

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		rec, err := client.Command(ctx, resp.CommandID)
		if err == nil && rec.Result != nil {
			printJSON(rec.Result)
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	fatal(fmt.Errorf("no result for %s within %s", resp.CommandID, *wait))
}

func handleCommand(args []string) {
	fs := pflag.NewFlagSet("command", pflag.ExitOnError)
	addr := fs.String("aggregator", "127.0.0.1"+config.DefaultListen, "aggregator address")
	id := fs.String("id", "", "command id returned by kill")
	_ = fs.Parse(args)
	if *id == "" {
		fatal(errors.New("--id is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rec, err := api.NewClient(api.BaseURL(*addr)).Command(ctx, *id)
	if err != nil {
		fatal(err)
	}
	printJSON(rec)
}

func handleAudit(args []string) {
	if len(args) == 0 || args[0] != "stats" {
		fmt.Fprint(os.Stderr, "audit subcommand required: stats\n")
		os.Exit(2)
	}
	fs := pflag.NewFlagSet("audit stats", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	path := fs.String("path", "", "audit CSV path override")
	window := fs.Duration("window", 24*time.Hour, "time window")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	auditPath := *path
	if auditPath == "" && cfg.Aggregator != nil {
		auditPath = cfg.Aggregator.AuditPath
	}
	if auditPath == "" {
		fatal(errors.New("audit path required"))
	}

	items, err := audit.ReadCSV(auditPath)
	if err != nil {
		fatal(err)
	}
	summary := audit.Summarize(items, time.Now().UTC().Add(-*window))
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no records in window")
		return
	}

	fmt.Fprintf(os.Stdout, "records=%d commands=%d from=%s to=%s\n", summary.Count, summary.Commands,
		summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "success_rate=%.1f%% success=%d not_found=%d permission_denied=%d other_error=%d\n",
		summary.SuccessRate()*100,
		summary.ByStatus[model.KillSuccess], summary.ByStatus[model.KillNotFound],
		summary.ByStatus[model.KillPermissionDenied], summary.ByStatus[model.KillOtherError])
	for _, host := range summary.Hosts() {
		fmt.Fprintf(os.Stdout, "  %s records=%d\n", host, summary.ByHost[host])
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideAggregator(cfg *config.AggregatorConfig, listen string, window time.Duration, auditPath, origins string) error {
	if listen != "" {
		cfg.Listen = listen
	}
	if window != 0 {
		// The window is kept in whole seconds.
		if window < time.Second {
			return fmt.Errorf("--liveness-window must be at least 1s, got %s", window)
		}
		cfg.LivenessWindowSec = int(window.Round(time.Second) / time.Second)
	}
	if auditPath != "" {
		cfg.AuditPath = auditPath
	}
	if origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	return nil
}

func overrideAgent(cfg *config.AgentConfig, aggregatorAddr, hostname string, interval time.Duration, stunList string) {
	if aggregatorAddr != "" {
		cfg.Aggregator = aggregatorAddr
	}
	if hostname != "" {
		cfg.Hostname = hostname
	}
	if interval > 0 {
		cfg.ReportIntervalMs = int(interval / time.Millisecond)
	}
	if stunList != "" {
		cfg.STUNServers = splitList(stunList)
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func initLogging(level string) func() {
	if err := logutil.InitLogger(level); err != nil {
		fatal(err)
	}
	return func() { _ = logutil.GetLogger().Sync() }
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
