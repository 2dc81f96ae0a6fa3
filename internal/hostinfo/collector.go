package hostinfo

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"gpufleet/internal/addrutil"
	"gpufleet/internal/execx"
	"gpufleet/internal/logutil"
	"gpufleet/internal/model"
	"gpufleet/internal/stunutil"
)

const (
	containerCacheSize = 256
	stunTimeout        = 3 * time.Second
)

// Options configures a Collector.
type Options struct {
	Hostname          string
	DiskPath          string
	ContainerMemTTL   time.Duration // zero disables caching
	STUNServers       []string
	PublicAddrRefresh time.Duration
}

// Collector builds HostSnapshots from gopsutil figures and CLI tool output.
// A failing source leaves its field empty; Collect itself never fails.
type Collector struct {
	opts    Options
	runner  execx.Runner
	sampler Sampler

	memCache *expirable.LRU[string, string]

	now      func() time.Time
	outbound func() (string, error)
	discover func(ctx context.Context, servers []string, timeout time.Duration) (stunutil.Result, error)

	mu         sync.Mutex
	publicAddr string
	publicAt   time.Time
}

// New creates a collector. runner and sampler default to the host implementations when nil.
func New(opts Options, runner execx.Runner, sampler Sampler) *Collector {
	if runner == nil {
		runner = execx.NewOSRunner(10 * time.Second)
	}
	if sampler == nil {
		sampler = PSSampler{}
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	c := &Collector{
		opts:     opts,
		runner:   runner,
		sampler:  sampler,
		now:      time.Now,
		outbound: outboundIP,
		discover: stunutil.Discover,
	}
	if opts.ContainerMemTTL > 0 {
		c.memCache = expirable.NewLRU[string, string](containerCacheSize, nil, opts.ContainerMemTTL)
	}
	return c
}

// Collect gathers one snapshot.
func (c *Collector) Collect(ctx context.Context) model.HostSnapshot {
	snap := model.HostSnapshot{
		Hostname:  c.opts.Hostname,
		Timestamp: model.Timestamp{Time: c.now()},
	}

	procs, err := c.sampler.Processes(ctx)
	if err != nil {
		c.degraded("processes", err)
		procs = []model.Process{}
	}
	snap.GPUs = c.gpus(ctx, procs)
	snap.SystemInfo = c.systemInfo(ctx)
	snap.SystemInfo.Processes = procs
	snap.Normalize()
	return snap
}

// gpus lists devices and attaches their compute processes, marking the
// matching entries of procs in place.
func (c *Collector) gpus(ctx context.Context, procs []model.Process) []model.GPU {
	out, err := c.runner.Output(ctx, "nvidia-smi", nvidiaGPUArgs...)
	if err != nil {
		c.degraded("gpus", err)
		return []model.GPU{}
	}
	gpus := ParseNvidiaGPUs(out)
	if len(gpus) == 0 {
		return gpus
	}

	appsOut, err := c.runner.Output(ctx, "nvidia-smi", nvidiaAppsArgs...)
	if err != nil {
		c.degraded("gpu processes", err)
		return gpus
	}

	byUUID := make(map[string]int, len(gpus))
	for i, g := range gpus {
		byUUID[g.UUID] = i
	}
	byPID := make(map[int]int, len(procs))
	for i, p := range procs {
		byPID[p.PID] = i
	}

	for _, app := range ParseComputeApps(appsOut) {
		gi, ok := byUUID[app.GPUUUID]
		if !ok {
			continue
		}
		pi, ok := byPID[app.PID]
		if !ok {
			continue
		}
		id := gpus[gi].ID
		procs[pi].IsGPUProcess = true
		procs[pi].GPUMemoryUsage += app.UsedMemory
		procs[pi].GPUID = &id
		entry := procs[pi]
		entry.GPUMemoryUsage = app.UsedMemory
		gpus[gi].Processes = append(gpus[gi].Processes, entry)
	}
	return gpus
}

func (c *Collector) systemInfo(ctx context.Context) model.SystemInfo {
	var info model.SystemInfo

	if pct, err := c.sampler.CPUPercent(ctx); err != nil {
		c.degraded("cpu", err)
	} else {
		info.CPUPercent = pct
	}
	if m, err := c.sampler.Memory(ctx); err != nil {
		c.degraded("memory", err)
	} else {
		info.MemoryTotal, info.MemoryUsed, info.MemoryPercent = m.Total, m.Used, m.Percent
	}
	if d, err := c.sampler.Disk(ctx, c.opts.DiskPath); err != nil {
		c.degraded("disk", err)
	} else {
		info.DiskTotal, info.DiskUsed, info.DiskPercent = d.Total, d.Used, d.Percent
	}

	info.IPAddress = c.localIP(ctx)
	info.PublicAddr = c.public(ctx)
	info.ScreenSessions = c.screens(ctx)
	info.Containers = c.containers(ctx)
	return info
}

func (c *Collector) screens(ctx context.Context) []model.ScreenSession {
	// screen -ls exits non-zero even when it lists sessions.
	out, err := c.runner.Output(ctx, "screen", "-ls")
	if err != nil && out == "" {
		c.degraded("screen", err)
		return []model.ScreenSession{}
	}
	return ParseScreenList(out)
}

func (c *Collector) containers(ctx context.Context) []model.Container {
	out, err := c.runner.Output(ctx, "docker", dockerPSArgs...)
	if err != nil {
		c.degraded("containers", err)
		return []model.Container{}
	}
	list := ParseDockerPS(out)
	for i := range list {
		if isRunning(list[i]) {
			list[i].MemoryUsage = c.containerMemory(ctx, list[i].ID)
		}
	}
	return list
}

// containerMemory returns the MemUsage column for one container, served from
// the cache while fresh. Failures are not cached.
func (c *Collector) containerMemory(ctx context.Context, id string) string {
	if c.memCache != nil {
		if v, ok := c.memCache.Get(id); ok {
			return v
		}
	}
	out, err := c.runner.Output(ctx, "docker", "stats", "--no-stream", "--format", "{{.MemUsage}}", id)
	if err != nil || out == "" {
		if err != nil {
			c.degraded("container memory", err)
		}
		return ""
	}
	if c.memCache != nil {
		c.memCache.Add(id, out)
	}
	return out
}

// public returns the STUN-discovered public host, refreshing it at most once
// per PublicAddrRefresh. A failed refresh keeps the previous value.
func (c *Collector) public(ctx context.Context) string {
	if len(c.opts.STUNServers) == 0 {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.publicAt.IsZero() && now.Sub(c.publicAt) < c.opts.PublicAddrRefresh {
		return c.publicAddr
	}
	c.publicAt = now

	res, err := c.discover(ctx, c.opts.STUNServers, stunTimeout)
	if err != nil {
		logutil.GetLogger().Warn("public address discovery failed", zap.Error(err))
		return c.publicAddr
	}
	c.publicAddr = addrutil.HostFromAddr(res.Addr)
	logutil.GetLogger().Debug("public address discovered",
		zap.String("public_addr", c.publicAddr),
		zap.String("nat_type", res.NATType))
	return c.publicAddr
}

func (c *Collector) degraded(source string, err error) {
	logutil.GetLogger().Debug("snapshot source unavailable", zap.String("source", source), zap.Error(err))
}
