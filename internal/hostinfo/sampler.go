package hostinfo

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	psnet "github.com/shirou/gopsutil/net"
	"github.com/shirou/gopsutil/process"

	"gpufleet/internal/model"
)

// Usage is a total/used pair with the used percentage.
type Usage struct {
	Total   uint64
	Used    uint64
	Percent float64
}

// Interface is a network interface with its addresses in CIDR form.
type Interface struct {
	Name  string
	Addrs []string
}

// Sampler reads host figures from the operating system.
type Sampler interface {
	CPUPercent(ctx context.Context) (float64, error)
	Memory(ctx context.Context) (Usage, error)
	Disk(ctx context.Context, path string) (Usage, error)
	Processes(ctx context.Context) ([]model.Process, error)
	Interfaces(ctx context.Context) ([]Interface, error)
}

// PSSampler implements Sampler with gopsutil.
type PSSampler struct{}

var _ Sampler = PSSampler{}

// CPUPercent reports utilisation since the previous call; the first call
// measures since boot.
func (PSSampler) CPUPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no cpu samples")
	}
	return pct[0], nil
}

func (PSSampler) Memory(ctx context.Context) (Usage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Total: vm.Total, Used: vm.Used, Percent: vm.UsedPercent}, nil
}

func (PSSampler) Disk(ctx context.Context, path string) (Usage, error) {
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Total: du.Total, Used: du.Used, Percent: du.UsedPercent}, nil
}

// Processes lists every process whose name is readable. Other attributes
// fall back to zero values when the process denies access.
func (PSSampler) Processes(ctx context.Context) ([]model.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		created, _ := p.CreateTimeWithContext(ctx)
		user, _ := p.UsernameWithContext(ctx)
		out = append(out, model.Process{
			PID:           int(p.Pid),
			Name:          name,
			Cmdline:       cmdline,
			CPUPercent:    cpuPct,
			MemoryPercent: float64(memPct),
			CreateTime:    float64(created) / 1000,
			Username:      user,
		})
	}
	return out, nil
}

func (PSSampler) Interfaces(ctx context.Context) ([]Interface, error) {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(stats))
	for _, st := range stats {
		iface := Interface{Name: st.Name}
		for _, a := range st.Addrs {
			iface.Addrs = append(iface.Addrs, a.Addr)
		}
		out = append(out, iface)
	}
	return out, nil
}
