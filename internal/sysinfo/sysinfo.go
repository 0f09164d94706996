// Package sysinfo reports host identity and load for worker registration and
// heartbeats.
package sysinfo

import (
	"context"
	"net/netip"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"

	"courier/internal/domain"
)

// Identity is what a worker announces about the machine it runs on.
type Identity struct {
	Hostname string
	IP       string
	Info     map[string]any
}

// Probe reads host facts through gopsutil. DiskPath defaults to the root
// filesystem.
type Probe struct {
	DiskPath string
}

func (p Probe) diskPath() string {
	if p.DiskPath != "" {
		return p.DiskPath
	}
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// Describe never fails; facts that cannot be read are left out.
func (p Probe) Describe(ctx context.Context) Identity {
	id := Identity{Info: map[string]any{}}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		id.Hostname = hi.Hostname
		id.Info["platform"] = hi.Platform
		id.Info["platform_version"] = hi.PlatformVersion
		id.Info["os"] = hi.OS
		id.Info["arch"] = hi.KernelArch
	}
	if id.Hostname == "" {
		id.Hostname, _ = os.Hostname()
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		id.Info["cpu_count"] = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		id.Info["memory_total"] = vm.Total
	}
	if ifaces, err := psnet.InterfacesWithContext(ctx); err == nil {
		id.IP = primaryIPv4(ifaces)
	}
	if id.IP == "" {
		id.IP = "127.0.0.1"
	}
	return id
}

// Stats samples current load. Each figure is independent; the first error
// is returned alongside whatever could be read.
func (p Probe) Stats(ctx context.Context) (domain.SystemStats, error) {
	var (
		s        domain.SystemStats
		firstErr error
	)
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		keep(err)
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		keep(err)
	} else {
		s.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, p.diskPath()); err != nil {
		keep(err)
	} else {
		s.DiskPercent = du.UsedPercent
	}
	return s, firstErr
}

// primaryIPv4 picks the first address of an up, non-loopback interface.
func primaryIPv4(ifaces psnet.InterfaceStatList) string {
	for _, ifc := range ifaces {
		if !slices.Contains(ifc.Flags, "up") || slices.Contains(ifc.Flags, "loopback") {
			continue
		}
		for _, a := range ifc.Addrs {
			addr := a.Addr
			if i := strings.IndexByte(addr, '/'); i >= 0 {
				addr = addr[:i]
			}
			ip, err := netip.ParseAddr(addr)
			if err != nil || !ip.Is4() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String()
		}
	}
	return ""
}
