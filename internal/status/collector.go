// Package status reports host and engine health and identifies the
// process holding a local port.
package status

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Status is a point-in-time health report.
type Status struct {
	Hostname      string  `json:"hostname"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	MemoryTotal   uint64  `json:"memoryTotal"`
	DiskPercent   float64 `json:"diskPercent"`
	DiskUsed      uint64  `json:"diskUsed"`
	DiskTotal     uint64  `json:"diskTotal"`
	// UptimeSeconds is the host uptime; ServiceUptimeSeconds counts from
	// collector creation.
	UptimeSeconds        int64 `json:"uptimeSeconds"`
	ServiceUptimeSeconds int64 `json:"serviceUptimeSeconds"`
	TCPConnections       int   `json:"tcpConnections"`
	ListeningPorts       int   `json:"listeningPorts"`

	ActiveForwards    int             `json:"activeForwards"`
	TotalForwards     int             `json:"totalForwards"`
	ActiveConnections int64           `json:"activeConnections"`
	SSHConnections    map[string]bool `json:"sshConnections"`
}

// Collector collects system status information.
type Collector struct {
	startTime time.Time
	diskPath  string
}

// NewCollector creates a collector reporting disk usage of diskPath, or
// of / when it is empty.
func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{
		startTime: time.Now(),
		diskPath:  diskPath,
	}
}

// Collect gathers host metrics. Individual probe failures leave their
// fields zero.
func (c *Collector) Collect(ctx context.Context) *Status {
	status := &Status{
		ServiceUptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	if name, err := os.Hostname(); err == nil {
		status.Hostname = name
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(cpuPercent) > 0 {
		status.CPUPercent = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		status.MemoryPercent = memInfo.UsedPercent
		status.MemoryUsed = memInfo.Used
		status.MemoryTotal = memInfo.Total
	}

	diskInfo, err := disk.UsageWithContext(ctx, c.diskPath)
	if err == nil {
		status.DiskPercent = diskInfo.UsedPercent
		status.DiskUsed = diskInfo.Used
		status.DiskTotal = diskInfo.Total
	}

	bootTime, err := host.BootTimeWithContext(ctx)
	if err == nil {
		status.UptimeSeconds = time.Now().Unix() - int64(bootTime)
	}

	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err == nil {
		for _, conn := range conns {
			switch conn.Status {
			case "LISTEN":
				status.ListeningPorts++
			case "ESTABLISHED":
				status.TCPConnections++
			}
		}
	}

	return status
}

// SetEngineStats fills the forwarding engine fields.
func (c *Collector) SetEngineStats(status *Status, activeForwards, totalForwards int, activeConns int64) {
	status.ActiveForwards = activeForwards
	status.TotalForwards = totalForwards
	status.ActiveConnections = activeConns
}

// SetSSHConnections records the connected state of each SSH connection.
func (c *Collector) SetSSHConnections(status *Status, connected map[string]bool) {
	status.SSHConnections = connected
}

// PortOwner describes the processes listening on a local TCP port, for
// example "pid 812 (nginx)". It returns "" when nothing is found or the
// connection table cannot be read.
func PortOwner(port int) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return portOwner(ctx, port)
}

func portOwner(ctx context.Context, port int) string {
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return ""
	}

	seen := map[int32]bool{}
	var pids []int32
	for _, conn := range conns {
		if conn.Status != "LISTEN" || int(conn.Laddr.Port) != port || conn.Pid == 0 {
			continue
		}
		if !seen[conn.Pid] {
			seen[conn.Pid] = true
			pids = append(pids, conn.Pid)
		}
	}
	if len(pids) == 0 {
		return ""
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	pid := pids[0]
	owner := fmt.Sprintf("pid %d", pid)
	if p, err := process.NewProcessWithContext(ctx, pid); err == nil {
		if name, err := p.NameWithContext(ctx); err == nil && name != "" {
			owner = fmt.Sprintf("pid %d (%s)", pid, name)
		}
	}
	return owner
}
