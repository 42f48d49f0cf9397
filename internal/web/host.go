package web

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"
)

const hostTimeout = 2 * time.Second

var (
	rootPath   = "/"
	modelPaths = []string{"/sys/firmware/devicetree/base/model", "/proc/device-tree/model"}

	readTemperatures = sensors.TemperaturesWithContext
	readInterfaces   = psnet.InterfacesWithContext
	readDiskUsage    = disk.UsageWithContext
)

// cpuSensorHints name the SoC sensor on the boards we run on (Pi
// "cpu_thermal", x86 "coretemp"/"k10temp").
var cpuSensorHints = []string{"cpu", "soc", "coretemp", "k10temp"}

func snapshotHost() *HostSnapshot {
	ctx, cancel := context.WithTimeout(context.Background(), hostTimeout)
	defer cancel()

	h := &HostSnapshot{Model: boardModel(modelPaths)}
	// Sensor reads may return partial results together with warnings.
	if temps, _ := readTemperatures(ctx); len(temps) > 0 {
		if c, ok := cpuTempC(temps); ok {
			h.CPUTempC = &c
		}
	}
	if ifaces, err := readInterfaces(ctx); err == nil {
		h.LocalAddrs = localInterfaceAddrs(ifaces)
	}
	u, err := readDiskUsage(ctx, rootPath)
	if err != nil {
		h.LastError = err.Error()
		return h
	}
	h.RootTotalBytes = u.Total
	h.RootAvailBytes = u.Free
	return h
}

// cpuTempC picks the CPU sensor, falling back to the first plausible one.
func cpuTempC(temps []sensors.TemperatureStat) (float64, bool) {
	var fallback *sensors.TemperatureStat
	for i := range temps {
		t := &temps[i]
		if t.Temperature <= 0 {
			continue
		}
		key := strings.ToLower(t.SensorKey)
		for _, hint := range cpuSensorHints {
			if strings.Contains(key, hint) {
				return t.Temperature, true
			}
		}
		if fallback == nil {
			fallback = t
		}
	}
	if fallback == nil {
		return 0, false
	}
	return fallback.Temperature, true
}

// localInterfaceAddrs lists "iface: cidr" for every non-loopback IPv4
// address on an up interface.
func localInterfaceAddrs(ifaces psnet.InterfaceStatList) []string {
	var out []string
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			if !strings.Contains(a.Addr, ".") || strings.HasPrefix(a.Addr, "127.") || strings.HasPrefix(a.Addr, "169.254.") {
				continue
			}
			out = append(out, iface.Name+": "+a.Addr)
		}
	}
	sort.Strings(out)
	return out
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// boardModel returns the device-tree model string, e.g. "Raspberry Pi 4
// Model B Rev 1.4", or "" when the platform has none.
func boardModel(paths []string) string {
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if m := strings.Trim(strings.TrimSpace(string(b)), "\x00"); m != "" {
			return m
		}
	}
	return ""
}
