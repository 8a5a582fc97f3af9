package agent

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Heartbeat metrics are advisory. A host where /proc is unreadable
// reports zeros and nothing downstream minds.

// cpuPct approximates CPU usage as the 1-minute load average scaled by
// core count.
func cpuPct() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	return loadPct(string(data), runtime.NumCPU())
}

func loadPct(loadavg string, cores int) float64 {
	fields := strings.Fields(loadavg)
	if len(fields) == 0 || cores <= 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load / float64(cores) * 100
}

// memPct reports used memory derived from MemTotal and MemAvailable.
func memPct() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	return usedMemPct(string(data))
}

func usedMemPct(meminfo string) float64 {
	var total, avail float64
	for _, line := range strings.Split(meminfo, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	if total == 0 {
		return 0
	}
	return (total - avail) / total * 100
}
