// Package hostprobe reads host and per-process resource figures from /proc
// and the statfs/sysinfo syscalls. Every reading degrades to zero on
// failure; callers treat zero as "unknown, no pressure".
package hostprobe

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Probe implements the engine's resource probe over the local host. The
// zero value is ready to use and safe for concurrent use.
type Probe struct{}

// New returns a host probe.
func New() *Probe { return &Probe{} }

// ProcessRSSMB returns the resident set size of pid in MiB, from
// /proc/<pid>/status VmRSS.
func (*Probe) ProcessRSSMB(pid int) int {
	if pid <= 0 {
		return 0
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kib, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0
		}
		return kib / 1024
	}
	return 0
}

// MemoryStatsMB returns used and total system memory in MiB, computed from
// /proc/meminfo MemTotal and MemAvailable.
func (*Probe) MemoryStatsMB() (usedMB, totalMB int) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	var totalKiB, availableKiB int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKiB, _ = strconv.Atoi(fields[1])
		case strings.HasPrefix(line, "MemAvailable:"):
			availableKiB, _ = strconv.Atoi(fields[1])
		}
	}
	usedKiB := totalKiB - availableKiB
	if usedKiB < 0 {
		usedKiB = 0
	}
	return usedKiB / 1024, totalKiB / 1024
}

// LoadPerCPU returns the 1-minute load average divided by online CPUs,
// from sysinfo(2).
func (*Probe) LoadPerCPU() float64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	// Loads are fixed-point, scaled by 1<<16.
	load1 := float64(info.Loads[0]) / 65536.0
	cpus := runtime.NumCPU()
	if cpus < 1 {
		cpus = 1
	}
	return load1 / float64(cpus)
}

// DiskFreeBytes returns the free bytes of the filesystem holding path,
// from statfs(2).
func (*Probe) DiskFreeBytes(path string) uint64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0
	}
	return st.Bavail * uint64(st.Bsize)
}
