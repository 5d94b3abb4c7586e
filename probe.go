package luffybot

// Probe reads host and per-process resource figures. Implementations must be
// safe for concurrent use; a failed reading returns zero and callers treat
// zero as "unknown, no pressure". The production implementation lives in
// the hostprobe package.
type Probe interface {
	// ProcessRSSMB returns the resident set size of pid in MiB.
	ProcessRSSMB(pid int) int
	// MemoryStatsMB returns used and total system memory in MiB.
	MemoryStatsMB() (usedMB, totalMB int)
	// LoadPerCPU returns the 1-minute load average divided by online CPUs.
	LoadPerCPU() float64
	// DiskFreeBytes returns the free bytes of the filesystem holding path.
	DiskFreeBytes(path string) uint64
}

// Metrics receives engine instrumentation events. The observer package
// provides an OpenTelemetry implementation; a nop is used when disabled.
type Metrics interface {
	RunStarted(script string)
	RunFinished(script, status string, seconds float64)
	QueueDepth(n int)
	ResourceKill(script string)
}

type nopMetrics struct{}

func (nopMetrics) RunStarted(string)                  {}
func (nopMetrics) RunFinished(string, string, float64) {}
func (nopMetrics) QueueDepth(int)                     {}
func (nopMetrics) ResourceKill(string)                {}
