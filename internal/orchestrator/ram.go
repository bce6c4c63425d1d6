package orchestrator

import (
	"os"
	"strconv"
	"strings"

	"github.com/alicelabs/orchestrator/internal/core"
)

// processRAMPeak reads the process high-water mark (VmHWM) and current
// resident size (VmRSS) from /proc. Returns zeros on non-Linux hosts.
func processRAMPeak() core.RAMPeak {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return core.RAMPeak{}
	}

	var peak core.RAMPeak
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "VmHWM:"):
			peak.Proc = kbLineToMB(line)
		case strings.HasPrefix(line, "VmRSS:"):
			peak.Sys = kbLineToMB(line)
		}
	}
	return peak
}

func kbLineToMB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0
	}
	return kb / 1024
}
