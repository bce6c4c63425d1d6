package guardian

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sample is one host health reading.
type Sample struct {
	At         time.Time
	RAMPct     float64
	CPUPct     float64
	TempC      float64
	BatteryPct float64
}

// Sampler produces host health readings. The production implementation reads
// kernel counters; tests inject synthetic samples.
type Sampler interface {
	Sample() (Sample, error)
}

// ProcSampler reads RAM, CPU, temperature and battery from /proc and /sys.
// CPU utilisation is computed as a delta between consecutive reads, so the
// first sample reports 0% CPU.
type ProcSampler struct {
	meminfoPath string
	statPath    string
	thermalPath string
	batteryPath string

	lastBusy  uint64
	lastTotal uint64
}

func NewProcSampler() *ProcSampler {
	return &ProcSampler{
		meminfoPath: "/proc/meminfo",
		statPath:    "/proc/stat",
		thermalPath: "/sys/class/thermal/thermal_zone0/temp",
		batteryPath: "/sys/class/power_supply/BAT0/capacity",
	}
}

func (p *ProcSampler) Sample() (Sample, error) {
	s := Sample{At: time.Now()}

	ramPct, err := p.readRAM()
	if err != nil {
		return s, err
	}
	s.RAMPct = ramPct

	cpuPct, err := p.readCPU()
	if err != nil {
		return s, err
	}
	s.CPUPct = cpuPct

	// Temperature and battery are best-effort: not every host exposes them.
	s.TempC = p.readOptional(p.thermalPath, 1000.0, 0)
	s.BatteryPct = p.readOptional(p.batteryPath, 1.0, 100)

	return s, nil
}

func (p *ProcSampler) readRAM() (float64, error) {
	f, err := os.Open(p.meminfoPath)
	if err != nil {
		return 0, fmt.Errorf("open meminfo: %w", err)
	}
	defer f.Close()

	var totalKB, availKB uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
		if totalKB > 0 && availKB > 0 {
			break
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("meminfo: MemTotal missing")
	}
	return 100 * float64(totalKB-availKB) / float64(totalKB), nil
}

func (p *ProcSampler) readCPU() (float64, error) {
	f, err := os.Open(p.statPath)
	if err != nil {
		return 0, fmt.Errorf("open stat: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, fmt.Errorf("stat: empty")
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("stat: unexpected first line")
	}

	var total, idle uint64
	for i, raw := range fields[1:] {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}

	busy := total - idle
	dBusy := busy - p.lastBusy
	dTotal := total - p.lastTotal
	first := p.lastTotal == 0
	p.lastBusy, p.lastTotal = busy, total

	if first || dTotal == 0 {
		return 0, nil
	}
	return 100 * float64(dBusy) / float64(dTotal), nil
}

// readOptional returns value/divisor from a single-value sysfs file, or the
// fallback when the file is absent or unreadable.
func (p *ProcSampler) readOptional(path string, divisor, fallback float64) float64 {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return fallback
	}
	return v / divisor
}
