// Package telemetry produces one structured event per turn plus Prometheus
// counters, and tracks the latency distributions behind the SLO gates.
package telemetry

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/alicelabs/orchestrator/internal/core"
)

// EventVersion is the telemetry schema version. Bump on any field change.
const EventVersion = "1"

// Event is the per-turn telemetry record written as one JSONL line.
type Event struct {
	V             string          `json:"v"`
	TS            string          `json:"ts"` // UTC, RFC3339 with Z
	TraceID       string          `json:"trace_id"`
	SessionID     string          `json:"session_id"`
	Route         string          `json:"route"`
	CacheTier     core.CacheTier  `json:"cache_tier"`
	Intent        string          `json:"intent"`
	MoodScore     float64         `json:"mood_score,omitempty"`
	E2EFirstMs    int64           `json:"e2e_first_ms"`
	E2EFullMs     int64           `json:"e2e_full_ms"`
	RAMPeakMB     core.RAMPeak    `json:"ram_peak_mb"`
	EnergyWh      float64         `json:"energy_wh"`
	ToolCalls     []core.ToolCall `json:"tool_calls"`
	GuardianState string          `json:"guardian_state"`
	PIIMasked     bool            `json:"pii_masked"`
	ContentHash   string          `json:"content_hash"`
	Hash          string          `json:"hash"`
}

// Recorder serializes events onto a dedicated writer goroutine so the data
// path never blocks on disk I/O.
type Recorder struct {
	dir     string
	maskPII bool
	metrics *Metrics
	slo     *SLOTracker
	logger  *log.Logger

	events chan Event
	done   chan struct{}

	curDay  string
	curFile *os.File
	curBuf  *bufio.Writer
}

// NewRecorder creates a recorder writing under dir/YYYY-MM-DD/events.jsonl.
func NewRecorder(dir string, maskPII bool, metrics *Metrics, slo *SLOTracker) *Recorder {
	return &Recorder{
		dir:     dir,
		maskPII: maskPII,
		metrics: metrics,
		slo:     slo,
		logger:  log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}
}

// Run drains the event channel until ctx is cancelled, then flushes.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	flush := time.NewTicker(2 * time.Second)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.events:
					r.write(ev)
				default:
					r.closeFile()
					return
				}
			}
		case ev := <-r.events:
			r.write(ev)
		case <-flush.C:
			if r.curBuf != nil {
				r.curBuf.Flush()
			}
		}
	}
}

// Wait blocks until the writer goroutine has drained and closed its file.
func (r *Recorder) Wait() { <-r.done }

// RecordTurn builds and enqueues the event for one completed turn.
// Called exactly once per turn, after all child tasks have terminated.
func (r *Recorder) RecordTurn(t *core.Turn, responseText string) {
	content := responseText
	masked := false
	if r.maskPII {
		content, masked = MaskPII(content)
	}
	t.PIIMasked = t.PIIMasked || masked

	ev := Event{
		V:             EventVersion,
		TS:            t.FinishedAt.UTC().Format(time.RFC3339Nano),
		TraceID:       t.TraceID,
		SessionID:     t.SessionID,
		Route:         t.Route.String(),
		CacheTier:     t.CacheTier,
		Intent:        t.Intent.Intent,
		MoodScore:     t.Intent.MoodScore,
		E2EFirstMs:    t.E2EFirstMs,
		E2EFullMs:     t.E2EFullMs,
		RAMPeakMB:     t.RAMPeakMB,
		EnergyWh:      t.EnergyWh,
		ToolCalls:     t.ToolCalls,
		GuardianState: t.GuardianExit,
		PIIMasked:     t.PIIMasked,
		ContentHash:   contentHash(content),
	}
	ev.Hash = eventHash(ev)

	if r.metrics != nil {
		r.metrics.RecordTurn(t)
	}
	if r.slo != nil {
		r.slo.Record(t)
	}

	select {
	case r.events <- ev:
	default:
		// Telemetry must never stall a turn. Dropping is logged and counted.
		r.logger.Printf("⚠️ event buffer full, dropped trace=%s", t.TraceID)
		if r.metrics != nil {
			r.metrics.EventsDropped.Inc()
		}
	}
}

func (r *Recorder) write(ev Event) {
	day := ev.TS[:10]
	if day != r.curDay || r.curFile == nil {
		r.closeFile()
		dir := filepath.Join(r.dir, day)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.logger.Printf("⚠️ mkdir %s: %v", dir, err)
			return
		}
		f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			r.logger.Printf("⚠️ open events file: %v", err)
			return
		}
		r.curDay = day
		r.curFile = f
		r.curBuf = bufio.NewWriter(f)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		r.logger.Printf("⚠️ marshal event: %v", err)
		return
	}
	r.curBuf.Write(line)
	r.curBuf.WriteByte('\n')
}

func (r *Recorder) closeFile() {
	if r.curBuf != nil {
		r.curBuf.Flush()
	}
	if r.curFile != nil {
		r.curFile.Close()
	}
	r.curFile, r.curBuf = nil, nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// eventHash covers the identifying fields in a fixed order so an event line
// can be integrity-checked downstream.
func eventHash(ev Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d|%d|%s",
		ev.V, ev.TS, ev.TraceID, ev.SessionID, ev.Route, ev.CacheTier,
		ev.E2EFirstMs, ev.E2EFullMs, ev.ContentHash)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
