package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicelabs/orchestrator/internal/core"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	Target         string
	NumTurns       int
	Concurrency    int
	Sessions       int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalTurns   uint64
	Succeeded    uint64
	Failed       uint64
	CacheHits    uint64
	RouteMicro   uint64
	RoutePlanner uint64
	RouteDeep    uint64
}

// utterances is the request mix: guard intents, planner intents, and open
// questions, roughly in the proportions a home device sees.
var utterances = []string{
	"Hej Alice!",
	"Hej Alice, vad är klockan?",
	"vad är klockan just nu",
	"vad blir vädret i stockholm idag",
	"Boka möte med Anna imorgon kl 14",
	"maila rapporten till chefen",
	"vad är senaste nytt",
	"berätta något intressant om rymden",
	"kan du förklara hur en värmepump fungerar?",
	"spela något lugnt",
}

func main() {
	target := flag.String("target", "http://127.0.0.1:8080", "Orchestrator base URL")
	numTurns := flag.Int("turns", 1000, "Number of chat turns to send")
	concurrency := flag.Int("concurrency", 16, "Number of concurrent workers")
	sessions := flag.Int("sessions", 32, "Number of distinct session IDs")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		Target:         *target,
		NumTurns:       *numTurns,
		Concurrency:    *concurrency,
		Sessions:       *sessions,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting orchestrator load test")
	slog.Info("Target", "url", config.Target)
	slog.Info("Turns", "num_turns", config.NumTurns)
	slog.Info("Concurrency", "concurrency", config.Concurrency)

	stats, latencies, elapsed := runLoadTest(config)
	printResults(stats, latencies, elapsed)
}

func runLoadTest(config LoadTestConfig) (*LoadTestStats, []time.Duration, time.Duration) {
	stats := &LoadTestStats{}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	client := &http.Client{Timeout: 10 * time.Second}

	turnChan := make(chan int, config.NumTurns)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(workerID)))
			for turnID := range turnChan {
				lat := sendTurn(client, config, rng, turnID, stats)
				if lat > 0 {
					latenciesMu.Lock()
					latencies = append(latencies, lat)
					latenciesMu.Unlock()
				}
			}
		}(i)
	}

	for i := 0; i < config.NumTurns; i++ {
		turnChan <- i
	}
	close(turnChan)
	wg.Wait()

	return stats, latencies, time.Since(startTime)
}

func sendTurn(client *http.Client, config LoadTestConfig, rng *rand.Rand, turnID int, stats *LoadTestStats) time.Duration {
	req := core.ChatRequest{
		V:         "1",
		SessionID: fmt.Sprintf("load-%d", turnID%config.Sessions),
		Lang:      "sv",
		Message:   utterances[rng.Intn(len(utterances))],
	}
	body, _ := json.Marshal(req)

	start := time.Now()
	resp, err := client.Post(config.Target+"/api/chat", "application/json", bytes.NewReader(body))
	lat := time.Since(start)

	atomic.AddUint64(&stats.TotalTurns, 1)
	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
		return 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		atomic.AddUint64(&stats.Failed, 1)
		return lat
	}
	atomic.AddUint64(&stats.Succeeded, 1)

	switch resp.Header.Get("X-Cache") {
	case "L1", "L2":
		atomic.AddUint64(&stats.CacheHits, 1)
	}
	switch resp.Header.Get("X-Route") {
	case "MICRO":
		atomic.AddUint64(&stats.RouteMicro, 1)
	case "PLANNER":
		atomic.AddUint64(&stats.RoutePlanner, 1)
	case "DEEP":
		atomic.AddUint64(&stats.RouteDeep, 1)
	}
	return lat
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("progress",
				"turns", atomic.LoadUint64(&stats.TotalTurns),
				"ok", atomic.LoadUint64(&stats.Succeeded),
				"failed", atomic.LoadUint64(&stats.Failed),
				"cache_hits", atomic.LoadUint64(&stats.CacheHits),
			)
		}
	}
}

func printResults(stats *LoadTestStats, latencies []time.Duration, elapsed time.Duration) {
	fmt.Println("\n========== LOAD TEST RESULTS ==========")
	fmt.Printf("Total turns:     %d\n", stats.TotalTurns)
	fmt.Printf("Succeeded:       %d\n", stats.Succeeded)
	fmt.Printf("Failed:          %d\n", stats.Failed)
	fmt.Printf("Cache hits:      %d (%.1f%%)\n", stats.CacheHits, pct(stats.CacheHits, stats.Succeeded))
	fmt.Printf("Routes:          micro=%d planner=%d deep=%d\n", stats.RouteMicro, stats.RoutePlanner, stats.RouteDeep)
	fmt.Printf("Elapsed:         %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Throughput:      %.1f turns/s\n", float64(stats.TotalTurns)/elapsed.Seconds())

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		fmt.Printf("Latency avg:     %s\n", average(latencies).Round(time.Millisecond))
		fmt.Printf("Latency p50:     %s\n", percentile(latencies, 50).Round(time.Millisecond))
		fmt.Printf("Latency p95:     %s\n", percentile(latencies, 95).Round(time.Millisecond))
		fmt.Printf("Latency p99:     %s\n", percentile(latencies, 99).Round(time.Millisecond))
	}
	fmt.Println("=======================================")
}

func pct(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}

func average(sorted []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return sum / time.Duration(len(sorted))
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}
