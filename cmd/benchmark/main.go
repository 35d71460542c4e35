// Benchmark tool for load-testing Kestrel's pricing pipeline.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080
//
// This tool:
//   1. Registers split and revenue rules for a pool of synthetic merchants
//   2. Sends transaction batches to POST /calculate from concurrent workers
//   3. Verifies every split allocation sums back to the transaction amount
//   4. Reports throughput and latency percentiles
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Wire shapes for the Kestrel API, kept local so the tool builds standalone.

type registerRequest struct {
	Target map[string]string `json:"target"`
	Rules  []map[string]any  `json:"rules"`
}

type calculateRequest struct {
	Transactions []transaction `json:"transactions"`
}

type transaction struct {
	ID         string         `json:"id"`
	MerchantID string         `json:"merchantId"`
	Amount     int64          `json:"amount"`
	Currency   string         `json:"currency"`
	Data       map[string]any `json:"data,omitempty"`
}

type calculateResponse struct {
	BatchID  string `json:"batchId"`
	Pricings []struct {
		TransactionID string `json:"transactionId"`
		Splits        []struct {
			MerchantID string `json:"merchantId"`
			Amount     int64  `json:"amount"`
		} `json:"splits"`
		HashRevenue *struct {
			Amount int64 `json:"amount"`
		} `json:"hashRevenue"`
	} `json:"pricings"`
}

type metrics struct {
	batchesSent   int64
	batchesFailed int64
	transactions  int64
	splitMatches  int64
	splitDrift    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	merchants := flag.Int("merchants", 50, "Number of synthetic merchants to register rules for")
	batches := flag.Int("batches", 200, "Number of batches to send")
	batchSize := flag.Int("batch-size", 50, "Transactions per batch")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each batch result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            KESTREL BENCHMARK - Batch Pricing Load             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL:  %s\n", *baseURL)
	fmt.Printf("Merchants:    %d\n", *merchants)
	fmt.Printf("Batches:      %d x %d transactions\n", *batches, *batchSize)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Printf("\nRegistering rules for %d merchants...\n", *merchants)
	merchantIDs, err := seedRules(client, *baseURL, *merchants)
	if err != nil {
		fmt.Printf("ERROR: Failed to register rules: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Registered %d split + %d revenue rules\n", len(merchantIDs), len(merchantIDs))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	m := runBenchmark(client, *baseURL, merchantIDs, *batches, *batchSize, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(m, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// seedRules registers one split rule and one card-scoped revenue rule
// per merchant. Splits route 70/30 to the merchant and the platform.
func seedRules(client *http.Client, baseURL string, count int) ([]string, error) {
	ids := make([]string, count)
	for i := 0; i < count; i++ {
		merchantID := fmt.Sprintf("BENCH-MERCH-%04d", i)
		ids[i] = merchantID

		splitReq := registerRequest{
			Target: map[string]string{"merchantId": merchantID},
			Rules: []map[string]any{{
				"matchingRule": map[string]any{},
				"instructions": []map[string]any{
					{"merchantId": merchantID, "percentage": 7_000_000},
					{"merchantId": "BENCH-PLATFORM", "percentage": 3_000_000},
				},
			}},
		}
		if err := post(client, baseURL+"/rules/split", splitReq, http.StatusCreated); err != nil {
			return nil, fmt.Errorf("split rule for %s: %w", merchantID, err)
		}

		revenueReq := registerRequest{
			Target: map[string]string{"merchantId": merchantID},
			Rules: []map[string]any{{
				"percentage":   2,
				"matchingRule": map[string]any{"data.cardType": map[string]any{"$eq": "credit"}},
			}},
		}
		if err := post(client, baseURL+"/rules/revenue", revenueReq, http.StatusCreated); err != nil {
			return nil, fmt.Errorf("revenue rule for %s: %w", merchantID, err)
		}
	}
	return ids, nil
}

func post(client *http.Client, url string, body any, wantStatus int) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(client *http.Client, baseURL string, merchantIDs []string, batches, batchSize, numWorkers int, verbose bool) *metrics {
	m := &metrics{}
	work := make(chan int, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			for range work {
				batch := makeBatch(rng, merchantIDs, batchSize)

				start := time.Now()
				result, err := sendBatch(client, baseURL, batch)
				elapsed := time.Since(start)

				atomic.AddInt64(&m.batchesSent, 1)
				m.record(elapsed)

				if err != nil {
					atomic.AddInt64(&m.batchesFailed, 1)
					if verbose {
						fmt.Printf("ERROR: batch failed: %v\n", err)
					}
					continue
				}

				atomic.AddInt64(&m.transactions, int64(len(result.Pricings)))
				verifySplits(m, batch, result, verbose)
			}
		}(int64(i))
	}

	for i := 0; i < batches; i++ {
		work <- i
	}
	close(work)
	wg.Wait()

	return m
}

func makeBatch(rng *rand.Rand, merchantIDs []string, size int) calculateRequest {
	txns := make([]transaction, size)
	for i := range txns {
		cardType := "credit"
		if rng.Intn(2) == 0 {
			cardType = "debit"
		}
		txns[i] = transaction{
			ID:         fmt.Sprintf("bench-%d-%d", rng.Int63(), i),
			MerchantID: merchantIDs[rng.Intn(len(merchantIDs))],
			Amount:     int64(rng.Intn(1_000_000) + 1),
			Currency:   "USD",
			Data:       map[string]any{"cardType": cardType},
		}
	}
	return calculateRequest{Transactions: txns}
}

func sendBatch(client *http.Client, baseURL string, batch calculateRequest) (*calculateResponse, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	resp, err := client.Post(baseURL+"/calculate", "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result calculateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// verifySplits checks the conservation property: allocations for each
// transaction must sum back to its amount exactly.
func verifySplits(m *metrics, batch calculateRequest, result *calculateResponse, verbose bool) {
	amounts := make(map[string]int64, len(batch.Transactions))
	for _, tx := range batch.Transactions {
		amounts[tx.ID] = tx.Amount
	}

	for _, pricing := range result.Pricings {
		if len(pricing.Splits) == 0 {
			continue
		}
		var sum int64
		for _, split := range pricing.Splits {
			sum += split.Amount
		}
		if sum == amounts[pricing.TransactionID] {
			atomic.AddInt64(&m.splitMatches, 1)
		} else {
			atomic.AddInt64(&m.splitDrift, 1)
			if verbose {
				fmt.Printf("DRIFT: txn %s amount %d but splits sum %d\n",
					pricing.TransactionID, amounts[pricing.TransactionID], sum)
			}
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 VOLUME\n")
	fmt.Printf("   Batches Sent:     %d\n", m.batchesSent)
	fmt.Printf("   Batches Failed:   %d\n", m.batchesFailed)
	fmt.Printf("   Transactions:     %d\n", m.transactions)

	fmt.Printf("\n🎯 SPLIT CONSERVATION\n")
	fmt.Printf("   Exact Sums:       %d\n", m.splitMatches)
	fmt.Printf("   Drifted Sums:     %d", m.splitDrift)
	if m.splitDrift > 0 {
		fmt.Print("  ⚠️")
	}
	fmt.Println()

	m.mu.Lock()
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	m.mu.Unlock()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(sorted) > 0 {
		fmt.Printf("   p50 Latency:      %v\n", percentile(sorted, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(sorted, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(sorted, 0.99).Round(time.Microsecond))
		fmt.Printf("   Max Latency:      %v\n", sorted[len(sorted)-1].Round(time.Microsecond))
	}
	if duration > 0 && m.transactions > 0 {
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.transactions)/duration.Seconds())
	}

	fmt.Println()
}
