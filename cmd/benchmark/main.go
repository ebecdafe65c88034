// Benchmark replays a labelled transaction CSV against a running Sentinel
// and reports how well its decisions separate fraud from normal traffic.
//
// Usage:
//
//	go run ./cmd/benchmark -csv data/transactions.csv -url http://localhost:8000
//
// The CSV carries the columns transaction_id, customer_id, device_id, amount,
// channel, timestamp and fraud_label_id; label 3 marks a fraudulent row.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const fraudLabel = "3"

var requiredColumns = []string{"customer_id", "device_id", "amount", "channel", "timestamp", "fraud_label_id"}

// LabelledTransaction is one CSV row.
type LabelledTransaction struct {
	TransactionID string `json:"transaction_id"`
	CustomerID    int64  `json:"customer_id"`
	DeviceID      int64  `json:"device_id"`
	Amount        string `json:"amount"`
	Channel       string `json:"channel"`
	Timestamp     string `json:"timestamp"`
	IsFraud       bool   `json:"-"`
}

// PredictResponse is the subset of the /predict response the benchmark reads.
type PredictResponse struct {
	AssessmentID string  `json:"assessment_id"`
	Score        float64 `json:"risk_score"`
	HighRisk     bool    `json:"is_high_risk"`
	Action       string  `json:"action"`
}

// Confusion counts outcomes for one notion of "flagged".
type Confusion struct {
	TP, FP, TN, FN int64
}

func (c *Confusion) add(flagged, fraud bool) {
	switch {
	case flagged && fraud:
		atomic.AddInt64(&c.TP, 1)
	case flagged && !fraud:
		atomic.AddInt64(&c.FP, 1)
	case !flagged && !fraud:
		atomic.AddInt64(&c.TN, 1)
	default:
		atomic.AddInt64(&c.FN, 1)
	}
}

// Precision of the flagged set.
func (c *Confusion) Precision() float64 {
	return ratio(c.TP, c.TP+c.FP)
}

// Recall over the fraudulent rows.
func (c *Confusion) Recall() float64 {
	return ratio(c.TP, c.TP+c.FN)
}

// F1 is the harmonic mean of precision and recall.
func (c *Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Results aggregates a benchmark run.
type Results struct {
	HighRisk   Confusion
	NotAllowed Confusion
	Blocked    Confusion

	mu       sync.Mutex
	byAction map[string]*[2]int64 // action -> [fraud, normal]

	Processed int64
	Errors    int64
	LatencyUs int64
}

// NewResults returns empty results.
func NewResults() *Results {
	return &Results{byAction: make(map[string]*[2]int64)}
}

// Record tallies one scored transaction.
func (r *Results) Record(tx LabelledTransaction, resp *PredictResponse) {
	r.HighRisk.add(resp.HighRisk, tx.IsFraud)
	r.NotAllowed.add(resp.Action != "ALLOW", tx.IsFraud)
	r.Blocked.add(resp.Action == "BLOCK", tx.IsFraud)

	r.mu.Lock()
	defer r.mu.Unlock()
	counts, ok := r.byAction[resp.Action]
	if !ok {
		counts = &[2]int64{}
		r.byAction[resp.Action] = counts
	}
	if tx.IsFraud {
		counts[0]++
	} else {
		counts[1]++
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labelled transactions CSV")
	baseURL := flag.String("url", "http://localhost:8000", "Sentinel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only replay fraudulent transactions")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8000]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|           SENTINEL BENCHMARK - labelled replay                |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Sentinel URL: %s\n", *baseURL)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Printf("Fraud Only:   %v\n", *fraudOnly)
	fmt.Println()

	if err := checkReady(*baseURL); err != nil {
		fmt.Printf("ERROR: Sentinel not ready at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Sentinel is running with a loaded bundle:")
		fmt.Println("  go run ./cmd/sentinel")
		os.Exit(1)
	}
	fmt.Println("Sentinel is ready")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	transactions, err := ReadCSV(f, *limit, *fraudOnly)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))
	if len(transactions) > 0 {
		fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*ratio(int64(fraudCount), int64(len(transactions))))
		fmt.Printf("  - Non-fraud: %d\n", len(transactions)-fraudCount)
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	results := run(transactions, *baseURL, *workers, *verbose)
	printResults(results, time.Since(start))
}

func checkReady(baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// ReadCSV parses labelled transactions. Rows with unparseable IDs are skipped;
// amount and timestamp are passed through as written so the service sees them verbatim.
func ReadCSV(r io.Reader, limit int, fraudOnly bool) ([]LabelledTransaction, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var transactions []LabelledTransaction
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isFraud := field(record, "fraud_label_id") == fraudLabel
		if fraudOnly && !isFraud {
			continue
		}
		customerID, err := strconv.ParseInt(field(record, "customer_id"), 10, 64)
		if err != nil {
			continue
		}
		deviceID, err := strconv.ParseInt(field(record, "device_id"), 10, 64)
		if err != nil {
			continue
		}
		id := field(record, "transaction_id")
		if id == "" {
			id = uuid.NewString()
		}

		transactions = append(transactions, LabelledTransaction{
			TransactionID: id,
			CustomerID:    customerID,
			DeviceID:      deviceID,
			Amount:        field(record, "amount"),
			Channel:       field(record, "channel"),
			Timestamp:     field(record, "timestamp"),
			IsFraud:       isFraud,
		})
		if limit > 0 && len(transactions) >= limit {
			break
		}
	}
	return transactions, nil
}

func run(transactions []LabelledTransaction, baseURL string, numWorkers int, verbose bool) *Results {
	results := NewResults()
	work := make(chan LabelledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				resp, err := predict(client, baseURL, tx)
				atomic.AddInt64(&results.LatencyUs, time.Since(start).Microseconds())
				atomic.AddInt64(&results.Processed, 1)

				if err != nil {
					atomic.AddInt64(&results.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.TransactionID, err)
					}
					continue
				}
				results.Record(tx, resp)

				if verbose {
					mark := "ok"
					if resp.HighRisk != tx.IsFraud {
						mark = "XX"
					}
					fmt.Printf("%s %-16s | %-6s | %12s | fraud: %-5v | score %.3f %-6s\n",
						mark, tx.TransactionID, tx.Channel, tx.Amount, tx.IsFraud, resp.Score, resp.Action)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)
	wg.Wait()
	return results
}

func predict(client *http.Client, baseURL string, tx LabelledTransaction) (*PredictResponse, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&envelope)
		return nil, fmt.Errorf("status %d %s: %s", resp.StatusCode, envelope.Error.Kind, envelope.Error.Message)
	}

	var result PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(r *Results, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nProcessed: %d   Errors: %d\n", r.Processed, r.Errors)

	fmt.Println("\nBY ACTION")
	fmt.Printf("   %-10s %10s %10s %10s\n", "action", "fraud", "normal", "fraud %")
	actions := make([]string, 0, len(r.byAction))
	for a := range r.byAction {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		c := r.byAction[a]
		fmt.Printf("   %-10s %10d %10d %9.2f%%\n", a, c[0], c[1], 100*ratio(c[0], c[0]+c[1]))
	}

	fmt.Println("\nDETECTION")
	fmt.Printf("   %-18s %9s %9s %9s %8s %8s %8s %8s\n", "flagged when", "precision", "recall", "f1", "TP", "FP", "FN", "TN")
	for _, row := range []struct {
		name string
		c    *Confusion
	}{
		{"is_high_risk", &r.HighRisk},
		{"action != ALLOW", &r.NotAllowed},
		{"action == BLOCK", &r.Blocked},
	} {
		fmt.Printf("   %-18s %9.4f %9.4f %9.4f %8d %8d %8d %8d\n",
			row.name, row.c.Precision(), row.c.Recall(), row.c.F1(), row.c.TP, row.c.FP, row.c.FN, row.c.TN)
	}

	fmt.Println("\nPERFORMANCE")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if r.Processed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(r.LatencyUs)/float64(r.Processed)/1000)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(r.Processed)/duration.Seconds())
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
