// Replay tool for driving Kestrel with historical transaction data.
//
// Usage:
//   go run cmd/replay/main.go -csv /path/to/transactions.csv -url http://localhost:8080
//
// This tool:
//   1. Reads transactions from a CSV export (header-driven column mapping)
//   2. Sends each transaction to a running Kestrel instance for scoring
//   3. Reports the score distribution across risk categories
//   4. When the CSV carries a label column, compares alerts against the
//      labels and calculates precision, recall and F1-score
//
// Required columns: account_id, amount. Recognized optional columns:
// id, customer_id, currency, counterparty_country, timestamp, kyc_level,
// pep, account_country, account_type, opened_at, plus the label column
// named by -label.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ReplayTransaction is one CSV row mapped onto Kestrel's ingest shape.
type ReplayTransaction struct {
	ID                  string
	AccountID           string
	CustomerID          string
	Amount              float64
	Currency            string
	CounterpartyCountry string
	Timestamp           time.Time

	KYCLevel       string
	PEP            bool
	AccountCountry string
	AccountType    string
	OpenedAt       time.Time

	Suspicious bool
	HasLabel   bool
}

// ScoreRequest is the Kestrel API request format.
type ScoreRequest struct {
	Transaction TransactionPayload `json:"transaction"`
	Customer    *CustomerPayload   `json:"customer,omitempty"`
	Account     *AccountPayload    `json:"account,omitempty"`
}

type TransactionPayload struct {
	ID                  string    `json:"id,omitempty"`
	AccountID           string    `json:"accountId"`
	Amount              float64   `json:"amount"`
	Currency            string    `json:"currency"`
	CounterpartyCountry string    `json:"counterpartyCountry"`
	Timestamp           time.Time `json:"timestamp,omitempty"`
}

type CustomerPayload struct {
	ID       string `json:"id"`
	KYCLevel string `json:"kycLevel,omitempty"`
	PEP      bool   `json:"pep"`
}

type AccountPayload struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId,omitempty"`
	Country    string    `json:"country,omitempty"`
	Type       string    `json:"type,omitempty"`
	OpenedAt   time.Time `json:"openedAt,omitempty"`
}

// ScoreResponse is the subset of the emitted score event the tool reads.
type ScoreResponse struct {
	TxID           string   `json:"txId"`
	Score          float64  `json:"score"`
	Category       string   `json:"category"`
	Confidence     float64  `json:"confidence"`
	Degraded       bool     `json:"degraded"`
	TriggeredRules []string `json:"triggeredRules"`
	Metadata       struct {
		TotalMs int64 `json:"totalMs"`
	} `json:"metadata"`
}

// Metrics tracks replay results.
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	TotalDegraded  int64
	TotalAlerts    int64

	CategoryLow      int64
	CategoryMedium   int64
	CategoryHigh     int64
	CategoryCritical int64

	// Confusion matrix against the label column, when present.
	TruePositives  int64 // labeled suspicious, alerted
	FalsePositives int64 // labeled clean, alerted
	TrueNegatives  int64 // labeled clean, no alert
	FalseNegatives int64 // labeled suspicious, no alert
	TotalLabeled   int64

	mu        sync.Mutex
	latencies []float64 // milliseconds
	ruleHits  map[string]int64
}

func (m *Metrics) observe(latencyMs float64, triggered []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latencyMs)
	for _, id := range triggered {
		m.ruleHits[id]++
	}
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to transactions CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "replay-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	labelCol := flag.String("label", "suspicious", "Name of the optional label column")
	verbose := flag.Bool("verbose", false, "Print each scoring result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              KESTREL REPLAY - Transaction Scoring             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read transaction data
	fmt.Printf("\nReading transactions from %s...\n", *csvPath)
	transactions, err := readTransactionsCSV(*csvPath, *limit, strings.ToLower(*labelCol))
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(transactions) == 0 {
		fmt.Println("ERROR: no usable transactions in CSV")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	labeled := 0
	suspicious := 0
	for _, tx := range transactions {
		if tx.HasLabel {
			labeled++
			if tx.Suspicious {
				suspicious++
			}
		}
	}
	if labeled > 0 {
		fmt.Printf("  - Labeled:    %d (%d suspicious)\n", labeled, suspicious)
	}

	// Run replay
	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runReplay(transactions, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
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

func readTransactionsCSV(path string, limit int, labelCol string) ([]ReplayTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["account_id"]; !ok {
		return nil, fmt.Errorf("missing required column account_id")
	}
	if _, ok := colIndex["amount"]; !ok {
		return nil, fmt.Errorf("missing required column amount")
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var transactions []ReplayTransaction

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := strconv.ParseFloat(field(record, "amount"), 64)
		if err != nil {
			continue
		}

		tx := ReplayTransaction{
			ID:                  field(record, "id"),
			AccountID:           field(record, "account_id"),
			CustomerID:          field(record, "customer_id"),
			Amount:              amount,
			Currency:            strings.ToUpper(field(record, "currency")),
			CounterpartyCountry: strings.ToUpper(field(record, "counterparty_country")),
			KYCLevel:            strings.ToLower(field(record, "kyc_level")),
			PEP:                 parseBool(field(record, "pep")),
			AccountCountry:      strings.ToUpper(field(record, "account_country")),
			AccountType:         strings.ToLower(field(record, "account_type")),
			Timestamp:           parseTime(field(record, "timestamp")),
			OpenedAt:            parseTime(field(record, "opened_at")),
		}
		if tx.AccountID == "" {
			continue
		}
		if tx.Currency == "" {
			tx.Currency = "USD"
		}
		if tx.CounterpartyCountry == "" {
			tx.CounterpartyCountry = "US"
		}
		if raw := field(record, labelCol); raw != "" {
			tx.HasLabel = true
			tx.Suspicious = parseBool(raw)
		}

		transactions = append(transactions, tx)

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

func runReplay(transactions []ReplayTransaction, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{ruleHits: make(map[string]int64)}

	// Create work channel
	work := make(chan ReplayTransaction, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := scoreTransaction(client, baseURL, tenantID, tx)
				elapsed := float64(time.Since(start).Microseconds()) / 1000.0

				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.AccountID, err)
					}
					continue
				}

				metrics.observe(elapsed, result.TriggeredRules)

				switch result.Category {
				case "low":
					atomic.AddInt64(&metrics.CategoryLow, 1)
				case "medium":
					atomic.AddInt64(&metrics.CategoryMedium, 1)
				case "high":
					atomic.AddInt64(&metrics.CategoryHigh, 1)
				case "critical":
					atomic.AddInt64(&metrics.CategoryCritical, 1)
				}

				alerted := result.Category == "high" || result.Category == "critical"
				if alerted {
					atomic.AddInt64(&metrics.TotalAlerts, 1)
				}
				if result.Degraded {
					atomic.AddInt64(&metrics.TotalDegraded, 1)
				}

				// Confusion matrix, when the row carries a label
				if tx.HasLabel {
					atomic.AddInt64(&metrics.TotalLabeled, 1)
					switch {
					case alerted && tx.Suspicious:
						atomic.AddInt64(&metrics.TruePositives, 1)
					case alerted && !tx.Suspicious:
						atomic.AddInt64(&metrics.FalsePositives, 1)
					case !alerted && !tx.Suspicious:
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					default: // !alerted && tx.Suspicious
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}
				}

				if verbose {
					mark := " "
					if alerted {
						mark = "!"
					}
					degraded := ""
					if result.Degraded {
						degraded = " (degraded)"
					}
					fmt.Printf("%s %-14s | Amount: %12.2f %s | %-8s (%.3f) | Rules: %d%s\n",
						mark,
						tx.AccountID,
						tx.Amount,
						tx.Currency,
						result.Category,
						result.Score,
						len(result.TriggeredRules),
						degraded,
					)
				}
			}
		}()
	}

	// Send work
	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func scoreTransaction(client *http.Client, baseURL, tenantID string, tx ReplayTransaction) (*ScoreResponse, error) {
	// Build request matching Kestrel's expected format
	req := ScoreRequest{
		Transaction: TransactionPayload{
			ID:                  tx.ID,
			AccountID:           tx.AccountID,
			Amount:              tx.Amount,
			Currency:            tx.Currency,
			CounterpartyCountry: tx.CounterpartyCountry,
			Timestamp:           tx.Timestamp,
		},
	}
	if tx.CustomerID != "" {
		req.Customer = &CustomerPayload{
			ID:       tx.CustomerID,
			KYCLevel: tx.KYCLevel,
			PEP:      tx.PEP,
		}
	}
	if tx.AccountCountry != "" || tx.AccountType != "" || !tx.OpenedAt.IsZero() {
		req.Account = &AccountPayload{
			ID:         tx.AccountID,
			CustomerID: tx.CustomerID,
			Country:    tx.AccountCountry,
			Type:       tx.AccountType,
			OpenedAt:   tx.OpenedAt,
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                       REPLAY RESULTS                          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	scored := m.TotalProcessed - m.TotalErrors

	fmt.Printf("\n📊 DATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Scored:           %d\n", scored)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Degraded:         %d\n", m.TotalDegraded)

	fmt.Printf("\n📈 SCORE DISTRIBUTION\n")
	printCategory := func(name string, count int64) {
		pct := float64(0)
		if scored > 0 {
			pct = 100 * float64(count) / float64(scored)
		}
		fmt.Printf("   %-10s %8d  (%.2f%%)\n", name, count, pct)
	}
	printCategory("Low:", m.CategoryLow)
	printCategory("Medium:", m.CategoryMedium)
	printCategory("High:", m.CategoryHigh)
	printCategory("Critical:", m.CategoryCritical)
	if scored > 0 {
		fmt.Printf("   Alert rate: %.2f%% (high + critical)\n", 100*float64(m.TotalAlerts)/float64(scored))
	}

	if m.TotalLabeled > 0 {
		fmt.Printf("\n🎯 DETECTION vs LABELS\n")
		fmt.Println("                         Predicted")
		fmt.Println("                    Alert      NoAlert")
		fmt.Println("              ┌──────────┬──────────┐")
		fmt.Printf("   Actual  S  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
		fmt.Println("              ├──────────┼──────────┤")
		fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
		fmt.Println("              └──────────┴──────────┘")

		precision := float64(0)
		if m.TruePositives+m.FalsePositives > 0 {
			precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
		}
		recall := float64(0)
		if m.TruePositives+m.FalseNegatives > 0 {
			recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
		}
		f1 := float64(0)
		if precision+recall > 0 {
			f1 = 2 * (precision * recall) / (precision + recall)
		}
		accuracy := float64(0)
		if m.TotalLabeled > 0 {
			accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(m.TotalLabeled)
		}

		fmt.Printf("\n   Precision:  %.4f  (of alerts, how many were labeled suspicious)\n", precision)
		fmt.Printf("   Recall:     %.4f  (of suspicious, how many alerted)\n", recall)
		fmt.Printf("   F1-Score:   %.4f\n", f1)
		fmt.Printf("   Accuracy:   %.4f\n", accuracy)
	}

	m.mu.Lock()
	type ruleCount struct {
		id    string
		count int64
	}
	rules := make([]ruleCount, 0, len(m.ruleHits))
	for id, count := range m.ruleHits {
		rules = append(rules, ruleCount{id, count})
	}
	latencies := append([]float64(nil), m.latencies...)
	m.mu.Unlock()

	if len(rules) > 0 {
		sort.Slice(rules, func(i, j int) bool {
			if rules[i].count != rules[j].count {
				return rules[i].count > rules[j].count
			}
			return rules[i].id < rules[j].id
		})
		fmt.Printf("\n🔍 TOP TRIGGERED RULES\n")
		for i, rc := range rules {
			if i >= 10 {
				break
			}
			fmt.Printf("   %-28s %8d\n", rc.id, rc.count)
		}
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		sum := float64(0)
		for _, l := range latencies {
			sum += l
		}
		fmt.Printf("   Avg Latency:      %.2f ms\n", sum/float64(len(latencies)))
		fmt.Printf("   p50 Latency:      %.2f ms\n", percentile(latencies, 0.50))
		fmt.Printf("   p95 Latency:      %.2f ms\n", percentile(latencies, 0.95))
		fmt.Printf("   p99 Latency:      %.2f ms\n", percentile(latencies, 0.99))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}

// percentile expects a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
