// Benchmark tool for replaying cart data against Shrike.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/carts.csv -url http://localhost:8080
//
// This tool:
//   1. Reads cart rows (subtotal, shipping, coupon, expected discount)
//   2. Sends each cart to Shrike for evaluation
//   3. Compares the returned total discount with the expected discount
//   4. Reports match rate, latency, and throughput
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
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CartRow is one row of the replay dataset.
type CartRow struct {
	ShopperID        string
	Email            string
	Currency         string
	Subtotal         float64
	Shipping         float64
	ItemCount        int
	CouponCode       string
	ExpectedDiscount float64
}

// EvaluateRequest is the Shrike API request format.
type EvaluateRequest struct {
	Currency    string       `json:"currency"`
	Subtotal    float64      `json:"subtotal"`
	Shipping    float64      `json:"shipping"`
	Items       []CartItem   `json:"items,omitempty"`
	CouponCodes []string     `json:"couponCodes,omitempty"`
	Shopper     *ShopperInfo `json:"shopper,omitempty"`
}

type CartItem struct {
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type ShopperInfo struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// EvaluateResponse is the Shrike API response format.
type EvaluateResponse struct {
	Evaluation struct {
		DiscountedSubtotal float64 `json:"discountedSubtotal"`
		TotalDiscount      float64 `json:"totalDiscount"`
		Promotions         []struct {
			RuleCode string `json:"ruleCode"`
		} `json:"promotions"`
	} `json:"evaluation"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	Matches    int64 // Returned discount equals expected
	Mismatches int64

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to cart CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Shrike base URL")
	storeCode := flag.String("store", "benchmark-test", "Store code for requests")
	limit := flag.Int("limit", 10000, "Maximum carts to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each cart result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/carts.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           SHRIKE BENCHMARK - Cart Replay                      ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Shrike URL:  %s\n", *baseURL)
	fmt.Printf("Store Code:  %s\n", *storeCode)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	// Check Shrike is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Shrike not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Shrike is running:")
		fmt.Println("  cd shrike && go run cmd/shrike/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Shrike is healthy")

	// Read cart data
	fmt.Printf("\nReading cart data from %s...\n", *csvPath)
	carts, err := readCartCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d carts\n", len(carts))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(carts, *baseURL, *storeCode, *workers, *verbose)
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

// readCartCSV expects a header row with columns: shopper_id, email, currency,
// subtotal, shipping, item_count, coupon_code, expected_discount.
func readCartCSV(path string, limit int) ([]CartRow, error) {
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
		colIndex[strings.ToLower(col)] = i
	}

	var carts []CartRow

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		subtotal, _ := strconv.ParseFloat(record[colIndex["subtotal"]], 64)
		shipping, _ := strconv.ParseFloat(record[colIndex["shipping"]], 64)
		itemCount, _ := strconv.Atoi(record[colIndex["item_count"]])
		expected, _ := strconv.ParseFloat(record[colIndex["expected_discount"]], 64)

		carts = append(carts, CartRow{
			ShopperID:        record[colIndex["shopper_id"]],
			Email:            record[colIndex["email"]],
			Currency:         record[colIndex["currency"]],
			Subtotal:         subtotal,
			Shipping:         shipping,
			ItemCount:        itemCount,
			CouponCode:       record[colIndex["coupon_code"]],
			ExpectedDiscount: expected,
		})

		if limit > 0 && len(carts) >= limit {
			break
		}
	}

	return carts, nil
}

func runBenchmark(carts []CartRow, baseURL, storeCode string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan CartRow, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for cart := range work {
				start := time.Now()
				result, err := evaluateCart(client, baseURL, storeCode, cart)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", cart.ShopperID, err)
					}
					continue
				}

				matched := math.Abs(result.Evaluation.TotalDiscount-cart.ExpectedDiscount) < 0.01
				if matched {
					atomic.AddInt64(&metrics.Matches, 1)
				} else {
					atomic.AddInt64(&metrics.Mismatches, 1)
				}

				if verbose {
					status := "✓"
					if !matched {
						status = "✗"
					}
					fmt.Printf("%s %-12s | Subtotal: $%10.2f | Coupon: %-10s | Expected: $%8.2f | Got: $%8.2f | Rules: %d\n",
						status,
						cart.ShopperID,
						cart.Subtotal,
						cart.CouponCode,
						cart.ExpectedDiscount,
						result.Evaluation.TotalDiscount,
						len(result.Evaluation.Promotions),
					)
				}
			}
		}()
	}

	// Send work
	for _, cart := range carts {
		work <- cart
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func evaluateCart(client *http.Client, baseURL, storeCode string, cart CartRow) (*EvaluateResponse, error) {
	req := EvaluateRequest{
		Currency: cart.Currency,
		Subtotal: cart.Subtotal,
		Shipping: cart.Shipping,
	}
	if cart.ItemCount > 0 {
		req.Items = []CartItem{{SKU: "bench-sku", Quantity: cart.ItemCount, Price: cart.Subtotal / float64(cart.ItemCount)}}
	}
	if cart.CouponCode != "" {
		req.CouponCodes = []string{cart.CouponCode}
	}
	if cart.ShopperID != "" {
		req.Shopper = &ShopperInfo{ID: cart.ShopperID, Email: cart.Email}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/cart/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Store-Code", storeCode)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Matches:          %d\n", m.Matches)
	fmt.Printf("   Mismatches:       %d\n", m.Mismatches)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	compared := m.Matches + m.Mismatches
	if compared > 0 {
		matchRate := float64(m.Matches) / float64(compared) * 100
		fmt.Printf("\n🎯 DISCOUNT ACCURACY\n")
		fmt.Printf("   Match Rate:  %.2f%%\n", matchRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f carts/sec\n", tps)
	}

	fmt.Println()
}
