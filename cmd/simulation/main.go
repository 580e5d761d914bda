package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-fix/internal/auth"
	"github.com/ksred/klear-fix/internal/trading"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minOrders  = 15
	maxOrders  = 150
	numWorkers = 5
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	prices  = map[string]float64{"AAPL": 190, "GOOGL": 140, "MSFT": 410, "AMZN": 180, "META": 480}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate returns min, max, mean, median, p95 and p99
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient drives the order API and records per-route latency
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"create":  {name: "Create Order"},
			"cancel":  {name: "Cancel Order"},
			"replace": {name: "Replace Order"},
			"get":     {name: "Get Order"},
			"summary": {name: "Portfolio Summary"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

func (sc *simulationClient) record(route string, start time.Time, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(time.Since(start))
	if err != nil {
		sc.stats[route].failures++
	}
}

// do sends one request and decodes the data field of the envelope into out
func (sc *simulationClient) do(route, method, path string, body any, out any) (err error) {
	start := time.Now()
	defer func() {
		sc.record(route, start, err)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("api response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s failed with status %d: %s", route, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}

	envelope := struct {
		Success bool `json:"success"`
		Data    any  `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

func (sc *simulationClient) authenticate() (string, error) {
	var token auth.TokenResponse
	err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
	}, &token)
	return token.Token, err
}

func (sc *simulationClient) createOrder(req trading.NewOrderRequest) (types.OrderRecord, error) {
	var order types.OrderRecord
	err := sc.do("create", http.MethodPost, "/api/v1/orders", req, &order)
	return order, err
}

func (sc *simulationClient) cancelOrder(order types.OrderRecord) (types.ControlAck, error) {
	var ack types.ControlAck
	path := fmt.Sprintf("/api/v1/orders/%s?symbol=%s&side=%s", order.ClientOrderID, order.Symbol, order.Side)
	err := sc.do("cancel", http.MethodDelete, path, nil, &ack)
	return ack, err
}

func (sc *simulationClient) replaceOrder(order types.OrderRecord, quantity int64) (types.OrderRecord, error) {
	var replacement types.OrderRecord
	err := sc.do("replace", http.MethodPut, "/api/v1/orders/"+order.ClientOrderID,
		trading.ReplaceOrderRequest{Quantity: &quantity}, &replacement)
	return replacement, err
}

func (sc *simulationClient) getOrder(id string) (types.OrderRecord, error) {
	var order types.OrderRecord
	err := sc.do("get", http.MethodGet, "/api/v1/orders/"+id, nil, &order)
	return order, err
}

func (sc *simulationClient) summary() (types.PortfolioSummary, error) {
	var summary types.PortfolioSummary
	err := sc.do("summary", http.MethodGet, "/api/v1/portfolio/summary", nil, &summary)
	return summary, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// randomOrder builds a market or limit order around the symbol's reference price
func randomOrder() trading.NewOrderRequest {
	symbol := symbols[rand.Intn(len(symbols))]
	req := trading.NewOrderRequest{
		Symbol:    symbol,
		Side:      sides[rand.Intn(len(sides))],
		OrderType: "MARKET",
		Quantity:  int64(rand.Intn(10)+1) * 10,
	}
	if rand.Float64() < 0.5 {
		price := decimal.NewFromFloat(prices[symbol] * (0.98 + rand.Float64()*0.04)).Round(2)
		req.OrderType = "LIMIT"
		req.Price = &price
	}
	return req
}

// createOrders submits numOrders random orders and sends the accepted ones
// to ordersChan
func createOrders(workerID, numOrders int, sc *simulationClient, ordersChan chan<- types.OrderRecord) {
	for i := 0; i < numOrders; i++ {
		order, err := sc.createOrder(randomOrder())
		if err != nil {
			log.Error().Err(err).Int("worker", workerID).Msg("Failed to create order")
			continue
		}
		log.Info().
			Int("worker", workerID).
			Str("client_order_id", order.ClientOrderID).
			Str("symbol", order.Symbol).
			Str("side", string(order.Side)).
			Int64("quantity", order.RequestedQuantity).
			Msg("Order submitted")
		ordersChan <- order

		time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
	}
}

// main runs the load simulation against a running server
func main() {
	baseURL := flag.String("server", "http://localhost:8080", "base URL of the order API")
	settle := flag.Duration("settle", 2*time.Second, "time to wait for venue confirmations before reporting")
	flag.Parse()

	simClient, err := newSimulationClient(*baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")
	start := time.Now()

	ordersChan := make(chan types.OrderRecord, targetOrders)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrders(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}
	wg.Wait()
	close(ordersChan)

	var orders []types.OrderRecord
	for order := range ordersChan {
		orders = append(orders, order)
	}
	log.Info().Int("orders_created", len(orders)).Msg("All orders submitted")

	// Give the venue time to acknowledge before amending
	time.Sleep(*settle / 2)

	var cancels, replaces, controlFailures int
	final := make(map[string]string, len(orders))
	for _, order := range orders {
		id := order.ClientOrderID
		switch roll := rand.Float64(); {
		case roll < 0.2:
			if _, err := simClient.cancelOrder(order); err != nil {
				log.Warn().Err(err).Str("client_order_id", id).Msg("Cancel refused")
				controlFailures++
			} else {
				cancels++
			}
		case roll < 0.4:
			replacement, err := simClient.replaceOrder(order, order.RequestedQuantity*2)
			if err != nil {
				log.Warn().Err(err).Str("client_order_id", id).Msg("Replace refused")
				controlFailures++
			} else {
				replaces++
				id = replacement.ClientOrderID
			}
		}
		final[order.ClientOrderID] = id
	}

	time.Sleep(*settle / 2)

	statuses := make(map[types.OrderStatus]int)
	symbolCounts := make(map[string]int)
	for _, order := range orders {
		current, err := simClient.getOrder(final[order.ClientOrderID])
		if err != nil {
			log.Error().Err(err).Str("client_order_id", order.ClientOrderID).Msg("Failed to get order")
			continue
		}
		statuses[current.Status]++
		symbolCounts[current.Symbol]++
	}

	summary, err := simClient.summary()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get portfolio summary")
	}
	duration := time.Since(start)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 ORDER FLOW SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
📊 Order Statistics
------------------
Submitted:        %d
Cancels sent:     %d
Replaces sent:    %d
Refused controls: %d
Open positions:   %d
Realized P&L:     %s
Unrealized P&L:   %s
Duration:         %v

📈 Final Status Distribution
--------------------
`, len(orders), cancels, replaces, controlFailures, summary.OpenPositionCount,
		summary.TotalRealizedPnl.StringFixed(2), summary.TotalUnrealizedPnl.StringFixed(2),
		duration.Round(time.Millisecond))

	printBars(statuses, len(orders))

	fmt.Println("\n📉 Symbol Distribution")
	fmt.Println("------------------")
	printBars(symbolCounts, len(orders))
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("orders", len(orders)).
		Int("filled", statuses[types.OrderStatusFilled]).
		Int("canceled", statuses[types.OrderStatusCanceled]).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// printBars prints a simple ASCII bar chart of counts relative to total
func printBars[K ~string](counts map[K]int, total int) {
	keys := make([]K, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		barLength := 0
		if total > 0 {
			barLength = int(float64(counts[k]) / float64(total) * 20)
		}
		fmt.Printf("%-18s: %s (%d)\n", k, strings.Repeat("█", barLength), counts[k])
	}
}
