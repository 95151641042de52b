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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-router/internal/types"
)

const (
	minOrders  = 15
	maxOrders  = 150
	numWorkers = 5
)

var (
	symbols = []string{"BTCUSD", "ETHUSD", "SOLUSD"}
	sides   = []types.Side{types.SideBuy, types.SideSell}
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
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
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

// envelope mirrors the standard API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the order router
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	order     []string
	stats     map[string]*routeStats
}

// newSimulationClient creates a client and authenticates with the router
func newSimulationClient(baseURL, apiKey, apiSecret string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		order:   []string{"auth", "submit", "replay", "get", "cancel"},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"submit": {name: "Submit Order"},
			"replay": {name: "Replay Submit"},
			"get":    {name: "Get Order"},
			"cancel": {name: "Cancel Order"},
		},
	}

	token, err := sc.authenticate(apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// do sends a request and decodes the response envelope. Statuses listed in
// accept are returned without error.
func (sc *simulationClient) do(stat, method, path string, body interface{}, headers map[string]string, accept ...int) (int, *envelope, error) {
	start := time.Now()
	failed := true
	defer func() {
		sc.stats[stat].addDuration(time.Since(start), failed)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("Router response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	for _, code := range accept {
		if resp.StatusCode == code {
			failed = false
			return resp.StatusCode, &env, nil
		}
	}
	return resp.StatusCode, &env, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
}

// authenticate exchanges API credentials for a JWT
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	creds := map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}
	_, env, err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", creds, nil, http.StatusOK, http.StatusCreated)
	if err != nil {
		return "", err
	}

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", fmt.Errorf("no token in response")
	}
	return result.Token, nil
}

// submitOrder posts an order under the given idempotency key. A risk or
// venue rejection is a normal outcome and is returned without error.
func (sc *simulationClient) submitOrder(stat, key string, order map[string]interface{}) (*types.SubmitResponse, error) {
	_, env, err := sc.do(stat, http.MethodPost, "/api/v1/orders", order,
		map[string]string{"Idempotency-Key": key},
		http.StatusOK, http.StatusCreated, http.StatusUnprocessableEntity)
	if err != nil {
		return nil, err
	}

	var result types.SubmitResponse
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode submit response: %w", err)
	}
	if result.Order == nil {
		return nil, fmt.Errorf("no order in submit response")
	}
	return &result, nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	_, env, err := sc.do("get", http.MethodGet, "/api/v1/orders/"+orderID, nil, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var order types.Order
	if err := json.Unmarshal(env.Data, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// cancelOrder requests cancellation of a working order
func (sc *simulationClient) cancelOrder(orderID string) (*types.CancelResponse, error) {
	_, env, err := sc.do("cancel", http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var result types.CancelResponse
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// summary collects order outcomes across workers
type summary struct {
	mu          sync.Mutex
	Submitted   int
	Replays     int
	ReplayDrift int
	Rejected    int
	Failed      int
	Cancels     map[types.CancelOutcome]int
	Statuses    map[types.OrderStatus]int
	Rejects     map[types.RejectCode]int
	Venues      map[string]int
	orderIDs    []string
}

func newSummary() *summary {
	return &summary{
		Cancels:  make(map[types.CancelOutcome]int),
		Statuses: make(map[types.OrderStatus]int),
		Rejects:  make(map[types.RejectCode]int),
		Venues:   make(map[string]int),
	}
}

func (s *summary) record(fn func(s *summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// randomOrder builds an order payload. Prices and quantities are kept small
// so most orders pass the default limits.
func randomOrder() map[string]interface{} {
	order := map[string]interface{}{
		"symbol":   symbols[rand.Intn(len(symbols))],
		"side":     sides[rand.Intn(len(sides))],
		"quantity": decimal.NewFromFloat(float64(rand.Intn(20)+1) / 10).String(),
	}
	if rand.Intn(2) == 0 {
		order["order_type"] = types.OrderTypeMarket
	} else {
		order["order_type"] = types.OrderTypeLimit
		order["price"] = decimal.NewFromInt(int64(rand.Intn(1000) + 100)).String()
	}
	return order
}

// submitOrdersHTTP runs as a worker goroutine. Every order is followed by a
// replay under the same key some of the time, and a cancel some of the time.
func submitOrdersHTTP(workerID, numOrders int, sc *simulationClient, sum *summary) {
	for i := 0; i < numOrders; i++ {
		key := uuid.New().String()
		order := randomOrder()

		result, err := sc.submitOrder("submit", key, order)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Interface("symbol", order["symbol"]).Msg("Failed to submit order")
			sum.record(func(s *summary) { s.Failed++ })
			continue
		}

		o := result.Order
		sum.record(func(s *summary) {
			s.Submitted++
			if o.Status == types.StatusRejected {
				s.Rejected++
				s.Rejects[o.RejectCode]++
			} else {
				s.Venues[o.Venue]++
				s.orderIDs = append(s.orderIDs, o.OrderID)
			}
		})
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", o.OrderID).
			Str("symbol", o.Symbol).
			Str("side", string(o.Side)).
			Str("quantity", o.Quantity.String()).
			Str("status", string(o.Status)).
			Str("venue", o.Venue).
			Str("reject_code", string(o.RejectCode)).
			Msg("Order submitted")

		if rand.Intn(4) == 0 {
			replay, err := sc.submitOrder("replay", key, order)
			if err != nil {
				log.Error().Err(err).Str("key", key).Msg("Failed to replay order")
			} else {
				sum.record(func(s *summary) {
					s.Replays++
					if !replay.Replayed || replay.Order.OrderID != o.OrderID {
						s.ReplayDrift++
					}
				})
			}
		}

		if o.Status != types.StatusRejected && rand.Intn(3) == 0 {
			cancel, err := sc.cancelOrder(o.OrderID)
			if err != nil {
				log.Error().Err(err).Str("order_id", o.OrderID).Msg("Failed to cancel order")
			} else {
				sum.record(func(s *summary) { s.Cancels[cancel.Outcome]++ })
				log.Info().Str("order_id", o.OrderID).Str("outcome", string(cancel.Outcome)).Msg("Cancel requested")
			}
		}

		time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
	}
}

func printDistribution[K comparable](title string, counts map[K]int) {
	fmt.Printf("\n%s\n", title)
	fmt.Println(strings.Repeat("-", len(title)))
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		fmt.Println("(none)")
		return
	}
	for k, n := range counts {
		bar := strings.Repeat("#", int(float64(n)/float64(total)*20))
		fmt.Printf("%-24v: %s (%d)\n", k, bar, n)
	}
}

// main drives a load simulation against a running order router
func main() {
	baseURL := flag.String("addr", envOr("ROUTER_ADDR", "http://localhost:8080"), "router base URL")
	apiKey := flag.String("key", os.Getenv("ROUTER_API_KEY"), "API key")
	apiSecret := flag.String("secret", os.Getenv("ROUTER_API_SECRET"), "API secret")
	flag.Parse()

	if *apiKey == "" || *apiSecret == "" {
		log.Fatal().Msg("API key and secret are required (-key/-secret or ROUTER_API_KEY/ROUTER_API_SECRET)")
	}

	simClient, err := newSimulationClient(*baseURL, *apiKey, *apiSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Str("addr", *baseURL).Msg("Starting simulation")

	start := time.Now()
	sum := newSummary()
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			submitOrdersHTTP(workerID, targetOrders/numWorkers, simClient, sum)
		}(i)
	}
	wg.Wait()

	// Give the venues time to report fills before reading final state.
	time.Sleep(500 * time.Millisecond)
	for _, id := range sum.orderIDs {
		order, err := simClient.getOrder(id)
		if err != nil {
			log.Error().Err(err).Str("order_id", id).Msg("Failed to get order")
			continue
		}
		sum.Statuses[order.Status]++
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ORDER ROUTER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Submitted:        %d
Rejected:         %d
Failed:           %d
Replays:          %d
Replay mismatch:  %d
Duration:         %v
`, sum.Submitted, sum.Rejected, sum.Failed, sum.Replays, sum.ReplayDrift, duration.Round(time.Millisecond))

	printDistribution("Venue Distribution", sum.Venues)
	printDistribution("Final Status", sum.Statuses)
	printDistribution("Reject Codes", sum.Rejects)
	printDistribution("Cancel Outcomes", sum.Cancels)
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("submitted", sum.Submitted).
		Int("rejected", sum.Rejected).
		Int("replay_mismatch", sum.ReplayDrift).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
