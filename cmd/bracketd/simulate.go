package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/bracketd/internal/auth"
	"github.com/ksred/bracketd/internal/paper"
	"github.com/ksred/bracketd/internal/types"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// routeStats tracks latency for one API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) add(d time.Duration, err error) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}
	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]
	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

// simulationClient drives a running bracketd over HTTP.
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth": {name: "Authentication"},
			"open": {name: "Open Paper Position"},
			"get":  {name: "Get Position"},
		},
	}
}

func (sc *simulationClient) record(route string, start time.Time, err error) {
	sc.mu.Lock()
	sc.stats[route].add(time.Since(start), err)
	sc.mu.Unlock()
}

// call sends body as JSON and decodes the data field of the response into out.
func (sc *simulationClient) call(ctx context.Context, route, method, path string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() { sc.record(route, start, err) }()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	return json.Unmarshal(envelope.Data, out)
}

func (sc *simulationClient) authenticate(ctx context.Context, creds auth.Credentials) error {
	var tok auth.TokenResponse
	if err := sc.call(ctx, "auth", http.MethodPost, "/api/v1/auth/token", creds, &tok); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = tok.Token
	return nil
}

func (sc *simulationClient) printPerformanceStats(w io.Writer) {
	fmt.Fprintln(w, "\n📊 API Performance Statistics")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	fmt.Fprintf(w, "%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for r := range sc.stats {
		routes = append(routes, r)
	}
	sort.Strings(routes)
	for _, r := range routes {
		stats := sc.stats[r]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Fprintf(w, "%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name, stats.totalCalls, stats.failures,
			min.Round(time.Millisecond), max.Round(time.Millisecond),
			mean.Round(time.Millisecond), median.Round(time.Millisecond),
			p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	}
	fmt.Fprintln(w, strings.Repeat("-", 100))
}

type simulateOptions struct {
	baseURL   string
	apiKey    string
	apiSecret string
	symbols   []string
	positions int
	workers   int
	quantity  float64
	wait      time.Duration
}

func newSimulateCmd(rc *rootConfig) *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Open random paper positions against a running server and report latency",
		Long: `Simulate authenticates against a running bracketd, opens paper positions
from several workers, then polls them until they close or --wait elapses.

Example:
  bracketd simulate --url http://localhost:8080 --positions 20 --workers 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.apiKey == "" {
				opts.apiKey = rc.cfg.HTTP.OperatorKey
			}
			if opts.apiSecret == "" {
				opts.apiSecret = rc.cfg.HTTP.OperatorSecret
			}
			if len(opts.symbols) == 0 {
				for _, a := range rc.cfg.Assets {
					if !a.Disabled {
						opts.symbols = append(opts.symbols, a.Symbol)
					}
				}
			}
			return simulate(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "bracketd base URL")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "operator key (default from config)")
	cmd.Flags().StringVar(&opts.apiSecret, "api-secret", "", "operator secret (default from config)")
	cmd.Flags().StringSliceVar(&opts.symbols, "symbols", nil, "symbols to trade (default: configured assets)")
	cmd.Flags().IntVar(&opts.positions, "positions", 10, "number of positions to open")
	cmd.Flags().IntVar(&opts.workers, "workers", 3, "concurrent workers")
	cmd.Flags().Float64Var(&opts.quantity, "quantity", 0.001, "quantity per position")
	cmd.Flags().DurationVar(&opts.wait, "wait", time.Minute, "how long to wait for positions to close")
	return cmd
}

func simulate(ctx context.Context, w io.Writer, opts simulateOptions) error {
	if len(opts.symbols) == 0 {
		return fmt.Errorf("no symbols to trade")
	}
	sc := newSimulationClient(opts.baseURL)
	if err := sc.authenticate(ctx, auth.Credentials{APIKey: opts.apiKey, APISecret: opts.apiSecret}); err != nil {
		return err
	}
	zlog.Info().Int("target_positions", opts.positions).Int("workers", opts.workers).Msg("starting simulation")

	var (
		mu       sync.Mutex
		orderIDs []string
		failed   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.workers, 1))
	for i := 0; i < opts.positions; i++ {
		req := paper.OpenRequest{
			Symbol:        opts.symbols[rand.Intn(len(opts.symbols))],
			Quantity:      opts.quantity,
			Side:          []types.Side{types.SideBuy, types.SideSell}[rand.Intn(2)],
			TakeProfitPct: 0.1 + rand.Float64()*0.4,
			StopLossPct:   0.1 + rand.Float64()*0.4,
			StrategyTag:   "simulate",
		}
		g.Go(func() error {
			var pos types.Position
			err := sc.call(gctx, "open", http.MethodPost, "/api/v1/paper/positions", req, &pos)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				zlog.Warn().Err(err).Str("symbol", req.Symbol).Msg("failed to open position")
				failed++
				return nil
			}
			orderIDs = append(orderIDs, pos.OrderID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	zlog.Info().Int("opened", len(orderIDs)).Int("failed", failed).Msg("positions opened")

	closed, pnl := waitForCloses(ctx, sc, orderIDs, opts.wait)

	fmt.Fprintf(w, "\nOpened: %d  Failed: %d  Closed: %d  Gross PnL: %.4f\n", len(orderIDs), failed, closed, pnl)
	sc.printPerformanceStats(w)
	return nil
}

// waitForCloses polls every open position until all are CLOSED or wait
// elapses, returning the closed count and their summed gross PnL.
func waitForCloses(ctx context.Context, sc *simulationClient, orderIDs []string, wait time.Duration) (int, float64) {
	deadline := time.Now().Add(wait)
	pending := append([]string(nil), orderIDs...)
	var (
		closed int
		pnl    float64
	)
	for len(pending) > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		var still []string
		for _, id := range pending {
			var pos types.Position
			if err := sc.call(ctx, "get", http.MethodGet, "/api/v1/positions/"+id, nil, &pos); err != nil {
				still = append(still, id)
				continue
			}
			if pos.Status == types.PositionClosed {
				closed++
				pnl += pos.PnL
				continue
			}
			still = append(still, id)
		}
		pending = still
		if len(pending) > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
	}
	return closed, pnl
}
