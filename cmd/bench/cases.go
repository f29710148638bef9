// README: Bench cases: environment, schema, auth, ride request, driver location and load checks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

// Khartoum city centre; the bench driver parks next to the pickup.
var (
	benchPickup      = map[string]any{"lat": 15.5007, "lng": 32.5599}
	benchDestination = map[string]any{"lat": 15.5250, "lng": 32.5600, "label": "Souq Arabi"}
)

func rideRequest(vehicleType string) map[string]any {
	return map[string]any{
		"pickup":       benchPickup,
		"destination":  benchDestination,
		"vehicle_type": vehicleType,
	}
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "database reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "geo index reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusFail, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "apply migration SQL",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: statusSkip, Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "every table in the migration is present",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: statusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: statusPass, Note: fmt.Sprintf("%d tables", len(tables))}
			},
		},
		{
			Name:  "Pricing: rate table",
			Focus: "vehicle_rates rows, built-in table otherwise",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				var n int
				if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM vehicle_rates").Scan(&n); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if n == 0 {
					return Result{Status: statusPass, Note: "empty, api uses built-in rates"}
				}
				return Result{Status: statusPass, Note: fmt.Sprintf("rows=%d", n)}
			},
		},

		httpCase("API: health", http.MethodGet, base+"/health", "", nil, http.StatusOK),
		httpCase("API: metrics exposed", http.MethodGet, base+"/metrics", "", nil, http.StatusOK),
		httpCase("Auth: ride request without token -> 401", http.MethodPost, base+"/rides", "", rideRequest("economy"), http.StatusUnauthorized),
		httpCase("Auth: ride request with garbage token -> 401", http.MethodPost, base+"/rides", "not-a-token", rideRequest("economy"), http.StatusUnauthorized),

		withCustomer(r, httpCase("Ride: unknown vehicle type -> 400", http.MethodPost, base+"/rides", r.cfg.CustomerToken,
			rideRequest("rickshaw"), http.StatusBadRequest)),
		withCustomer(r, httpCase("Ride: invalid pickup -> 400", http.MethodPost, base+"/rides", r.cfg.CustomerToken, map[string]any{
			"pickup":       map[string]any{"lat": 123.0, "lng": 456.0},
			"destination":  benchDestination,
			"vehicle_type": "economy",
		}, http.StatusBadRequest)),

		withDriver(r, httpCase("Driver: go online", http.MethodPut, base+"/drivers/"+r.cfg.DriverID+"/status", r.cfg.DriverToken,
			map[string]any{"online": true}, http.StatusOK)),
		withDriver(r, httpCase("Driver: location update", http.MethodPut, base+"/drivers/"+r.cfg.DriverID+"/location", r.cfg.DriverToken,
			benchPickup, http.StatusNoContent)),
		withDriver(r, httpCase("Driver: location out of range -> 400", http.MethodPut, base+"/drivers/"+r.cfg.DriverID+"/location", r.cfg.DriverToken,
			map[string]any{"lat": 123.0, "lng": 456.0}, http.StatusBadRequest)),
		withDriver(r, TestCase{
			Name:  "Driver: indexed in Redis",
			Focus: "online driver present in the geo set of its vehicle type",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusFail, Note: "redis not configured"}
				}
				vt, err := r.redis.HGet(ctx, "driver:state:"+r.cfg.DriverID, "vehicle_type").Result()
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				pos, err := r.redis.GeoPos(ctx, "geo:drivers:"+vt, r.cfg.DriverID).Result()
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if len(pos) == 0 || pos[0] == nil {
					return Result{Status: statusFail, Note: "driver missing from geo:drivers:" + vt}
				}
				return Result{Status: statusPass, Note: fmt.Sprintf("vehicle_type=%s", vt)}
			},
		}),

		withCustomer(r, TestCase{
			Name:  "Ride: request then cancel",
			Focus: "201 with a fixed amount, or 503 when no driver is around",
			Run: func(ctx context.Context, r *Runner) Result {
				start := time.Now()
				code, body, err := r.call(ctx, http.MethodPost, base+"/rides", r.cfg.CustomerToken, rideRequest("economy"))
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				latency := time.Since(start)
				switch code {
				case http.StatusServiceUnavailable:
					return Result{Status: statusPass, Latency: latency, Note: "no drivers available"}
				case http.StatusCreated:
				default:
					return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
				}
				var created struct {
					ID     string `json:"id"`
					Status string `json:"status"`
					Amount struct {
						Amount   int64  `json:"amount"`
						Currency string `json:"currency"`
					} `json:"amount"`
				}
				if err := json.Unmarshal(body, &created); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if created.Amount.Amount <= 0 || created.Status != "searching" {
					return Result{Status: statusFail, Note: fmt.Sprintf("amount=%d status=%s", created.Amount.Amount, created.Status)}
				}
				code, _, err = r.call(ctx, http.MethodPost, base+"/rides/"+created.ID+"/cancel", r.cfg.CustomerToken,
					map[string]any{"reason": "customer_cancelled"})
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if code != http.StatusOK {
					return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("cancel status=%d", code)}
				}
				return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("amount=%d %s", created.Amount.Amount, created.Amount.Currency)}
			},
		}),

		withCustomer(r, TestCase{
			Name:  "Concurrency: parallel requests by one customer",
			Focus: "at most one active ride per customer",
			Run: func(ctx context.Context, r *Runner) Result {
				return concurrentRequests(ctx, r, base)
			},
		}),

		withDriver(r, TestCase{
			Name:  "Perf: location update throughput",
			Focus: "sustained location stream",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodPut, base+"/drivers/"+r.cfg.DriverID+"/location", r.cfg.DriverToken, benchPickup)
			},
		}),
	}
}

func withCustomer(r *Runner, tc TestCase) TestCase {
	if r.cfg.CustomerToken != "" {
		return tc
	}
	return skipCase(tc.Name, "customer-token not set")
}

func withDriver(r *Runner, tc TestCase) TestCase {
	if r.cfg.DriverToken != "" && r.cfg.DriverID != "" {
		return tc
	}
	return skipCase(tc.Name, "driver-token/driver-id not set")
}

func httpCase(name, method, url, token string, body any, want int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			code, _, err := r.call(ctx, method, url, token, body)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			latency := time.Since(start)
			if code == want {
				return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
			}
			return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", code, want)}
		},
	}
}

func skipCase(name, note string) TestCase {
	return TestCase{
		Name:  name,
		Focus: "Manual",
		Run: func(ctx context.Context, r *Runner) Result {
			return Result{Status: statusSkip, Note: note}
		},
	}
}

func (r *Runner) call(ctx context.Context, method, url, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func concurrentRequests(ctx context.Context, r *Runner, base string) Result {
	wg := sync.WaitGroup{}
	mu := sync.Mutex{}
	var created []string
	others := map[int]int{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, body, err := r.call(ctx, http.MethodPost, base+"/rides", r.cfg.CustomerToken, rideRequest("economy"))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if code != http.StatusCreated {
				others[code]++
				return
			}
			var v struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(body, &v)
			created = append(created, v.ID)
		}()
	}
	wg.Wait()

	for _, id := range created {
		_, _, _ = r.call(ctx, http.MethodPost, base+"/rides/"+id+"/cancel", r.cfg.CustomerToken,
			map[string]any{"reason": "customer_cancelled"})
	}
	note := fmt.Sprintf("created=%d others=%v", len(created), others)
	if len(created) <= 1 {
		return Result{Status: statusPass, Note: note}
	}
	return Result{Status: statusFail, Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method, url, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count int64
	var errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, err := r.call(ctx, method, url, token, payload)
				mu.Lock()
				if err != nil || code >= 300 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("no requests completed, errors=%d", errCount)}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	cleaned := strings.Join(filtered, "\n")
	parts := strings.Split(cleaned, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
