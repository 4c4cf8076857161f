// Command tenantauth-loadtest drives the session registry and the rate
// limiter concurrently against a real store and checks that the per-user
// session cap and the attempt counters hold under contention.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Torutesu/tenantauth/internal/kv"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/session"
)

func main() {
	var (
		sessions    = flag.Int("sessions", 20000, "number of sessions to seed")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "operations per phase")
		hotUsers    = flag.Int("hot-users", 16, "users shared by the create phase")
		backend     = flag.String("backend", "redis", "store backend: redis, memory or sqlite")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "ta-load:", "redis key prefix")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 || *hotUsers <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, ops and hot-users must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()
	store, cleanup, err := openStore(*backend, *redisAddr, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := session.DefaultConfig()
	registry, err := session.NewRegistry(store, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		os.Exit(1)
	}
	limiter, err := ratelimit.New(store, ratelimit.WithPolicies(map[ratelimit.LimitType]ratelimit.Policy{
		ratelimit.APICall: {MaxAttempts: *ops + 1, Window: time.Hour, BlockDuration: time.Minute},
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "limiter: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("seeding %d sessions...\n", *sessions)
	ids := make([]string, *sessions)
	startSeed := time.Now()
	for i := range ids {
		rec, err := registry.CreateSession(ctx, fmt.Sprintf("u-%d", i), "load", &session.DeviceInfo{DeviceName: "seed"}, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
		ids[i] = rec.SessionID
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	validateStats := runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		_, err := registry.ValidateSession(ctx, ids[r.IntN(len(ids))])
		return err
	})
	refreshStats := runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		ok, err := registry.RefreshSession(ctx, ids[r.IntN(len(ids))], time.Hour)
		if err == nil && !ok {
			err = session.ErrSessionNotFound
		}
		return err
	})
	createStats := runPhase(*ops, *concurrency, func(_ *rand.Rand, i int) error {
		_, err := registry.CreateSession(ctx, fmt.Sprintf("hot-%d", i%*hotUsers), "load", nil, false)
		return err
	})
	createStats.failures += capViolations(ctx, registry, *hotUsers, cfg.MaxSessionsPerUser)

	limitStats := runPhase(*ops, *concurrency, func(_ *rand.Rand, _ int) error {
		_, err := limiter.RecordAttempt(ctx, "load", ratelimit.APICall, false)
		return err
	})
	if st, err := limiter.Status(ctx, "load", ratelimit.APICall); err != nil {
		limitStats.failures++
	} else if lost := *ops - st.Attempts; lost != 0 {
		fmt.Printf("ratelimit: %d attempts lost under contention\n", lost)
		limitStats.failures += int64(abs(lost))
	}

	fmt.Println("---- results ----")
	printStats("validate", validateStats)
	printStats("refresh", refreshStats)
	printStats("create", createStats)
	printStats("ratelimit", limitStats)

	if validateStats.failures+refreshStats.failures+createStats.failures+limitStats.failures > 0 {
		os.Exit(1)
	}
}

func openStore(backend, addr, prefix string) (kv.Store, func(), error) {
	switch backend {
	case "memory":
		s := kv.NewMemory()
		return s, func() { _ = s.Close() }, nil

	case "sqlite":
		dir, err := os.MkdirTemp("", "tenantauth-load")
		if err != nil {
			return nil, nil, err
		}
		s, err := kv.OpenSQLite(filepath.Join(dir, "load.db"))
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, nil, err
		}
		fmt.Printf("using sqlite in %s\n", dir)
		return s, func() { _ = s.Close(); _ = os.RemoveAll(dir) }, nil

	case "redis":
		if addr == "" {
			addr = os.Getenv("REDIS_ADDR")
		}
		var mr *miniredis.Miniredis
		if addr == "" {
			var err error
			mr, err = miniredis.Run()
			if err != nil {
				return nil, nil, fmt.Errorf("start miniredis: %w", err)
			}
			addr = mr.Addr()
			fmt.Printf("using miniredis at %s\n", addr)
		} else {
			fmt.Printf("using redis at %s\n", addr)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		s := kv.NewRedis(client, prefix)
		return s, func() {
			_ = s.Close()
			_ = client.Close()
			if mr != nil {
				mr.Close()
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// capViolations counts hot users left with more active sessions than the
// configured maximum.
func capViolations(ctx context.Context, registry *session.Registry, users, limit int) int64 {
	var n int64
	for i := range users {
		active, err := registry.ActiveSessionCount(ctx, fmt.Sprintf("hot-%d", i))
		if err != nil || active > limit {
			fmt.Printf("create: hot-%d has %d active sessions (max %d, err %v)\n", i, active, limit, err)
			n++
		}
	}
	return n
}

func runPhase(ops, concurrency int, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    atomic.Int64
		failures  atomic.Int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := range concurrency {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(worker)*7919))
			for {
				i := int(cursor.Add(1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
				d := time.Since(t0)
				if err != nil {
					failures.Add(1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	slices.Sort(samples)
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
