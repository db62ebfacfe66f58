// Command bench runs a synthetic workload against a single-node engine and
// exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cachemesh/cachemesh/engine"
	"github.com/cachemesh/cachemesh/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		capacity = flag.Int64("cap", 256<<20, "cache capacity (bytes)")
		segments = flag.Int("segments", 0, "number of segments (0=default)")
		valSize  = flag.Int("value", 256, "value size (bytes)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		hotRate = flag.Float64("hot_rate", 0, "hot-key rate threshold req/s (0 = disabled)")

		fetchDelay = flag.Duration("fetch_delay", 0, "simulated backing-store latency (0 = no fetcher)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	cacheMetrics := prom.NewCache(nil, "cachemesh", "bench", nil)
	engineMetrics := prom.NewEngine(nil, "cachemesh", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build engine ----
	cfg := engine.DefaultConfig("bench-node")
	cfg.TotalCapacityBytes = *capacity
	if *segments > 0 {
		cfg.SegmentCount = *segments
	}
	cfg.HotKeyRateThreshold = *hotRate

	deps := engine.Deps{
		Metrics:      engineMetrics,
		CacheMetrics: cacheMetrics,
	}
	if *fetchDelay > 0 {
		delay := *fetchDelay
		deps.Fetcher = engine.FetcherFunc(func(ctx context.Context, key string) ([]byte, error) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []byte("fetched:" + key), nil
		})
	}

	e, err := engine.New(cfg, deps)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer func() { _ = e.Close() }()

	// ---- Preload to get a realistic hit-rate ----
	ctx := context.Background()
	val := make([]byte, *valSize)
	preload := int(*capacity / int64(*valSize+64) / 2)
	if preload > *keys {
		preload = *keys
	}
	for i := 0; i < preload; i++ {
		_ = e.Put(ctx, "k:"+strconv.Itoa(i), val, 0)
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, total uint64
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for {
				select {
				case <-runCtx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					if _, ok, _, _ := e.Get(runCtx, keyByZipf()); ok {
						atomic.AddUint64(&hits, 1)
					} else {
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					_ = e.Put(ctx, keyByZipf(), val, 0)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("cap=%dB segments=%d workers=%d keys=%d dur=%v seed=%d\n",
		*capacity, cfg.SegmentCount, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)
}
