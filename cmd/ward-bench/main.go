package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-ward/v1/presets"
	"github.com/mirkobrombin/go-ward/v1/swr"
)

var (
	concurrency = flag.Int("c", 50, "Concurrent readers")
	requests    = flag.Int("n", 100000, "Requests per reader")
	nodes       = flag.Int("nodes", 5, "Lock store nodes")
	ttl         = flag.Duration("ttl", 2*time.Second, "Entry TTL")
	staleWindow = flag.Duration("stale", time.Second, "Stale window")
	fetchDelay  = flag.Duration("fetch-delay", 20*time.Millisecond, "Simulated upstream latency")
)

func main() {
	flag.Parse()

	addrs := make([]string, *nodes)
	for i := range addrs {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()
		addrs[i] = mr.Addr()
	}

	c, err := presets.NewRedisCluster[string](presets.RedisClusterOptions{
		Addrs: addrs,
		Cache: swr.Options{
			TTL:         *ttl,
			StaleWindow: *staleWindow,
			MissTimeout: 10 * time.Second,
		},
	})
	if err != nil {
		log.Fatalf("cluster: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		time.Sleep(*fetchDelay)
		return time.Now().Format(time.RFC3339Nano), nil
	}

	total := *concurrency * *requests
	latencies := make([]int64, total)
	var ops int64

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * *requests
			for j := 0; j < *requests; j++ {
				reqStart := time.Now()
				if _, err := c.Get(ctx, "bench:key", fetch); err == nil {
					atomic.AddInt64(&ops, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		log.Fatal("no successful reads")
	}

	valid := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
	p99 := valid[min(int(float64(len(valid))*0.99), len(valid)-1)]

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-8s |\n", "Readers", "Ops/sec", "Avg Latency", "P99 Latency", "Fetches")
	fmt.Println("|:---|:---|:---|:---|:---|")
	fmt.Printf("| %-10d | %-10.0f | %-12s | %-12s | %-8d |\n",
		*concurrency,
		float64(ops)/elapsed.Seconds(),
		time.Duration(elapsed.Nanoseconds()/ops),
		time.Duration(p99),
		fetches.Load(),
	)
}
