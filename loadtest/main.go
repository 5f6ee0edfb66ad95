// Command loadtest hammers increment-value from many goroutines and checks
// that the final trait equals the number of successful increments.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"flagsync/client"

	"github.com/google/uuid"
)

var (
	targetURL   = flag.String("url", "http://localhost:8080", "flagsync base URL")
	envKey      = flag.String("key", "", "server environment key")
	workers     = flag.Int("c", 50, "concurrent workers")
	perWorker   = flag.Int("n", 200, "increments per worker")
	traitKey    = flag.String("trait", "loadtest_counter", "trait key to increment")
	httpTimeout = flag.Duration("timeout", 5*time.Second, "per-request timeout")
)

var (
	succeeded  int64
	failed     int64
	latencySum int64 // microseconds
)

func main() {
	flag.Parse()
	if *envKey == "" {
		fmt.Fprintln(os.Stderr, "-key is required")
		os.Exit(2)
	}

	identifier := "loadtest-" + uuid.NewString()[:8]
	c := client.NewTraitClient(*targetURL, *envKey, *httpTimeout)
	fmt.Printf("Starting increment load test\n")
	fmt.Printf("   Target: %s\n", *targetURL)
	fmt.Printf("   Identity: %s, trait: %s\n", identifier, *traitKey)
	fmt.Printf("   Workers: %d x %d increments\n", *workers, *perWorker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go report(ctx)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < *perWorker; j++ {
				t0 := time.Now()
				_, err := c.IncrementTrait(ctx, identifier, *traitKey, 1)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&succeeded, 1)
				atomic.AddInt64(&latencySum, time.Since(t0).Microseconds())
			}
		}()
	}
	wg.Wait()
	cancel()
	elapsed := time.Since(start)

	ok := atomic.LoadInt64(&succeeded)
	final, err := c.IncrementTrait(context.Background(), identifier, *traitKey, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading final value: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone in %v: %d ok, %d failed, %.0f req/s, avg %.2f ms\n",
		elapsed.Round(time.Millisecond), ok, atomic.LoadInt64(&failed),
		float64(ok)/elapsed.Seconds(), avgMillis(ok))
	if final != ok {
		fmt.Printf("LOST UPDATES: trait is %d, expected %d\n", final, ok)
		os.Exit(1)
	}
	fmt.Printf("No lost updates: trait is %d\n", final)
}

func report(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := atomic.LoadInt64(&succeeded)
			fmt.Printf("[stats] ok=%d (+%d/s) failed=%d avg=%.2fms\n",
				cur, cur-last, atomic.LoadInt64(&failed), avgMillis(cur))
			last = cur
		}
	}
}

func avgMillis(n int64) float64 {
	if n == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&latencySum)) / float64(n) / 1000
}
