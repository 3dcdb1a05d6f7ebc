// Command distcachebench is a load generator for the distcache HTTP
// surface: it drives concurrent GETs against a running coordinator and
// reports throughput.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "coordinator address")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	keys := flag.Int("keys", 200, "distinct key space size")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	wg := sync.WaitGroup{}
	sem := make(chan struct{}, *conc)

	var ok, failed int64
	start := time.Now()

	for i := 0; i < *n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			stem := fmt.Sprintf("/bench/%d", rand.Intn(*keys))
			resp, err := client.Get(*addr + stem)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				atomic.AddInt64(&ok, 1)
			} else {
				atomic.AddInt64(&failed, 1)
			}
		}(i)
	}
	wg.Wait()

	dur := time.Since(start)
	fmt.Printf("Completed %d requests (%d ok, %d failed) in %s (%.2f req/s)\n",
		*n, ok, failed, dur, float64(*n)/dur.Seconds())
}
