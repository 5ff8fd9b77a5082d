package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "admin address of a node")
	channels := flag.Int("channels", 4, "number of channels to spread publishes over")
	n := flag.Int("n", 5000, "publishes")
	conc := flag.Int("c", 32, "concurrency")
	size := flag.Int("size", 128, "payload size bytes")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	var wg sync.WaitGroup
	var failed atomic.Int64
	sem := make(chan struct{}, *conc)
	start := time.Now()

	for i := 0; i < *n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			url := fmt.Sprintf("%s/publish/bench-%d", *addr, i%*channels)
			payload := bytes.Repeat([]byte{byte(rand.IntN(255))}, *size)
			resp, err := client.Post(url, "application/octet-stream", bytes.NewReader(payload))
			if err != nil {
				failed.Add(1)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Published %d messages (%d failed) in %s (%.2f msg/s)\n", *n, failed.Load(), dur, float64(*n)/dur.Seconds())
}
