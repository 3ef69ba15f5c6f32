// Package main provides a deliberately unreliable HTTP server for
// exercising breakerd. It fails a configurable fraction of requests and
// can inject latency, which is enough to walk a breaker through open,
// half-open, and closed states by hand.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	failRate := flag.Float64("fail-rate", 0.0, "fraction of requests to fail with 500 (0.0-1.0)")
	latency := flag.Duration("latency", 0, "artificial delay added to every request")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	// Runtime-adjustable failure rate, stored as parts per thousand.
	var failPerMille atomic.Int64
	failPerMille.Store(int64(*failRate * 1000))

	var served, failed atomic.Int64

	// /__fail-rate/{rate} adjusts the failure rate while running.
	// Example: POST /__fail-rate/1.0 makes every request fail, which
	// trips the breaker; POST /__fail-rate/0 lets the probe recover it.
	http.HandleFunc("POST /__fail-rate/{rate}", func(w http.ResponseWriter, r *http.Request) {
		rate, err := strconv.ParseFloat(r.PathValue("rate"), 64)
		if err != nil || rate < 0 || rate > 1 {
			http.Error(w, "rate must be in [0,1]", http.StatusBadRequest)
			return
		}
		failPerMille.Store(int64(rate * 1000))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"service":   *name,
			"fail_rate": rate,
		})
	})

	// /__stats reports how many requests this instance served and failed.
	http.HandleFunc("GET /__stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"service":   *name,
			"served":    served.Load(),
			"failed":    failed.Load(),
			"fail_rate": float64(failPerMille.Load()) / 1000,
		})
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		if *latency > 0 {
			time.Sleep(*latency)
		}

		w.Header().Set("Content-Type", "application/json")
		if rand.Int63n(1000) < failPerMille.Load() {
			failed.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{
				"service": *name,
				"error":   "injected failure",
			})
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"service":   *name,
			"method":    r.Method,
			"path":      r.URL.Path,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail-rate=%.2f latency=%s)", *name, addr, *failRate, *latency)
	log.Fatal(http.ListenAndServe(addr, nil))
}
