// Package loadstats aggregates client-side measurements from a load run and
// prints a summary report with percentile distributions. A Scraper can be
// attached to include the server's Prometheus counters in the same report.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from many load clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	sendLatencies    []time.Duration
	deliverLatencies []time.Duration
	errors           int
	connections      int
	sent             int
	received         int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper to the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSend records a confirmed send and its round-trip time.
func (c *Collector) AddSend(d time.Duration) {
	c.mu.Lock()
	c.sendLatencies = append(c.sendLatencies, d)
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records a message observed by another member.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliverLatencies = append(c.deliverLatencies, d)
	c.received++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Connections int
	Sent        int
	Received    int
	Errors      int
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Connections: c.connections, Sent: c.sent, Received: c.received, Errors: c.errors}
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Sent:         %d\n", c.sent)
	fmt.Fprintf(w, "Received:     %d\n", c.received)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)

	if attempts := c.connections + c.sent; attempts > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(attempts)*100)
	}

	sections := []struct {
		label string
		d     []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Send Latency", c.sendLatencies},
		{"Delivery Latency", c.deliverLatencies},
	}
	for _, s := range sections {
		if len(s.d) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", s.label)
		p := Percentiles(s.d)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			p.Avg.Round(time.Microsecond),
			p.P50.Round(time.Microsecond),
			p.P95.Round(time.Microsecond),
			p.P99.Round(time.Microsecond),
			p.Max.Round(time.Microsecond),
			p.N,
		)
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Distribution summarizes a latency sample.
type Distribution struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Percentiles sorts durations in place and summarizes them.
func Percentiles(durations []time.Duration) Distribution {
	n := len(durations)
	if n == 0 {
		return Distribution{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Distribution{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}
