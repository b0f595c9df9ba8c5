package loadstats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sample holds the tracked server metrics at a point in time.
type sample struct {
	timestamp    time.Time
	connections  float64
	activeRooms  float64
	messages     map[string]float64 // by type label
	dropped      float64
	latencySum   float64
	latencyCount float64
}

// Scraper periodically fetches the server's Prometheus endpoint during a load
// run and keeps the samples for the report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu      sync.Mutex
	samples []sample

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a sample immediately and then one per interval until ctx ends
// or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper and waits for the final sample.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	smp, err := parseSample(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, smp)
	s.mu.Unlock()
}

func parseSample(r io.Reader) (sample, error) {
	smp := sample{timestamp: time.Now(), messages: make(map[string]float64)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "chat_connections_total":
			smp.connections = value
		case "chat_active_rooms":
			smp.activeRooms = value
		case "chat_messages_total":
			smp.messages[labels["type"]] += value
		case "chat_fanout_dropped_total":
			smp.dropped = value
		case "chat_message_latency_seconds_sum":
			smp.latencySum = value
		case "chat_message_latency_seconds_count":
			smp.latencyCount = value
		}
	}
	return smp, scanner.Err()
}

// parseMetricLine splits a text exposition line into name, labels and value:
//
//	metric_name 1.23
//	metric_name{label="value"} 1.23
func parseMetricLine(line string) (string, map[string]string, float64, bool) {
	name, rest := line, ""
	var labels map[string]string

	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", nil, 0, false
		}
		name = line[:open]
		labels = parseLabels(line[open+1 : open+closing])
		rest = line[open+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", nil, 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, false
	}
	return name, labels, v, true
}

func parseLabels(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		out[k] = strings.Trim(v, `"`)
	}
	return out
}

// Report writes initial, final, delta and peak values of the tracked metrics.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	samples := make([]sample, len(s.samples))
	copy(samples, s.samples)
	s.mu.Unlock()

	if len(samples) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := samples[0], samples[len(samples)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d samples over %s\n",
		len(samples), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(sample) float64
	}{
		{"Connections", func(s sample) float64 { return s.connections }},
		{"Active Rooms", func(s sample) float64 { return s.activeRooms }},
		{"Msgs Sent", func(s sample) float64 { return s.messages["sent"] }},
		{"Msgs Delivered", func(s sample) float64 { return s.messages["delivered"] }},
		{"Msgs Rejected", func(s sample) float64 { return s.messages["rejected"] }},
		{"Msgs Failed", func(s sample) float64 { return s.messages["failed"] }},
		{"Fanout Dropped", func(s sample) float64 { return s.dropped }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(samples, r.extract))
	}

	fmt.Fprintln(w)
	if n := last.latencyCount - first.latencyCount; n > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n", "Send Latency", (last.latencySum-first.latencySum)/n, n)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Send Latency")
	}
}

func peak(samples []sample, extract func(sample) float64) float64 {
	p := math.Inf(-1)
	for _, s := range samples {
		if v := extract(s); v > p {
			p = v
		}
	}
	return p
}
