// Package loadtest drives many realtime clients against a relay and reports
// latency distributions alongside the relay's own Prometheus metrics.
package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates results from many bench clients. Safe for concurrent
// use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	deliveryLatency  []time.Duration
	sent             int
	delivered        int
	errors           int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a metrics scraper whose snapshot diff is included in
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful handshake.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one message handed to the relay.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records the send-to-receive latency of one message.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveryLatency = append(c.deliveryLatency, d)
	c.delivered++
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Counts returns how many messages were sent and how many arrived.
func (c *Collector) Counts() (sent, delivered int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.delivered
}

// Report writes a summary of everything collected so far.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Bench Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	fmt.Fprintf(w, "Messages:     %d sent, %d delivered\n", c.sent, c.delivered)
	if c.sent > 0 {
		fmt.Fprintf(w, "Delivery:     %.2f%%\n", float64(c.delivered)/float64(c.sent)*100)
	}

	if s, ok := Summarize(c.connectLatencies); ok {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintln(w, "  "+s.String())
	}
	if s, ok := Summarize(c.deliveryLatency); ok {
		fmt.Fprintln(w, "\n--- Delivery Latency ---")
		fmt.Fprintln(w, "  "+s.String())
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Summary is the distribution of a latency sample.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts a copy of durations and computes its percentiles. ok is
// false for an empty sample.
func Summarize(durations []time.Duration) (Summary, bool) {
	n := len(durations)
	if n == 0 {
		return Summary{}, false
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[rank(n, 0.95)],
		P99: sorted[rank(n, 0.99)],
		Max: sorted[n-1],
	}, true
}

func rank(n int, q float64) int {
	return int(math.Ceil(float64(n)*q)) - 1
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}
