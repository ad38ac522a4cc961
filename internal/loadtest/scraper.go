package loadtest

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

// snapshot holds the relay metrics tracked by the bench at one instant.
type snapshot struct {
	at          time.Time
	connections float64
	online      float64
	channels    float64
	outcomes    map[string]float64 // kindred_messages_total by outcome
	fanoutSum   float64
	fanoutCount float64
}

// Scraper polls the relay's /metrics endpoint during a bench run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately, then one per interval until ctx is
// done or Stop is called. A final snapshot is taken on the way out.
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

func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Snapshots returns how many scrapes succeeded.
func (s *Scraper) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// relay not up yet
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now(), outcomes: make(map[string]float64)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseSample(line)
		if !ok {
			continue
		}
		switch name {
		case "kindred_connections_total":
			snap.connections = value
		case "kindred_online_users":
			snap.online = value
		case "kindred_active_channels":
			snap.channels = value
		case "kindred_messages_total":
			snap.outcomes[labels["outcome"]] += value
		case "kindred_fanout_latency_seconds_sum":
			snap.fanoutSum = value
		case "kindred_fanout_latency_seconds_count":
			snap.fanoutCount = value
		}
	}
	return snap, scanner.Err()
}

// parseSample splits one exposition line such as
//
//	kindred_messages_total{outcome="delivered"} 42
//
// into its metric name, labels and value.
func parseSample(line string) (string, map[string]string, float64, bool) {
	name := line
	rest := ""
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
	if name == "" || len(fields) == 0 {
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
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}

// Report writes initial, final, delta and peak for each tracked gauge and
// counter plus the average fanout latency over the run.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Relay Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Relay Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Online Users", func(s snapshot) float64 { return s.online }},
		{"Channels", func(s snapshot) float64 { return s.channels }},
		{"Persisted", func(s snapshot) float64 { return s.outcomes["persisted"] }},
		{"Delivered", func(s snapshot) float64 { return s.outcomes["delivered"] }},
		{"Dropped", func(s snapshot) float64 { return s.outcomes["dropped"] }},
		{"Rejected", func(s snapshot) float64 { return s.outcomes["rejected"] }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.extract))
	}

	fmt.Fprintln(w)
	if n := last.fanoutCount - first.fanoutCount; n > 0 {
		avg := (last.fanoutSum - first.fanoutSum) / n
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n", "Fanout", avg, n)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Fanout")
	}
}

func peak(snaps []snapshot, extract func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > p {
			p = v
		}
	}
	return p
}
