package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	// DefaultBytesInMetric is the per-topic ingress counter exposed by the
	// Kafka JMX exporter for kafka.server:type=BrokerTopicMetrics,name=BytesInPerSec.
	DefaultBytesInMetric = "kafka_server_brokertopicmetrics_bytesin_total"
	// DefaultTopicLabel is the label carrying the topic name.
	DefaultTopicLabel = "topic"
)

// PromSampler reads a topic's ingress byte counter from a Prometheus text
// endpoint. The HTTP client is created on first use and kept until a
// transport error drops it.
type PromSampler struct {
	endpoint string
	metric   string
	label    string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	client *http.Client
	url    string
}

// SamplerOption configures a PromSampler.
type SamplerOption func(*PromSampler)

// WithMetric overrides the counter and label names.
func WithMetric(metric, label string) SamplerOption {
	return func(s *PromSampler) {
		s.metric, s.label = metric, label
	}
}

// WithTimeout bounds a single scrape.
func WithTimeout(d time.Duration) SamplerOption {
	return func(s *PromSampler) { s.timeout = d }
}

// NewPromSampler returns a sampler for endpoint, either a full URL or a
// host:port whose /metrics path is scraped.
func NewPromSampler(endpoint string, logger *slog.Logger, opts ...SamplerOption) *PromSampler {
	s := &PromSampler{
		endpoint: strings.TrimSpace(endpoint),
		metric:   DefaultBytesInMetric,
		label:    DefaultTopicLabel,
		timeout:  2 * time.Second,
		logger:   logger.With("component", "metrics-sampler", "endpoint", endpoint),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sample implements Sampler.
func (s *PromSampler) Sample(ctx context.Context, topic string) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, target, err := s.connect()
	if err != nil {
		s.logger.Debug("metrics endpoint unusable", "error", err)
		return Sample{}
	}

	bytes, err := s.scrape(ctx, client, target, topic)
	if err != nil {
		s.logger.Debug("failed to sample ingress bytes", "topic", topic, "error", err)
		return Sample{}
	}
	return Sample{Valid: true, Bytes: bytes, Time: s.now()}
}

func (s *PromSampler) connect() (*http.Client, string, error) {
	if s.client != nil {
		return s.client, s.url, nil
	}
	if s.endpoint == "" {
		return nil, "", fmt.Errorf("no metrics endpoint configured")
	}
	raw := s.endpoint
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw + "/metrics"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("invalid metrics endpoint %q: %w", s.endpoint, err)
	}
	s.client = &http.Client{Timeout: s.timeout}
	s.url = u.String()
	return s.client, s.url, nil
}

func (s *PromSampler) scrape(ctx context.Context, client *http.Client, target, topic string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := client.Do(req)
	if err != nil {
		// reconnect on the next sample
		s.client = nil
		return 0, fmt.Errorf("scrape %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("scrape %s: unexpected status %s", target, resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("parse metrics: %w", err)
	}
	family, ok := families[s.metric]
	if !ok {
		return 0, fmt.Errorf("metric %s not exposed", s.metric)
	}

	var total float64
	found := false
	for _, m := range family.GetMetric() {
		if !hasLabel(m, s.label, topic) {
			continue
		}
		total += metricValue(m)
		found = true
	}
	if !found {
		return 0, fmt.Errorf("metric %s has no series for topic %s", s.metric, topic)
	}
	return int64(total), nil
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue() == value
		}
	}
	return false
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Untyped != nil:
		return m.GetUntyped().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	}
	return 0
}
