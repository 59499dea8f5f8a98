package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exposition = `# HELP kafka_server_brokertopicmetrics_bytesin_total Attribute exposed for management
# TYPE kafka_server_brokertopicmetrics_bytesin_total counter
kafka_server_brokertopicmetrics_bytesin_total{topic="orders",} 123456.0
kafka_server_brokertopicmetrics_bytesin_total{topic="payments",} 42.0
# HELP kafka_server_brokertopicmetrics_messagesin_total Attribute exposed for management
# TYPE kafka_server_brokertopicmetrics_messagesin_total counter
kafka_server_brokertopicmetrics_messagesin_total{topic="orders",} 900.0
`

func TestPromSampler_Sample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/metrics", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, exposition)
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	s := NewPromSampler(strings.TrimPrefix(srv.URL, "http://"), testLogger)
	s.now = func() time.Time { return now }

	got := s.Sample(context.Background(), "orders")
	assert.Equal(t, Sample{Valid: true, Bytes: 123456, Time: now}, got)

	assert.Equal(t, int64(42), s.Sample(context.Background(), "payments").Bytes)
	assert.False(t, s.Sample(context.Background(), "unknown").Valid)
}

func TestPromSampler_CustomMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "redpanda_kafka_request_bytes_total{redpanda_topic=\"orders\",redpanda_request=\"produce\"} 10\n"+
			"redpanda_kafka_request_bytes_total{redpanda_topic=\"orders\",redpanda_request=\"consume\"} 5\n")
	}))
	defer srv.Close()

	s := NewPromSampler(srv.URL+"/public_metrics", testLogger, WithMetric("redpanda_kafka_request_bytes_total", "redpanda_topic"))
	got := s.Sample(context.Background(), "orders")
	require.True(t, got.Valid)
	assert.Equal(t, int64(15), got.Bytes)
}

func TestPromSampler_Unreachable(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, exposition)
	}))
	defer srv.Close()

	s := NewPromSampler(srv.URL+"/metrics", testLogger, WithTimeout(time.Second))
	assert.False(t, s.Sample(context.Background(), "orders").Valid)

	up.Store(true)
	assert.True(t, s.Sample(context.Background(), "orders").Valid)
}

func TestPromSampler_ReconnectsAfterTransportError(t *testing.T) {
	s := NewPromSampler("127.0.0.1:1", testLogger, WithTimeout(200*time.Millisecond))
	assert.False(t, s.Sample(context.Background(), "orders").Valid)
	assert.Nil(t, s.client)

	assert.False(t, NewPromSampler("", testLogger).Sample(context.Background(), "orders").Valid)
}
