package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"cdc-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type outcomeCallback chan string

func (c outcomeCallback) Commit()   { c <- "commit" }
func (c outcomeCallback) Rollback() { c <- "rollback" }

func (c outcomeCallback) await(t *testing.T) string {
	t.Helper()
	select {
	case o := <-c:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("batch was never resolved")
		return ""
	}
}

func newCluster(t *testing.T, topics ...string) []string {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(3, topics...))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster.ListenAddrs()
}

func consume(t *testing.T, brokers []string, topic string, n int) []*kgo.Record {
	t.Helper()
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []*kgo.Record
	for len(out) < n {
		fetches := cl.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fetches.EachRecord(func(r *kgo.Record) { out = append(out, r) })
	}
	return out
}

func orderBatch() *domain.Batch {
	return &domain.Batch{ID: 1, Entries: []domain.Entry{
		{Schema: "shop", Table: "orders", Type: domain.EventTransactionBegin},
		{Schema: "shop", Table: "orders", Type: domain.EventInsert, PrimaryKeys: []string{"id"}, Columns: map[string]string{"id": "1"}},
		{Schema: "shop", Table: "orders", Type: domain.EventUpdate, PrimaryKeys: []string{"id"}, Columns: map[string]string{"id": "2"}},
		{Schema: "shop", Table: "orders", Type: domain.EventTransactionEnd},
	}}
}

func TestProducer_SendsFlatMessages(t *testing.T) {
	brokers := newCluster(t, "shop_orders")
	p := NewProducer(Config{Brokers: brokers, ClientID: "cdc-test"}, testLogger)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx, domain.MQProperties{FlatMessage: true, FilterTransactionEntry: true}))
	defer func() { require.NoError(t, p.Stop()) }()

	dest := domain.Destination{Name: "example", MQ: domain.MQConfig{
		DynamicTopic:  "shop\\.orders",
		PartitionsNum: 3,
		PartitionHash: "shop\\..*:$pk$",
	}}
	cb := make(outcomeCallback, 1)
	require.NoError(t, p.Send(ctx, dest, orderBatch(), cb))
	assert.Equal(t, "commit", cb.await(t))

	records := consume(t, brokers, "shop_orders", 2)
	require.Len(t, records, 2)
	ops := map[string]bool{}
	for _, r := range records {
		var msg domain.FlatMessage
		require.NoError(t, json.Unmarshal(r.Value, &msg))
		ops[msg.Operation] = true
		assert.Equal(t, "orders", msg.TableName)
		assert.Less(t, r.Partition, int32(3))
	}
	assert.Equal(t, map[string]bool{"INSERT": true, "UPDATE": true}, ops)
}

func TestProducer_SendsWholeBatchToFixedPartition(t *testing.T) {
	brokers := newCluster(t, "cdc")
	p := NewProducer(Config{Brokers: brokers, Acks: "leader"}, testLogger)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx, domain.MQProperties{}))
	defer func() { require.NoError(t, p.Stop()) }()

	dest := domain.Destination{Name: "example", MQ: domain.MQConfig{Topic: "cdc", Partition: 2}}
	cb := make(outcomeCallback, 1)
	require.NoError(t, p.Send(ctx, dest, orderBatch(), cb))
	assert.Equal(t, "commit", cb.await(t))

	records := consume(t, brokers, "cdc", 1)
	assert.Equal(t, int32(2), records[0].Partition)
}

func TestProducer_FilteredBatchCommitsImmediately(t *testing.T) {
	brokers := newCluster(t, "cdc")
	p := NewProducer(Config{Brokers: brokers}, testLogger)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx, domain.MQProperties{FlatMessage: true, FilterTransactionEntry: true}))
	defer func() { require.NoError(t, p.Stop()) }()

	b := &domain.Batch{ID: 4, Entries: []domain.Entry{{Type: domain.EventTransactionBegin}, {Type: domain.EventTransactionEnd}}}
	cb := make(outcomeCallback, 1)
	require.NoError(t, p.Send(ctx, domain.Destination{Name: "example", MQ: domain.MQConfig{Topic: "cdc"}}, b, cb))
	assert.Equal(t, "commit", cb.await(t))
}

func TestProducer_RejectsUnroutableBatch(t *testing.T) {
	brokers := newCluster(t, "cdc")
	p := NewProducer(Config{Brokers: brokers}, testLogger)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx, domain.MQProperties{FlatMessage: true}))
	defer func() { require.NoError(t, p.Stop()) }()

	cb := make(outcomeCallback, 1)
	err := p.Send(ctx, domain.Destination{Name: "example", MQ: domain.MQConfig{DynamicTopic: "other"}}, orderBatch(), cb)
	require.Error(t, err)
	assert.Empty(t, cb)
}

func TestProducer_NotInitialized(t *testing.T) {
	p := NewProducer(Config{Brokers: []string{"127.0.0.1:1"}}, testLogger)
	err := p.Send(context.Background(), domain.Destination{Name: "example"}, orderBatch(), make(outcomeCallback, 1))
	require.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, p.Stop())
}

func TestProducer_InitValidatesConfig(t *testing.T) {
	require.Error(t, NewProducer(Config{}, testLogger).Init(context.Background(), domain.MQProperties{}))
	require.Error(t, NewProducer(Config{Brokers: []string{"127.0.0.1:1"}, Acks: "some"}, testLogger).Init(context.Background(), domain.MQProperties{}))
}
