// Package ledger mirrors usage rows to Kafka for downstream billing. Export is
// best-effort: Postgres remains the source of truth and a broker outage never
// fails a task.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// UsageExporter mirrors one usage row per terminal attempt.
type UsageExporter interface {
	Export(ctx domain.Context, u domain.UsageLog)
	Close()
}

// KafkaExporter produces usage rows to one topic, keyed by owner id so a
// consumer sees each owner's spend in order.
type KafkaExporter struct {
	client *kgo.Client
	topic  string
}

// NewKafkaExporter connects to the brokers. An empty broker list is a
// configuration error; callers gate on config.LedgerExportEnabled.
func NewKafkaExporter(brokers []string, topic string) (*KafkaExporter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=ledger.kafka: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.kafka: %w", err)
	}
	return &KafkaExporter{client: client, topic: topic}, nil
}

// Export produces one row asynchronously; failures are logged and dropped.
func (e *KafkaExporter) Export(ctx domain.Context, u domain.UsageLog) {
	b, err := json.Marshal(u)
	if err != nil {
		slog.Error("usage export marshal failed", slog.String("task_id", u.TaskID), slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic:     e.topic,
		Key:       []byte(u.OwnerID),
		Value:     b,
		Timestamp: time.Now(),
		Headers: []kgo.RecordHeader{
			{Key: "task_id", Value: []byte(u.TaskID)},
			{Key: "provider", Value: []byte(u.ProviderSlug)},
		},
	}
	e.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Error("usage export produce failed",
				slog.String("task_id", u.TaskID), slog.Any("error", err))
		}
	})
}

// Close flushes and releases the client.
func (e *KafkaExporter) Close() {
	if e.client != nil {
		e.client.Close()
	}
}
