package streaming

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/segmentio/kafka-go"

	"manifold/internal/observability"
)

// KafkaAuditor publishes one best-effort TurnAuditEvent per completed turn
// to a kafka topic, mirroring internal/tools/kafka's Writer usage. Publish
// never returns an error to the coordinator; failures are logged per spec
// §7's "aggregator and rollup failures are swallowed with logs" policy.
type KafkaAuditor struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaAuditor builds a KafkaAuditor writing to the given broker
// addresses; NewKafkaAuditorFromCSV accepts them as one comma-separated string.
func NewKafkaAuditor(brokers []string, topic string) *KafkaAuditor {
	return &KafkaAuditor{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
			Topic:    topic,
		},
		topic: topic,
	}
}

// Publish implements TurnAuditor.
func (a *KafkaAuditor) Publish(ctx context.Context, evt TurnAuditEvent) {
	if a == nil || a.writer == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("turn_audit_marshal_failed")
		return
	}
	// The topic is set on the writer; kafka-go rejects a message that also sets one.
	msg := kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: payload,
	}
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session_id", evt.SessionID).Msg("turn_audit_publish_failed")
	}
}

// Close flushes and closes the underlying kafka writer.
func (a *KafkaAuditor) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

// NewKafkaAuditorFromCSV is a convenience constructor taking a
// comma-separated broker string, matching AGENTCORE_KAFKA_BROKERS parsing
// elsewhere in this module.
func NewKafkaAuditorFromCSV(brokersCSV, topic string) *KafkaAuditor {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return NewKafkaAuditor(brokers, topic)
}
